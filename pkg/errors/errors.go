// Package errors provides structured diagnostics for the multidoc host.
//
// Nothing in the host is allowed to fault the parent page. Failures that only
// degrade one sub-document are wrapped in a DocError and sent to the installed
// Handler through Report, which by default writes them to a slog.Logger.
package errors

import (
	"fmt"
	"log/slog"
	"time"
)

// ErrorKind identifies the category of an error.
type ErrorKind int

const (
	// KindUnknown indicates an error of unknown type.
	KindUnknown ErrorKind = iota
	// KindMerge indicates a head element that could not be merged.
	KindMerge
	// KindInvariant indicates a lifecycle invariant that was violated and
	// self-healed (double attach, host detached without close).
	KindInvariant
	// KindState indicates a rejected state get/set request.
	KindState
	// KindTimeout indicates a bounded wait that expired.
	KindTimeout
	// KindTransport indicates a viewer or embedder bridge failure.
	KindTransport
	// KindExtension indicates an extension that could not be installed.
	KindExtension
	// KindConfig indicates an invalid configuration value.
	KindConfig
	// KindPanic indicates a recovered panic.
	KindPanic
)

func (k ErrorKind) String() string {
	switch k {
	case KindMerge:
		return "merge"
	case KindInvariant:
		return "invariant"
	case KindState:
		return "state"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindExtension:
		return "extension"
	case KindConfig:
		return "config"
	case KindPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// Level returns the log level a diagnostic of this kind is written at.
func (k ErrorKind) Level() slog.Level {
	switch k {
	case KindInvariant:
		return slog.LevelWarn
	case KindTimeout:
		return slog.LevelInfo
	case KindState:
		return slog.LevelDebug
	default:
		return slog.LevelError
	}
}

// DocError represents a structured diagnostic raised while hosting a document.
type DocError struct {
	// Op is the operation that failed (e.g., "headmerge.Merge").
	Op string
	// Kind categorizes the error.
	Kind ErrorKind
	// Err is the underlying error.
	Err error
	// URL is the document URL, if applicable.
	URL string
	// Node is a short rendering of the offending node, if applicable.
	Node string
	// StackTrace contains the call stack at the time of the error.
	StackTrace string
	// Timestamp is when the error occurred.
	Timestamp time.Time
}

func (e *DocError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s [%s] url=%s: %v", e.Op, e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *DocError) Unwrap() error {
	return e.Err
}

// PanicError represents a recovered panic.
type PanicError struct {
	// Op is the operation that panicked (e.g., "scheduler.run").
	Op string
	// Value is the value passed to panic().
	Value any
	// StackTrace contains the call stack at the time of the panic.
	StackTrace string
	// Timestamp is when the panic occurred.
	Timestamp time.Time
}

func (e *PanicError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("panic in %s: %v", e.Op, e.Value)
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// Handler receives errors reported by the host.
type Handler interface {
	// HandleError is called when a diagnostic is reported.
	HandleError(err *DocError)
	// HandlePanic is called when a panic is recovered.
	HandlePanic(err *PanicError)
}
