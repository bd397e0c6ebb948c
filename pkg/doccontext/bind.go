package doccontext

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-drift/multidoc/pkg/viewer"
)

// Bind errors.
var (
	// ErrInvalidExpression indicates a state expression that is not a JSON
	// object literal.
	ErrInvalidExpression = errors.New("bind: invalid expression")

	// ErrInvalidObject indicates a state object that is neither a map nor a
	// slice.
	ErrInvalidObject = errors.New("bind: invalid state object")
)

// Bind is a document-scoped state store. Values are JSON-compatible; reads
// return deep copies.
type Bind struct {
	mu    sync.RWMutex
	state map[string]any
}

// NewBind creates an empty state store.
func NewBind() *Bind {
	return &Bind{state: make(map[string]any)}
}

// GetState returns a copy of the value at a dotted path ("a.b.0.c"). A
// missing path yields nil without error.
func (b *Bind) GetState(path string) (any, error) {
	b.mu.RLock()
	var cur any = b.state
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			cur = lookup(cur, part)
			if cur == nil {
				break
			}
		}
	}
	b.mu.RUnlock()
	if cur == nil {
		return nil, nil
	}
	return viewer.Copy(cur)
}

// SetStateWithExpression merges the state described by expr. Only JSON object
// literals are evaluated; scope is merged underneath the result so the
// expression wins on conflicts.
func (b *Bind) SetStateWithExpression(expr string, scope map[string]any) error {
	decoded, err := viewer.DefaultCodec.Decode([]byte(strings.TrimSpace(expr)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: not an object", ErrInvalidExpression)
	}
	merged := make(map[string]any, len(scope)+len(obj))
	for k, v := range scope {
		merged[k] = v
	}
	for k, v := range obj {
		merged[k] = v
	}
	return b.SetStateWithObject(merged)
}

// SetStateWithObject deep-merges obj into the state. A slice merges by index.
func (b *Bind) SetStateWithObject(obj any) error {
	cp, err := viewer.Copy(obj)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	var src map[string]any
	switch v := cp.(type) {
	case map[string]any:
		src = v
	case []any:
		src = make(map[string]any, len(v))
		for i, e := range v {
			src[strconv.Itoa(i)] = e
		}
	default:
		return ErrInvalidObject
	}
	b.mu.Lock()
	deepMerge(b.state, src)
	b.mu.Unlock()
	return nil
}

func lookup(v any, key string) any {
	switch t := v.(type) {
	case map[string]any:
		return t[key]
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(t) {
			return nil
		}
		return t[i]
	}
	return nil
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		sm, sok := v.(map[string]any)
		dm, dok := dst[k].(map[string]any)
		if sok && dok {
			deepMerge(dm, sm)
			continue
		}
		dst[k] = v
	}
}
