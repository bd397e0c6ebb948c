package multidoc

// Phase is the lifecycle phase of a hosted document. Phases only move
// forward; PhaseReady is skipped when a document closes first.
type Phase int

const (
	// PhaseAttaching is the phase while the boundary and context are created.
	PhaseAttaching Phase = iota
	// PhaseRendering is the phase while content is merged and imported.
	PhaseRendering
	// PhaseReady is entered once population completes.
	PhaseReady
	// PhaseClosing is entered when close starts; the document is unregistered.
	PhaseClosing
	// PhaseClosed is entered when the close is confirmed or timed out.
	PhaseClosed
)

// String returns the lowercase name of p, as used in logs and the HTTP API.
func (p Phase) String() string {
	switch p {
	case PhaseAttaching:
		return "attaching"
	case PhaseRendering:
		return "rendering"
	case PhaseReady:
		return "ready"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Live reports whether a document in phase p is registered.
func (p Phase) Live() bool {
	return p < PhaseClosing
}
