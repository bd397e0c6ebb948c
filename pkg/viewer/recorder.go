package viewer

import "sync"

// Message is a recorded document-to-embedder message.
type Message struct {
	Type          string
	Data          any
	AwaitResponse bool
}

// Recorder is a Deliverer target that records every message it receives.
// It is intended for tests and for embedders that poll.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	// Response is returned for every awaited message.
	Response any
}

// Deliver implements Deliverer.
func (r *Recorder) Deliver(msgType string, data any, awaitResponse bool) (any, error) {
	r.mu.Lock()
	r.messages = append(r.messages, Message{Type: msgType, Data: data, AwaitResponse: awaitResponse})
	resp := r.Response
	r.mu.Unlock()
	if awaitResponse {
		return resp, nil
	}
	return nil, nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Count returns how many messages of msgType were recorded.
func (r *Recorder) Count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

// Reset clears the recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
