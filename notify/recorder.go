package notify

import (
	"context"
	"sync"
)

// Sent is one notification captured by Recorder.
type Sent struct {
	RecipientID string
	Event       EventType
	Payload     map[string]any
}

// Recorder is an in-memory Notifier that keeps everything it is handed.
// Fail, when set, makes Notify return its error for matching events.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	Fail func(recipientID string, event EventType) error
}

func (r *Recorder) Notify(_ context.Context, recipientID string, event EventType, payload map[string]any) error {
	if r.Fail != nil {
		if err := r.Fail(recipientID, event); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{RecipientID: recipientID, Event: event, Payload: payload})
	return nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// To returns the events delivered to one recipient, in order.
func (r *Recorder) To(recipientID string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, s := range r.sent {
		if s.RecipientID == recipientID {
			out = append(out, s.Event)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
