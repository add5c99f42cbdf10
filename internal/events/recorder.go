package events

import (
	"context"
	"sync"
)

// Recorder keeps published envelopes in memory. The memory backend uses it
// as its outbox and tests use it to assert on notifications.
type Recorder struct {
	mu  sync.Mutex
	evs []Envelope
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, ev Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *Recorder) All() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.evs))
	copy(out, r.evs)
	return out
}

func (r *Recorder) OfType(eventType string) []Envelope {
	var out []Envelope
	for _, ev := range r.All() {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Fanout publishes to every publisher and returns the first error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Envelope) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
