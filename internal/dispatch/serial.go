package dispatch

import (
	"context"
	"sync"
)

// Serial wraps a RoundRobin so that at most one Dispatch runs at a time.
// The critical section covers the whole operation including handler
// invocations, so a non-reentrant handler sees one call at a time. This is
// the variant the rest of the node uses; acquisition order under
// contention is whatever the runtime provides.
type Serial[S comparable, M any] struct {
	mu sync.Mutex
	rr *RoundRobin[S, M]
}

// NewSerial creates a serialized round-robin dispatcher. metrics may be nil.
func NewSerial[S comparable, M any](handler Handler[S, M], cfg Config, metrics MetricsRecorder) (*Serial[S, M], error) {
	rr, err := NewRoundRobin(handler, cfg, metrics)
	if err != nil {
		return nil, err
	}
	return &Serial[S, M]{rr: rr}, nil
}

// Dispatch submits a message from a source, holding the dispatcher lock
// for the duration of the triggered work.
func (s *Serial[S, M]) Dispatch(ctx context.Context, source S, msg M) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rr.Dispatch(ctx, source, msg)
}

// Stats returns a consistent snapshot of dispatcher statistics.
func (s *Serial[S, M]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rr.Stats()
}
