// Package dispatch implements fair round-robin delivery of inbound packets
// from many sources to a single handler.
//
// Each source gets a bounded FIFO queue and a slot in a scheduling ring.
// The ring head is the source currently entitled to service; arrivals from
// other sources count against a skip budget, after which the head is
// rotated away, and sources that repeatedly fail to make progress are
// evicted. A loud or slow peer therefore cannot starve the others, and the
// memory held per peer is capped.
package dispatch

import (
	"context"
	"fairdispatch/internal/apperrors"
	"log/slog"
	"sync/atomic"
	"time"
)

// Handler consumes one message from a source. Returning an error marks the
// invocation as failed, but the message is considered consumed either way.
type Handler[S comparable, M any] func(ctx context.Context, source S, msg M) error

// MetricsRecorder is an optional interface for recording dispatch metrics.
type MetricsRecorder interface {
	RecordDelivered(ctx context.Context, durationSeconds float64)
	RecordHandlerError(ctx context.Context)
	RecordOverflowDropped(ctx context.Context)
	RecordGiveUp(ctx context.Context)
	RecordSourceEvicted(ctx context.Context)
	RecordQueueDepth(ctx context.Context, depth int64)
	RecordSourceCount(ctx context.Context, count int64)
}

// RoundRobin schedules messages across sources. It is NOT safe for
// concurrent use: its state transitions assume a single logical caller at a
// time. Wrap it in Serial to share it across producers; the bare type
// exists as a building block.
type RoundRobin[S comparable, M any] struct {
	handler Handler[S, M]
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	// Scheduling state. ring[0] is the source currently entitled to
	// service. Every source in the ring has a queue and a retry counter,
	// and vice versa.
	ring    []S
	queues  map[S][]M
	retries map[S]int
	skipped int

	accepted      atomic.Int64
	delivered     atomic.Int64
	handlerErrors atomic.Int64
	overflow      atomic.Int64
	giveUps       atomic.Int64
	evicted       atomic.Int64
}

// Stats holds dispatcher statistics.
type Stats struct {
	Sources         int   // sources currently in the ring
	QueueDepth      int   // total messages queued across all sources
	Skipped         int   // current value of the skip counter
	Accepted        int64 // messages accepted into a queue
	Delivered       int64 // successful handler invocations
	HandlerErrors   int64 // handler invocations that failed (message consumed anyway)
	OverflowDropped int64 // messages dropped because a source queue was full
	GiveUps         int64 // times the ring head was abandoned for its turn
	Evicted         int64 // sources dropped after too many give-ups
}

// NewRoundRobin creates an unsynchronized round-robin dispatcher.
// metrics may be nil.
func NewRoundRobin[S comparable, M any](handler Handler[S, M], cfg Config, metrics MetricsRecorder) (*RoundRobin[S, M], error) {
	if handler == nil {
		return nil, apperrors.Validation("handler", "handler must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RoundRobin[S, M]{
		handler: handler,
		cfg:     cfg,
		logger:  slog.With("component", "dispatch"),
		metrics: metrics,
		queues:  make(map[S][]M),
		retries: make(map[S]int),
	}, nil
}

// Dispatch submits a message from a source and runs the dispatch loop.
// It returns once the work triggered by this call has quiesced, which may
// include zero or more handler invocations and possibly the eviction of
// some source. Nothing is ever reported back to the submitter: overflow
// drops, give-ups and handler failures are all absorbed here.
func (d *RoundRobin[S, M]) Dispatch(ctx context.Context, source S, msg M) {
	d.ensureSource(source)
	d.enqueue(ctx, source, msg)
	d.drain(ctx, source)

	if d.metrics != nil {
		d.metrics.RecordQueueDepth(ctx, int64(d.queueDepth()))
		d.metrics.RecordSourceCount(ctx, int64(len(d.ring)))
	}
}

// Stats returns current dispatcher statistics. Under Serial this is only
// consistent when called through the wrapper.
func (d *RoundRobin[S, M]) Stats() Stats {
	return Stats{
		Sources:         len(d.ring),
		QueueDepth:      d.queueDepth(),
		Skipped:         d.skipped,
		Accepted:        d.accepted.Load(),
		Delivered:       d.delivered.Load(),
		HandlerErrors:   d.handlerErrors.Load(),
		OverflowDropped: d.overflow.Load(),
		GiveUps:         d.giveUps.Load(),
		Evicted:         d.evicted.Load(),
	}
}

// ensureSource registers a source on first contact: ring tail, empty
// queue, retry counter zero. Known sources are left untouched.
func (d *RoundRobin[S, M]) ensureSource(source S) {
	if _, ok := d.queues[source]; ok {
		return
	}
	d.ring = append(d.ring, source)
	d.queues[source] = nil
	d.retries[source] = 0
}

// enqueue appends the message to the source's queue if the bound allows.
// Acceptance resets the source's retry counter; a rejected message must
// not be credited as recent activity, so overflow changes nothing.
func (d *RoundRobin[S, M]) enqueue(ctx context.Context, source S, msg M) {
	q := d.queues[source]
	if len(q) >= d.cfg.MaxSourceQueueSize {
		d.overflow.Add(1)
		if d.metrics != nil {
			d.metrics.RecordOverflowDropped(ctx)
		}
		d.logger.Debug("queue full, packet dropped", "source", source, "depth", len(q))
		return
	}
	d.queues[source] = append(q, msg)
	d.retries[source] = 0
	d.accepted.Add(1)
}

// drain runs the dispatch loop. If the arriving source is not the ring
// head, the skip counter advances and the loop halts until the budget is
// spent, at which point the head is given up on. Whatever source then
// heads the ring is served until its queue is empty, rotated to the tail,
// and the next head served in turn while it has work.
func (d *RoundRobin[S, M]) drain(ctx context.Context, source S) {
	if len(d.ring) == 0 {
		return
	}
	if head := d.ring[0]; head != source {
		d.skipped++
		if d.skipped < d.cfg.GiveUpAfterSkipped {
			return
		}
		d.giveUp(ctx, head)
	}

	for len(d.ring) > 0 {
		head := d.ring[0]
		if len(d.queues[head]) == 0 {
			return
		}
		for len(d.queues[head]) > 0 {
			msg := d.queues[head][0]
			d.invoke(ctx, head, msg)
			d.queues[head] = d.queues[head][1:]
			d.skipped = 0
		}
		d.rotate(head)
	}
}

// giveUp abandons the current head for this scheduling turn. The head
// either rotates to the tail or, once its retry counter exceeds the
// configured limit, is dropped along with its queued messages.
func (d *RoundRobin[S, M]) giveUp(ctx context.Context, source S) {
	d.skipped = 0
	d.retries[source]++
	d.giveUps.Add(1)
	if d.metrics != nil {
		d.metrics.RecordGiveUp(ctx)
	}

	if d.retries[source] > d.cfg.DropSourceAfterRetries {
		d.drop(ctx, source)
		return
	}
	d.rotate(source)
}

// drop evicts a source entirely. Queued messages are lost; the next
// Dispatch naming the same identity re-creates it fresh at the ring tail.
func (d *RoundRobin[S, M]) drop(ctx context.Context, source S) {
	d.removeFromRing(source)
	lost := len(d.queues[source])
	delete(d.queues, source)
	delete(d.retries, source)
	d.evicted.Add(1)
	if d.metrics != nil {
		d.metrics.RecordSourceEvicted(ctx)
	}
	d.logger.Warn("source evicted after repeated give-ups", "source", source, "lost", lost)
}

// rotate moves a source to the ring tail. A ring of one rotates to itself.
func (d *RoundRobin[S, M]) rotate(source S) {
	d.removeFromRing(source)
	d.ring = append(d.ring, source)
}

func (d *RoundRobin[S, M]) removeFromRing(source S) {
	for i, s := range d.ring {
		if s == source {
			d.ring = append(d.ring[:i], d.ring[i+1:]...)
			return
		}
	}
}

// invoke runs the handler for one message. Errors and panics are absorbed:
// the dispatcher's liveness must not depend on handler reliability, and the
// message counts as consumed either way.
func (d *RoundRobin[S, M]) invoke(ctx context.Context, source S, msg M) {
	defer func() {
		if r := recover(); r != nil {
			d.handlerErrors.Add(1)
			if d.metrics != nil {
				d.metrics.RecordHandlerError(ctx)
			}
			d.logger.Error("handler panicked, packet consumed", "source", source, "panic", r)
		}
	}()

	start := time.Now()
	if err := d.handler(ctx, source, msg); err != nil {
		d.handlerErrors.Add(1)
		if d.metrics != nil {
			d.metrics.RecordHandlerError(ctx)
		}
		d.logger.Warn("handler failed, packet consumed", "source", source, "error", err)
		return
	}

	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDelivered(ctx, time.Since(start).Seconds())
	}
}

func (d *RoundRobin[S, M]) queueDepth() int {
	depth := 0
	for _, q := range d.queues {
		depth += len(q)
	}
	return depth
}
