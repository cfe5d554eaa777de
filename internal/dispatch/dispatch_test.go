package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
)

// call records one handler invocation.
type call struct {
	source string
	msg    string
}

// recorder is a test handler that records invocations and can be told to
// fail or panic on specific calls.
type recorder struct {
	calls   []call
	failOn  map[int]error // 1-based invocation index -> error to return
	panicOn int           // 1-based invocation index to panic on, 0 = never
}

func (r *recorder) handler(_ context.Context, source, msg string) error {
	r.calls = append(r.calls, call{source: source, msg: msg})
	n := len(r.calls)
	if r.panicOn == n {
		panic("handler exploded")
	}
	if err, ok := r.failOn[n]; ok {
		return err
	}
	return nil
}

func newTestDispatcher(t *testing.T, cfg Config) (*RoundRobin[string, string], *recorder) {
	t.Helper()
	rec := &recorder{}
	d, err := NewRoundRobin(rec.handler, cfg, nil)
	if err != nil {
		t.Fatalf("NewRoundRobin failed: %v", err)
	}
	return d, rec
}

// seed installs sources with empty queues and zero retries, in ring order,
// to set up mid-life scheduler states without replaying traffic.
func seed(d *RoundRobin[string, string], sources ...string) {
	for _, s := range sources {
		d.ring = append(d.ring, s)
		d.queues[s] = nil
		d.retries[s] = 0
	}
}

// checkInvariants verifies the structural invariants that must hold
// between top-level Dispatch calls.
func checkInvariants(t *testing.T, d *RoundRobin[string, string]) {
	t.Helper()

	// Ring, queue map and retry map agree on the set of live sources,
	// and each source appears in the ring exactly once.
	if len(d.ring) != len(d.queues) || len(d.ring) != len(d.retries) {
		t.Fatalf("state size mismatch: ring=%d queues=%d retries=%d", len(d.ring), len(d.queues), len(d.retries))
	}
	seen := make(map[string]bool, len(d.ring))
	for _, s := range d.ring {
		if seen[s] {
			t.Fatalf("source %q appears more than once in ring %v", s, d.ring)
		}
		seen[s] = true
		if _, ok := d.queues[s]; !ok {
			t.Fatalf("ring source %q has no queue", s)
		}
		if _, ok := d.retries[s]; !ok {
			t.Fatalf("ring source %q has no retry counter", s)
		}
	}

	for s, q := range d.queues {
		if len(q) > d.cfg.MaxSourceQueueSize {
			t.Fatalf("queue for %q exceeds bound: %d > %d", s, len(q), d.cfg.MaxSourceQueueSize)
		}
	}
	if d.skipped < 0 || d.skipped > d.cfg.GiveUpAfterSkipped {
		t.Fatalf("skipped counter out of range: %d", d.skipped)
	}
	for s, r := range d.retries {
		if r < 0 || r > d.cfg.DropSourceAfterRetries {
			t.Fatalf("retry counter for %q out of range: %d", s, r)
		}
	}
}

func dispatchAll(t *testing.T, d *RoundRobin[string, string], steps ...[2]string) {
	t.Helper()
	for _, step := range steps {
		d.Dispatch(context.Background(), step[0], step[1])
		checkInvariants(t, d)
	}
}

func TestDispatch_RoundRobinFairness(t *testing.T) {
	t.Parallel()
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 2, GiveUpAfterSkipped: 2, DropSourceAfterRetries: 1})

	dispatchAll(t, d,
		[2]string{"A", "a1"}, [2]string{"B", "b1"}, [2]string{"C", "c1"},
		[2]string{"A", "a2"}, [2]string{"B", "b2"}, [2]string{"C", "c2"},
	)

	want := []call{
		{"A", "a1"}, {"B", "b1"}, {"C", "c1"},
		{"A", "a2"}, {"B", "b2"}, {"C", "c2"},
	}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("handler calls = %v, want %v", rec.calls, want)
	}
	if !slices.Equal(d.ring, []string{"A", "B", "C"}) {
		t.Errorf("final ring = %v, want [A B C]", d.ring)
	}
	if got := d.Stats().QueueDepth; got != 0 {
		t.Errorf("expected all queues drained, depth = %d", got)
	}
}

func TestDispatch_GiveUpRotatesHead(t *testing.T) {
	t.Parallel()
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 2, GiveUpAfterSkipped: 2, DropSourceAfterRetries: 1})
	seed(d, "A", "B")

	// First mismatched arrival only spends skip budget.
	d.Dispatch(context.Background(), "B", "b1")
	checkInvariants(t, d)
	if len(rec.calls) != 0 {
		t.Fatalf("expected no handler calls yet, got %v", rec.calls)
	}
	if d.skipped != 1 {
		t.Fatalf("skipped = %d, want 1", d.skipped)
	}

	// Second mismatch exhausts the budget: give up on A, then serve B.
	d.Dispatch(context.Background(), "B", "b2")
	checkInvariants(t, d)

	want := []call{{"B", "b1"}, {"B", "b2"}}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("handler calls = %v, want %v", rec.calls, want)
	}
	if d.retries["A"] != 1 {
		t.Errorf("retries[A] = %d, want 1", d.retries["A"])
	}
	if d.skipped != 0 {
		t.Errorf("skipped = %d, want 0 after give-up", d.skipped)
	}
	if !slices.Equal(d.ring, []string{"A", "B"}) {
		t.Errorf("final ring = %v, want [A B]", d.ring)
	}
}

func TestDispatch_DropsSourceAfterRetries(t *testing.T) {
	t.Parallel()
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 2, GiveUpAfterSkipped: 2, DropSourceAfterRetries: 1})
	seed(d, "A", "B")
	d.retries["A"] = 1

	d.Dispatch(context.Background(), "B", "b1")
	checkInvariants(t, d)
	d.Dispatch(context.Background(), "B", "b2")
	checkInvariants(t, d)

	if _, ok := d.queues["A"]; ok {
		t.Error("expected A to be evicted")
	}
	if !slices.Equal(d.ring, []string{"B"}) {
		t.Errorf("final ring = %v, want [B]", d.ring)
	}
	want := []call{{"B", "b1"}, {"B", "b2"}}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("handler calls = %v, want %v", rec.calls, want)
	}
	if got := d.Stats().Evicted; got != 1 {
		t.Errorf("evicted = %d, want 1", got)
	}
}

func TestDispatch_OverflowDropsPacket(t *testing.T) {
	t.Parallel()
	// B heads the ring with a generous skip budget, so A's packets queue
	// up without being drained.
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 2, GiveUpAfterSkipped: 10, DropSourceAfterRetries: 1})
	seed(d, "B")

	d.Dispatch(context.Background(), "A", "a1")
	d.Dispatch(context.Background(), "A", "a2")
	checkInvariants(t, d)

	ringBefore := slices.Clone(d.ring)
	queueBefore := slices.Clone(d.queues["A"])
	retriesBefore := d.retries["A"]

	// Queue is full: a3 vanishes without touching queues, ring or retries.
	d.Dispatch(context.Background(), "A", "a3")
	checkInvariants(t, d)

	if !slices.Equal(d.queues["A"], []string{"a1", "a2"}) {
		t.Errorf("queue[A] = %v, want [a1 a2]", d.queues["A"])
	}
	if !slices.Equal(d.queues["A"], queueBefore) || !slices.Equal(d.ring, ringBefore) || d.retries["A"] != retriesBefore {
		t.Error("overflow must not change queues, ring or retries")
	}
	if d.retries["A"] != 0 {
		t.Errorf("retries[A] = %d, want 0", d.retries["A"])
	}
	if len(rec.calls) != 0 {
		t.Errorf("expected no handler calls, got %v", rec.calls)
	}
	if got := d.Stats().OverflowDropped; got != 1 {
		t.Errorf("overflow dropped = %d, want 1", got)
	}
}

func TestDispatch_AcceptedPacketResetsRetries(t *testing.T) {
	t.Parallel()
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 2, GiveUpAfterSkipped: 2, DropSourceAfterRetries: 1})
	seed(d, "A", "B")
	d.retries["A"] = 1

	d.Dispatch(context.Background(), "A", "a1")
	checkInvariants(t, d)

	if d.retries["A"] != 0 {
		t.Errorf("retries[A] = %d, want 0 after accepted packet", d.retries["A"])
	}
	want := []call{{"A", "a1"}}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("handler calls = %v, want %v", rec.calls, want)
	}
	if !slices.Equal(d.ring, []string{"B", "A"}) {
		t.Errorf("final ring = %v, want [B A]", d.ring)
	}
}

func TestDispatch_HandlerFailureConsumesPacket(t *testing.T) {
	t.Parallel()
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 2, GiveUpAfterSkipped: 2, DropSourceAfterRetries: 1})
	rec.failOn = map[int]error{1: errors.New("downstream unavailable")}

	d.Dispatch(context.Background(), "A", "a1")
	checkInvariants(t, d)
	d.Dispatch(context.Background(), "A", "a2")
	checkInvariants(t, d)

	// a1 was consumed despite the failure; a2 delivered normally.
	want := []call{{"A", "a1"}, {"A", "a2"}}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("handler calls = %v, want %v", rec.calls, want)
	}
	if len(d.queues["A"]) != 0 {
		t.Errorf("queue[A] = %v, want empty", d.queues["A"])
	}

	stats := d.Stats()
	if stats.HandlerErrors != 1 {
		t.Errorf("handler errors = %d, want 1", stats.HandlerErrors)
	}
	if stats.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", stats.Delivered)
	}
}

func TestDispatch_HandlerPanicConsumesPacket(t *testing.T) {
	t.Parallel()
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 2, GiveUpAfterSkipped: 2, DropSourceAfterRetries: 1})
	rec.panicOn = 1

	d.Dispatch(context.Background(), "A", "a1")
	checkInvariants(t, d)
	d.Dispatch(context.Background(), "A", "a2")
	checkInvariants(t, d)

	if len(d.queues["A"]) != 0 {
		t.Errorf("queue[A] = %v, want empty", d.queues["A"])
	}
	if got := d.Stats().HandlerErrors; got != 1 {
		t.Errorf("handler errors = %d, want 1", got)
	}
}

func TestDispatch_IntraSourceFIFO(t *testing.T) {
	t.Parallel()
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 16, GiveUpAfterSkipped: 3, DropSourceAfterRetries: 2})

	for i := 1; i <= 5; i++ {
		d.Dispatch(context.Background(), "A", fmt.Sprintf("a%d", i))
		d.Dispatch(context.Background(), "B", fmt.Sprintf("b%d", i))
		checkInvariants(t, d)
	}

	var aOrder, bOrder []string
	for _, c := range rec.calls {
		switch c.source {
		case "A":
			aOrder = append(aOrder, c.msg)
		case "B":
			bOrder = append(bOrder, c.msg)
		}
	}
	if !slices.Equal(aOrder, []string{"a1", "a2", "a3", "a4", "a5"}) {
		t.Errorf("A delivery order = %v", aOrder)
	}
	// b5 arrives while A heads the ring and only spends skip budget, so it
	// is still queued behind the four delivered B packets.
	if !slices.Equal(bOrder, []string{"b1", "b2", "b3", "b4"}) {
		t.Errorf("B delivery order = %v", bOrder)
	}
	if !slices.Equal(d.queues["B"], []string{"b5"}) {
		t.Errorf("queue[B] = %v, want [b5]", d.queues["B"])
	}
}

func TestDispatch_EvictedSourceRejoinsFresh(t *testing.T) {
	t.Parallel()
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 2, GiveUpAfterSkipped: 1, DropSourceAfterRetries: 0})
	seed(d, "A", "B")

	// One mismatch exhausts the skip budget and the retry budget: A is gone.
	d.Dispatch(context.Background(), "B", "b1")
	checkInvariants(t, d)
	if _, ok := d.queues["A"]; ok {
		t.Fatal("expected A to be evicted")
	}

	// The same identity re-registers as a brand new source at the tail.
	d.Dispatch(context.Background(), "A", "a1")
	checkInvariants(t, d)
	if d.retries["A"] != 0 {
		t.Errorf("retries[A] = %d, want 0 for recreated source", d.retries["A"])
	}
	want := []call{{"B", "b1"}, {"A", "a1"}}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("handler calls = %v, want %v", rec.calls, want)
	}
}

func TestDispatch_ZeroBudgetsDropHeadImmediately(t *testing.T) {
	t.Parallel()
	// With both budgets at zero a single mismatched arrival evicts the
	// head, even within the call that created the arriving source.
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 1, GiveUpAfterSkipped: 0, DropSourceAfterRetries: 0})

	d.Dispatch(context.Background(), "A", "a1")
	checkInvariants(t, d)
	d.Dispatch(context.Background(), "B", "b1")
	checkInvariants(t, d)

	if _, ok := d.queues["A"]; ok {
		t.Error("expected A to be evicted")
	}
	if !slices.Equal(d.ring, []string{"B"}) {
		t.Errorf("final ring = %v, want [B]", d.ring)
	}
	want := []call{{"A", "a1"}, {"B", "b1"}}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("handler calls = %v, want %v", rec.calls, want)
	}
}

func TestDispatch_SingleSourceRotatesInPlace(t *testing.T) {
	t.Parallel()
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 4, GiveUpAfterSkipped: 2, DropSourceAfterRetries: 1})

	d.Dispatch(context.Background(), "A", "a1")
	d.Dispatch(context.Background(), "A", "a2")
	checkInvariants(t, d)

	if !slices.Equal(d.ring, []string{"A"}) {
		t.Errorf("ring = %v, want [A]", d.ring)
	}
	if len(rec.calls) != 2 {
		t.Errorf("expected 2 deliveries, got %d", len(rec.calls))
	}
}

func TestDispatch_QueuedBacklogLostOnEviction(t *testing.T) {
	t.Parallel()
	d, rec := newTestDispatcher(t, Config{MaxSourceQueueSize: 4, GiveUpAfterSkipped: 1, DropSourceAfterRetries: 0})
	seed(d, "A", "B")
	d.queues["A"] = []string{"a1", "a2"}

	// A heads the ring with a backlog, but the mismatch evicts it before
	// it is ever served. Its backlog goes with it.
	d.Dispatch(context.Background(), "B", "b1")
	checkInvariants(t, d)

	want := []call{{"B", "b1"}}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("handler calls = %v, want %v", rec.calls, want)
	}
	if got := d.Stats().Evicted; got != 1 {
		t.Errorf("evicted = %d, want 1", got)
	}
}

func TestNewRoundRobin_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewRoundRobin[string, string](nil, DefaultConfig(), nil); err == nil {
		t.Error("expected error for nil handler")
	}

	noop := func(context.Context, string, string) error { return nil }
	bad := []Config{
		{MaxSourceQueueSize: 0, GiveUpAfterSkipped: 1, DropSourceAfterRetries: 1},
		{MaxSourceQueueSize: -1, GiveUpAfterSkipped: 1, DropSourceAfterRetries: 1},
		{MaxSourceQueueSize: 1, GiveUpAfterSkipped: -1, DropSourceAfterRetries: 1},
		{MaxSourceQueueSize: 1, GiveUpAfterSkipped: 1, DropSourceAfterRetries: -1},
	}
	for _, cfg := range bad {
		if _, err := NewRoundRobin(noop, cfg, nil); err == nil {
			t.Errorf("expected error for config %+v", cfg)
		}
	}

	if _, err := NewRoundRobin(noop, DefaultConfig(), nil); err != nil {
		t.Errorf("unexpected error for valid config: %v", err)
	}
}
