package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fairdispatch/internal/apperrors"
	"fairdispatch/internal/transport"
	"fairdispatch/pkg/backoff"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastBackoff() *backoff.Config {
	return &backoff.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestForward_Delivers(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	var gotSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Signature-256")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f, err := New(Config{URL: server.URL, SigningKey: "secret", Backoff: fastBackoff()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	pkt := transport.Packet{Seq: 7, Payload: json.RawMessage(`{"kind":"ping"}`)}
	if err := f.Forward(context.Background(), "peer-1", pkt); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	var delivery Delivery
	if err := json.Unmarshal(gotBody, &delivery); err != nil {
		t.Fatalf("invalid delivery body: %v", err)
	}
	if delivery.PeerID != "peer-1" {
		t.Errorf("peer_id = %q, want peer-1", delivery.PeerID)
	}
	if delivery.Seq != 7 {
		t.Errorf("seq = %d, want 7", delivery.Seq)
	}
	if string(delivery.Payload) != `{"kind":"ping"}` {
		t.Errorf("payload = %s", delivery.Payload)
	}
	if want := Sign(gotBody, "secret"); gotSignature != want {
		t.Errorf("signature = %q, want %q", gotSignature, want)
	}

	if got := f.Stats().Forwarded; got != 1 {
		t.Errorf("forwarded = %d, want 1", got)
	}
}

func TestForward_RetriesOnServerError(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f, err := New(Config{URL: server.URL, Backoff: fastBackoff()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	pkt := transport.Packet{Seq: 1, Payload: json.RawMessage(`"p"`)}
	if err := f.Forward(context.Background(), "peer-1", pkt); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	stats := f.Stats()
	if stats.Forwarded != 1 {
		t.Errorf("forwarded = %d, want 1", stats.Forwarded)
	}
	if stats.RetriesTotal != 2 {
		t.Errorf("retries = %d, want 2", stats.RetriesTotal)
	}
}

func TestForward_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	f, err := New(Config{URL: server.URL, Backoff: fastBackoff()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	pkt := transport.Packet{Seq: 1, Payload: json.RawMessage(`"p"`)}
	if err := f.Forward(context.Background(), "peer-1", pkt); err == nil {
		t.Fatal("expected error for 4xx response")
	}

	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retries on client error)", got)
	}
	if got := f.Stats().Failed; got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}

func TestForward_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f, err := New(Config{URL: server.URL, MaxRetries: 1, Backoff: fastBackoff()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	pkt := transport.Packet{Seq: 1, Payload: json.RawMessage(`"p"`)}
	for i := 0; i < defaultBreakerThreshold; i++ {
		if err := f.Forward(context.Background(), "peer-1", pkt); err == nil {
			t.Fatal("expected error while collector is failing")
		}
	}

	hitsBefore := hits.Load()
	err = f.Forward(context.Background(), "peer-1", pkt)
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected unavailable error from open circuit, got %v", err)
	}
	if hits.Load() != hitsBefore {
		t.Error("open circuit must not reach the collector")
	}

	stats := f.Stats()
	if stats.ShortCircuits != 1 {
		t.Errorf("short circuits = %d, want 1", stats.ShortCircuits)
	}
	if stats.BreakersOpen != 1 {
		t.Errorf("breakers open = %d, want 1", stats.BreakersOpen)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "not-a-url", "ftp://host/path", "http://"} {
		if _, err := New(Config{URL: bad}); err == nil {
			t.Errorf("expected error for URL %q", bad)
		}
	}
}
