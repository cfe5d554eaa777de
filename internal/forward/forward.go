// Package forward delivers dispatched packets to an HTTP collector.
//
// This is the node's production handler: the dispatcher decides when a
// packet is served, the forwarder decides how it leaves the node. Failures
// here never propagate past the dispatcher boundary; a packet that cannot
// be delivered after retries is counted and dropped.
package forward

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fairdispatch/internal/apperrors"
	"fairdispatch/internal/dispatch"
	"fairdispatch/internal/transport"
	"fairdispatch/pkg/backoff"
	"fairdispatch/pkg/circuitbreaker"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultTimeout          = 10 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Config holds configuration for the forwarder.
type Config struct {
	URL        string          // collector endpoint, required
	SigningKey string          // HMAC key, empty = unsigned
	Timeout    time.Duration   // per-request timeout (default: 10s)
	MaxRetries int             // retries after the first attempt (default: 3)
	Backoff    *backoff.Config // delay between attempts, nil = defaults
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

// Delivery is the JSON body posted to the collector for each packet.
type Delivery struct {
	PeerID     string          `json:"peer_id"`
	Seq        uint64          `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Stats holds forwarder statistics.
type Stats struct {
	Forwarded     int64 // packets delivered to the collector
	Failed        int64 // packets dropped after retries
	ShortCircuits int64 // packets refused by an open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersOpen  int   // currently open breakers
}

// Forwarder posts packets to a collector with retry, HMAC signing and a
// per-host circuit breaker.
type Forwarder struct {
	cfg      Config
	client   *http.Client
	host     string
	breakers *circuitbreaker.Registry
	logger   *slog.Logger

	forwarded     atomic.Int64
	failed        atomic.Int64
	shortCircuits atomic.Int64
	retriesTotal  atomic.Int64
}

// New creates a forwarder for the configured collector endpoint.
func New(cfg Config) (*Forwarder, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, apperrors.Validation("url", "forward URL must be a valid http(s) URL")
	}
	cfg = cfg.withDefaults()

	return &Forwarder{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		host: parsed.Host,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		logger: slog.With("component", "forward"),
	}, nil
}

// Handler returns the dispatch handler that forwards packets.
func (f *Forwarder) Handler() dispatch.Handler[string, transport.Packet] {
	return func(ctx context.Context, peerID string, pkt transport.Packet) error {
		return f.Forward(ctx, peerID, pkt)
	}
}

// Forward posts one packet to the collector.
func (f *Forwarder) Forward(ctx context.Context, peerID string, pkt transport.Packet) error {
	breaker := f.breakers.Get(f.host)
	if !breaker.Allow() {
		f.shortCircuits.Add(1)
		return apperrors.Unavailable("collector", "circuit open for "+f.host)
	}

	body, err := json.Marshal(Delivery{
		PeerID:     peerID,
		Seq:        pkt.Seq,
		Payload:    pkt.Payload,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return apperrors.Internal("forward.marshal", err)
	}

	if err := f.sendWithRetry(ctx, body); err != nil {
		breaker.RecordFailure()
		f.failed.Add(1)
		f.logger.Warn("Forward failed, packet dropped", "peer", peerID, "seq", pkt.Seq, "error", err)
		return err
	}

	breaker.RecordSuccess()
	f.forwarded.Add(1)
	return nil
}

// Stats returns current forwarder statistics.
func (f *Forwarder) Stats() Stats {
	return Stats{
		Forwarded:     f.forwarded.Load(),
		Failed:        f.failed.Load(),
		ShortCircuits: f.shortCircuits.Load(),
		RetriesTotal:  f.retriesTotal.Load(),
		BreakersOpen:  f.breakers.Stats().Open,
	}
}

func (f *Forwarder) sendWithRetry(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := range f.cfg.MaxRetries + 1 {
		if attempt > 0 {
			f.retriesTotal.Add(1)
			if err := backoff.Wait(ctx, attempt, f.cfg.Backoff); err != nil {
				return err
			}
		}

		lastErr = f.send(ctx, body)
		if lastErr == nil {
			return nil
		}
		if isClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (f *Forwarder) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if f.cfg.SigningKey != "" {
		req.Header.Set("X-Signature-256", Sign(body, f.cfg.SigningKey))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &httpError{statusCode: resp.StatusCode}
}

// Sign computes the HMAC-SHA256 signature header value for a body.
func Sign(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// httpError represents a non-2xx collector response.
type httpError struct {
	statusCode int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d", e.statusCode)
}

// isClientError returns true for 4xx errors (shouldn't retry).
func isClientError(err error) bool {
	if he, ok := err.(*httpError); ok {
		return he.statusCode >= 400 && he.statusCode < 500
	}
	return false
}
