package transport

import (
	"context"
	"encoding/json"
	"fairdispatch/internal/apperrors"
	"fairdispatch/pkg/backoff"
	"fairdispatch/pkg/circuitbreaker"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultDialAttempts = 3

// ClientConfig holds configuration for an outbound peer connection.
type ClientConfig struct {
	Name         string          // human-readable peer name sent in the hello
	DialTimeout  time.Duration   // per-attempt dial timeout (default: 5s)
	DialAttempts int             // attempts before giving up (default: 3)
	Backoff      *backoff.Config // delay between attempts, nil = defaults
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = defaultDialAttempts
	}
	return c
}

// Client is an outbound connection to an ingress node, used by peers and
// by the load generator. Each client owns a freshly minted peer identity.
type Client struct {
	peerID   string
	cfg      ClientConfig
	breakers *circuitbreaker.Registry
	logger   *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	seq  uint64
}

// NewClient creates a client with a new peer identity. The breaker
// registry keys by remote address and may be shared across clients; nil
// gets a private registry with default settings.
func NewClient(cfg ClientConfig, breakers *circuitbreaker.Registry) *Client {
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	return &Client{
		peerID:   uuid.NewString(),
		cfg:      cfg.withDefaults(),
		breakers: breakers,
		logger:   slog.With("component", "transport.client"),
	}
}

// PeerID returns the identity this client presents to nodes.
func (c *Client) PeerID() string {
	return c.peerID
}

// Connect dials the node and completes the handshake, retrying with
// exponential backoff. A remote whose circuit is open fails fast with an
// unavailable error.
func (c *Client) Connect(ctx context.Context, addr string) error {
	breaker := c.breakers.Get(addr)
	if !breaker.Allow() {
		return apperrors.Unavailable("node", "circuit open for "+addr)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.DialAttempts; attempt++ {
		if attempt > 1 {
			if err := backoff.Wait(ctx, attempt-1, c.cfg.Backoff); err != nil {
				return err
			}
		}

		conn, err := c.dial(ctx, addr)
		if err != nil {
			lastErr = err
			c.logger.Warn("Dial failed", "addr", addr, "attempt", attempt, "error", err)
			continue
		}

		if err := c.handshake(conn); err != nil {
			_ = conn.Close()
			lastErr = err
			c.logger.Warn("Handshake failed", "addr", addr, "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.enc = json.NewEncoder(conn)
		c.mu.Unlock()

		breaker.RecordSuccess()
		c.logger.Info("Connected to node", "addr", addr, "peer", c.peerID)
		return nil
	}

	breaker.RecordFailure()
	return apperrors.Internal("transport.connect", lastErr)
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

// handshake introduces this peer and waits for the node's answer.
func (c *Client) handshake(conn net.Conn) error {
	deadline := time.Now().Add(c.cfg.DialTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	hello := Hello{PeerID: c.peerID, Name: c.cfg.Name, Version: ProtocolVersion}
	if err := json.NewEncoder(conn).Encode(hello); err != nil {
		return err
	}

	var ack Hello
	if err := json.NewDecoder(conn).Decode(&ack); err != nil {
		return err
	}
	if err := ack.Validate(); err != nil {
		return err
	}

	return conn.SetDeadline(time.Time{})
}

// Send streams one payload to the node, stamping the next sequence number.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return apperrors.Unavailable("node", "client is not connected")
	}
	c.seq++
	return c.enc.Encode(Packet{Seq: c.seq, Payload: payload})
}

// Close tears down the connection. The client may Connect again afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.enc = nil
	return err
}
