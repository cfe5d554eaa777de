package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fairdispatch/internal/apperrors"
	"fairdispatch/internal/config"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Submitter is where accepted packets go. Implemented by the serialized
// dispatcher.
type Submitter interface {
	Dispatch(ctx context.Context, peerID string, pkt Packet)
}

// MetricsRecorder is an optional interface for recording transport metrics.
type MetricsRecorder interface {
	RecordPacketReceived(ctx context.Context)
	RecordTransportError(ctx context.Context, op string)
	RecordPeerConnected(ctx context.Context, delta int64)
}

// Config holds configuration for the TCP listener.
type Config struct {
	ListenAddr       string        // address to listen on (default: ":7070")
	HandshakeTimeout time.Duration // deadline for the hello exchange (default: 5s)
}

// LoadConfigFromEnv loads transport configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		ListenAddr:       config.GetEnv("LISTEN_ADDR", ":7070"),
		HandshakeTimeout: config.GetDurationEnv("HANDSHAKE_TIMEOUT", 5*time.Second),
	}.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":7070"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	return c
}

// PeerInfo describes one connected peer.
type PeerInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Packets     int64     `json:"packets"`
}

// peerConn is the server-side state of one peer connection.
type peerConn struct {
	info PeerInfo
	conn net.Conn

	mu       sync.Mutex
	lastSeen time.Time
	packets  int64
}

func (p *peerConn) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.packets++
	p.mu.Unlock()
}

func (p *peerConn) snapshot() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.info
	info.LastSeen = p.lastSeen
	info.Packets = p.packets
	return info
}

// Listener accepts peer connections and feeds their packets to the
// dispatcher. One goroutine per peer; the dispatcher serializes from
// there.
type Listener struct {
	nodeID    string
	cfg       Config
	submitter Submitter
	metrics   MetricsRecorder
	logger    *slog.Logger

	mu    sync.RWMutex
	peers map[string]*peerConn

	ln       net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
	ready    atomic.Bool
}

// NewListener creates a TCP listener for the given node identity.
// metrics may be nil.
func NewListener(nodeID string, cfg Config, submitter Submitter, metrics MetricsRecorder) (*Listener, error) {
	if submitter == nil {
		return nil, apperrors.Validation("submitter", "submitter must not be nil")
	}
	if _, err := uuid.Parse(nodeID); err != nil {
		return nil, apperrors.Validation("nodeID", "nodeID must be a UUID")
	}
	return &Listener{
		nodeID:    nodeID,
		cfg:       cfg.withDefaults(),
		submitter: submitter,
		metrics:   metrics,
		logger:    slog.With("component", "transport"),
		peers:     make(map[string]*peerConn),
		shutdown:  make(chan struct{}),
	}, nil
}

// Start binds the listen address and begins accepting peers.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return apperrors.Internal("transport.listen", err)
	}
	l.ln = ln
	l.ready.Store(true)
	l.logger.Info("Listening for peers", "addr", ln.Addr().String())

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Addr returns the bound address, useful when listening on ":0".
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Ready reports whether the listener is accepting connections.
// Implements the health checker's readiness interface.
func (l *Listener) Ready(_ context.Context) error {
	if !l.ready.Load() {
		return apperrors.Unavailable("transport", "listener not accepting connections")
	}
	return nil
}

// Peers returns a snapshot of all connected peers.
func (l *Listener) Peers() []PeerInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	peers := make([]PeerInfo, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p.snapshot())
	}
	return peers
}

// PeerCount returns the number of connected peers.
func (l *Listener) PeerCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peers)
}

// Close stops accepting, disconnects all peers and waits for the per-peer
// goroutines to finish, bounded by the context deadline.
func (l *Listener) Close(ctx context.Context) error {
	if l.closed.Swap(true) {
		return nil // already closed
	}
	l.ready.Store(false)
	close(l.shutdown)

	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}

	l.mu.Lock()
	for _, p := range l.peers {
		_ = p.conn.Close()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error("Accept failed", "error", err)
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(conn)
		}()
	}
}

// handleConn runs the handshake and then the read loop for one peer.
func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()
	ctx := context.Background()

	// One decoder for the whole connection: the handshake and the packets
	// share the stream, and a decoder may buffer past the hello frame.
	dec := json.NewDecoder(conn)

	peer, err := l.handshake(conn, dec)
	if err != nil {
		if l.metrics != nil {
			l.metrics.RecordTransportError(ctx, "handshake")
		}
		l.logger.Warn("Handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	if !l.addPeer(peer) {
		if l.metrics != nil {
			l.metrics.RecordTransportError(ctx, "duplicate")
		}
		l.logger.Warn("Already connected to peer, rejecting connection", "peer", peer.info.ID)
		return
	}
	defer l.removePeer(peer)

	if l.metrics != nil {
		l.metrics.RecordPeerConnected(ctx, 1)
	}
	l.logger.Info("Peer connected", "peer", peer.info.ID, "name", peer.info.Name, "remote", peer.info.RemoteAddr)

	l.readLoop(ctx, peer, dec)
}

// handshake exchanges hello frames: the peer introduces itself first, then
// the node answers with its own identity.
func (l *Listener) handshake(conn net.Conn, dec *json.Decoder) (*peerConn, error) {
	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, apperrors.Internal("transport.handshake", err)
	}

	var hello Hello
	if err := dec.Decode(&hello); err != nil {
		return nil, apperrors.Internal("transport.handshake", err)
	}
	if err := hello.Validate(); err != nil {
		return nil, err
	}

	ack := Hello{PeerID: l.nodeID, Version: ProtocolVersion}
	if err := json.NewEncoder(conn).Encode(ack); err != nil {
		return nil, apperrors.Internal("transport.handshake", err)
	}

	// Clear the handshake deadline; the read loop has no idle timeout.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, apperrors.Internal("transport.handshake", err)
	}

	now := time.Now()
	return &peerConn{
		info: PeerInfo{
			ID:          hello.PeerID,
			Name:        hello.Name,
			RemoteAddr:  conn.RemoteAddr().String(),
			ConnectedAt: now,
		},
		conn:     conn,
		lastSeen: now,
	}, nil
}

// readLoop decodes packet frames and submits each to the dispatcher.
// Decode errors end the connection; the dispatcher absorbs everything
// downstream of here.
func (l *Listener) readLoop(ctx context.Context, peer *peerConn, dec *json.Decoder) {
	for {
		var pkt Packet
		if err := dec.Decode(&pkt); err != nil {
			select {
			case <-l.shutdown:
			default:
				l.logger.Info("Peer disconnected", "peer", peer.info.ID, "error", err)
				if l.metrics != nil {
					l.metrics.RecordTransportError(ctx, "read")
				}
			}
			return
		}

		peer.touch()
		if l.metrics != nil {
			l.metrics.RecordPacketReceived(ctx)
		}
		l.submitter.Dispatch(ctx, peer.info.ID, pkt)
	}
}

// addPeer registers a peer connection, refusing duplicates.
func (l *Listener) addPeer(peer *peerConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.peers[peer.info.ID]; ok {
		return false
	}
	l.peers[peer.info.ID] = peer
	return true
}

func (l *Listener) removePeer(peer *peerConn) {
	l.mu.Lock()
	current, ok := l.peers[peer.info.ID]
	if ok && current == peer {
		delete(l.peers, peer.info.ID)
	}
	l.mu.Unlock()

	if ok && current == peer {
		if l.metrics != nil {
			l.metrics.RecordPeerConnected(context.Background(), -1)
		}
	}
}
