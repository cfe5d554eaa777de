// Package api provides the admin HTTP API handlers and routing for the node.
package api

import (
	"encoding/json"
	"fairdispatch/internal/apperrors"
	"fairdispatch/internal/dispatch"
	"fairdispatch/internal/forward"
	"fairdispatch/internal/health"
	"fairdispatch/internal/transport"
	"log/slog"
	"net/http"
)

// DispatchStats exposes dispatcher statistics.
// Implemented by the serialized dispatcher.
type DispatchStats interface {
	Stats() dispatch.Stats
}

// ForwardStats exposes forwarder statistics.
type ForwardStats interface {
	Stats() forward.Stats
}

// PeerDirectory exposes the connected peer set.
// Implemented by the transport listener.
type PeerDirectory interface {
	Peers() []transport.PeerInfo
}

// StatsResponse is the GET /v1/stats body.
type StatsResponse struct {
	Dispatch dispatch.Stats `json:"dispatch"`
	Forward  *forward.Stats `json:"forward,omitempty"`
	Peers    int            `json:"peers"`
}

// Handler contains HTTP handlers for the admin API.
type Handler struct {
	dispatcher DispatchStats
	forwarder  ForwardStats // nil when running with the log-only handler
	peers      PeerDirectory
	health     *health.Checker
}

// NewHandler creates a new API handler.
func NewHandler(dispatcher DispatchStats, forwarder ForwardStats, peers PeerDirectory, healthChecker *health.Checker) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		forwarder:  forwarder,
		peers:      peers,
		health:     healthChecker,
	}
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the node is accepting peers, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// GetStats handles GET /v1/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Dispatch: h.dispatcher.Stats(),
		Peers:    len(h.peers.Peers()),
	}
	if h.forwarder != nil {
		stats := h.forwarder.Stats()
		resp.Forward = &stats
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListPeers handles GET /v1/peers.
func (h *Handler) ListPeers(w http.ResponseWriter, r *http.Request) {
	peers := h.peers.Peers()
	h.writeJSON(w, http.StatusOK, map[string]any{"peers": peers, "count": len(peers)})
}

// GetPeer handles GET /v1/peers/{peerId}.
func (h *Handler) GetPeer(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peerId")
	if peerID == "" {
		h.writeError(w, http.StatusBadRequest, "Peer ID is required")
		return
	}

	for _, p := range h.peers.Peers() {
		if p.ID == peerID {
			h.writeJSON(w, http.StatusOK, p)
			return
		}
	}
	h.handleError(w, r, apperrors.NotFound("peer", peerID))
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
