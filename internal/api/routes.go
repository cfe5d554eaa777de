package api

import (
	"fairdispatch/internal/health"
	"fairdispatch/internal/observability"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Dispatcher    DispatchStats
	Forwarder     ForwardStats // nil when no forward endpoint is configured
	Peers         PeerDirectory
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Dispatcher, cfg.Forwarder, cfg.Peers, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Introspection endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/stats", authMiddleware(http.HandlerFunc(handler.GetStats)))
	mux.Handle("GET /v1/peers", authMiddleware(http.HandlerFunc(handler.ListPeers)))
	mux.Handle("GET /v1/peers/{peerId}", authMiddleware(http.HandlerFunc(handler.GetPeer)))

	// Apply middleware chain (order matters: each wrap goes around the
	// previous one, so the last applied, recovery, is outermost)
	var h http.Handler = mux
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
