// ingress-node is the peer-facing daemon: it accepts TCP connections from
// peers, schedules their packets fairly through the dispatcher and hands
// them to the configured handler.
package main

import (
	"context"
	"errors"
	"fairdispatch/internal/api"
	"fairdispatch/internal/config"
	"fairdispatch/internal/dispatch"
	"fairdispatch/internal/forward"
	"fairdispatch/internal/health"
	"fairdispatch/internal/observability"
	"fairdispatch/internal/transport"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatchCfg := dispatch.LoadConfigFromEnv()
	transportCfg := transport.LoadConfigFromEnv()
	transportCfg.ListenAddr = svcCfg.ListenAddr

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Pick the packet handler: forward to a collector when configured,
	// otherwise log and drop.
	var handler dispatch.Handler[string, transport.Packet]
	var forwarder *forward.Forwarder
	if svcCfg.ForwardURL != "" {
		forwarder, err = forward.New(forward.Config{
			URL:        svcCfg.ForwardURL,
			SigningKey: svcCfg.ForwardSigningKey,
		})
		if err != nil {
			return err
		}
		handler = forwarder.Handler()
		slog.Info("Forwarding packets", "url", svcCfg.ForwardURL, "signed", svcCfg.ForwardSigningKey != "")
	} else {
		handler = func(_ context.Context, peerID string, pkt transport.Packet) error {
			slog.Debug("Packet consumed", "peer", peerID, "seq", pkt.Seq, "bytes", len(pkt.Payload))
			return nil
		}
		slog.Warn("No FORWARD_URL configured - packets are logged and dropped")
	}

	// Create the serialized dispatcher; peers submit concurrently.
	dispatcher, err := dispatch.NewSerial(handler, dispatchCfg, metrics)
	if err != nil {
		return err
	}

	// Create the TCP listener
	nodeID := uuid.NewString()
	listener, err := transport.NewListener(nodeID, transportCfg, dispatcher, metrics)
	if err != nil {
		return err
	}

	// Create health checker
	healthChecker := health.NewChecker(listener)

	// Create the admin API router
	var forwardStats api.ForwardStats
	if forwarder != nil {
		forwardStats = forwarder
	}
	router := api.NewRouter(api.RouterConfig{
		Dispatcher:    dispatcher,
		Forwarder:     forwardStats,
		Peers:         listener,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("Admin API authentication enabled")
	} else {
		slog.Warn("Admin API authentication disabled - no API_KEY configured")
	}

	// Create admin API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.AdminPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Start the peer listener
	if err := listener.Start(); err != nil {
		return err
	}
	slog.Info("Node started", "node", nodeID, "listen", svcCfg.ListenAddr)

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start admin API server
	go func() {
		slog.Info("Starting admin API server", "port", svcCfg.AdminPort)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes the servers and the peer listener, collecting every
	// failure rather than stopping at the first.
	shutdown := func(timeout time.Duration) error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var result *multierror.Error
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			result = multierror.Append(result, err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			result = multierror.Append(result, err)
		}
		if err := listener.Close(shutdownCtx); err != nil {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		if shutdownErr := shutdown(5 * time.Second); shutdownErr != nil {
			slog.Error("Shutdown error", "error", shutdownErr)
		}
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting peers and admin requests
	slog.Info("Starting graceful shutdown")
	if err := shutdown(25 * time.Second); err != nil {
		slog.Warn("Shutdown finished with errors", "error", err)
	}

	// Log final dispatcher stats
	stats := dispatcher.Stats()
	slog.Info("Dispatcher stats",
		"accepted", stats.Accepted,
		"delivered", stats.Delivered,
		"handler_errors", stats.HandlerErrors,
		"dropped", stats.OverflowDropped,
		"giveups", stats.GiveUps,
		"evicted", stats.Evicted,
	)
	if forwarder != nil {
		fstats := forwarder.Stats()
		slog.Info("Forwarder stats",
			"forwarded", fstats.Forwarded,
			"failed", fstats.Failed,
			"short_circuits", fstats.ShortCircuits,
		)
	}

	slog.Info("Shutdown complete")
	return nil
}
