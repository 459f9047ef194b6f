// Package server exposes the daemon's operational HTTP surface: liveness,
// readiness, Prometheus metrics, and a read-only service listing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkuzmin/stackwarden/internal/healthcheck"
	"github.com/mkuzmin/stackwarden/internal/metrics"
	"github.com/mkuzmin/stackwarden/internal/registry"
)

const shutdownTimeout = 5 * time.Second

// Start launches the operational HTTP server on addr. It returns immediately
// and shuts the server down when the context is canceled. An empty addr
// disables the server.
func Start(ctx context.Context, logger zerolog.Logger, addr string, tracker *healthcheck.Tracker, reg *registry.Registry, metricsCollector *metrics.Metrics) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthcheck.HealthHandler(tracker))
	mux.HandleFunc("/readyz", healthcheck.ReadyHandler(tracker))
	if reg != nil {
		mux.HandleFunc("/services", servicesHandler(reg))
	}
	if metricsCollector != nil {
		mux.Handle("/metrics", metricsCollector.Handler())
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("addr", addr).Msg("http server shutdown failed")
		}
	}()
}

// servicesHandler serves the registry contents as JSON.
func servicesHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reg.All())
	}
}
