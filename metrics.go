package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"lnd-nwc/internal/metrics"
	"lnd-nwc/internal/nwc"
	"lnd-nwc/internal/util"
)

const (
	metricsReadHeaderTimeout = 5 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
)

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

// healthHandler reports ok while the engine is serving requests.
func healthHandler(state func() nwc.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := state()
		resp := healthResponse{Status: "ok", State: s.String()}
		code := http.StatusOK
		if s != nwc.Serving {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func newMetricsServer(addr string, m *metrics.Metrics, state func() nwc.State) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", healthHandler(state))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
}

// serveMetrics runs srv until the returned stop function is called.
func serveMetrics(srv *http.Server, log *slog.Logger) (stop func()) {
	done := make(chan struct{})
	util.SafeGoWithName("metrics-server", func() {
		defer close(done)
		log.Info("metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("metrics server shutdown", "error", err)
		}
		<-done
	}
}
