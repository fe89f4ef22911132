// Package status provides a local HTTP status endpoint for a gqlsocket
// client. Used by monitoring tools, health checks, and local diagnostics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/marcus-qen/gqlsocket/internal/metrics"
	"github.com/marcus-qen/gqlsocket/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Info represents the client's current status.
type Info struct {
	Endpoint             string    `json:"endpoint"`
	Connected            bool      `json:"connected"`
	Joining              bool      `json:"joining"`
	Joined               bool      `json:"joined"`
	PendingNotifiers     int       `json:"pending_notifiers"`
	PendingSubscriptions int       `json:"pending_subscriptions"`
	StartedAt            time.Time `json:"started_at"`
	Uptime               string    `json:"uptime"`
	GoVersion            string    `json:"go_version"`
	NumGoroutine         int       `json:"goroutines"`
}

// Server provides a local HTTP status endpoint.
type Server struct {
	endpoint  string
	startedAt time.Time
	connCheck func() bool
	stats     func() session.Stats
	logger    *zap.Logger
}

// NewServer creates a status server. connCheck and stats may be nil.
func NewServer(endpoint string, connCheck func() bool, stats func() session.Stats, logger *zap.Logger) *Server {
	return &Server{
		endpoint:  endpoint,
		startedAt: time.Now(),
		connCheck: connCheck,
		stats:     stats,
		logger:    logger,
	}
}

func (s *Server) connected() bool {
	return s.connCheck != nil && s.connCheck()
}

// Handler returns an HTTP handler for the status endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.connected() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "disconnected")
		}
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		info := Info{
			Endpoint:     s.endpoint,
			Connected:    s.connected(),
			StartedAt:    s.startedAt,
			Uptime:       time.Since(s.startedAt).Round(time.Second).String(),
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
		}
		if s.stats != nil {
			st := s.stats()
			info.Joining = st.Joining
			info.Joined = st.Joined
			info.PendingNotifiers = st.Notifiers
			info.PendingSubscriptions = st.Subscriptions
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return mux
}

// ListenAndServe serves the status endpoints on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
