package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MeKo-Tech/leafscan/internal/inference"
	"github.com/MeKo-Tech/leafscan/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP server state and dependencies.
type Server struct {
	cfg     Config
	loader  *inference.Loader
	store   *store.Dir
	limiter *RateLimiter

	wsReadTimeout  time.Duration
	wsPingInterval time.Duration
}

// NewServer prepares the results directory. A nil loader gets a private
// model cache; pass a shared one to reuse loaded models across servers.
func NewServer(cfg Config, loader *inference.Loader) (*Server, error) {
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 16
	}
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = 120
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if err := cfg.Detection.Validate(); err != nil {
		return nil, fmt.Errorf("detection model: %w", err)
	}
	if err := cfg.Segmentation.Validate(); err != nil {
		return nil, fmt.Errorf("segmentation model: %w", err)
	}

	st, err := store.NewDir(cfg.ResultsDir)
	if err != nil {
		return nil, err
	}
	if loader == nil {
		loader = inference.NewLoader(inference.NewCache())
	}

	s := &Server{
		cfg: cfg, loader: loader, store: st,
		wsReadTimeout: defaultWSReadTimeout, wsPingInterval: defaultWSPingInterval,
	}
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit)
	}
	return s, nil
}

// Close releases every cached model.
func (s *Server) Close() error {
	return s.loader.Cache().Close()
}

// SetupRoutes registers all endpoints on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.wrap(s.healthHandler))
	mux.HandleFunc("/v1/models", s.wrap(s.modelsHandler))
	mux.HandleFunc("/v1/severity", s.wrap(s.rateLimitMiddleware(s.severityHandler)))
	mux.HandleFunc("/v1/detect", s.wrap(s.rateLimitMiddleware(s.detectHandler)))
	mux.HandleFunc("/v1/segment", s.wrap(s.rateLimitMiddleware(s.segmentHandler)))
	mux.HandleFunc("/v1/results", s.wrap(s.resultsHandler))
	mux.HandleFunc("/v1/results/{name}", s.wrap(s.resultHandler))
	mux.HandleFunc("/ws/severity", s.requestIDMiddleware(s.severityWebSocketHandler))
	mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

// wrap applies the middleware shared by all JSON endpoints.
func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return s.requestIDMiddleware(s.corsMiddleware(h))
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(s.cfg.TimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.TimeoutSec+5) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting leafscan server", "addr", httpServer.Addr, "results_dir", s.store.Root())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Starting graceful shutdown", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := s.Close(); err != nil {
		slog.Error("Model cleanup error", "error", err)
	}
	slog.Info("Graceful shutdown completed")
	return nil
}
