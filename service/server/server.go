package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/masssend/service/config"
	"github.com/brojonat/masssend/service/metrics"
	"github.com/brojonat/masssend/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the transfer service.
type Server struct {
	addr         string
	cfg          *config.Config
	transfers    temporal.TransferService
	assets       AssetSource
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The assets source is optional - if nil, the asset listing endpoint won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, cfg *config.Config, transfers temporal.TransferService, assets AssetSource, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		cfg:          cfg,
		transfers:    transfers,
		assets:       assets,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Handler builds the routed, instrumented handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	opts := s.cfg.TransferOptions()

	// Transfer routes
	s.route(mux, "POST /api/v1/transfers", "/api/v1/transfers", handleStartTransfer(s.transfers, opts, s.logger))
	s.route(mux, "GET /api/v1/transfers/{owner}", "/api/v1/transfers/{owner}", handleGetTransfer(s.transfers, s.logger))
	s.route(mux, "GET /api/v1/transfers/{owner}/result", "/api/v1/transfers/{owner}/result", handleTransferResult(s.transfers, s.logger))
	s.route(mux, "POST /api/v1/transfers/{owner}/signature", "/api/v1/transfers/{owner}/signature", handleSubmitSignature(s.transfers, s.logger))
	s.route(mux, "DELETE /api/v1/transfers/{owner}", "/api/v1/transfers/{owner}", handleCancelTransfer(s.transfers, s.logger))

	s.route(mux, "GET /api/v1/addresses/{address}", "/api/v1/addresses/{address}", handleValidateAddress(s.cfg.AllowOffCurveDestination))

	if s.assets != nil {
		s.route(mux, "GET /api/v1/assets/{owner}", "/api/v1/assets/{owner}", handleListAssets(s.assets, s.pageLimit(), s.logger))
	} else {
		s.logger.Warn("asset source not configured, asset listing disabled")
	}

	// SSE streaming endpoint (if SSE publisher is configured)
	if s.ssePublisher != nil {
		s.route(mux, "GET "+streamTransfersRoute, streamTransfersRoute, handleStreamTransfers(s.ssePublisher, s.logger))
		s.logger.Info("SSE streaming endpoint enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoint disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.Handler) {
	if s.metrics != nil {
		h = metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
	}
	mux.Handle(pattern, h)
}

func (s *Server) pageLimit() int {
	if s.cfg.AssetPageLimit <= 0 || s.cfg.AssetPageLimit > config.MaxAssetPageLimit {
		return config.MaxAssetPageLimit
	}
	return s.cfg.AssetPageLimit
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the result and stream endpoints hold the
		// connection until the transfer ends.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
