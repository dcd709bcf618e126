package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"query-portal-engine/internal/config"
	"query-portal-engine/internal/engine"
	"query-portal-engine/internal/monitor"
	"query-portal-engine/internal/pool"
)

// HealthChecker reports whether the request store can serve reads.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// SlotStats exposes slot pool occupancy for the health endpoint.
type SlotStats interface {
	Stats() pool.Stats
}

type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer wires handlers, middleware and the listener. Health and metrics
// sit outside auth so probes and scrapers work without keys.
func NewServer(cfg *config.Config, eng *engine.Engine, store engine.Store, health HealthChecker, slots SlotStats, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(eng, store, metrics)
	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/requests", handlers.HandleSubmit)
	apiMux.HandleFunc("GET /api/requests", handlers.HandleList)
	apiMux.HandleFunc("GET /api/requests/{token}", handlers.HandleGet)
	apiMux.HandleFunc("POST /api/requests/{token}/approve", handlers.HandleApprove)
	apiMux.HandleFunc("POST /api/requests/{token}/reject", handlers.HandleReject)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(health, slots))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Msg("starting HTTPS server")
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled — running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(health HealthChecker, slots SlotStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storeOK := health == nil || health.Healthy(r.Context())

		resp := HealthResponse{
			Status:   "ok",
			Database: storeOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}
		if slots != nil {
			st := slots.Stats()
			resp.Pool = PoolStatus{
				ActiveSlots:  st.Active,
				QueueDepth:   st.Queued,
				UsedMemoryMB: st.UsedMemoryMB,
			}
		}
		if !storeOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
