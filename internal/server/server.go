package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"PegLedger/internal/ingestion"
	"PegLedger/internal/observability"
	"PegLedger/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps holds what the HTTP handlers need. Query and DB may be nil when the
// server runs without Postgres; the endpoints that need them answer 503.
type Deps struct {
	DB            *sql.DB
	Query         *query.QueryService
	Ingest        *ingestion.DirectIngestService
	Hub           *FactHub
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	// TakeSnapshot asks the core loop for a snapshot and returns its sequence.
	TakeSnapshot func(ctx context.Context) (int64, error)
	// AdminToken guards /api/v1/admin and op submission; empty disables both.
	AdminToken string
}

// HTTPServer serves the query API, op submission, the fact stream, health
// and metrics on one listener.
type HTTPServer struct {
	srv    *http.Server
	deps   *Deps
	logger zerolog.Logger
}

func NewHTTPServer(addr string, deps *Deps) *HTTPServer {
	s := &HTTPServer{deps: deps, logger: observability.NewLogger("http")}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router builds the chi route tree.
func (s *HTTPServer) Router() chi.Router {
	h := &handlers{deps: s.deps, logger: s.logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if s.deps.HealthChecker != nil {
		r.Get("/healthz", s.deps.HealthChecker.LivenessHandler)
		r.Get("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.Hub != nil {
			// no Timeout middleware on the long-lived stream
			r.Get("/stream", s.deps.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Second))

			r.Get("/markets", h.instrument("list_markets", h.listMarkets))
			r.Get("/markets/{symbol}", h.instrument("get_market", h.getMarket))
			r.Get("/markets/{symbol}/facts", h.instrument("market_facts", h.marketFacts))
			r.Get("/facts", h.instrument("facts", h.marketFacts))

			r.Get("/accounts/{owner}/balances", h.instrument("balances", h.balances))
			r.Get("/accounts/{owner}/holdings", h.instrument("holdings", h.holdings))
			r.Get("/accounts/{owner}/journals", h.instrument("journals", h.journals))

			r.Group(func(r chi.Router) {
				r.Use(h.requireAdmin)
				r.Post("/ops/{opType}", h.instrument("submit_op", h.submitOp))

				r.Get("/admin/integrity", h.instrument("verify_integrity", h.verifyIntegrity))
				r.Get("/admin/event-log", h.instrument("event_log_info", h.eventLogInfo))
				r.Post("/admin/snapshot", h.instrument("take_snapshot", h.takeSnapshot))
				r.Post("/admin/rebuild-projections", h.instrument("rebuild_projections", h.rebuildProjections))
			})
		})
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info().Msg("shutting down HTTP server")
	return s.srv.Shutdown(shutdownCtx)
}
