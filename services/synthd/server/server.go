package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"synthd/services/synthd/coordinator"
	"synthd/services/synthd/middleware"
	"synthd/services/synthd/oracle"
	"synthd/services/synthd/storage"
)

const maxCallbackBytes = 1 << 20

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress      string
	PolicyID           string
	CallbackSecret     string
	SettlementDecimals uint8
	TLS                TLSConfig
}

// TLSConfig describes the listener certificate.
type TLSConfig struct {
	Disabled bool
	CertFile string
	KeyFile  string
	Config   *tls.Config
}

// Deps are the collaborators served over HTTP.
type Deps struct {
	Coordinator   *coordinator.Coordinator
	Storage       *storage.Storage
	Holders       *middleware.Authenticator
	Admin         *AdminAuthenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
	// Outbox lists unanswered oracle requests when the gateway is simulated.
	Outbox        Outbox
}

// Outbox exposes requests awaiting a manually delivered callback.
type Outbox interface {
	Submissions() []oracle.Submission
}

// Server hosts the holder, oracle, admin and ops endpoints for synthd.
type Server struct {
	cfg     Config
	coord   *coordinator.Coordinator
	storage *storage.Storage
	outbox  Outbox
	logger  *slog.Logger
	router  http.Handler
}

// New builds the router.
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Coordinator == nil:
		return nil, fmt.Errorf("coordinator required")
	case deps.Storage == nil:
		return nil, fmt.Errorf("storage required")
	case deps.Holders == nil:
		return nil, fmt.Errorf("holder authenticator required")
	case deps.Admin == nil:
		return nil, fmt.Errorf("admin authenticator required")
	case strings.TrimSpace(cfg.CallbackSecret) == "":
		return nil, fmt.Errorf("callback secret required")
	}
	if strings.TrimSpace(cfg.PolicyID) == "" {
		cfg.PolicyID = "default"
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	srv := &Server{cfg: cfg, coord: deps.Coordinator, storage: deps.Storage, outbox: deps.Outbox, logger: deps.Logger}
	srv.router = srv.buildRouter(deps)
	return srv, nil
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if deps.Observability != nil {
		r.Use(deps.Observability.Middleware)
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(api chi.Router) {
		api.Post("/oracle/fulfill", s.handleFulfill)
		api.Group(func(public chi.Router) {
			if deps.RateLimiter != nil {
				public.Use(deps.RateLimiter.Middleware)
			}
			public.Get("/prices", s.handlePrices)
			public.Get("/value", s.handleValue)
			public.Get("/portfolio", s.handlePortfolio)
			public.Get("/status", s.handleStatus)
			public.Get("/accounts/{address}", s.handleAccount)
			public.Get("/requests/{id}", s.handleRequest)
			public.Group(func(holder chi.Router) {
				holder.Use(deps.Holders.Middleware)
				holder.Post("/mint", s.handleMint)
				holder.Post("/redeem", s.handleRedeem)
				holder.Post("/withdraw", s.handleWithdraw)
			})
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(deps.Admin.Middleware)
		admin.Get("/policy", s.getPolicy)
		admin.Put("/policy", s.putPolicy)
		admin.Get("/fulfillments", s.listFulfillments)
		admin.Get("/payouts", s.listPayouts)
		admin.Post("/payouts/{id}/resolve", s.resolvePayout)
		if s.outbox != nil {
			admin.Get("/oracle/outbox", s.listOutbox)
		}
	})

	return otelhttp.NewHandler(r, "synthd.http")
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		TLSConfig:         s.cfg.TLS.Config,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("synthd: http server listening", "addr", s.cfg.ListenAddress, "tls", !s.cfg.TLS.Disabled)
	var err error
	if s.cfg.TLS.Disabled {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("synthd: encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
