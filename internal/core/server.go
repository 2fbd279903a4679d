// Package core provides the API chassis for the SnapSage metering service:
// a chi router with the cross-cutting middleware chain (recovery, request IDs,
// structured logging, metrics, auth) applied before requests reach
// domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"snapsage/internal/config"
)

// defaultRequestTimeout is the soft deadline applied to every request context.
// Model calls carry their own tighter timeout from config.
const defaultRequestTimeout = 90 * time.Second

// RouteRegistrar mounts a handler group onto a router. Handlers register
// themselves through these to avoid an import cycle between core and the
// handler packages.
type RouteRegistrar func(chi.Router)

// Server encapsulates the HTTP dependencies for the metering API, allowing
// injection during testing and distinct configuration per environment.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Authenticator Authenticator

	// V1Registrars mount authenticated API routes under /v1.
	V1Registrars []RouteRegistrar
	// WebhookRegistrars mount provider callback routes under /webhooks.
	// These bypass bearer auth; each handler verifies its own signature.
	WebhookRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer initializes the router and performs a fail-fast check on critical
// dependencies. The caller mounts routes via MountRoutes after populating the
// registrar slices.
func NewServer(cfg *config.Config, logger *slog.Logger, authenticator Authenticator) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator must not be nil")
	}

	return &Server{
		Config:        cfg,
		Logger:        logger,
		Authenticator: authenticator,
		router:        chi.NewRouter(),
	}, nil
}

// MountRoutes registers the global middleware chain and all route groups.
//
// Ordering: Recoverer is outermost so it catches everything; the timeout and
// request ID run before logging so log lines carry the correlation id;
// metrics wrap everything below them; auth applies only to /v1.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(MetricsMiddleware)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AuthMiddleware)
		for _, registrar := range s.V1Registrars {
			registrar(r)
		}
	})

	s.router.Route("/webhooks", func(r chi.Router) {
		for _, registrar := range s.WebhookRegistrars {
			registrar(r)
		}
	})

	s.router.Get("/healthz", s.HandleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// ContextTimeoutMiddleware sets a deadline on the request context so a stuck
// downstream call cannot pin a connection forever.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandleHealth is the liveness endpoint used by deploy tooling.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.Config.Service,
	})
}

// Handler returns the complete http.Handler with response compression
// applied. Model answers and plan summaries compress well.
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(s.router)
}

// Router returns the underlying chi.Mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
