// Package server exposes the gateway over HTTP: the session channel
// WebSocket, provider callbacks, Facebook webhooks and operational routes.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pysugar/session-nexus/internal/auth/correlator"
	"github.com/pysugar/session-nexus/internal/gateway"
	"github.com/pysugar/session-nexus/internal/logging"
	"github.com/pysugar/session-nexus/internal/providers/catalog"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	maxFrameBytes       = 64 << 10
)

// Options configures the HTTP surface.
type Options struct {
	Gateway *gateway.Gateway
	Catalog *catalog.Catalog
	Cookies correlator.Cookies
	// DeletionStatusURL is handed back to Facebook by the data deletion
	// webhook.
	DeletionStatusURL string
	// WriteTimeout bounds each outbound session frame.
	WriteTimeout time.Duration
	Log          *zap.Logger
}

type Server struct {
	gw           *gateway.Gateway
	catalog      *catalog.Catalog
	cookies      correlator.Cookies
	deletionURL  string
	writeTimeout time.Duration
	log          *zap.Logger
}

func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Catalog == nil {
		opts.Catalog = &catalog.Catalog{}
	}
	return &Server{
		gw:           opts.Gateway,
		catalog:      opts.Catalog,
		cookies:      opts.Cookies,
		deletionURL:  opts.DeletionStatusURL,
		writeTimeout: opts.WriteTimeout,
		log:          opts.Log,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(logging.Middleware(s.log))
	r.Use(chimiddleware.Recoverer)

	// Session channel
	r.Handle("/ws", s.sessionHandler())

	// Login callbacks. form_post providers POST, redirect providers GET.
	r.Get("/login/local/", s.LocalLoginHandler())
	r.Get("/login/{provider}/", s.CallbackHandler())
	r.Post("/login/{provider}/", s.CallbackHandler())

	// Facebook webhooks
	r.Post("/logout/facebook/", s.FacebookDeauthorizeHandler())
	r.Post("/delete/facebook/", s.FacebookDeletionHandler())

	r.Get("/healthz", s.HealthHandler())
	r.Get("/api/providers", s.ProvidersHandler())
	r.Handle("/metrics", promhttp.Handler())
	return r
}
