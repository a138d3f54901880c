// Package server provides the HTTP front of the gateway: routing,
// access-control composition, and response rendering.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/accesscontrol"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/catalog"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/imagecache"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/telemetry"
	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/upstream"
)

const defaultTimeout = 60 * time.Second

// Server holds the gateway's runtime dependencies.
type Server struct {
	router    *chi.Mux
	images    *imagecache.Cache
	client    *upstream.Client
	catalog   *catalog.Cache
	allowlist *accesscontrol.Allowlist
	publicURL string
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithPublicURL fixes the base URL used when rewriting image links, instead
// of deriving it from each request's Host header. Needed behind a tunnel
// whose inner hop rewrites Host.
func WithPublicURL(u string) Option {
	return func(s *Server) { s.publicURL = u }
}

// New builds a Server from its component dependencies.
func New(images *imagecache.Cache, client *upstream.Client, cat *catalog.Cache, allowlist *accesscontrol.Allowlist, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		images:    images,
		client:    client,
		catalog:   cat,
		allowlist: allowlist,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler. Health, the usage document,
// and the picker search are reachable without access control; everything
// else sits behind the allow-list gate.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware())

	// Ungated: probes and the client-facing picker.
	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/search", s.handleSearch)
	r.Post("/search", s.handleSearch)

	// Gated: everything that reaches upstream.
	r.Group(func(r chi.Router) {
		r.Use(s.allowlist.Middleware)
		r.Use(middleware.Timeout(defaultTimeout))
		r.Get("/image", s.handleImage)
		r.Get("/comic-book-covers/api/issues", s.handleIssues)
		r.Get("/render", s.handleRender)
	})

	return r
}

// baseURL returns the externally visible base URL for this request, used as
// the rewrite target for image links.
func (s *Server) baseURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
