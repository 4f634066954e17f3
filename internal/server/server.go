// Package server implements the inbound HTTP surface of the AutoRouter
// gateway: capability routes, authentication, and the proxy pipeline that
// hands requests to the failover controller.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/autorouter/autorouter/internal"
	"github.com/autorouter/autorouter/internal/billing"
	"github.com/autorouter/autorouter/internal/failover"
	"github.com/autorouter/autorouter/internal/registry"
	"github.com/autorouter/autorouter/internal/route"
	"github.com/autorouter/autorouter/internal/telemetry"
)

// Authenticator resolves inbound credentials to an API key record.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.APIKey, error)
}

// Emitter receives completed requests for asynchronous persistence.
type Emitter interface {
	Emit(billing.Event)
}

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth        Authenticator
	Registry    *registry.Registry
	Filter      *route.Filter
	Failover    *failover.Controller
	Emitter     Emitter                 // nil = no request logging
	Metrics     *telemetry.Metrics      // nil = no metrics
	ReadyCheck  ReadyChecker            // nil = always ready (for tests)
	Handlers    map[string]http.Handler // extra mounts, e.g. "/metrics"
	ReplayLimit int64                   // 0 = forward.DefaultReplayLimit
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(activeRequests(deps.Metrics))
	}

	// Unmapped paths are a protocol error, not a bare 404: the capability
	// table is closed.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "", http.StatusBadRequest, "unrecognized path "+r.Method+" "+r.URL.Path)
	})

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	for path, h := range deps.Handlers {
		r.Handle(path, h)
	}

	// Client-facing capability routes (auth required). Every route funnels
	// into the same proxy pipeline; classification happens off the raw path.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/messages", s.handleProxy)
		r.Post("/v1/messages/count_tokens", s.handleProxy)
		r.Post("/v1/responses", s.handleProxy)
		r.Post("/v1/chat/completions", s.handleProxy)
		r.Post("/v1/completions", s.handleProxy)
		r.Post("/v1/embeddings", s.handleProxy)
		r.Post("/v1beta/models/{model}", s.handleProxy)
		r.Post("/v1internal:{action}", s.handleProxy)
		// Gemini metadata reads come in as GETs.
		r.Get("/v1beta/models/{model}", s.handleProxy)
		r.Get("/v1internal:{action}", s.handleProxy)
	})

	return r
}

type server struct {
	deps Deps
}
