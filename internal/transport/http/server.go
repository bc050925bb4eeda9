// Package http provides the HTTP transport layer for storyq.
//
// Routes (chi patterns):
//
//	GET    /health
//	GET    /metrics
//	GET    /api/summary
//	POST   /admin/sweep
//	POST   /users/{user}/stories
//	DELETE /users/{user}/stories
//	GET    /users/{user}/stories/next        ?claim=true claims
//	GET    /users/{user}/stats
//	GET    /users/{user}/history             ?limit=50
//	POST   /users/{user}/trip
//	DELETE /users/{user}/trip
//	POST   /users/{user}/position
//	POST   /users/{user}/subscriptions
//	GET    /users/{user}/subscriptions
//	GET    /users/{user}/ws
//	DELETE /subscriptions/{id}
//	GET    /stories/{id}
//	POST   /stories/{id}/in-progress
//	POST   /stories/{id}/delivery
//
// /health and /metrics are outside the API key check.
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/snehjoshi/storyq/internal/broker"
	"github.com/snehjoshi/storyq/internal/config"
	"github.com/snehjoshi/storyq/internal/consumer"
	"github.com/snehjoshi/storyq/internal/metrics"
	transportws "github.com/snehjoshi/storyq/internal/transport/websocket"
)

// maxRequestBodyBytes bounds every inbound body. The context limit from
// config is checked separately and is always smaller.
const maxRequestBodyBytes = 1 << 20

// Server wraps the stdlib HTTP server with storyq route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. reg and log may be nil.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, cm *consumer.Manager, cfg *config.Config, reg *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		broker:          b,
		consumer:        cm,
		maxContextBytes: cfg.Queue.MaxContextKB << 10,
		started:         time.Now(),
	}
	ws := &transportws.Handler{
		Broker: b,
		Poll:   time.Duration(cfg.Webhook.PollIntervalMs) * time.Millisecond,
		Log:    log.With("component", "websocket"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Observe(log, reg))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	if reg != nil && cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", reg.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(MaxBody(maxRequestBodyBytes))
		r.Use(Auth(cfg.Auth.APIKey, cfg.Auth.Enabled))
		r.Use(RateLimit(float64(cfg.Producers.MaxRate), cfg.Producers.Burst))

		r.Get("/api/summary", h.summary)
		r.Post("/admin/sweep", h.sweep)

		r.Route("/users/{user}", func(r chi.Router) {
			r.Post("/stories", h.queueStory)
			r.Delete("/stories", h.clearQueue)
			r.Get("/stories/next", h.nextStory)
			r.Get("/stats", h.stats)
			r.Get("/history", h.history)
			r.Post("/trip", h.startTrip)
			r.Delete("/trip", h.endTrip)
			r.Post("/position", h.position)
			r.Post("/subscriptions", h.createSubscription)
			r.Get("/subscriptions", h.listSubscriptions)
			r.Method(http.MethodGet, "/ws", ws)
		})

		r.Delete("/subscriptions/{id}", h.deleteSubscription)

		r.Route("/stories/{id}", func(r chi.Router) {
			r.Get("/", h.getStory)
			r.Post("/in-progress", h.markInProgress)
			r.Post("/delivery", h.markDelivered)
		})
	})

	return &Server{
		inner: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       120 * time.Second,
			// No WriteTimeout: WebSocket connections are long lived.
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on addr (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.inner.Serve(ln)
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
