// Package http provides the HTTP transport layer for levelq.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET  /health
//	POST /v1/enqueue              (roles all, receiver)
//	GET  /v1/queue
//	GET  /v1/queue/stats
//	GET  /v1/dead-letter
//	POST /v1/dead-letter/reenqueue
//	GET  /v1/events
//	GET  /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/levelq/internal/broker"
	"github.com/snehjoshi/levelq/internal/config"
	transportws "github.com/snehjoshi/levelq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with levelq route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from a Broker.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, cfg *config.Config) *Server {
	h := &Handler{broker: b, started: time.Now()}
	reg := b.Metrics()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	if b.Role().RunsReceiver() {
		mux.HandleFunc("POST /v1/enqueue", h.enqueue)
	}
	mux.HandleFunc("GET /v1/queue", h.listQueue)
	mux.HandleFunc("GET /v1/queue/stats", h.queueStats)

	mux.HandleFunc("GET /v1/dead-letter", h.listDeadLetter)
	mux.HandleFunc("POST /v1/dead-letter/reenqueue", h.reenqueueDeadLetter)

	mux.Handle("GET /v1/events", &transportws.Handler{Source: b})

	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	handler := chain(mux,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(float64(cfg.RateLimit.Rate), cfg.RateLimit.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish. Hijacked WebSocket connections are not
// tracked; they end when the broker closes its subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
