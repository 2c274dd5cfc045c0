// Package server assembles the HTTP surface of the bridge.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peterje/consolebridge/internal/api"
	"github.com/peterje/consolebridge/internal/models"
	"github.com/peterje/consolebridge/internal/ws"
)

// SessionManager is what the session routes and the websocket bridge need.
type SessionManager interface {
	api.SessionManager
	ws.SessionManager
}

type Options struct {
	Executor       api.Executor
	Sessions       SessionManager
	Console        models.ConsoleStatus
	Version        string
	CORSOrigins    []string
	DefaultAPIMode int
	CommandTimeout time.Duration
	// RateLimitRequests per RateLimitWindow per client IP on /api/commands;
	// 0 disables the limit.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

type Server struct {
	router chi.Router
	opts   Options
}

func New(opts Options) *Server {
	s := &Server{router: chi.NewRouter(), opts: opts}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	commands := api.NewCommandsHandler(s.opts.Executor, s.opts.DefaultAPIMode, s.opts.CommandTimeout)
	sessions := api.NewSessionsHandler(s.opts.Sessions)
	wsHandler := ws.NewHandler(s.opts.Sessions, s.opts.CORSOrigins)

	r := s.router
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(accessLog)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Location", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		// Every command forks a console.
		if s.opts.RateLimitRequests > 0 {
			r.Use(httprate.LimitByIP(s.opts.RateLimitRequests, s.opts.RateLimitWindow))
		}
		r.Post("/api/commands", commands.HandleExecute)
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", sessions.HandleList)
		r.Post("/", sessions.HandleCreate)
		r.Get("/{id}", sessions.HandleGet)
		r.Delete("/{id}", sessions.HandleDelete)
		r.Post("/{id}/input", sessions.HandleInput)
	})

	r.Get("/ws/sessions/{id}", wsHandler.ServeHTTP)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.opts.Console.Installed {
		status = "degraded"
	}
	api.WriteJSON(w, http.StatusOK, models.HealthResponse{
		Status:   status,
		Version:  s.opts.Version,
		Console:  s.opts.Console,
		Sessions: len(s.opts.Sessions.List()),
	})
}
