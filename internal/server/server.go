// Package server exposes the operator control API and the event stream
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"cart_sentinel/internal/config"
	"cart_sentinel/internal/core"
	"cart_sentinel/internal/engine"
	"cart_sentinel/internal/events"
)

// Server is the operator-facing HTTP surface. All commands delegate to the
// engine; the server holds no state of its own.
type Server struct {
	engine *engine.Engine
	stream *events.Stream
	logger core.ILogger
	cfg    config.ServerConfig
	srv    *http.Server
}

// NewServer creates the control API server.
func NewServer(eng *engine.Engine, stream *events.Stream, cfg config.ServerConfig, logger core.ILogger) *Server {
	return &Server{
		engine: eng,
		stream: stream,
		logger: logger.WithField("component", "control_api"),
		cfg:    cfg,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.stream.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/items", func(r chi.Router) {
			r.Get("/", s.handleListItems)
			r.Post("/", s.handleTrackItem)
			r.Route("/{code}/{color}", func(r chi.Router) {
				r.Get("/", s.handleGetItem)
				r.Delete("/", s.handleUntrackItem)
				r.Put("/watched", s.handleUpdateWatched)
				r.Post("/reset", s.handleResetAdded)
			})
		})

		r.Get("/product/{code}/{color}", s.handlePreviewProduct)

		r.Route("/session", func(r chi.Router) {
			r.Post("/refresh", s.handleForceRefresh)
			r.Post("/login", s.handleForceLogin)
		})

		r.Route("/keeper", func(r chi.Router) {
			r.Get("/", s.handleKeeperStatus)
			r.Post("/enable", s.handleKeeperEnable)
			r.Post("/disable", s.handleKeeperDisable)
			r.Route("/fillers", func(r chi.Router) {
				r.Post("/", s.handleAddFiller)
				r.Post("/reset", s.handleResetFillers)
				r.Delete("/{variantID}", s.handleRemoveFiller)
			})
		})
	})

	return r
}

// Start launches the HTTP listener in the background.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Router(),
	}

	go func() {
		s.logger.Info("Control API listening", "port", s.cfg.Port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control API failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping control API")
	return s.srv.Shutdown(ctx)
}
