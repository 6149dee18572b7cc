// Package server provides the HTTP API for the command queue engine:
// command enqueueing, queue control, automation rules, bulk operations,
// monitoring, and the live event streams.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/archive"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/automation"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/database"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/events"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/monitor"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
)

// Config holds everything the HTTP layer depends on.
type Config struct {
	Log      zerolog.Logger
	Port     int
	DevMode  bool
	Engine   *queue.Engine
	Rules    *automation.Repository
	Monitor  *monitor.Facade
	Archive  *archive.Service // nil when archiving is disabled
	EventBus *events.Bus
	DBs      []*database.DB // checked by the health endpoint
}

// Server is the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	engine  *queue.Engine
	rules   *automation.Repository
	monitor *monitor.Facade
	archive *archive.Service
	bus     *events.Bus
	dbs     []*database.DB
}

// New creates the HTTP server and wires all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		engine:  cfg.Engine,
		rules:   cfg.Rules,
		monitor: cfg.Monitor,
		archive: cfg.Archive,
		bus:     cfg.EventBus,
		dbs:     cfg.DBs,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Live event streams. No timeout middleware on these; they hold the
		// connection open.
		streamHandler := NewEventsStreamHandler(s.bus, s.log)
		r.Get("/events/stream", streamHandler.ServeHTTP)
		wsHandler := NewEventsSocketHandler(s.bus, s.log)
		r.Get("/events/ws", wsHandler.ServeHTTP)

		r.Route("/commands", func(r chi.Router) {
			r.Get("/", s.handleListCommands)
			r.Post("/{commandID}/enqueue", s.handleEnqueue)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleListItems)
			r.Get("/{itemID}", s.handleGetItem)
			r.Post("/{itemID}/cancel", s.handleCancel)
			r.Post("/{itemID}/retry", s.handleRetry)
			r.Post("/{itemID}/pause", s.handlePause)
			r.Post("/{itemID}/resume", s.handleResume)
		})

		r.Route("/bulk", func(r chi.Router) {
			r.Post("/", s.handleStartBulk)
			r.Get("/{itemID}/progress", s.handleBulkProgress)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Get("/{ruleID}", s.handleGetRule)
			r.Put("/{ruleID}", s.handleUpdateRule)
			r.Delete("/{ruleID}", s.handleDeleteRule)
			r.Post("/{ruleID}/activate", s.handleActivateRule)
			r.Post("/{ruleID}/deactivate", s.handleDeactivateRule)
		})

		r.Route("/monitor", func(r chi.Router) {
			r.Get("/overview", s.handleOverview)
			r.Get("/recent", s.handleRecentExecutions)
			r.Get("/stats", s.handleExecutionStats)
			r.Get("/system", s.handleSystemStatus)
		})

		if s.archive != nil {
			r.Route("/archive", func(r chi.Router) {
				r.Get("/artifacts", s.handleListArtifacts)
				r.Post("/rotate", s.handleRotateArtifacts)
			})
		}
	})
}

// Start starts the HTTP server. Blocks until shutdown or failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
