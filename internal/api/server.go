package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/nudgequeue/internal/config"
	"github.com/shohag/nudgequeue/internal/queue"
	"github.com/shohag/nudgequeue/internal/storage"
)

type Server struct {
	cfg        config.ServerConfig
	adminToken string
	store      storage.Storage
	queue      *queue.Service
	router     *chi.Mux
	log        zerolog.Logger
	http       *http.Server
}

func NewServer(cfg config.ServerConfig, auth config.AuthConfig, store storage.Storage, q *queue.Service, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		adminToken: auth.AdminToken,
		store:      store,
		queue:      q,
		log:        log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	hubHandler := NewHubHandler(s.store)
	nudgeHandler := NewNudgeHandler(s.store, s.queue)
	statsHandler := NewStatsHandler(s.queue)

	r.Get("/health", statsHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(AdminMiddleware(s.adminToken))

			r.Post("/hubs", hubHandler.Create)
			r.Get("/hubs", hubHandler.List)
			r.Get("/hubs/{id}", hubHandler.Get)
			r.Delete("/hubs/{id}", hubHandler.Delete)
			r.Post("/hubs/{id}/rotate-key", hubHandler.RotateKey)
			r.Put("/hubs/{id}/webhook", hubHandler.SetWebhook)
		})

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.store))

			r.Post("/nudges", nudgeHandler.Enqueue)
			r.Get("/nudges", nudgeHandler.List)
			r.Get("/nudges/{id}", nudgeHandler.Get)

			r.Get("/stats", statsHandler.Stats)
		})
	})

	return r
}

func (s *Server) Start() error {
	addr := s.cfg.Addr()
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
