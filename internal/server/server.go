package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/supervisor"
)

// Server is the HTTP and websocket front end for the supervisor.
type Server struct {
	sup       *supervisor.Supervisor
	store     storage.Store
	languages sandbox.Languages
	router    chi.Router
	http      *http.Server
	log       zerolog.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// New creates a new Server. store may be nil, in which case the run
// history endpoints report 503.
func New(sup *supervisor.Supervisor, store storage.Store, langs sandbox.Languages) *Server {
	s := &Server{
		sup:       sup,
		store:     store,
		languages: langs,
		router:    chi.NewRouter(),
		log:       logger.WithComponent("server"),
		conns:     make(map[*wsConn]struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/compile", s.handleCompile)

	// Browser clients connect to the root path.
	r.Get("/ws", s.handleWebSocket)
	r.Get("/", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/languages", s.handleListLanguages)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msgf("runbox listening on http://localhost%s", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown kills every run, flushes and closes the websocket connections
// and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	supErr := s.sup.Shutdown(shutdownCtx)

	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	var httpErr error
	if s.http != nil {
		httpErr = s.http.Shutdown(shutdownCtx)
	}
	return errors.Join(supErr, httpErr)
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
