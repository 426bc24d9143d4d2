// Package server wires the relay hub to HTTP: the WebSocket upgrade
// endpoint, the control plane and the health, device and metrics routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/relayhub/internal/config"
	"github.com/markus-barta/relayhub/internal/hub"
	"github.com/markus-barta/relayhub/internal/metrics"
	"github.com/markus-barta/relayhub/internal/protocol"
	"github.com/markus-barta/relayhub/internal/store"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Server is the relay's HTTP front.
type Server struct {
	cfg      *config.Config
	log      zerolog.Logger
	hub      *hub.Hub
	store    *store.Store // nil when presence is not persisted
	router   *chi.Mux
	upgrader websocket.Upgrader
	metrics  http.Handler
	now      func() time.Time
}

// New creates a server around h. st may be nil.
func New(cfg *config.Config, h *hub.Hub, st *store.Store, log zerolog.Logger) (*Server, error) {
	if err := metrics.Register(); err != nil {
		return nil, err
	}
	scrape, err := metrics.Handler()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		log:   log.With().Str("component", "server").Logger(),
		hub:   h,
		store: st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Devices and dashboards are unauthenticated and may be served
			// from any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: scrape,
		now:     time.Now,
	}

	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics)

	// WebSocket (devices and dashboards)
	r.Get("/", s.handleWebSocket)
	r.Get("/ws", s.handleWebSocket)
	r.NotFound(s.handleUnrouted)

	r.Post("/control/{deviceID}", s.handleControl)
	r.Get("/devices", s.handleDevices)

	s.router = r
}

// recoverer turns a handler panic into a logged 500 with the control
// plane's error body. The process keeps serving.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("handler panic")
			writeJSON(w, http.StatusInternalServerError, protocol.StatusResponse{Status: protocol.StatusError})
		}()
		next.ServeHTTP(w, r)
	})
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting relay server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
