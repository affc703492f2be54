// Package server exposes the upload and job HTTP API plus the websocket
// event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"autostage/internal/config"
	"autostage/internal/faults"
	"autostage/internal/live"
	"autostage/internal/logging"
	"autostage/internal/pipeline"
	"autostage/internal/progress"
	"autostage/internal/store"
	"autostage/internal/upload"
)

// Server carries the HTTP surface over the service components.
type Server struct {
	cfg          *config.Config
	logger       *slog.Logger
	uploads      *upload.Manager
	orchestrator *pipeline.Orchestrator
	tracker      *progress.Tracker
	classifier   *faults.Classifier
	registry     *live.Registry
	store        *store.Store

	listener net.Listener
	server   *http.Server
}

func New(
	cfg *config.Config,
	uploads *upload.Manager,
	orchestrator *pipeline.Orchestrator,
	tracker *progress.Tracker,
	classifier *faults.Classifier,
	registry *live.Registry,
	st *store.Store,
	logger *slog.Logger,
) *Server {
	srv := &Server{
		cfg:          cfg,
		logger:       logging.NewComponentLogger(logger, "api-server"),
		uploads:      uploads,
		orchestrator: orchestrator,
		tracker:      tracker,
		classifier:   classifier,
		registry:     registry,
		store:        st,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("POST /api/uploads", srv.handleInitUpload)
	mux.HandleFunc("PUT /api/uploads/{id}/chunk", srv.handleWriteChunk)
	mux.HandleFunc("GET /api/uploads/{id}/missing-ranges", srv.handleMissingRanges)
	mux.HandleFunc("POST /api/uploads/{id}/cancel", srv.handleCancel)
	mux.HandleFunc("GET /api/jobs", srv.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}/progress", srv.handleProgress)
	mux.HandleFunc("GET /api/errors", srv.handleRecentErrors)
	mux.Handle("GET /api/events", live.WebsocketHandler(registry, logger))

	srv.server = &http.Server{
		Handler:           srv.withRequestID(srv.authenticate(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Handler exposes the routed handler, including authentication.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins serving on the configured bind address and shuts down when
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Server.Bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Stop shuts the server down outside of context cancellation.
func (s *Server) Stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// withRequestID tags every request with a correlation id. Clients may supply
// their own via X-Request-ID; the id is echoed back and annotates the request
// context so downstream log lines carry it.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := logging.WithRequestID(r.Context(), requestID)
		logging.WithContext(ctx, s.logger).Debug("request received",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate enforces the bearer token when one is configured. Websocket
// clients may pass it as a query parameter since browsers cannot set
// headers on websocket upgrades.
func (s *Server) authenticate(next http.Handler) http.Handler {
	token := strings.TrimSpace(s.cfg.Server.APIToken)
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if presented == "" {
			presented = r.URL.Query().Get("token")
		}
		if presented != token {
			s.writeError(w, http.StatusUnauthorized, errorBody{
				Code:        "auth_failed",
				UserMessage: "Authentication required.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
