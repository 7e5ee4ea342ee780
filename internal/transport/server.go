package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattfrayser/boardrelay/internal/board"
	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/metrics"
)

const healthTimeout = 2 * time.Second

type Server struct {
	http   *http.Server
	boards *board.Manager
	ws     *BoardHandler
	logger *slog.Logger
}

func NewServer(addr string, boards *board.Manager, ws *BoardHandler, reg *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		boards: boards,
		ws:     ws,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	r.Post("/api/boards/{boardID}", s.handleCreateBoard)
	r.Method(http.MethodGet, "/board/{boardID}", ws)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting server", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes every board socket.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if n := s.ws.CloseAll(); n > 0 {
		s.logger.Info("Closed board connections", "count", n)
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.boards.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	boardID := chi.URLParam(r, "boardID")

	if err := s.boards.Create(r.Context(), boardID); err != nil {
		e := apperrors.AsStructuredError(err)
		if e.Type == apperrors.TypeInternal || e.Type == apperrors.TypeUnavailable {
			s.logger.Error("Failed to create board", "board_id", boardID, "error", err)
		}
		writeJSON(w, e.HTTPStatus(), map[string]string{"code": string(e.Type), "message": e.ClientMessage()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"boardId": boardID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
