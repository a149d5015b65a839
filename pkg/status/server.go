// Package status serves a read-only view of the chunk queue over HTTP.
//
//	GET /progress              chunk counts and percentage
//	GET /chunks/failed?limit=N terminal chunks with their last error
//	GET /healthz               store reachability
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jdziat/simple-backfill/pkg/core"
)

const (
	defaultFailedLimit = 100
	maxFailedLimit     = 1000
	shutdownTimeout    = 5 * time.Second
)

// Store is what the status endpoints read.
type Store interface {
	Ping(ctx context.Context) error
	Progress(ctx context.Context) (core.Progress, error)
	FailedChunks(ctx context.Context, limit int) ([]*core.Chunk, error)
}

// ProgressResponse is the body of GET /progress.
type ProgressResponse struct {
	Total    int64   `json:"total"`
	Pending  int64   `json:"pending"`
	Claimed  int64   `json:"claimed"`
	Done     int64   `json:"done"`
	Failed   int64   `json:"failed"`
	Percent  float64 `json:"percent"`
	Finished bool    `json:"finished"`
}

// FailedChunk is one entry of GET /chunks/failed.
type FailedChunk struct {
	ID         uint   `json:"id"`
	RangeStart int64  `json:"range_start"`
	RangeEnd   int64  `json:"range_end"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error"`
}

// Server exposes the queue state.
type Server struct {
	store  Store
	logger *slog.Logger
	router *chi.Mux
}

// NewServer builds the router. A nil logger means slog.Default().
func NewServer(store Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/progress", s.handleProgress)
	r.Get("/chunks/failed", s.handleFailed)
	r.Get("/healthz", s.handleHealth)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status endpoint listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Progress(r.Context())
	if err != nil {
		s.logger.Error("status: read progress", "error", err)
		http.Error(w, "progress unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, ProgressResponse{
		Total:    p.Total,
		Pending:  p.Pending,
		Claimed:  p.Claimed,
		Done:     p.Done,
		Failed:   p.Failed,
		Percent:  p.Percent(),
		Finished: p.Finished(),
	})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxFailedLimit)
	}

	chunks, err := s.store.FailedChunks(r.Context(), limit)
	if err != nil {
		s.logger.Error("status: read failed chunks", "error", err)
		http.Error(w, "failed chunks unavailable", http.StatusServiceUnavailable)
		return
	}
	out := make([]FailedChunk, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, FailedChunk{
			ID:         c.ID,
			RangeStart: c.RangeStart,
			RangeEnd:   c.RangeEnd,
			Attempts:   c.Attempts,
			LastError:  c.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
