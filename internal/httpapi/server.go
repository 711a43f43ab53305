// Package httpapi is the local control surface a UI drives a node
// through: status endpoint, command dispatch, and presigned-URL minting.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nmxmxh/fedmesh/internal/node"
	"github.com/nmxmxh/fedmesh/internal/storage"
)

// Commander executes one named command against the role state machine.
type Commander interface {
	Do(ctx context.Context, cmd string, args []string) (any, error)
}

// Presigner mints a fresh signed URL for a stored object. Nil on nodes
// without object-store credentials.
type Presigner interface {
	PresignGet(ctx context.Context, contentHash string, ttl time.Duration) (string, error)
}

// Server is the chi-backed control surface.
type Server struct {
	commander Commander
	presigner Presigner
	log       *slog.Logger
	router    chi.Router
}

func New(commander Commander, presigner Presigner, log *slog.Logger) *Server {
	s := &Server{
		commander: commander,
		presigner: presigner,
		log:       log.With("component", "httpapi"),
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Post("/command", s.handleCommand)
	r.Post("/generate-presigned-url", s.handlePresign)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Listen blocks serving on addr until the context is cancelled, then
// shuts the listener down gracefully.
func (s *Server) Listen(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("control surface listening", "addr", addr)

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errc:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

type commandRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cmd == "" {
		writeError(w, http.StatusBadRequest, "malformed command body")
		return
	}

	result, err := s.commander.Do(r.Context(), req.Cmd, req.Args)
	if err != nil {
		s.log.Warn("command failed", "cmd", req.Cmd, "err", err)
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": result})
}

type presignRequest struct {
	Hash string `json:"hash"`
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	if s.presigner == nil {
		writeError(w, http.StatusBadRequest, "node has no object store configured")
		return
	}
	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hash == "" {
		writeError(w, http.StatusBadRequest, "missing hash")
		return
	}

	url, err := s.presigner.PresignGet(r.Context(), req.Hash, storage.DefaultPresignTTL)
	if err != nil {
		s.log.Error("presign failed", "hash", req.Hash, "err", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("storage: presign failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"presignedUrl": url,
		"hash":         req.Hash,
	})
}

// commandStatus maps command errors onto the surface's 400/500 split:
// caller mistakes are 400, everything else is 500.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, node.ErrUnknownCommand),
		errors.Is(err, node.ErrBadArgs),
		errors.Is(err, node.ErrWrongRole):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}
