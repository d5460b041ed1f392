// Package api serves astrid sessions over a JSON REST API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/sessions"
	"github.com/joescharf/astrid/internal/store"
	"github.com/joescharf/astrid/internal/worktree"
)

// Server provides the REST API handlers.
type Server struct {
	store     store.Store
	sessions  *sessions.Manager
	worktrees *worktree.Manager
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithWorktrees enables the worktree listing endpoint.
func WithWorktrees(wm *worktree.Manager) Option { return func(s *Server) { s.worktrees = wm } }

// WithMetrics serves g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer creates a new API server.
func NewServer(st store.Store, sm *sessions.Manager, opts ...Option) *Server {
	s := &Server{store: st, sessions: sm, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.deleteSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/comments", s.listComments)
	mux.HandleFunc("GET /api/v1/sessions/{id}/runs", s.listRuns)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resume", s.resumeSession)

	mux.HandleFunc("GET /api/v1/worktrees", s.listWorktrees)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store.ErrNotFound to 404 and everything else to 500.
func writeStoreError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// --- Sessions ---

// SessionResponse is a session plus whether it is executing right now.
type SessionResponse struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	WorkDir      string    `json:"work_dir"`
	Provider     string    `json:"provider"`
	Status       string    `json:"status"`
	MessageCount int       `json:"message_count"`
	Running      bool      `json:"running"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Server) sessionResponse(sess *models.Session) SessionResponse {
	return SessionResponse{
		ID:           sess.ID,
		TaskID:       sess.TaskID,
		Title:        sess.Title,
		Description:  sess.Description,
		WorkDir:      sess.WorkDir,
		Provider:     string(sess.Provider),
		Status:       string(sess.Status),
		MessageCount: sess.MessageCount,
		Running:      s.sessions.Running(sess.ID),
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
	}
}

// CommentResponse is one stored comment.
type CommentResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// RunResponse is one recorded execution.
type RunResponse struct {
	ID        string                 `json:"id"`
	Result    models.ExecutionResult `json:"result"`
	CreatedAt time.Time              `json:"created_at"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := s.store.ListSessions(r.Context(), store.SessionFilter{
		Status:   models.SessionStatus(q.Get("status")),
		Provider: models.Provider(q.Get("provider")),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := make([]SessionResponse, 0, len(list))
	for _, sess := range list {
		result = append(result, s.sessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, result)
}

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	TaskID      string `json:"task_id"`
	Repo        string `json:"repo"`
	Provider    string `json:"provider"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}
	repo, err := filepath.Abs(req.Repo)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fi, err := os.Stat(repo); err != nil || !fi.IsDir() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("repo is not a directory: %s", repo))
		return
	}
	if req.Provider == "" {
		req.Provider = string(models.ProviderClaude)
	}
	provider, ok := models.ParseProvider(req.Provider)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", req.Provider))
		return
	}

	sess, err := s.sessions.Launch(r.Context(), sessions.StartRequest{
		Title:       req.Title,
		Description: req.Description,
		TaskID:      req.TaskID,
		WorkDir:     repo,
		Provider:    provider,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("session launched", "session", sess.ID, "provider", provider, "repo", repo)
	writeJSON(w, http.StatusAccepted, s.sessionResponse(sess))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "session", err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse(sess))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.sessions.Running(id) {
		writeError(w, http.StatusConflict, "session is running")
		return
	}
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeStoreError(w, "session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, "session", err)
		return
	}
	comments, err := s.store.ListComments(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]CommentResponse, 0, len(comments))
	for _, c := range comments {
		out = append(out, CommentResponse{
			ID:        c.ID,
			Kind:      string(c.Kind),
			Author:    c.Author,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, "session", err)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, RunResponse{ID: run.ID, Result: run.Result, CreatedAt: run.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// ResumeSessionRequest is the body of POST /api/v1/sessions/{id}/resume.
type ResumeSessionRequest struct {
	Input  string `json:"input"`
	Author string `json:"author"`
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ResumeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	if req.Author == "" {
		req.Author = "api"
	}

	err := s.sessions.LaunchResume(r.Context(), id, req.Input, req.Author)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "resumed": true})
	case errors.Is(err, sessions.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeStoreError(w, "session", err)
	}
}

// --- Worktrees ---

// WorktreeResponse is one directory under the worktree base dir.
type WorktreeResponse struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Branch   string    `json:"branch"`
	Repo     string    `json:"repo"`
	Modified time.Time `json:"modified"`
	Orphaned bool      `json:"orphaned"`
}

func (s *Server) listWorktrees(w http.ResponseWriter, r *http.Request) {
	if s.worktrees == nil {
		writeError(w, http.StatusNotFound, "worktrees are disabled")
		return
	}
	entries, err := s.worktrees.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]WorktreeResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, WorktreeResponse{
			Name:     e.Name,
			Path:     e.Path,
			Branch:   e.Branch,
			Repo:     e.RepoPath,
			Modified: e.ModTime,
			Orphaned: e.Orphaned,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
