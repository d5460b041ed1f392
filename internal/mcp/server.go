package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/sessions"
	"github.com/joescharf/astrid/internal/store"
	"github.com/joescharf/astrid/internal/worktree"
)

// Server exposes astrid sessions as MCP tools.
type Server struct {
	store     store.Store
	sessions  *sessions.Manager
	worktrees *worktree.Manager
	version   string
}

// NewServer creates the MCP server wrapper. worktrees may be nil.
func NewServer(s store.Store, sm *sessions.Manager, wm *worktree.Manager, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{store: s, sessions: sm, worktrees: wm, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("astrid", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.runSessionTool())
	srv.AddTool(s.resumeSessionTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.sessionCommentsTool())
	srv.AddTool(s.sessionResultTool())
	if s.worktrees != nil {
		srv.AddTool(s.listWorktreesTool())
	}

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
// Background sessions are waited for before returning.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	err := stdioServer.Listen(ctx, os.Stdin, os.Stdout)
	s.sessions.Wait()
	return err
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type sessionOut struct {
	ID           string `json:"id"`
	TaskID       string `json:"task_id"`
	Title        string `json:"title"`
	Provider     string `json:"provider"`
	Status       string `json:"status"`
	WorkDir      string `json:"work_dir"`
	MessageCount int    `json:"message_count"`
	Running      bool   `json:"running"`
	UpdatedAt    string `json:"updated_at"`
}

func (s *Server) toSessionOut(sess *models.Session) sessionOut {
	return sessionOut{
		ID:           sess.ID,
		TaskID:       sess.TaskID,
		Title:        sess.Title,
		Provider:     string(sess.Provider),
		Status:       string(sess.Status),
		WorkDir:      sess.WorkDir,
		MessageCount: sess.MessageCount,
		Running:      s.sessions.Running(sess.ID),
		UpdatedAt:    sess.UpdatedAt.Format(time.RFC3339),
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// astrid_run_session
func (s *Server) runSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("astrid_run_session",
		mcp.WithDescription("Start an agent session on a repository. The session runs in the background; poll astrid_session_comments and astrid_session_result for progress."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short task title")),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Path to the repository to work in")),
		mcp.WithString("provider", mcp.Description("Agent backend: claude, openai, gemini, or remote (default claude)")),
		mcp.WithString("description", mcp.Description("Full task description")),
		mcp.WithString("task_id", mcp.Description("External task id, used for the worktree branch name")),
	)
	return tool, s.handleRunSession
}

func (s *Server) handleRunSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}
	repo, err := request.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repo"), nil
	}
	if abs, err := filepath.Abs(repo); err == nil {
		repo = abs
	}
	if fi, err := os.Stat(repo); err != nil || !fi.IsDir() {
		return mcp.NewToolResultError(fmt.Sprintf("repo is not a directory: %s", repo)), nil
	}

	sess, err := s.sessions.Launch(ctx, sessions.StartRequest{
		Title:       title,
		Description: request.GetString("description", ""),
		TaskID:      request.GetString("task_id", ""),
		WorkDir:     repo,
		Provider:    models.Provider(request.GetString("provider", string(models.ProviderClaude))),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start session: %v", err)), nil
	}
	return jsonResult(s.toSessionOut(sess))
}

// astrid_resume_session
func (s *Server) resumeSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("astrid_resume_session",
		mcp.WithDescription("Answer an agent's question or give new instructions; the session resumes in the background with its full comment history."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("input", mcp.Required(), mcp.Description("Reply or new instructions")),
		mcp.WithString("author", mcp.Description("Name recorded on the reply comment")),
	)
	return tool, s.handleResumeSession
}

func (s *Server) handleResumeSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	input, err := request.RequireString("input")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: input"), nil
	}

	if err := s.sessions.LaunchResume(ctx, id, input, request.GetString("author", "mcp")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to resume session: %v", err)), nil
	}
	return jsonResult(map[string]any{"id": id, "resumed": true})
}

// astrid_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("astrid_list_sessions",
		mcp.WithDescription("List sessions, newest first."),
		mcp.WithString("status", mcp.Description("Filter by status: pending, running, completed, failed, timeout")),
		mcp.WithString("provider", mcp.Description("Filter by provider")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (default 20)")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.store.ListSessions(ctx, store.SessionFilter{
		Status:   models.SessionStatus(request.GetString("status", "")),
		Provider: models.Provider(request.GetString("provider", "")),
		Limit:    request.GetInt("limit", 20),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	out := make([]sessionOut, len(list))
	for i, sess := range list {
		out[i] = s.toSessionOut(sess)
	}
	return jsonResult(out)
}

// astrid_session_comments
func (s *Server) sessionCommentsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("astrid_session_comments",
		mcp.WithDescription("Return the comments a session has posted (plans, questions, progress, PR links, completion), oldest first."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleSessionComments
}

func (s *Server) handleSessionComments(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	comments, err := s.store.ListComments(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list comments: %v", err)), nil
	}

	type commentOut struct {
		Kind      string `json:"kind"`
		Author    string `json:"author"`
		Body      string `json:"body"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]commentOut, len(comments))
	for i, c := range comments {
		out[i] = commentOut{
			Kind:      string(c.Kind),
			Author:    c.Author,
			Body:      c.Body,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		}
	}
	return jsonResult(out)
}

// astrid_session_result
func (s *Server) sessionResultTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("astrid_session_result",
		mcp.WithDescription("Return the result of a session's latest run: status, exit code, files modified, PR URL, summary, and diff."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithBoolean("include_diff", mcp.Description("Include the unified diff (default false)")),
	)
	return tool, s.handleSessionResult
}

func (s *Server) handleSessionResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	runs, err := s.store.ListRuns(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return jsonResult(map[string]any{"session": s.toSessionOut(sess), "runs": 0})
	}

	res := runs[len(runs)-1].Result
	if !request.GetBool("include_diff", false) {
		res.Diff = ""
	}
	res.Stdout = ""
	return jsonResult(map[string]any{
		"session": s.toSessionOut(sess),
		"runs":    len(runs),
		"result":  res,
	})
}

// astrid_list_worktrees
func (s *Server) listWorktreesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("astrid_list_worktrees",
		mcp.WithDescription("List session worktrees under the configured base directory, newest first."),
	)
	return tool, s.handleListWorktrees
}

func (s *Server) handleListWorktrees(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.worktrees.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list worktrees: %v", err)), nil
	}

	type worktreeOut struct {
		Name     string `json:"name"`
		Path     string `json:"path"`
		Branch   string `json:"branch"`
		Repo     string `json:"repo"`
		Modified string `json:"modified"`
		Orphaned bool   `json:"orphaned"`
	}
	out := make([]worktreeOut, len(entries))
	for i, e := range entries {
		out[i] = worktreeOut{
			Name:     e.Name,
			Path:     e.Path,
			Branch:   e.Branch,
			Repo:     e.RepoPath,
			Modified: e.ModTime.Format(time.RFC3339),
			Orphaned: e.Orphaned,
		}
	}
	return jsonResult(out)
}
