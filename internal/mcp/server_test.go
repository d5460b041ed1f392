package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/astrid/internal/clock"
	"github.com/joescharf/astrid/internal/executor"
	"github.com/joescharf/astrid/internal/llm"
	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/sessions"
	"github.com/joescharf/astrid/internal/store"
	"github.com/joescharf/astrid/internal/worktree"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// planProvider posts a plan and completes in one turn.
type planProvider struct{}

func (planProvider) Name() models.Provider { return models.ProviderClaude }
func (planProvider) Label() string          { return "Claude" }
func (planProvider) Model() string          { return "plan" }

func (planProvider) Open(context.Context, executor.Task) (executor.Run, error) {
	return planRun{}, nil
}

type planRun struct{}

func (planRun) Step(context.Context, *llm.Conversation, clock.Deadline) (executor.Step, error) {
	return executor.Step{
		Text: "Implementation plan:\n1. Read the config loader\n2. Add the missing default\n3. Cover it with a test",
		ToolCalls: []llm.ToolCall{
			{ID: "w", Name: "write_file", Input: map[string]any{"path": "notes.md", "content": "done\n"}},
			{ID: "c", Name: "mark_complete", Input: map[string]any{"summary": "Added the default."}},
		},
	}, nil
}

func (planRun) Close() {}

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore, *sessions.Manager) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "astrid.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	sm := sessions.NewManager(st, func(models.Provider) (*executor.Executor, error) {
		return executor.New(planProvider{}, executor.Config{}, executor.Deps{}), nil
	})
	wm := worktree.NewManager(worktree.Config{Enabled: true, BaseDir: filepath.Join(t.TempDir(), "wt")})
	srv := NewServer(st, sm, wm, "test")
	require.NotNil(t, srv)
	return srv, st, sm
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target), "failed to parse result JSON: %s", text)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMCPServer_RegistersTools(t *testing.T) {
	srv, _, _ := newTestServer(t)
	tools := srv.MCPServer().ListTools()
	for _, name := range []string{
		"astrid_run_session",
		"astrid_resume_session",
		"astrid_list_sessions",
		"astrid_session_comments",
		"astrid_session_result",
		"astrid_list_worktrees",
	} {
		assert.Contains(t, tools, name)
	}
}

func TestRunSession_Lifecycle(t *testing.T) {
	srv, _, sm := newTestServer(t)
	ctx := context.Background()
	repo := t.TempDir()

	res, err := srv.handleRunSession(ctx, callToolReq("astrid_run_session", map[string]any{
		"title": "Add default",
		"repo":  repo,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var started sessionOut
	resultJSON(t, res, &started)
	assert.NotEmpty(t, started.ID)
	assert.Equal(t, "claude", started.Provider)
	assert.Equal(t, repo, started.WorkDir)

	sm.Wait()

	res, err = srv.handleSessionComments(ctx, callToolReq("astrid_session_comments", map[string]any{"session_id": started.ID}))
	require.NoError(t, err)
	var comments []map[string]string
	resultJSON(t, res, &comments)
	require.Len(t, comments, 2)
	assert.Equal(t, "plan", comments[0]["kind"])
	assert.Equal(t, "completion", comments[1]["kind"])

	res, err = srv.handleSessionResult(ctx, callToolReq("astrid_session_result", map[string]any{"session_id": started.ID}))
	require.NoError(t, err)
	var out struct {
		Session sessionOut             `json:"session"`
		Runs    int                    `json:"runs"`
		Result  models.ExecutionResult `json:"result"`
	}
	resultJSON(t, res, &out)
	assert.Equal(t, 1, out.Runs)
	assert.Equal(t, "completed", out.Session.Status)
	assert.Equal(t, models.SessionStatusCompleted, out.Result.Status)
	assert.Equal(t, []string{"notes.md"}, out.Result.FilesModified)
	assert.Equal(t, "Added the default.", out.Result.Summary)
	assert.Empty(t, out.Result.Stdout)

	res, err = srv.handleListSessions(ctx, callToolReq("astrid_list_sessions", map[string]any{"status": "completed"}))
	require.NoError(t, err)
	var list []sessionOut
	resultJSON(t, res, &list)
	require.Len(t, list, 1)
	assert.Equal(t, started.ID, list[0].ID)
	assert.False(t, list[0].Running)

	res, err = srv.handleResumeSession(ctx, callToolReq("astrid_resume_session", map[string]any{
		"session_id": started.ID,
		"input":      "Also update the docs",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	sm.Wait()

	res, err = srv.handleSessionResult(ctx, callToolReq("astrid_session_result", map[string]any{"session_id": started.ID}))
	require.NoError(t, err)
	resultJSON(t, res, &out)
	assert.Equal(t, 2, out.Runs)
}

func TestRunSession_Errors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing title", map[string]any{"repo": t.TempDir()}, "missing required parameter: title"},
		{"missing repo", map[string]any{"title": "x"}, "missing required parameter: repo"},
		{"bad repo", map[string]any{"title": "x", "repo": filepath.Join(t.TempDir(), "nope")}, "repo is not a directory"},
		{"bad provider", map[string]any{"title": "x", "repo": t.TempDir(), "provider": "cobol"}, "unknown provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := srv.handleRunSession(ctx, callToolReq("astrid_run_session", tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}
}

func TestSessionTools_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	args := map[string]any{"session_id": "missing", "input": "hi"}

	res, err := srv.handleSessionComments(ctx, callToolReq("astrid_session_comments", args))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = srv.handleSessionResult(ctx, callToolReq("astrid_session_result", args))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = srv.handleResumeSession(ctx, callToolReq("astrid_resume_session", args))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "session not found")
}

func TestListWorktrees_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	res, err := srv.handleListWorktrees(context.Background(), callToolReq("astrid_list_worktrees", nil))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, "[]", resultText(t, res))
}
