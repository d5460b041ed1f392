package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/astrid/internal/clock"
	"github.com/joescharf/astrid/internal/git"
	"github.com/joescharf/astrid/internal/llm"
	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/worktree"
)

// scriptedProvider replays steps in order and repeats the last one.
type scriptedProvider struct {
	steps  []Step
	err    error
	errAt  int
	before func(turn int)

	mu      sync.Mutex
	prompts []string
	systems []string
	lastMsg []string
	closed  int
}

func (p *scriptedProvider) Name() models.Provider { return models.ProviderClaude }
func (p *scriptedProvider) Label() string          { return "Claude" }
func (p *scriptedProvider) Model() string          { return "scripted" }

func (p *scriptedProvider) Open(_ context.Context, task Task) (Run, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, task.Prompt)
	p.systems = append(p.systems, task.System)
	p.mu.Unlock()
	return &scriptedRun{p: p}, nil
}

type scriptedRun struct {
	p    *scriptedProvider
	turn int
}

func (r *scriptedRun) Step(_ context.Context, conv *llm.Conversation, _ clock.Deadline) (Step, error) {
	r.turn++
	p := r.p
	if p.before != nil {
		p.before(r.turn)
	}
	p.mu.Lock()
	last := conv.Messages[len(conv.Messages)-1]
	p.lastMsg = append(p.lastMsg, last.Text)
	p.mu.Unlock()

	if p.err != nil && r.turn == p.errAt {
		return Step{Text: "Running the migration before failing hard"}, p.err
	}
	i := min(r.turn-1, len(p.steps)-1)
	return p.steps[i], nil
}

func (r *scriptedRun) Close() {
	r.p.mu.Lock()
	r.p.closed++
	r.p.mu.Unlock()
}

type recordedComment struct {
	Kind models.CommentKind
	Body string
}

type commentLog struct {
	mu       sync.Mutex
	comments []recordedComment
	progress []string
}

func (c *commentLog) hooks() Hooks {
	return Hooks{
		OnProgress: func(msg string) {
			c.mu.Lock()
			c.progress = append(c.progress, msg)
			c.mu.Unlock()
		},
		OnComment: func(kind models.CommentKind, body string) error {
			c.mu.Lock()
			c.comments = append(c.comments, recordedComment{kind, body})
			c.mu.Unlock()
			return nil
		},
	}
}

func (c *commentLog) kinds() []models.CommentKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.CommentKind
	for _, cm := range c.comments {
		out = append(out, cm.Kind)
	}
	return out
}

func toolCall(id, name string, input map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Input: input}
}

func completeCall(id string) llm.ToolCall {
	return toolCall(id, "mark_complete", map[string]any{
		"commit_message": "Add greeting",
		"pr_title":       "Add greeting",
		"pr_description": "Adds hello.txt",
		"summary":        "Added a greeting file.",
	})
}

const planText = "Here is my plan:\n\n1. Inspect the repository layout\n2. Add a greeting file at the root\n3. Mark the task complete"

func testSession(dir string) models.Session {
	return models.Session{
		ID:          "sess-1",
		TaskID:      "42",
		Title:       "Add greeting",
		Description: "Create hello.txt",
		WorkDir:     dir,
		Provider:    models.ProviderClaude,
	}
}

func TestStartSession_CompletesWithMarkComplete(t *testing.T) {
	dir := t.TempDir()
	p := &scriptedProvider{steps: []Step{
		{
			Text:      planText,
			ToolCalls: []llm.ToolCall{toolCall("c1", "write_file", map[string]any{"path": "hello.txt", "content": "hi\n"})},
			Usage:     models.Usage{InputTokens: 10, OutputTokens: 5},
		},
		{
			ToolCalls: []llm.ToolCall{completeCall("c2")},
			Usage:     models.Usage{InputTokens: 20, OutputTokens: 7},
		},
	}}
	log := &commentLog{}

	ex := New(p, Config{MaxTurns: 5}, Deps{})
	res := ex.StartSession(context.Background(), testSession(dir), log.hooks())

	assert.Equal(t, models.SessionStatusCompleted, res.Status)
	assert.Equal(t, ExitOK, res.ExitCode)
	assert.Empty(t, res.Stderr)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, models.Usage{InputTokens: 30, OutputTokens: 12}, res.Usage)
	assert.Equal(t, []string{"hello.txt"}, res.FilesModified)
	assert.Equal(t, "Added a greeting file.", res.Summary)
	assert.Contains(t, res.Stdout, "Here is my plan")

	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	assert.Equal(t, []models.CommentKind{models.CommentKindPlan, models.CommentKindCompletion}, log.kinds())
	assert.Contains(t, log.comments[0].Body, "**Claude's Plan**")
	assert.Contains(t, log.comments[1].Body, "Added a greeting file.")
	assert.Contains(t, log.progress, "write_file: hello.txt")
	assert.Equal(t, 1, p.closed)
}

func TestStartSession_MaxIterations(t *testing.T) {
	p := &scriptedProvider{steps: []Step{
		{ToolCalls: []llm.ToolCall{toolCall("c", "run_command", map[string]any{"command": "true"})}},
	}}
	log := &commentLog{}

	ex := New(p, Config{MaxTurns: 3}, Deps{})
	res := ex.StartSession(context.Background(), testSession(t.TempDir()), log.hooks())

	assert.Equal(t, models.SessionStatusFailed, res.Status)
	assert.Equal(t, ExitFailed, res.ExitCode)
	assert.Equal(t, "Max iterations (3) reached without task completion", res.Stderr)
	assert.Equal(t, 3, res.Turns)
	assert.Equal(t, []models.CommentKind{models.CommentKindFailure}, log.kinds())
	assert.True(t, errors.Is(&IterationLimitError{Max: 3}, ErrMaxIterations))
}

func TestStartSession_SystemPromptDescribesRepository(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/greeter\n\ngo 1.23\n"), 0o644))
	p := &scriptedProvider{steps: []Step{{ToolCalls: []llm.ToolCall{completeCall("c1")}}}}

	ex := New(p, Config{MaxTurns: 2}, Deps{})
	ex.StartSession(context.Background(), testSession(dir), Hooks{})

	require.Len(t, p.systems, 1)
	assert.Contains(t, p.systems[0], "You are Claude")
	assert.Contains(t, p.systems[0], "## Repository")
	assert.Contains(t, p.systems[0], "Go module `example.com/greeter` (go 1.23)")
}

func TestStartSession_NudgesOnceThenFinalizes(t *testing.T) {
	p := &scriptedProvider{steps: []Step{{Text: "All done, the greeting file is in place."}}}

	ex := New(p, Config{MaxTurns: 10}, Deps{})
	res := ex.StartSession(context.Background(), testSession(t.TempDir()), Hooks{})

	assert.Equal(t, models.SessionStatusCompleted, res.Status)
	assert.Equal(t, 2, res.Turns)
	require.Len(t, p.lastMsg, 2)
	assert.Equal(t, CompletionNudge, p.lastMsg[1])
	assert.Equal(t, "All done, the greeting file is in place.", res.Summary)
}

func TestStartSession_NudgeThenComplete(t *testing.T) {
	p := &scriptedProvider{steps: []Step{
		{Text: "I think that covers it."},
		{ToolCalls: []llm.ToolCall{completeCall("c1")}},
	}}

	ex := New(p, Config{MaxTurns: 10}, Deps{})
	res := ex.StartSession(context.Background(), testSession(t.TempDir()), Hooks{})

	assert.Equal(t, models.SessionStatusCompleted, res.Status)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, "Added a greeting file.", res.Summary)
}

func TestStartSession_ProviderError(t *testing.T) {
	p := &scriptedProvider{
		steps: []Step{{ToolCalls: []llm.ToolCall{toolCall("c", "run_command", map[string]any{"command": "true"})}}},
		err:   errors.New("anthropic API call: 529 overloaded"),
		errAt: 2,
	}
	log := &commentLog{}

	ex := New(p, Config{MaxTurns: 10}, Deps{})
	res := ex.StartSession(context.Background(), testSession(t.TempDir()), log.hooks())

	assert.Equal(t, models.SessionStatusFailed, res.Status)
	assert.Equal(t, ExitFailed, res.ExitCode)
	assert.Equal(t, "anthropic API call: 529 overloaded", res.Stderr)
	assert.Contains(t, res.Stdout, "Running the migration")
	assert.Equal(t, models.CommentKindFailure, log.kinds()[len(log.kinds())-1])
}

func TestStartSession_Timeout(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := &scriptedProvider{
		steps:  []Step{{ToolCalls: []llm.ToolCall{toolCall("c", "run_command", map[string]any{"command": "true"})}}},
		before: func(int) { fake.Advance(2 * time.Minute) },
	}
	log := &commentLog{}

	ex := New(p, Config{MaxTurns: 50, Timeout: 3 * time.Minute}, Deps{Clock: fake})
	res := ex.StartSession(context.Background(), testSession(t.TempDir()), log.hooks())

	assert.Equal(t, models.SessionStatusTimeout, res.Status)
	assert.Equal(t, ExitTimeout, res.ExitCode)
	assert.Equal(t, 2, res.Turns)
	assert.Contains(t, res.Stderr, "timed out after 3m0s")
	assert.Equal(t, 4*time.Minute, res.Duration)
	require.NotEmpty(t, log.comments)
	assert.Contains(t, log.comments[len(log.comments)-1].Body, "timed out")
}

func TestStartSession_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{
		steps:  []Step{{ToolCalls: []llm.ToolCall{toolCall("c", "run_command", map[string]any{"command": "true"})}}},
		before: func(int) { cancel() },
	}

	ex := New(p, Config{MaxTurns: 10}, Deps{})
	res := ex.StartSession(ctx, testSession(t.TempDir()), Hooks{})

	assert.Equal(t, models.SessionStatusFailed, res.Status)
	assert.Equal(t, context.Canceled.Error(), res.Stderr)
	assert.Equal(t, 1, res.Turns)
}

func TestStartSession_HookPanicsAreContained(t *testing.T) {
	p := &scriptedProvider{steps: []Step{
		{Text: planText, ToolCalls: []llm.ToolCall{completeCall("c1")}},
	}}
	hooks := Hooks{
		OnProgress: func(string) { panic("progress boom") },
		OnComment: func(models.CommentKind, string) error {
			panic("comment boom")
		},
	}

	ex := New(p, Config{}, Deps{})
	res := ex.StartSession(context.Background(), testSession(t.TempDir()), hooks)
	assert.Equal(t, models.SessionStatusCompleted, res.Status)
}

func TestStartSession_DedupesPRComment(t *testing.T) {
	url := "https://github.com/acme/widgets/pull/12"
	p := &scriptedProvider{steps: []Step{
		{Text: "Opened the pull request at " + url, ToolCalls: []llm.ToolCall{completeCall("c1")}},
	}}
	log := &commentLog{}

	ex := New(p, Config{}, Deps{})
	res := ex.StartSession(context.Background(), testSession(t.TempDir()), log.hooks())

	assert.Equal(t, url, res.PRURL)
	assert.Equal(t, []models.CommentKind{models.CommentKindPRCreated, models.CommentKindCompletion}, log.kinds())
}

func TestResumeSession_RebuildsPrompt(t *testing.T) {
	p := &scriptedProvider{steps: []Step{{ToolCalls: []llm.ToolCall{completeCall("c1")}}}}
	history := []models.Comment{
		{Kind: models.CommentKindQuestion, Body: "Should I use tabs or spaces?"},
		{Kind: models.CommentKindUser, Author: "dana", Body: "Tabs."},
	}

	ex := New(p, Config{}, Deps{})
	res := ex.ResumeSession(context.Background(), testSession(t.TempDir()), "Go ahead with tabs", ResumeContext{Comments: history}, Hooks{})

	assert.Equal(t, models.SessionStatusCompleted, res.Status)
	require.Len(t, p.prompts, 1)
	assert.Contains(t, p.prompts[0], "Should I use tabs or spaces?")
	assert.Contains(t, p.prompts[0], "**dana** (user):\nTabs.")
	assert.Contains(t, p.prompts[0], "Go ahead with tabs")
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, string(out))
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(dir, 0755))
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644))
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial")
	return dir
}

type fakeGitHub struct {
	url   string
	calls int
	title string
}

func (f *fakeGitHub) CreatePR(_ context.Context, _, _, title, _ string) (string, error) {
	f.calls++
	f.title = title
	return f.url, nil
}

func (f *fakeGitHub) PRForBranch(context.Context, string, string) (*git.PullRequest, error) {
	return nil, nil
}

func TestStartSession_IsolatedWorktreePushes(t *testing.T) {
	repo := initTestRepo(t)
	remote := filepath.Join(t.TempDir(), "origin.git")
	out, err := exec.Command("git", "init", "--bare", remote).CombinedOutput()
	require.NoError(t, err, string(out))
	gitRun(t, repo, "remote", "add", "origin", remote)

	base := filepath.Join(t.TempDir(), "worktrees")
	gh := &fakeGitHub{url: "https://github.com/acme/widgets/pull/7"}
	mgr := worktree.NewManager(worktree.Config{Enabled: true, BaseDir: base, AutoCleanup: true}, worktree.WithGitHub(gh))

	var workdir string
	p := &scriptedProvider{steps: []Step{
		{ToolCalls: []llm.ToolCall{toolCall("c1", "write_file", map[string]any{"path": "hello.txt", "content": "hi\n"})}},
		{ToolCalls: []llm.ToolCall{toolCall("c2", "mark_complete", map[string]any{
			"commit_message": "feat: add hello.txt greeting",
			"pr_title":       "Greeting PR",
			"pr_description": "Adds hello.txt",
			"summary":        "Added a greeting file.",
		})}},
	}}
	p.before = func(turn int) {
		if turn == 1 {
			entries, err := os.ReadDir(base)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			workdir = filepath.Join(base, entries[0].Name())
		}
	}
	log := &commentLog{}

	ex := New(p, Config{}, Deps{Worktrees: mgr})
	res := ex.StartSession(context.Background(), testSession(repo), log.hooks())

	assert.Equal(t, models.SessionStatusCompleted, res.Status)
	assert.Equal(t, []string{"hello.txt"}, res.FilesModified)
	assert.Contains(t, res.Diff, "+hi")
	assert.Equal(t, "https://github.com/acme/widgets/pull/7", res.PRURL)
	assert.Equal(t, 1, gh.calls)
	assert.Contains(t, log.kinds(), models.CommentKindPRCreated)

	assert.NoFileExists(t, filepath.Join(repo, "hello.txt"))
	assert.NoDirExists(t, workdir)

	out, err = exec.Command("git", "-C", remote, "branch", "--list", worktree.BranchName("42")).CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), worktree.BranchName("42"))

	assert.Equal(t, "Greeting PR", gh.title)
	out, err = exec.Command("git", "-C", remote, "log", "-1", "--format=%s", worktree.BranchName("42")).CombinedOutput()
	require.NoError(t, err, string(out))
	assert.Equal(t, "feat: add hello.txt greeting", strings.TrimSpace(string(out)))
}

func TestStartSession_WorktreeFailureFallsBack(t *testing.T) {
	notRepo := t.TempDir()
	mgr := worktree.NewManager(worktree.Config{Enabled: true, BaseDir: filepath.Join(t.TempDir(), "wt"), AutoCleanup: true})
	p := &scriptedProvider{steps: []Step{
		{ToolCalls: []llm.ToolCall{
			toolCall("c1", "write_file", map[string]any{"path": "out.txt", "content": "x"}),
			completeCall("c2"),
		}},
	}}

	ex := New(p, Config{}, Deps{Worktrees: mgr})
	res := ex.StartSession(context.Background(), testSession(notRepo), Hooks{})

	assert.Equal(t, models.SessionStatusCompleted, res.Status)
	assert.FileExists(t, filepath.Join(notRepo, "out.txt"))
	assert.Equal(t, []string{"out.txt"}, res.FilesModified)
	assert.Empty(t, res.PRURL)
}

func TestStartSession_MaxIterationsKeepsChanges(t *testing.T) {
	repo := initTestRepo(t)
	mgr := worktree.NewManager(worktree.Config{Enabled: false})
	p := &scriptedProvider{steps: []Step{
		{ToolCalls: []llm.ToolCall{toolCall("c1", "write_file", map[string]any{"path": "README.md", "content": "# changed\n"})}},
	}}

	ex := New(p, Config{MaxTurns: 2}, Deps{Worktrees: mgr})
	res := ex.StartSession(context.Background(), testSession(repo), Hooks{})

	assert.Equal(t, models.SessionStatusFailed, res.Status)
	assert.Equal(t, []string{"README.md"}, res.FilesModified)
	assert.Contains(t, res.Diff, "+# changed")
}

func TestStartSession_IsolatedWorktreeRemovedOnEveryExit(t *testing.T) {
	write := Step{ToolCalls: []llm.ToolCall{toolCall("w", "write_file", map[string]any{"path": "a.txt", "content": "a\n"})}}

	tests := []struct {
		name   string
		cfg    Config
		status models.SessionStatus
		setup  func(p *scriptedProvider, fake *clock.Fake)
	}{
		{
			name:   "provider error",
			cfg:    Config{MaxTurns: 10},
			status: models.SessionStatusFailed,
			setup: func(p *scriptedProvider, _ *clock.Fake) {
				p.err, p.errAt = errors.New("anthropic API call: 500 internal"), 2
			},
		},
		{
			name:   "timeout",
			cfg:    Config{MaxTurns: 10, Timeout: 3 * time.Minute},
			status: models.SessionStatusTimeout,
			setup: func(p *scriptedProvider, fake *clock.Fake) {
				p.before = func(int) { fake.Advance(2 * time.Minute) }
			},
		},
		{
			name:   "max iterations",
			cfg:    Config{MaxTurns: 3},
			status: models.SessionStatusFailed,
			setup:  func(*scriptedProvider, *clock.Fake) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := initTestRepo(t)
			base := filepath.Join(t.TempDir(), "worktrees")
			mgr := worktree.NewManager(worktree.Config{Enabled: true, BaseDir: base, AutoCleanup: true})
			fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

			p := &scriptedProvider{steps: []Step{write}}
			tt.setup(p, fake)

			ex := New(p, tt.cfg, Deps{Worktrees: mgr, Clock: fake})
			res := ex.StartSession(context.Background(), testSession(repo), Hooks{})

			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, []string{"a.txt"}, res.FilesModified)
			assert.Equal(t, 1, p.closed)

			entries, err := os.ReadDir(base)
			if !os.IsNotExist(err) {
				require.NoError(t, err)
			}
			assert.Empty(t, entries)

			out, err := exec.Command("git", "-C", repo, "worktree", "list", "--porcelain").Output()
			require.NoError(t, err)
			assert.Equal(t, 1, strings.Count(string(out), "worktree "))
			assert.NoFileExists(t, filepath.Join(repo, "a.txt"))
		})
	}
}

func TestDescribeCall_TruncatesOnRuneBoundary(t *testing.T) {
	got := describeCall(toolCall("c", "run_command", map[string]any{"command": "echo " + strings.Repeat("ü", 60)}))
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasPrefix(got, "run_command: echo ü"))
	assert.True(t, strings.HasSuffix(got, "..."))

	assert.Equal(t, "read_file: a.go", describeCall(toolCall("c", "read_file", map[string]any{"path": "a.go"})))
	assert.Equal(t, "mark_complete", describeCall(toolCall("c", "mark_complete", nil)))
}
