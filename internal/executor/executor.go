// Package executor runs a session against one agent backend: it prepares an
// isolated checkout, drives the provider turn by turn, executes tool calls,
// posts comments as output streams in, and finalizes the result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/astrid/internal/clock"
	"github.com/joescharf/astrid/internal/config"
	"github.com/joescharf/astrid/internal/llm"
	"github.com/joescharf/astrid/internal/metrics"
	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/parser"
	"github.com/joescharf/astrid/internal/repoinfo"
	"github.com/joescharf/astrid/internal/tools"
	"github.com/joescharf/astrid/internal/worker"
	"github.com/joescharf/astrid/internal/worktree"
)

// Exit codes reported in ExecutionResult.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitTimeout = 124
)

// ErrMaxIterations matches the error reported when the turn ceiling is hit.
var ErrMaxIterations = errors.New("max iterations reached")

// IterationLimitError is returned when a session runs out of turns before
// the agent reports completion.
type IterationLimitError struct {
	Max int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("Max iterations (%d) reached without task completion", e.Max)
}

func (e *IterationLimitError) Is(target error) bool { return target == ErrMaxIterations }

// ProviderError wraps a failure reported by the agent backend.
type ProviderError struct {
	Provider models.Provider
	Err      error
}

func (e *ProviderError) Error() string { return e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// Config bounds one execution.
type Config struct {
	MaxTurns       int
	Timeout        time.Duration
	SystemPrompt   string
	CommandTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = config.DefaultMaxTurns
	}
	if c.Timeout <= 0 {
		c.Timeout = config.DefaultTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = config.DefaultCommandTimeout
	}
	return c
}

// Deps are the collaborators shared by all sessions of an executor.
type Deps struct {
	// Worktrees isolates sessions; nil runs every session in place.
	Worktrees *worktree.Manager
	// Worker is the shared remote connection used by the remote provider.
	Worker  *worker.Client
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics metrics.Recorder
}

// Hooks receive notifications while a session runs. Both are optional.
// Panics are recovered and errors are logged; neither affects the session.
type Hooks struct {
	OnProgress func(message string)
	OnComment  func(kind models.CommentKind, body string) error
}

// ResumeContext is the history a resumed session is rebuilt from.
type ResumeContext struct {
	Comments []models.Comment
}

// Executor runs sessions against one provider. It is safe for concurrent use.
type Executor struct {
	provider  Provider
	cfg       Config
	worktrees *worktree.Manager
	clock     clock.Clock
	logger    *slog.Logger
	metrics   metrics.Recorder
}

// New returns an executor for provider.
func New(provider Provider, cfg Config, deps Deps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		provider:  provider,
		cfg:       cfg.withDefaults(),
		worktrees: deps.Worktrees,
		clock:     clock.OrReal(deps.Clock),
		logger:    logger,
		metrics:   metrics.OrNop(deps.Metrics),
	}
}

// Provider returns the backend this executor drives.
func (e *Executor) Provider() models.Provider { return e.provider.Name() }

// Label returns the display name used in comments.
func (e *Executor) Label() string { return e.provider.Label() }

// StartSession runs session to completion, failure, or timeout.
func (e *Executor) StartSession(ctx context.Context, session models.Session, hooks Hooks) models.ExecutionResult {
	return e.execute(ctx, session, BuildTaskPrompt(session), hooks)
}

// ResumeSession continues session with new user input, rebuilding the
// prompt from the prior comment history.
func (e *Executor) ResumeSession(ctx context.Context, session models.Session, input string, rc ResumeContext, hooks Hooks) models.ExecutionResult {
	return e.execute(ctx, session, BuildResumePrompt(session, rc.Comments, input), hooks)
}

func (e *Executor) execute(ctx context.Context, session models.Session, prompt string, hooks Hooks) models.ExecutionResult {
	r := &sessionRun{
		e:        e,
		session:  session,
		hooks:    hooks,
		log:      e.logger.With("session", session.ID, "provider", e.provider.Name()),
		started:  e.clock.Now(),
		deadline: clock.NewDeadline(e.clock, e.cfg.Timeout),
		state:    parser.NewState(parser.WithClock(e.clock)),
		changed:  make(map[string]struct{}),
	}

	r.handle = e.acquire(ctx, session)
	defer r.handle.Cleanup()
	if r.handle.Isolated {
		r.progress(fmt.Sprintf("Working in isolated worktree on branch %s", r.handle.Branch))
	}

	system := e.cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt(e.provider.Label())
	}
	system += RepositoryContext(repoinfo.Inspect(r.handle.Path))
	r.sandbox = tools.NewSandbox(r.handle.Path,
		tools.WithCommandTimeout(e.cfg.CommandTimeout),
		tools.WithLogger(r.log),
	)
	r.conv = llm.NewConversation(system, prompt, tools.Definitions())

	run, err := e.provider.Open(ctx, Task{
		Session:  session,
		Prompt:   prompt,
		System:   system,
		WorkDir:  r.handle.Path,
		Branch:   r.handle.Branch,
		MaxTurns: e.cfg.MaxTurns,
	})
	if err != nil {
		return r.fail(ctx, &ProviderError{Provider: e.provider.Name(), Err: err})
	}
	defer run.Close()

	r.log.Info("session started", "workdir", r.handle.Path, "isolated", r.handle.Isolated)
	return r.loop(ctx, run)
}

func (e *Executor) acquire(ctx context.Context, session models.Session) *worktree.Handle {
	if e.worktrees == nil {
		return worktree.Direct(session.WorkDir)
	}
	taskID := session.TaskID
	if taskID == "" {
		taskID = session.ID
	}
	return e.worktrees.Acquire(ctx, session.WorkDir, taskID)
}

// sessionRun is the mutable state of one execution.
type sessionRun struct {
	e        *Executor
	session  models.Session
	hooks    Hooks
	log      *slog.Logger
	started  time.Time
	deadline clock.Deadline

	handle  *worktree.Handle
	sandbox *tools.Sandbox
	conv    *llm.Conversation
	state   *parser.State

	transcript strings.Builder
	turns      int
	usage      models.Usage
	nudged     bool
	completion *tools.Completion
	changed    map[string]struct{}

	remoteID    string
	remotePR    string
	remoteFiles []string
	postedPR    string
}

func (r *sessionRun) loop(ctx context.Context, run Run) models.ExecutionResult {
	maxTurns := r.e.cfg.MaxTurns
	for {
		if r.deadline.Expired() {
			return r.timeout(ctx)
		}
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, err)
		}
		if r.turns >= maxTurns {
			return r.fail(ctx, &IterationLimitError{Max: maxTurns})
		}

		r.turns++
		turnStart := r.e.clock.Now()
		step, err := run.Step(ctx, r.conv, r.deadline)
		r.e.metrics.ObserveTurn(string(r.e.provider.Name()), r.e.provider.Model(),
			step.Usage.InputTokens, step.Usage.OutputTokens, err, r.e.clock.Now().Sub(turnStart))
		r.usage = r.usage.Add(step.Usage)
		r.absorbRemote(step)
		r.observe(step.Text)

		if err != nil {
			var pe *ProviderError
			if !errors.As(err, &pe) {
				err = &ProviderError{Provider: r.e.provider.Name(), Err: err}
			}
			return r.fail(ctx, err)
		}

		if len(step.ToolCalls) > 0 || step.Text != "" {
			r.conv.AddAssistant(step.Text, step.ToolCalls)
		}
		if len(step.ToolCalls) > 0 {
			r.conv.AddToolResults(r.runTools(ctx, step.ToolCalls))
			if r.completion != nil {
				return r.finalize(ctx)
			}
			continue
		}

		if step.Completion != nil {
			r.completion = step.Completion
			return r.finalize(ctx)
		}
		if step.Pending {
			continue
		}
		if !r.nudged {
			r.nudged = true
			r.log.Debug("agent stopped without completing, nudging")
			r.conv.AddUser(CompletionNudge)
			continue
		}
		r.log.Info("agent stopped twice without mark_complete, finalizing")
		return r.finalize(ctx)
	}
}

func (r *sessionRun) absorbRemote(step Step) {
	if step.RemoteSessionID != "" {
		r.remoteID = step.RemoteSessionID
	}
	if step.PRURL != "" {
		r.remotePR = step.PRURL
	}
	if len(step.FilesModified) > 0 {
		r.remoteFiles = step.FilesModified
	}
}

// observe appends text to the transcript and posts whatever the parser
// recognizes in it.
func (r *sessionRun) observe(text string) {
	if text == "" {
		return
	}
	r.transcript.WriteString(text)
	r.transcript.WriteString("\n\n")
	r.post(r.state.Parse(text + "\n\n"))
}

func (r *sessionRun) post(found []parser.Detected) {
	for _, d := range found {
		if d.Kind == parser.KindPRCreated {
			if d.Content == r.postedPR {
				continue
			}
			r.postedPR = d.Content
		}
		r.comment(models.CommentKind(d.Kind), parser.FormatComment(d, r.e.provider.Label()))
	}
}

func (r *sessionRun) runTools(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		r.progress(describeCall(call))
		res := r.sandbox.ExecuteNamed(ctx, call.Name, call.Input)
		r.e.metrics.ObserveTool(call.Name, res.IsError)
		if res.IsError {
			r.log.Debug("tool failed", "tool", call.Name, "output", res.Output)
		}
		if res.Change != nil {
			r.changed[res.Change.Path] = struct{}{}
		}
		if res.Completion != nil {
			r.completion = res.Completion
		}
		results = append(results, llm.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: res.Output,
			IsError: res.IsError,
		})
	}
	return results
}

func describeCall(call llm.ToolCall) string {
	for _, key := range []string{"path", "command", "pattern"} {
		if v, ok := call.Input[key].(string); ok && v != "" {
			if len(v) > 80 {
				v = truncateRunes(v, 80) + "..."
			}
			return fmt.Sprintf("%s: %s", call.Name, v)
		}
	}
	return call.Name
}

func (r *sessionRun) finalize(ctx context.Context) models.ExecutionResult {
	r.post(r.state.Flush())
	changes := r.capture(ctx)

	prURL := r.remotePR
	if r.handle.Isolated && r.completion != nil && !changes.Empty() && r.e.worktrees != nil {
		title := r.completion.PRTitle
		if title == "" {
			title = r.completion.CommitMessage
		}
		if title == "" {
			title = r.session.Title
		}
		body := r.completion.PRDescription
		if body == "" {
			body = r.completion.Summary
		}
		r.progress("Pushing branch " + r.handle.Branch)
		url, err := r.e.worktrees.Push(ctx, r.handle.Path, r.handle.Branch, r.completion.CommitMessage, title, body)
		if err != nil {
			r.log.Warn("push failed", "branch", r.handle.Branch, "error", err)
			r.progress("Push failed: " + err.Error())
		} else if url != "" {
			prURL = url
		}
	}
	if prURL == "" {
		prURL = parser.FindLastPRURL(r.transcript.String())
	}
	if prURL != "" && prURL != r.postedPR {
		r.postedPR = prURL
		r.comment(models.CommentKindPRCreated,
			parser.FormatComment(parser.Detected{Kind: parser.KindPRCreated, Content: prURL}, r.e.provider.Label()))
	}

	result := r.result(models.SessionStatusCompleted, ExitOK, "", changes)
	result.PRURL = prURL
	if r.completion != nil && r.completion.Summary != "" {
		result.Summary = r.completion.Summary
	} else {
		result.Summary = ParseOutput(result.Stdout).Summary
	}
	r.comment(models.CommentKindCompletion, FormatCompletionComment(r.e.provider.Label(), result))
	r.done(result)
	return result
}

func (r *sessionRun) fail(ctx context.Context, err error) models.ExecutionResult {
	r.post(r.state.Flush())
	r.log.Warn("session failed", "error", err)
	result := r.result(models.SessionStatusFailed, ExitFailed, err.Error(), r.capture(ctx))
	r.comment(models.CommentKindFailure, FormatFailureComment(r.e.provider.Label(), result))
	r.done(result)
	return result
}

func (r *sessionRun) timeout(ctx context.Context) models.ExecutionResult {
	r.post(r.state.Flush())
	msg := fmt.Sprintf("Execution timed out after %s", r.e.cfg.Timeout)
	r.log.Warn("session timed out", "timeout", r.e.cfg.Timeout)
	result := r.result(models.SessionStatusTimeout, ExitTimeout, msg, r.capture(ctx))
	r.comment(models.CommentKindFailure, FormatFailureComment(r.e.provider.Label(), result))
	r.done(result)
	return result
}

// capture collects changes in the working directory. It runs even when ctx
// has been cancelled so failed sessions still report their work.
func (r *sessionRun) capture(ctx context.Context) worktree.Changes {
	var changes worktree.Changes
	if r.e.worktrees != nil {
		c, err := r.e.worktrees.CaptureChanges(context.WithoutCancel(ctx), r.handle.Path)
		if err != nil {
			r.log.Debug("capture changes", "error", err)
		} else {
			changes = c
		}
	}
	if len(changes.Files) == 0 {
		files := append([]string(nil), r.remoteFiles...)
		for p := range r.changed {
			files = append(files, p)
		}
		sort.Strings(files)
		changes.Files = files
	}
	return changes
}

func (r *sessionRun) result(status models.SessionStatus, code int, stderr string, changes worktree.Changes) models.ExecutionResult {
	return models.ExecutionResult{
		ExitCode:        code,
		Stdout:          strings.TrimSpace(r.transcript.String()),
		Stderr:          stderr,
		FilesModified:   changes.Files,
		Diff:            changes.Diff,
		RemoteSessionID: r.remoteID,
		Status:          status,
		Turns:           r.turns,
		Usage:           r.usage,
		Duration:        r.e.clock.Now().Sub(r.started),
	}
}

func (r *sessionRun) done(result models.ExecutionResult) {
	r.e.metrics.ObserveSession(string(r.e.provider.Name()), string(result.Status), result.Turns, result.Duration)
	r.log.Info("session finished",
		"status", result.Status,
		"turns", result.Turns,
		"files", len(result.FilesModified),
		"duration", result.Duration,
	)
}

func (r *sessionRun) progress(msg string) {
	if r.hooks.OnProgress == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("progress hook panicked", "panic", p)
		}
	}()
	r.hooks.OnProgress(msg)
}

func (r *sessionRun) comment(kind models.CommentKind, body string) {
	r.e.metrics.ObserveComment(string(kind))
	if r.hooks.OnComment == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("comment hook panicked", "kind", kind, "panic", p)
		}
	}()
	if err := r.hooks.OnComment(kind, body); err != nil {
		r.log.Warn("post comment", "kind", kind, "error", err)
	}
}
