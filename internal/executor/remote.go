package executor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/joescharf/astrid/internal/clock"
	"github.com/joescharf/astrid/internal/config"
	"github.com/joescharf/astrid/internal/llm"
	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/tools"
	"github.com/joescharf/astrid/internal/worker"
)

// remoteProvider hands the whole task to a worker process and relays its
// transcript. Tools run on the worker, not locally.
type remoteProvider struct {
	client *worker.Client
	poll   time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// NewRemote returns an executor that delegates sessions to a remote worker
// over client. poll is the history polling interval.
func NewRemote(client *worker.Client, poll time.Duration, cfg Config, deps Deps) *Executor {
	if poll <= 0 {
		poll = config.DefaultPollInterval
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = config.DefaultRemoteMaxTurns
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &remoteProvider{
		client: client,
		poll:   poll,
		clock:  clock.OrReal(deps.Clock),
		logger: logger,
	}
	return New(p, cfg, deps)
}

func (p *remoteProvider) Name() models.Provider { return models.ProviderRemote }
func (p *remoteProvider) Label() string          { return "Remote Agent" }
func (p *remoteProvider) Model() string          { return "remote" }

func (p *remoteProvider) Open(ctx context.Context, task Task) (Run, error) {
	if err := p.client.Connect(ctx); err != nil {
		return nil, err
	}
	evCtx, cancel := context.WithCancel(context.Background())
	return &remoteRun{
		p:      p,
		task:   task,
		events: p.client.Events(evCtx, "*"),
		cancel: cancel,
	}, nil
}

type remoteRun struct {
	p      *remoteProvider
	task   Task
	events <-chan worker.Event
	cancel context.CancelFunc

	sessionID string
	seen      int
	usage     models.Usage
}

// Step submits the task on first use, then waits until the remote session
// produces new messages, finishes, or the deadline leaves no room to wait.
func (r *remoteRun) Step(ctx context.Context, conv *llm.Conversation, deadline clock.Deadline) (Step, error) {
	if r.sessionID == "" {
		acc, err := r.p.client.SendTask(ctx, worker.TaskRequest{
			TaskID:       r.task.Session.TaskID,
			Title:        r.task.Session.Title,
			Prompt:       firstUserText(conv, r.task.Prompt),
			SystemPrompt: r.task.System,
			WorkDir:      r.task.WorkDir,
			Branch:       r.task.Branch,
			MaxTurns:     r.task.MaxTurns,
		})
		if err != nil {
			return Step{}, err
		}
		r.sessionID = acc.SessionID
		r.p.logger.Info("remote session started", "remote_session", r.sessionID)
	}

	for {
		hist, err := r.p.client.GetSessionHistory(ctx, r.sessionID)
		if err != nil {
			return Step{RemoteSessionID: r.sessionID}, err
		}
		step := r.absorb(hist)

		switch hist.Status {
		case worker.SessionCompleted:
			step.Completion = &tools.Completion{Summary: hist.Summary}
			step.PRURL = hist.PRURL
			step.FilesModified = hist.FilesModified
			return step, nil
		case worker.SessionFailed:
			step.FilesModified = hist.FilesModified
			msg := hist.Error
			if msg == "" {
				msg = "remote session failed"
			}
			return step, errors.New(msg)
		}

		if step.Text != "" {
			step.Pending = true
			return step, nil
		}
		wait := min(r.p.poll, deadline.Remaining())
		if wait <= 0 {
			step.Pending = true
			return step, nil
		}
		if err := r.wait(ctx, wait); err != nil {
			return step, err
		}
	}
}

// absorb converts the messages not seen before into a step.
func (r *remoteRun) absorb(hist *worker.RemoteSession) Step {
	step := Step{RemoteSessionID: r.sessionID}
	if r.seen > len(hist.Messages) {
		r.seen = 0
	}
	var parts []string
	for _, m := range hist.Messages[r.seen:] {
		if m.Role == string(llm.RoleAssistant) && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	r.seen = len(hist.Messages)
	step.Text = strings.Join(parts, "\n\n")

	total := models.Usage{InputTokens: hist.InputTokens, OutputTokens: hist.OutputTokens}
	step.Usage = models.Usage{
		InputTokens:  max(total.InputTokens-r.usage.InputTokens, 0),
		OutputTokens: max(total.OutputTokens-r.usage.OutputTokens, 0),
	}
	r.usage = total
	return step
}

// wait returns after d, when an event arrives for this session, or when ctx
// is done.
func (r *remoteRun) wait(ctx context.Context, d time.Duration) error {
	timer := r.p.clock.After(d)
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				r.events = nil
				continue
			}
			if ev.SessionID == r.sessionID {
				return nil
			}
		case <-timer:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *remoteRun) Close() { r.cancel() }

func firstUserText(conv *llm.Conversation, fallback string) string {
	if conv != nil {
		for _, m := range conv.Messages {
			if m.Role == llm.RoleUser && m.Text != "" {
				return m.Text
			}
		}
	}
	return fallback
}
