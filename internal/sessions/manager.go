// Package sessions ties executors to the session store: it creates sessions,
// persists the comments agents post, and records every run.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/joescharf/astrid/internal/executor"
	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/sessionlock"
	"github.com/joescharf/astrid/internal/store"
)

// ErrBusy is returned when a session is resumed while it is still running.
var ErrBusy = errors.New("session is running")

// Resolver returns the executor for a provider.
type Resolver func(p models.Provider) (*executor.Executor, error)

// Observer receives live notifications in addition to what is persisted.
type Observer struct {
	OnComment  func(sessionID string, kind models.CommentKind, body string)
	OnProgress func(sessionID string, message string)
}

// StartRequest describes a new session.
type StartRequest struct {
	Title       string
	Description string
	TaskID      string
	WorkDir     string
	Provider    models.Provider
}

func (r StartRequest) validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("title is required")
	}
	if r.WorkDir == "" {
		return errors.New("work dir is required")
	}
	if _, ok := models.ParseProvider(string(r.Provider)); !ok {
		return fmt.Errorf("unknown provider %q", r.Provider)
	}
	return nil
}

// Manager runs sessions and keeps the store current.
type Manager struct {
	store    store.Store
	resolve  Resolver
	observer Observer
	locks    *sessionlock.Locker
	logger   *slog.Logger

	mu        sync.Mutex
	executors map[models.Provider]*executor.Executor
	running   map[string]func()
	wg        sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver forwards comments and progress to o.
func WithObserver(o Observer) Option { return func(m *Manager) { m.observer = o } }

// WithLocker guards sessions against concurrent runs in other processes.
func WithLocker(l *sessionlock.Locker) Option { return func(m *Manager) { m.locks = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager creates a sessions manager.
func NewManager(s store.Store, resolve Resolver, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		resolve:   resolve,
		executors: make(map[models.Provider]*executor.Executor),
		running:   make(map[string]func()),
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func (m *Manager) executor(p models.Provider) (*executor.Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ex, ok := m.executors[p]; ok {
		return ex, nil
	}
	ex, err := m.resolve(p)
	if err != nil {
		return nil, err
	}
	m.executors[p] = ex
	return ex, nil
}

// Create stores a new pending session without running it.
func (m *Manager) Create(ctx context.Context, req StartRequest) (*models.Session, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	sess := &models.Session{
		Title:       req.Title,
		Description: req.Description,
		TaskID:      req.TaskID,
		WorkDir:     req.WorkDir,
		Provider:    req.Provider,
		Status:      models.SessionStatusPending,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	if sess.TaskID == "" {
		sess.TaskID = sess.ID
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// Start creates a session and runs it to the end.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*models.Session, models.ExecutionResult, error) {
	sess, err := m.Create(ctx, req)
	if err != nil {
		return nil, models.ExecutionResult{}, err
	}
	res, err := m.Run(ctx, sess)
	return sess, res, err
}

// Run executes a stored pending session.
func (m *Manager) Run(ctx context.Context, sess *models.Session) (models.ExecutionResult, error) {
	ex, err := m.executor(sess.Provider)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	if err := m.begin(ctx, sess); err != nil {
		return models.ExecutionResult{}, err
	}
	defer m.end(sess.ID)

	res := ex.StartSession(ctx, *sess, m.hooks(ctx, sess.ID, ex.Label()))
	return res, m.record(ctx, sess, res)
}

// Resume stores the user's input as a comment and resumes the session with
// its full comment history.
func (m *Manager) Resume(ctx context.Context, sessionID, input, author string) (*models.Session, models.ExecutionResult, error) {
	rs, err := m.reserveResume(ctx, sessionID, input)
	if err != nil {
		return nil, models.ExecutionResult{}, err
	}
	res, err := m.resume(ctx, rs, input, author)
	return rs.sess, res, err
}

// resumption is a session whose running slot is already held.
type resumption struct {
	sess    *models.Session
	ex      *executor.Executor
	history []models.Comment
}

// reserveResume loads everything a resume needs and marks the session
// running. The caller must pass the result to resume, which releases it.
func (m *Manager) reserveResume(ctx context.Context, sessionID, input string) (*resumption, error) {
	if strings.TrimSpace(input) == "" {
		return nil, errors.New("input is required")
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ex, err := m.executor(sess.Provider)
	if err != nil {
		return nil, err
	}
	history, err := m.store.ListComments(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if err := m.begin(ctx, sess); err != nil {
		return nil, err
	}
	return &resumption{sess: sess, ex: ex, history: history}, nil
}

func (m *Manager) resume(ctx context.Context, rs *resumption, input, author string) (models.ExecutionResult, error) {
	defer m.end(rs.sess.ID)

	if err := m.store.AddComment(ctx, &models.Comment{
		SessionID: rs.sess.ID,
		Kind:      models.CommentKindUser,
		Author:    author,
		Body:      input,
	}); err != nil {
		return models.ExecutionResult{}, err
	}

	res := rs.ex.ResumeSession(ctx, *rs.sess, input, executor.ResumeContext{Comments: rs.history}, m.hooks(ctx, rs.sess.ID, rs.ex.Label()))
	return res, m.record(ctx, rs.sess, res)
}

// Launch creates a session and runs it in the background. The run outlives
// ctx; use Wait to block until background runs finish.
func (m *Manager) Launch(ctx context.Context, req StartRequest) (*models.Session, error) {
	sess, err := m.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := m.executor(sess.Provider); err != nil {
		return nil, err
	}
	run := *sess
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.Run(context.WithoutCancel(ctx), &run); err != nil {
			m.logger.Error("background session failed", "session", sess.ID, "error", err)
		}
	}()
	return sess, nil
}

// LaunchResume resumes a session in the background. The session is marked
// running before it returns, so a concurrent resume gets ErrBusy instead of
// being dropped.
func (m *Manager) LaunchResume(ctx context.Context, sessionID, input, author string) error {
	rs, err := m.reserveResume(ctx, sessionID, input)
	if err != nil {
		return err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.resume(context.WithoutCancel(ctx), rs, input, author); err != nil {
			m.logger.Error("background resume failed", "session", sessionID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every background run started by Launch returns.
func (m *Manager) Wait() { m.wg.Wait() }

// Running reports whether a session is executing in this process or, with
// a Locker, in another live process.
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	_, ok := m.running[id]
	m.mu.Unlock()
	if ok || m.locks == nil {
		return ok
	}
	_, alive := m.locks.Holder(id)
	return alive
}

func (m *Manager) begin(ctx context.Context, sess *models.Session) error {
	m.mu.Lock()
	if _, busy := m.running[sess.ID]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", sess.ID, ErrBusy)
	}
	release := func() {}
	if m.locks != nil {
		r, err := m.locks.Acquire(sess.ID)
		if err != nil {
			m.mu.Unlock()
			if errors.Is(err, sessionlock.ErrHeld) {
				return fmt.Errorf("%w: %w", ErrBusy, err)
			}
			return err
		}
		release = r
	}
	m.running[sess.ID] = release
	m.mu.Unlock()

	sess.Status = models.SessionStatusRunning
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		m.end(sess.ID)
		return err
	}
	return nil
}

func (m *Manager) end(id string) {
	m.mu.Lock()
	release := m.running[id]
	delete(m.running, id)
	m.mu.Unlock()
	if release != nil {
		release()
	}
}

// record persists the run with a context that survives cancellation, so an
// interrupted session still leaves its result behind.
func (m *Manager) record(ctx context.Context, sess *models.Session, res models.ExecutionResult) error {
	if _, err := m.store.RecordRun(context.WithoutCancel(ctx), sess.ID, res); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	sess.Status = res.Status
	return nil
}

func (m *Manager) hooks(ctx context.Context, sessionID, author string) executor.Hooks {
	persist := context.WithoutCancel(ctx)
	return executor.Hooks{
		OnProgress: func(msg string) {
			if m.observer.OnProgress != nil {
				m.observer.OnProgress(sessionID, msg)
			}
		},
		OnComment: func(kind models.CommentKind, body string) error {
			if m.observer.OnComment != nil {
				m.observer.OnComment(sessionID, kind, body)
			}
			return m.store.AddComment(persist, &models.Comment{
				SessionID: sessionID,
				Kind:      kind,
				Author:    author,
				Body:      body,
			})
		},
	}
}
