package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/astrid/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(t *testing.T, s *SQLiteStore, title string, provider models.Provider) *models.Session {
	t.Helper()
	sess := &models.Session{Title: title, WorkDir: "/src/app", Provider: provider, TaskID: "T-" + title}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "subdir", "test.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession(t, s, "fix-login", models.ProviderClaude)
	assert.Len(t, sess.ID, 26)
	assert.Equal(t, models.SessionStatusPending, sess.Status)
	assert.False(t, sess.CreatedAt.IsZero())

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix-login", got.Title)
	assert.Equal(t, "T-fix-login", got.TaskID)
	assert.Equal(t, models.ProviderClaude, got.Provider)
	assert.Equal(t, "/src/app", got.WorkDir)

	got.Status = models.SessionStatusRunning
	got.Description = "users are logged out"
	require.NoError(t, s.UpdateSession(ctx, got))

	again, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, again.Status)
	assert.Equal(t, "users are logged out", again.Description)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.DeleteSession(ctx, sess.ID), ErrNotFound))
	assert.True(t, errors.Is(s.UpdateSession(ctx, sess), ErrNotFound))
}

func TestListSessions_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newSession(t, s, "a", models.ProviderClaude)
	b := newSession(t, s, "b", models.ProviderOpenAI)
	c := newSession(t, s, "c", models.ProviderClaude)
	c.Status = models.SessionStatusCompleted
	require.NoError(t, s.UpdateSession(ctx, c))

	all, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	claude, err := s.ListSessions(ctx, SessionFilter{Provider: models.ProviderClaude})
	require.NoError(t, err)
	assert.Len(t, claude, 2)

	done, err := s.ListSessions(ctx, SessionFilter{Status: models.SessionStatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, c.ID, done[0].ID)

	limited, err := s.ListSessions(ctx, SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestComments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "x", models.ProviderGemini)

	require.NoError(t, s.AddComment(ctx, &models.Comment{SessionID: sess.ID, Kind: models.CommentKindPlan, Body: "plan"}))
	require.NoError(t, s.AddComment(ctx, &models.Comment{SessionID: sess.ID, Kind: models.CommentKindQuestion, Body: "which?"}))
	require.NoError(t, s.AddComment(ctx, &models.Comment{SessionID: sess.ID, Kind: models.CommentKindUser, Author: "dana", Body: "this one"}))

	comments, err := s.ListComments(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, comments, 3)
	assert.Equal(t, models.CommentKindPlan, comments[0].Kind)
	assert.Equal(t, "dana", comments[2].Author)
	assert.Equal(t, "this one", comments[2].Body)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MessageCount)

	err = s.AddComment(ctx, &models.Comment{SessionID: "missing", Kind: models.CommentKindUser, Body: "?"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestComments_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "busy", models.ProviderClaude)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AddComment(ctx, &models.Comment{SessionID: sess.ID, Kind: models.CommentKindProgress, Body: "tick"}))
		}()
	}
	wg.Wait()

	comments, err := s.ListComments(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, comments, 20)
}

func TestRecordRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "run", models.ProviderRemote)

	res := models.ExecutionResult{
		ExitCode:        0,
		Stdout:          "done",
		FilesModified:   []string{"a.go", "b.go"},
		Diff:            "+x",
		PRURL:           "https://github.com/o/r/pull/2",
		RemoteSessionID: "rs-1",
		Status:          models.SessionStatusCompleted,
		Summary:         "did it",
		Turns:           4,
		Usage:           models.Usage{InputTokens: 10, OutputTokens: 3},
		Duration:        1500 * time.Millisecond,
	}
	run, err := s.RecordRun(ctx, sess.ID, res)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)

	_, err = s.RecordRun(ctx, sess.ID, models.ExecutionResult{ExitCode: 1, Stderr: "boom", Status: models.SessionStatusFailed})
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, res, runs[0].Result)
	assert.Equal(t, "boom", runs[1].Result.Stderr)
	assert.Empty(t, runs[1].Result.FilesModified)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, got.Status)

	_, err = s.RecordRun(ctx, "missing", res)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteSession_CascadesComments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s, "gone", models.ProviderClaude)
	require.NoError(t, s.AddComment(ctx, &models.Comment{SessionID: sess.ID, Kind: models.CommentKindPlan, Body: "p"}))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	comments, err := s.ListComments(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, comments)
}
