// Package store persists sessions, their comment history, and the result of
// every run for the CLI.
package store

import (
	"context"
	"errors"

	"github.com/joescharf/astrid/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// SessionFilter specifies filters for listing sessions.
type SessionFilter struct {
	Status   models.SessionStatus
	Provider models.Provider
	Limit    int
}

// Store defines the persistence interface for astrid.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error

	// Comments
	AddComment(ctx context.Context, c *models.Comment) error
	ListComments(ctx context.Context, sessionID string) ([]models.Comment, error)

	// Runs
	RecordRun(ctx context.Context, sessionID string, result models.ExecutionResult) (*models.Run, error)
	ListRuns(ctx context.Context, sessionID string) ([]*models.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
