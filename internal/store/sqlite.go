package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/astrid/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers; batch runs record results concurrently.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func newULID() string {
	return ulid.Make().String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `id, task_id, title, description, work_dir, provider, status, message_count, created_at, updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusPending
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TaskID, sess.Title, sess.Description, sess.WorkDir,
		string(sess.Provider), string(sess.Status), sess.MessageCount, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var provider, status string
	if err := row.Scan(&sess.ID, &sess.TaskID, &sess.Title, &sess.Description, &sess.WorkDir,
		&provider, &status, &sess.MessageCount, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Provider = models.Provider(provider)
	sess.Status = models.SessionStatus(status)
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Provider != "" {
		query += " AND provider = ?"
		args = append(args, string(filter.Provider))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET task_id=?, title=?, description=?, work_dir=?, provider=?, status=?, message_count=?, updated_at=? WHERE id=?`,
		sess.TaskID, sess.Title, sess.Description, sess.WorkDir,
		string(sess.Provider), string(sess.Status), sess.MessageCount, sess.UpdatedAt,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Comments ---

// AddComment stores c and bumps the session's message count.
func (s *SQLiteStore) AddComment(ctx context.Context, c *models.Comment) error {
	if c.ID == "" {
		c.ID = newULID()
	}
	c.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		c.CreatedAt, c.SessionID)
	if err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", c.SessionID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO comments (id, session_id, kind, author, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, string(c.Kind), c.Author, c.Body, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	return tx.Commit()
}

// ListComments returns a session's comments oldest first.
func (s *SQLiteStore) ListComments(ctx context.Context, sessionID string) ([]models.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, author, body, created_at FROM comments
		WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var comments []models.Comment
	for rows.Next() {
		var c models.Comment
		var kind string
		if err := rows.Scan(&c.ID, &c.SessionID, &kind, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.Kind = models.CommentKind(kind)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// --- Runs ---

// RecordRun stores the result of one execution and moves the session to the
// result's status.
func (s *SQLiteStore) RecordRun(ctx context.Context, sessionID string, res models.ExecutionResult) (*models.Run, error) {
	run := &models.Run{ID: newULID(), SessionID: sessionID, Result: res, CreatedAt: time.Now().UTC()}

	files, err := json.Marshal(res.FilesModified)
	if err != nil {
		return nil, fmt.Errorf("encode files: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(res.Status), run.CreatedAt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, status, exit_code, stdout, stderr, files_modified, diff, pr_url, remote_session_id, summary, turns, input_tokens, output_tokens, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, sessionID, string(res.Status), res.ExitCode, res.Stdout, res.Stderr,
		string(files), res.Diff, res.PRURL, res.RemoteSessionID, res.Summary, res.Turns,
		res.Usage.InputTokens, res.Usage.OutputTokens, res.Duration.Milliseconds(), run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	return run, nil
}

// ListRuns returns a session's runs oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, sessionID string) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, status, exit_code, stdout, stderr, files_modified, diff, pr_url, remote_session_id, summary, turns, input_tokens, output_tokens, duration_ms, created_at
		FROM runs WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.Run
	for rows.Next() {
		r := &models.Run{}
		var status, files string
		var durationMS int64
		res := &r.Result
		if err := rows.Scan(&r.ID, &r.SessionID, &status, &res.ExitCode, &res.Stdout, &res.Stderr,
			&files, &res.Diff, &res.PRURL, &res.RemoteSessionID, &res.Summary, &res.Turns,
			&res.Usage.InputTokens, &res.Usage.OutputTokens, &durationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		res.Status = models.SessionStatus(status)
		res.Duration = time.Duration(durationMS) * time.Millisecond
		_ = json.Unmarshal([]byte(files), &res.FilesModified)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
