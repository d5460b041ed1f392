package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/astrid/internal/clock"
	"github.com/joescharf/astrid/internal/git"
)

var (
	// ErrCreate wraps every failure to provision a worktree.
	ErrCreate = errors.New("create worktree")
	// ErrPush wraps failures to publish a worktree branch.
	ErrPush = errors.New("push worktree")
)

const maxSlugLength = 48

// Handle is one provisioned working directory. Cleanup is safe to call any
// number of times; only the first call does work.
type Handle struct {
	Path     string
	Branch   string
	RepoPath string
	Isolated bool

	once    sync.Once
	release func()
}

// Direct returns a handle that works in repoPath itself with a no-op cleanup.
func Direct(repoPath string) *Handle {
	return &Handle{Path: repoPath, RepoPath: repoPath}
}

// Cleanup releases the worktree.
func (h *Handle) Cleanup() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// Changes is the uncommitted state of a working directory.
type Changes struct {
	Files []string
	Diff  string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool { return len(c.Files) == 0 }

// Entry is a directory under the worktree base dir. Orphaned entries are
// linked worktrees their repository no longer lists.
type Entry struct {
	Name     string
	Path     string
	Branch   string
	RepoPath string
	ModTime  time.Time
	Orphaned bool
}

// Manager creates and tears down worktrees.
type Manager struct {
	cfg    Config
	git    git.Client
	gh     git.GitHubClient
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithGit overrides the git client.
func WithGit(c git.Client) Option { return func(m *Manager) { m.git = c } }

// WithGitHub overrides the GitHub client used to open pull requests.
func WithGitHub(c git.GitHubClient) Option { return func(m *Manager) { m.gh = c } }

// WithClock overrides the clock used for pruning.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager returns a Manager for cfg.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		git:    git.NewClient(),
		gh:     git.NewGitHubClient(),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config { return m.cfg }

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

// Slug turns a task id into a branch and directory safe name.
func Slug(taskID string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(taskID), "-")
	s = strings.Trim(s, "-.")
	if len(s) > maxSlugLength {
		s = strings.Trim(s[:maxSlugLength], "-.")
	}
	if s == "" {
		s = "session"
	}
	return s
}

// BranchName returns the branch a task's worktree is checked out on.
func BranchName(taskID string) string { return BranchPrefix + Slug(taskID) }

// Create materializes a worktree for taskID. A stale directory at the target
// path is removed first and an existing task branch is reused.
func (m *Manager) Create(ctx context.Context, repoPath, taskID string) (*Handle, error) {
	root, err := m.git.RepoRoot(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	slug := Slug(taskID)
	branch := BranchPrefix + slug
	path := filepath.Join(m.cfg.BaseDir, filepath.Base(root)+"-"+slug)

	if err := os.MkdirAll(m.cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: base dir: %w", ErrCreate, err)
	}
	if _, err := os.Stat(path); err == nil {
		m.logger.Warn("removing stale worktree", "path", path)
		if err := m.git.WorktreeRemove(ctx, root, path, true); err != nil {
			if err := os.RemoveAll(path); err != nil {
				return nil, fmt.Errorf("%w: remove stale path: %w", ErrCreate, err)
			}
		}
		_ = m.git.WorktreePrune(ctx, root)
	}

	exists, err := m.git.BranchExists(ctx, root, branch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}
	if err := m.git.WorktreeAdd(ctx, root, path, branch, !exists); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	h := &Handle{Path: path, Branch: branch, RepoPath: root, Isolated: true}
	if m.cfg.AutoCleanup {
		h.release = func() { m.remove(root, path) }
	}
	m.logger.Info("worktree created", "path", path, "branch", branch, "reused_branch", exists)
	return h, nil
}

// Acquire returns an isolated handle when isolation is enabled and succeeds,
// otherwise a Direct handle on repoPath.
func (m *Manager) Acquire(ctx context.Context, repoPath, taskID string) *Handle {
	if !m.cfg.ShouldUse() {
		return Direct(repoPath)
	}
	h, err := m.Create(ctx, repoPath, taskID)
	if err != nil {
		m.logger.Warn("worktree unavailable, running in repository", "repo", repoPath, "error", err)
		return Direct(repoPath)
	}
	return h
}

// remove runs with its own context so cleanup still happens after the
// session context is cancelled.
func (m *Manager) remove(repoPath, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := m.git.WorktreeRemove(ctx, repoPath, path, true); err != nil {
		m.logger.Warn("worktree remove failed", "path", path, "error", err)
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("worktree directory remove failed", "path", path, "error", err)
		}
	}
	if err := m.git.WorktreePrune(ctx, repoPath); err != nil {
		m.logger.Warn("worktree prune failed", "repo", repoPath, "error", err)
	}
}

// CaptureChanges lists modified files and builds a unified diff, including
// untracked files, without touching the index.
func (m *Manager) CaptureChanges(ctx context.Context, path string) (Changes, error) {
	entries, err := m.git.Status(ctx, path)
	if err != nil {
		return Changes{}, err
	}
	if len(entries) == 0 {
		return Changes{}, nil
	}

	var changes Changes
	var b strings.Builder
	diff, err := m.git.DiffHEAD(ctx, path)
	if err != nil {
		return Changes{}, err
	}
	b.WriteString(diff)

	for _, e := range entries {
		changes.Files = append(changes.Files, e.Path)
		if !e.Untracked() {
			continue
		}
		d, err := m.git.DiffUntracked(ctx, path, e.Path)
		if err != nil {
			m.logger.Debug("untracked diff failed", "file", e.Path, "error", err)
			continue
		}
		b.WriteString(d)
	}
	changes.Diff = b.String()
	return changes, nil
}

// Push commits everything in worktreePath with commitMsg, pushes branch and
// opens a pull request titled title, reusing the branch's open one if a
// previous run created it. An empty commitMsg falls back to title. It returns
// "" without error when there is nothing to publish.
func (m *Manager) Push(ctx context.Context, worktreePath, branch, commitMsg, title, body string) (string, error) {
	entries, err := m.git.Status(ctx, worktreePath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPush, err)
	}
	if len(entries) == 0 {
		return "", nil
	}
	if title == "" {
		title = "Changes from " + branch
	}
	if commitMsg == "" {
		commitMsg = title
	}

	if err := m.git.AddAll(ctx, worktreePath); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPush, err)
	}
	if err := m.git.Commit(ctx, worktreePath, commitMsg); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPush, err)
	}
	if err := m.git.Push(ctx, worktreePath, branch); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPush, err)
	}
	if pr, err := m.gh.PRForBranch(ctx, worktreePath, branch); err == nil && pr != nil {
		m.logger.Info("pull request updated", "branch", branch, "url", pr.URL)
		return pr.URL, nil
	}
	url, err := m.gh.CreatePR(ctx, worktreePath, branch, title, body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPush, err)
	}
	m.logger.Info("pull request created", "branch", branch, "url", url)
	return url, nil
}

// List returns the directories under the base dir, newest first.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	dirents, err := os.ReadDir(m.cfg.BaseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	registered := make(map[string]map[string]string)
	var entries []Entry
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(m.cfg.BaseDir, d.Name())
		e := Entry{Name: d.Name(), Path: path, ModTime: info.ModTime(), RepoPath: mainRepoOf(path)}
		if e.RepoPath != "" {
			branches, ok := registered[e.RepoPath]
			if !ok {
				branches = m.worktreeBranches(ctx, e.RepoPath)
				registered[e.RepoPath] = branches
			}
			if branches != nil {
				branch, ok := branches[canonical(path)]
				e.Branch, e.Orphaned = branch, !ok
			}
		}
		if e.Branch == "" && !e.Orphaned {
			if branch, err := m.git.CurrentBranch(ctx, path); err == nil {
				e.Branch = branch
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ModTime.After(entries[j].ModTime) })
	return entries, nil
}

// worktreeBranches maps each worktree path registered with repoPath to its
// branch. It returns nil when the repository cannot be listed.
func (m *Manager) worktreeBranches(ctx context.Context, repoPath string) map[string]string {
	list, err := m.git.WorktreeList(ctx, repoPath)
	if err != nil {
		m.logger.Debug("worktree list failed", "repo", repoPath, "error", err)
		return nil
	}
	branches := make(map[string]string, len(list))
	for _, w := range list {
		branches[canonical(w.Path)] = w.Branch
	}
	return branches
}

func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}

// Prune removes worktrees last modified more than olderThan ago, and orphaned
// ones regardless of age, and returns them.
func (m *Manager) Prune(ctx context.Context, olderThan time.Duration) ([]Entry, error) {
	entries, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := m.clock.Now().Add(-olderThan)

	var pruned []Entry
	for _, e := range entries {
		if e.ModTime.After(cutoff) && !e.Orphaned {
			continue
		}
		if e.RepoPath != "" && !e.Orphaned {
			m.remove(e.RepoPath, e.Path)
		} else if err := os.RemoveAll(e.Path); err != nil {
			m.logger.Warn("prune failed", "path", e.Path, "error", err)
			continue
		}
		pruned = append(pruned, e)
	}
	return pruned, nil
}

// mainRepoOf resolves the repository a linked worktree belongs to from its
// .git file ("gitdir: <repo>/.git/worktrees/<name>").
func mainRepoOf(worktreePath string) string {
	data, err := os.ReadFile(filepath.Join(worktreePath, ".git"))
	if err != nil {
		return ""
	}
	gitdir, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "gitdir: ")
	if !ok {
		return ""
	}
	i := strings.Index(gitdir, string(filepath.Separator)+".git"+string(filepath.Separator)+"worktrees")
	if i < 0 {
		return ""
	}
	return gitdir[:i]
}
