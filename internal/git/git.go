// Package git shells out to git for the worktree lifecycle.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// StatusEntry is one line of `git status --porcelain`.
type StatusEntry struct {
	Code string
	Path string
}

// Untracked reports whether the entry is a file git does not know about yet.
func (e StatusEntry) Untracked() bool { return e.Code == "??" }

// Client defines the git operations astrid needs. All methods take the
// directory to operate in since sessions may target different repos.
type Client interface {
	RepoRoot(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	BranchExists(ctx context.Context, path, branch string) (bool, error)
	WorktreeAdd(ctx context.Context, repoPath, worktreePath, branch string, newBranch bool) error
	WorktreeRemove(ctx context.Context, repoPath, worktreePath string, force bool) error
	WorktreePrune(ctx context.Context, repoPath string) error
	WorktreeList(ctx context.Context, repoPath string) ([]WorktreeInfo, error)
	Status(ctx context.Context, path string) ([]StatusEntry, error)
	DiffHEAD(ctx context.Context, path string) (string, error)
	DiffUntracked(ctx context.Context, path, file string) (string, error)
	AddAll(ctx context.Context, path string) error
	Commit(ctx context.Context, path, message string) error
	Push(ctx context.Context, path, branch string) error
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func run(ctx context.Context, path string, args ...string) ([]byte, error) {
	fullArgs := append([]string{"-C", path}, args...)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
		}
		return out, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	out, err := run(ctx, path, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) BranchExists(ctx context.Context, path, branch string) (bool, error) {
	out, err := gitCmd(ctx, path, "branch", "--list", branch, "--format=%(refname:short)")
	if err != nil {
		return false, err
	}
	return out == branch, nil
}

func (c *RealClient) WorktreeAdd(ctx context.Context, repoPath, worktreePath, branch string, newBranch bool) error {
	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", branch, worktreePath)
	} else {
		args = append(args, worktreePath, branch)
	}
	_, err := run(ctx, repoPath, args...)
	return err
}

func (c *RealClient) WorktreeRemove(ctx context.Context, repoPath, worktreePath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	_, err := run(ctx, repoPath, append(args, worktreePath)...)
	return err
}

func (c *RealClient) WorktreePrune(ctx context.Context, repoPath string) error {
	_, err := run(ctx, repoPath, "worktree", "prune")
	return err
}

func (c *RealClient) WorktreeList(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	out, err := gitCmd(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

func (c *RealClient) Status(ctx context.Context, path string) ([]StatusEntry, error) {
	out, err := run(ctx, path, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return ParseStatusPorcelain(string(out)), nil
}

// DiffHEAD returns the diff of the working tree against HEAD. A repo without
// commits yields an empty diff rather than an error.
func (c *RealClient) DiffHEAD(ctx context.Context, path string) (string, error) {
	if _, err := gitCmd(ctx, path, "rev-parse", "--verify", "HEAD"); err != nil {
		return "", nil
	}
	out, err := run(ctx, path, "diff", "HEAD")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DiffUntracked renders an untracked file as a creation diff without staging it.
func (c *RealClient) DiffUntracked(ctx context.Context, path, file string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", path, "diff", "--no-index", "--", "/dev/null", file)
	out, err := cmd.Output()
	// --no-index exits 1 when the files differ, which is always the case here.
	var exitErr *exec.ExitError
	if err != nil && !(errors.As(err, &exitErr) && exitErr.ExitCode() == 1) {
		return "", fmt.Errorf("git diff --no-index %s: %w", file, err)
	}
	return string(out), nil
}

func (c *RealClient) AddAll(ctx context.Context, path string) error {
	_, err := run(ctx, path, "add", "-A")
	return err
}

func (c *RealClient) Commit(ctx context.Context, path, message string) error {
	_, err := run(ctx, path, "commit", "-m", message)
	return err
}

func (c *RealClient) Push(ctx context.Context, path, branch string) error {
	_, err := run(ctx, path, "push", "-u", "origin", branch)
	return err
}

// ParseStatusPorcelain parses `git status --porcelain` output. Renames report
// their destination path.
func ParseStatusPorcelain(output string) []StatusEntry {
	var entries []StatusEntry
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		code := strings.TrimSpace(line[:2])
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		entries = append(entries, StatusEntry{Code: code, Path: strings.Trim(path, `"`)})
	}
	return entries
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
