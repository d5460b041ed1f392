package git

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// PullRequest represents a GitHub pull request.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Branch string `json:"headRefName"`
	URL    string `json:"url"`
}

// GitHubClient wraps the gh CLI for pull requests.
type GitHubClient interface {
	CreatePR(ctx context.Context, dir, branch, title, body string) (string, error)
	PRForBranch(ctx context.Context, dir, branch string) (*PullRequest, error)
}

// RealGitHubClient implements GitHubClient using the gh CLI.
type RealGitHubClient struct{}

// NewGitHubClient returns a new RealGitHubClient.
func NewGitHubClient() *RealGitHubClient {
	return &RealGitHubClient{}
}

func ghCmd(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CreatePR opens a pull request for branch and returns its URL.
func (c *RealGitHubClient) CreatePR(ctx context.Context, dir, branch, title, body string) (string, error) {
	out, err := ghCmd(ctx, dir, "pr", "create",
		"--head", branch,
		"--title", title,
		"--body", body,
	)
	if err != nil {
		return "", err
	}
	// gh prints progress lines before the URL.
	lines := strings.Split(out, "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

// PRForBranch returns the open pull request for branch, or nil if none exists.
func (c *RealGitHubClient) PRForBranch(ctx context.Context, dir, branch string) (*PullRequest, error) {
	out, err := ghCmd(ctx, dir, "pr", "list",
		"--head", branch,
		"--state", "open",
		"--json", "number,title,state,headRefName,url",
	)
	if err != nil {
		return nil, err
	}

	var prs []PullRequest
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PRs: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}
