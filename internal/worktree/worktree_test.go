package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/astrid/internal/clock"
	"github.com/joescharf/astrid/internal/git"
)

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, string(out))
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "myrepo")
	require.NoError(t, os.MkdirAll(dir, 0755))
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644))
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial")
	return dir
}

func lastCommitSubject(t *testing.T, dir string) string {
	t.Helper()
	out, err := exec.Command("git", "-C", dir, "log", "-1", "--format=%s").Output()
	require.NoError(t, err)
	return strings.TrimSpace(string(out))
}

type fakeGitHub struct {
	calls int
	title string
	url   string
	err   error
	open  *git.PullRequest
}

func (f *fakeGitHub) CreatePR(_ context.Context, _, _, title, _ string) (string, error) {
	f.calls++
	f.title = title
	return f.url, f.err
}

func (f *fakeGitHub) PRForBranch(context.Context, string, string) (*git.PullRequest, error) {
	return f.open, nil
}

func testManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseDir = filepath.Join(t.TempDir(), "worktrees")
	return NewManager(cfg, opts...)
}

func TestDefaultConfig(t *testing.T) {
	assert.Equal(t, Config{Enabled: true, BaseDir: "/tmp/astrid-worktrees", AutoCleanup: true}, DefaultConfig())
	assert.Equal(t, DefaultConfig(), FromViper(viper.New()))
	assert.True(t, DefaultConfig().ShouldUse())
}

func TestFromViper_Overrides(t *testing.T) {
	v := viper.New()
	v.Set("worktree.enabled", false)
	v.Set("worktree.base_dir", "/var/tmp/wt")
	v.Set("worktree.auto_cleanup", false)

	cfg := FromViper(v)
	assert.Equal(t, Config{Enabled: false, BaseDir: "/var/tmp/wt", AutoCleanup: false}, cfg)
	assert.False(t, cfg.ShouldUse())
}

func TestFromViper_Env(t *testing.T) {
	t.Setenv("ASTRID_WORKTREE_ENABLED", "false")
	v := viper.New()
	v.SetEnvPrefix("ASTRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	assert.False(t, FromViper(v).Enabled)
}

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"123", "123"},
		{"Fix Login Bug!", "fix-login-bug"},
		{"feature/x", "feature-x"},
		{"", "session"},
		{"---", "session"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in), tt.in)
	}
	assert.LessOrEqual(t, len(Slug(string(make([]byte, 200)))), maxSlugLength)
	assert.Equal(t, "astrid/task-42", BranchName("42"))
}

func TestCreateAndCleanup(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t)

	h, err := m.Create(context.Background(), repo, "42")
	require.NoError(t, err)
	assert.True(t, h.Isolated)
	assert.Equal(t, "astrid/task-42", h.Branch)
	assert.Equal(t, filepath.Join(m.Config().BaseDir, "myrepo-42"), h.Path)
	assert.FileExists(t, filepath.Join(h.Path, "README.md"))

	h.Cleanup()
	h.Cleanup()
	_, err = os.Stat(h.Path)
	assert.True(t, os.IsNotExist(err))

	// the branch survives cleanup and is reused
	h2, err := m.Create(context.Background(), repo, "42")
	require.NoError(t, err)
	defer h2.Cleanup()
	assert.Equal(t, h.Path, h2.Path)
}

func TestCreateReplacesStalePath(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t)

	stale := filepath.Join(m.Config().BaseDir, "myrepo-7")
	require.NoError(t, os.MkdirAll(stale, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "junk"), []byte("x"), 0644))

	h, err := m.Create(context.Background(), repo, "7")
	require.NoError(t, err)
	defer h.Cleanup()
	assert.NoFileExists(t, filepath.Join(h.Path, "junk"))
	assert.FileExists(t, filepath.Join(h.Path, "README.md"))
}

func TestCreateWithoutAutoCleanup(t *testing.T) {
	repo := initTestRepo(t)
	cfg := Config{Enabled: true, BaseDir: filepath.Join(t.TempDir(), "wt"), AutoCleanup: false}
	m := NewManager(cfg)

	h, err := m.Create(context.Background(), repo, "keep")
	require.NoError(t, err)
	h.Cleanup()
	assert.DirExists(t, h.Path)
}

func TestCreateFailureFallsBack(t *testing.T) {
	notRepo := t.TempDir()
	m := testManager(t)

	_, err := m.Create(context.Background(), notRepo, "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCreate))

	h := m.Acquire(context.Background(), notRepo, "1")
	assert.False(t, h.Isolated)
	assert.Equal(t, notRepo, h.Path)
	assert.NotPanics(t, h.Cleanup)
	assert.DirExists(t, notRepo)
}

func TestAcquireDisabled(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager(Config{Enabled: false, BaseDir: t.TempDir()})

	h := m.Acquire(context.Background(), repo, "1")
	assert.False(t, h.Isolated)
	assert.Equal(t, repo, h.Path)
}

func TestCaptureChanges(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t)

	changes, err := m.CaptureChanges(context.Background(), repo)
	require.NoError(t, err)
	assert.True(t, changes.Empty())

	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# changed\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "pkg", "new.go"), []byte("package pkg\n"), 0644))

	changes, err = m.CaptureChanges(context.Background(), repo)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"README.md", "pkg/new.go"}, changes.Files)
	assert.Contains(t, changes.Diff, "+# changed")
	assert.Contains(t, changes.Diff, "+package pkg")

	out, err := exec.Command("git", "-C", repo, "diff", "--cached", "--name-only").Output()
	require.NoError(t, err)
	assert.Empty(t, string(out))
}

func TestPush(t *testing.T) {
	repo := initTestRepo(t)
	remote := filepath.Join(t.TempDir(), "origin.git")
	out, err := exec.Command("git", "init", "--bare", remote).CombinedOutput()
	require.NoError(t, err, string(out))
	gitRun(t, repo, "remote", "add", "origin", remote)

	gh := &fakeGitHub{url: "https://github.com/o/r/pull/9"}
	m := testManager(t, WithGitHub(gh))

	h, err := m.Create(context.Background(), repo, "9")
	require.NoError(t, err)
	defer h.Cleanup()

	url, err := m.Push(context.Background(), h.Path, h.Branch, "", "Add thing", "body")
	require.NoError(t, err)
	assert.Empty(t, url)
	assert.Equal(t, 0, gh.calls)

	require.NoError(t, os.WriteFile(filepath.Join(h.Path, "thing.txt"), []byte("thing\n"), 0644))
	url, err = m.Push(context.Background(), h.Path, h.Branch, "", "Add thing", "body")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/o/r/pull/9", url)
	assert.Equal(t, "Add thing", gh.title)
	assert.Equal(t, "Add thing", lastCommitSubject(t, h.Path))

	refs, err := exec.Command("git", "-C", remote, "branch", "--list", h.Branch).Output()
	require.NoError(t, err)
	assert.Contains(t, string(refs), h.Branch)
}

func TestPushReusesOpenPR(t *testing.T) {
	repo := initTestRepo(t)
	remote := filepath.Join(t.TempDir(), "origin.git")
	out, err := exec.Command("git", "init", "--bare", remote).CombinedOutput()
	require.NoError(t, err, string(out))
	gitRun(t, repo, "remote", "add", "origin", remote)

	gh := &fakeGitHub{open: &git.PullRequest{Number: 4, URL: "https://github.com/o/r/pull/4"}}
	m := testManager(t, WithGitHub(gh))
	h, err := m.Create(context.Background(), repo, "again")
	require.NoError(t, err)
	defer h.Cleanup()

	require.NoError(t, os.WriteFile(filepath.Join(h.Path, "more.txt"), []byte("more\n"), 0644))
	url, err := m.Push(context.Background(), h.Path, h.Branch, "feat: more", "More", "")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/o/r/pull/4", url)
	assert.Zero(t, gh.calls)
	assert.Equal(t, "feat: more", lastCommitSubject(t, h.Path))
}

func TestPushFailureIsWrapped(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t, WithGitHub(&fakeGitHub{}))

	h, err := m.Create(context.Background(), repo, "nopush")
	require.NoError(t, err)
	defer h.Cleanup()

	require.NoError(t, os.WriteFile(filepath.Join(h.Path, "x.txt"), []byte("x\n"), 0644))
	_, err = m.Push(context.Background(), h.Path, h.Branch, "", "x", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPush))
}

func TestListAndPrune(t *testing.T) {
	repo := initTestRepo(t)
	now := time.Now().Add(48 * time.Hour)
	m := testManager(t, WithClock(clock.NewFake(now)))
	m.cfg.AutoCleanup = false

	h, err := m.Create(context.Background(), repo, "old")
	require.NoError(t, err)

	entries, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "astrid/task-old", entries[0].Branch)
	assert.Equal(t, filepath.Base(repo), filepath.Base(entries[0].RepoPath))

	pruned, err := m.Prune(context.Background(), 72*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, pruned)

	pruned, err = m.Prune(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	_, err = os.Stat(h.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestListFlagsOrphans(t *testing.T) {
	repo := initTestRepo(t)
	m := testManager(t)
	m.cfg.AutoCleanup = false

	h, err := m.Create(context.Background(), repo, "live")
	require.NoError(t, err)

	ghost := filepath.Join(m.cfg.BaseDir, "ghost")
	require.NoError(t, os.MkdirAll(ghost, 0755))
	gitdir := filepath.Join(repo, ".git", "worktrees", "ghost")
	require.NoError(t, os.WriteFile(filepath.Join(ghost, ".git"), []byte("gitdir: "+gitdir+"\n"), 0644))

	entries, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byName := map[string]Entry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.False(t, byName[filepath.Base(h.Path)].Orphaned)
	assert.Equal(t, "astrid/task-live", byName[filepath.Base(h.Path)].Branch)
	assert.True(t, byName["ghost"].Orphaned)

	pruned, err := m.Prune(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, "ghost", pruned[0].Name)
	_, err = os.Stat(ghost)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(h.Path)
	assert.NoError(t, err)
}

func TestListMissingBaseDir(t *testing.T) {
	m := NewManager(Config{Enabled: true, BaseDir: filepath.Join(t.TempDir(), "nope")})
	entries, err := m.List(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, entries)
}
