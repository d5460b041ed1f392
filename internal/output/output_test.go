package output

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/astrid/internal/models"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog(t *testing.T) {
	u, out, _ := newTestUI()
	u.VerboseLog("hidden %d", 1)
	assert.Empty(t, out.String())

	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestStatusColor(t *testing.T) {
	for _, s := range []string{"pending", "running", "completed", "failed", "timeout"} {
		assert.Contains(t, StatusColor(s), s)
	}
	assert.Equal(t, "unknown", StatusColor("unknown"))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "ABCDEFGH", ShortID("01J0000000000000ABCDEFGH"))
	assert.Equal(t, "short", ShortID("short"))
}

func TestComment(t *testing.T) {
	u, out, _ := newTestUI()
	u.Comment("01J0000000000000ABCDEFGH", models.CommentKindQuestion, "**Claude has a question**\n\nTabs?\n")
	s := out.String()
	assert.Contains(t, s, "[ABCDEFGH]")
	assert.Contains(t, s, "question")
	assert.Contains(t, s, "  Tabs?\n")
}

func TestResult(t *testing.T) {
	u, out, _ := newTestUI()
	err := u.Result("sess-1", models.ExecutionResult{
		Status:        models.SessionStatusFailed,
		ExitCode:      1,
		Stderr:        "Max iterations (3) reached without task completion",
		Turns:         3,
		Duration:      2 * time.Second,
		FilesModified: []string{"a.go"},
		PRURL:         "https://github.com/o/r/pull/5",
	})
	require.NoError(t, err)
	s := out.String()
	assert.Contains(t, s, "sess-1")
	assert.Contains(t, s, "Max iterations (3)")
	assert.Contains(t, s, "https://github.com/o/r/pull/5")
	assert.Contains(t, s, "2s")
}

func TestConcurrentWrites(t *testing.T) {
	u, out, _ := newTestUI()
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.Info("line %d", i)
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, strings.Count(out.String(), "\n"))
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Session", "Status"})
	require.NotNil(t, table)

	require.NoError(t, table.Append([]string{"alpha", "running"}))
	require.NoError(t, table.Append([]string{"beta", "failed"}))
	require.NoError(t, table.Render())

	result := strings.ToLower(out.String())
	assert.Contains(t, result, "alpha")
	assert.Contains(t, result, "beta")
}
