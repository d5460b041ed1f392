package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	r := NewPrometheusRecorder()

	r.ObserveSession("claude", "completed", 4, 90*time.Second)
	r.ObserveSession("claude", "failed", 3, time.Second)
	r.ObserveTurn("claude", "sonnet", 100, 20, nil, time.Second)
	r.ObserveTurn("claude", "sonnet", 0, 0, errors.New("boom"), time.Second)
	r.ObserveTool("read_file", false)
	r.ObserveTool("run_command", true)
	r.ObserveComment("plan")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionsTotal.WithLabelValues("claude", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionsTotal.WithLabelValues("claude", "failed")))
	assert.Equal(t, 100.0, testutil.ToFloat64(r.tokensTotal.WithLabelValues("claude", "sonnet", "input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.turnsTotal.WithLabelValues("claude", "sonnet", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.toolCallsTotal.WithLabelValues("run_command", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.commentsTotal.WithLabelValues("plan")))
}

func TestWriteTextfile(t *testing.T) {
	r := NewPrometheusRecorder()
	r.ObserveSession("openai", "timeout", 2, time.Minute)

	path := filepath.Join(t.TempDir(), "astrid.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `astrid_sessions_total{provider="openai",status="timeout"} 1`)
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop{}, OrNop(nil))
	r := NewPrometheusRecorder()
	assert.Same(t, r, OrNop(r))
}
