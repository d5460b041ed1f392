package sessionlock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_WritesAndReleases(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	l := New(dir)

	release, err := l.Acquire("s1")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "s1.pid"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

	pid, alive := l.Holder("s1")
	assert.True(t, alive)
	assert.Equal(t, os.Getpid(), pid)

	release()
	_, err = os.Stat(filepath.Join(dir, "s1.pid"))
	assert.True(t, os.IsNotExist(err))
	_, alive = l.Holder("s1")
	assert.False(t, alive)
}

func TestAcquire_HeldByLiveProcess(t *testing.T) {
	l := New(t.TempDir())
	release, err := l.Acquire("s1")
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire("s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHeld))

	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, os.Getpid(), held.PID)
	assert.Contains(t, err.Error(), "session s1 is running in process")
}

func TestAcquire_ReplacesStaleLock(t *testing.T) {
	dir := t.TempDir()
	// A very high PID that almost certainly doesn't exist.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s1.pid"), []byte("999999\n"), 0o644))

	l := New(dir)
	pid, alive := l.Holder("s1")
	assert.Equal(t, 999999, pid)
	assert.False(t, alive)

	release, err := l.Acquire("s1")
	require.NoError(t, err)
	defer release()

	pid, alive = l.Holder("s1")
	assert.True(t, alive)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquire_ReplacesCorruptLock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s1.pid"), []byte("not-a-number\n"), 0o644))

	release, err := New(dir).Acquire("s1")
	require.NoError(t, err)
	release()
}

func TestAcquire_IndependentSessions(t *testing.T) {
	l := New(t.TempDir())
	r1, err := l.Acquire("a")
	require.NoError(t, err)
	defer r1()
	r2, err := l.Acquire("b")
	require.NoError(t, err)
	defer r2()
}

func TestReadPID_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := readPID(path)
	assert.ErrorContains(t, err, "invalid lock file content")
}
