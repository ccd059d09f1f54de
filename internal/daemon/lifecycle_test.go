package daemon

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLifecycle(t *testing.T) *Lifecycle {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "lnd-nwc.pid"))
}

func writePID(t *testing.T, l *Lifecycle, pid int) {
	t.Helper()
	require.NoError(t, os.WriteFile(l.PIDFile, []byte(strconv.Itoa(pid)), pidFileMode))
}

// exitedPID returns the pid of a child that has already been reaped.
func exitedPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestStartIsExclusive(t *testing.T) {
	l := newTestLifecycle(t)

	state, _, err := l.Status()
	require.NoError(t, err)
	assert.Equal(t, Stopped, state)

	require.NoError(t, l.Start())
	assert.ErrorIs(t, l.Start(), ErrPIDFileExists)

	state, pid, err := l.Status()
	require.NoError(t, err)
	assert.Equal(t, Running, state)
	assert.Equal(t, os.Getpid(), pid)

	info, err := os.Stat(l.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(pidFileMode), info.Mode().Perm())

	require.NoError(t, l.Release())
	_, err = os.Stat(l.PIDFile)
	assert.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, l.Release())
}

func TestReleaseKeepsForeignPIDFile(t *testing.T) {
	l := newTestLifecycle(t)
	writePID(t, l, exitedPID(t))

	require.NoError(t, l.Release())
	assert.FileExists(t, l.PIDFile)
}

func TestStaleStatusHasNoSideEffects(t *testing.T) {
	l := newTestLifecycle(t)
	pid := exitedPID(t)
	writePID(t, l, pid)

	state, got, err := l.Status()
	require.NoError(t, err)
	assert.Equal(t, Stale, state)
	assert.Equal(t, pid, got)
	assert.FileExists(t, l.PIDFile)

	assert.ErrorIs(t, l.Start(), ErrPIDFileExists, "stale files still block start")

	state, err = l.Stop()
	require.NoError(t, err)
	assert.Equal(t, Stale, state)
	assert.NoFileExists(t, l.PIDFile)

	require.NoError(t, l.Start())
	require.NoError(t, l.Release())
}

func TestStopSignalsRunningProcess(t *testing.T) {
	l := newTestLifecycle(t)
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	writePID(t, l, cmd.Process.Pid)

	state, err := l.Stop()
	require.NoError(t, err)
	assert.Equal(t, Running, state)

	err = cmd.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.False(t, exitErr.Success())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.WaitStopped(ctx))

	state, _, err = l.Status()
	require.NoError(t, err)
	assert.Equal(t, Stale, state, "sleep leaves the file behind")
}

func TestStopWhenNotRunning(t *testing.T) {
	l := newTestLifecycle(t)
	state, err := l.Stop()
	require.NoError(t, err)
	assert.Equal(t, Stopped, state)
}

func TestInvalidPIDFile(t *testing.T) {
	l := newTestLifecycle(t)
	require.NoError(t, os.WriteFile(l.PIDFile, []byte("nope"), pidFileMode))

	state, pid, err := l.Status()
	require.NoError(t, err)
	assert.Equal(t, Stale, state)
	assert.Zero(t, pid)

	state, err = l.Stop()
	require.NoError(t, err)
	assert.Equal(t, Stale, state)
	assert.NoFileExists(t, l.PIDFile)

	require.NoError(t, l.Start())
	require.NoError(t, l.Release())
}

func TestReleaseKeepsUnreadablePIDFile(t *testing.T) {
	l := newTestLifecycle(t)
	require.NoError(t, os.WriteFile(l.PIDFile, []byte("\n"), pidFileMode))

	assert.ErrorIs(t, l.Release(), ErrInvalidPID)
	assert.FileExists(t, l.PIDFile)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "stale", Stale.String())
}
