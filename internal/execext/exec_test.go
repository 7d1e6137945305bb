package execext

import (
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/kiln/internal/dag"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on sh semantics")
	}
}

func TestRunCapturesCombinedOutput(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	res := Run("echo out; echo err 1>&2", Options{})
	require.Zero(t, res.ReturnCode)
	require.False(t, res.WasSignalled)
	require.False(t, res.WasAborted)
	require.Contains(t, res.Output, "out")
	require.Contains(t, res.Output, "err")
}

func TestRunReportsExitCode(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	res := Run("exit 42", Options{})
	require.Equal(t, 42, res.ReturnCode)
	require.False(t, res.WasSignalled)
}

func TestRunOverlaysEnvironment(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	res := Run("echo $KILN_TEST_VAR", Options{
		Env: []dag.EnvVar{{Name: "KILN_TEST_VAR", Value: "overlaid"}},
	})
	require.Zero(t, res.ReturnCode)
	require.Contains(t, res.Output, "overlaid")
}

func TestRunDetectsSignalledChild(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	res := Run("kill -9 $$", Options{})
	require.True(t, res.WasSignalled)
	require.NotZero(t, res.ReturnCode)
}

func TestRunAbortKillsChild(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	abort := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(abort)
	}()

	start := time.Now()
	res := Run("sleep 30", Options{Abort: abort})
	require.Less(t, time.Since(start), 5*time.Second)
	require.True(t, res.WasAborted)
}

func TestRunInvokesSlowCallback(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	var calls atomic.Int32
	res := Run("sleep 1", Options{
		InitialSlowDelay: 50 * time.Millisecond,
		OnSlow: func() time.Duration {
			calls.Add(1)
			return 100 * time.Millisecond
		},
	})
	require.Zero(t, res.ReturnCode)
	require.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestRunFastChildSkipsSlowCallback(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	var calls atomic.Int32
	Run("true", Options{
		InitialSlowDelay: 2 * time.Second,
		OnSlow: func() time.Duration {
			calls.Add(1)
			return time.Second
		},
	})
	require.Zero(t, calls.Load())
}

func TestWriteTextFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "generated.h")

	res := WriteTextFile("#pragma once\n", target)
	require.Zero(t, res.ReturnCode)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "#pragma once\n", string(content))
}

func TestWriteTextFileReportsIOError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	res := WriteTextFile("payload", filepath.Join(dir, "no-such-dir", "file"))
	require.Equal(t, 1, res.ReturnCode)
	require.Contains(t, res.Output, "error writing")
}
