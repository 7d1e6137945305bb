package queue

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/kiln/internal/dag"
	"github.com/alexisbeaulieu97/kiln/internal/execext"
	"github.com/alexisbeaulieu97/kiln/internal/outputval"
)

func TestStripAnsiColors(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hello", StripAnsiColors("\x1b[31mhello\x1b[0m"))
	require.Equal(t, "plain", StripAnsiColors("plain"))
	require.Equal(t, "ab", StripAnsiColors("a\x1b[1;32mb"))
	// An unterminated escape is passed through rather than eaten.
	require.Equal(t, "x\x1b[", StripAnsiColors("x\x1b["))
}

func TestPrintResultFormatsStatusLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewPrinter(&buf, 12, false, true, false)

	node := &dag.NodeData{Annotation: "Compile main.c"}
	res := &execext.Result{}
	p.PrintResult(res, node, "cc -c main.c", 3, 2*time.Second, outputval.SwallowStdout, nil)

	line := buf.String()
	require.Contains(t, line, "[ 3/12  2s] Compile main.c")
}

func TestPrintResultDefersFailures(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewPrinter(&buf, 2, false, true, true)

	good := &dag.NodeData{Annotation: "good"}
	bad := &dag.NodeData{Annotation: "bad"}

	p.PrintResult(&execext.Result{}, good, "true", 1, 0, outputval.SwallowStdout, nil)
	p.PrintResult(&execext.Result{ReturnCode: 2, Output: "boom"}, bad, "false", 2, 0, outputval.Pass, nil)

	// The failure is deferred; only the success shows so far.
	require.Contains(t, buf.String(), "good")
	require.NotContains(t, buf.String(), "bad")

	p.Flush()
	require.Contains(t, buf.String(), "bad")
	require.Contains(t, buf.String(), "boom")
	require.Contains(t, buf.String(), "ExitCode")
}

func TestPrintResultShowsValidationDiagnostics(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewPrinter(&buf, 1, false, true, false)

	node := &dag.NodeData{
		Annotation:              "chatty",
		AllowedOutputSubstrings: []string{"warning C4999"},
	}
	res := &execext.Result{Output: "unexpected chatter"}
	p.PrintResult(res, node, "cl.exe", 1, 0, outputval.UnexpectedConsoleOutputFail, nil)

	out := buf.String()
	require.Contains(t, out, "wasn't expected")
	require.Contains(t, out, "warning C4999")
	require.Contains(t, out, "unexpected chatter")
}

func TestPrintInProgressPacing(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewPrinter(&buf, 4, false, true, false)

	node := &dag.NodeData{Annotation: "Linking huge.elf"}
	started := time.Now().Add(-20 * time.Second)

	// First BUSY line prints (nothing printed yet, job well over 5s).
	p.PrintInProgress(node, started)
	require.Contains(t, buf.String(), "BUSY")
	require.Contains(t, buf.String(), "Linking huge.elf")

	// Immediately asking again for the same node stays quiet (10s gate).
	before := buf.Len()
	p.PrintInProgress(node, started)
	require.Equal(t, before, buf.Len())

	// Another node is also gated (5s cross-node gate).
	other := &dag.NodeData{Annotation: "Linking other.elf"}
	p.PrintInProgress(other, started)
	require.Equal(t, before, buf.Len())

	// After 30s of global silence the slower-than gate lifts.
	p.lastProgressTime = time.Now().Add(-31 * time.Second)
	p.PrintInProgress(other, time.Now().Add(-2*time.Second))
	require.Contains(t, buf.String(), "Linking other.elf")
}

func TestPrintNonNodeActionResult(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewPrinter(&buf, 10, false, true, false)

	p.PrintNonNodeActionResult(time.Second, statusFailure, "Creating db server", &execext.Result{ReturnCode: 1, Output: "bind failed"})

	out := buf.String()
	require.Contains(t, out, "Creating db server")
	require.Contains(t, out, "bind failed")
	// Non-node lines carry a blank progress column as wide as NNN/MMM.
	require.True(t, strings.HasPrefix(out, "[!FAILED!") || strings.HasPrefix(out, "[ "))
}
