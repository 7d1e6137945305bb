package driver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/kiln/internal/dag"
	"github.com/alexisbeaulieu97/kiln/internal/queue"
	"github.com/alexisbeaulieu97/kiln/internal/state"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests rely on sh semantics")
	}
}

func writeGraph(t *testing.T, dir string, spec *dag.Spec) string {
	t.Helper()
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	path := filepath.Join(dir, "graph.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func newDriver(t *testing.T, graphPath string, mutate func(*Options)) *Driver {
	t.Helper()
	opts := Options{
		GraphPath:   graphPath,
		ThreadCount: 4,
		Out:         &bytes.Buffer{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := New(opts)
	require.NoError(t, err)
	return d
}

func buildOnce(t *testing.T, graphPath string, mutate func(*Options)) (*Driver, queue.BuildResult) {
	t.Helper()
	d := newDriver(t, graphPath, mutate)
	require.NoError(t, d.PrepareNodes())
	d.RemoveStaleOutputs()
	res := d.Build()
	require.NoError(t, d.SaveState())
	d.SaveCaches()
	return d, res
}

func pipelineSpec(dir, identifier string) *dag.Spec {
	src := filepath.Join(dir, "src.txt")
	outA := filepath.Join(dir, "out.a")
	outB := filepath.Join(dir, "out.b")
	counterA := filepath.Join(dir, "ran.a")
	counterB := filepath.Join(dir, "ran.b")
	return &dag.Spec{
		Magic:      dag.MagicNumber,
		Identifier: identifier,
		Nodes: []dag.NodeSpec{
			{Annotation: "A", Action: fmt.Sprintf("echo . >> %s; cat %s > %s", counterA, src, outA), Inputs: []string{src}, Outputs: []string{outA}},
			{Annotation: "B", Action: fmt.Sprintf("echo . >> %s; cat %s > %s", counterB, outA, outB), Inputs: []string{outA}, Outputs: []string{outB}, Deps: []int{0}},
		},
		EndMagic: dag.MagicNumber,
	}
}

func countRuns(t *testing.T, counterFile string) int {
	t.Helper()
	raw, err := os.ReadFile(counterFile)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return bytes.Count(raw, []byte("\n"))
}

func TestFirstEverBuild(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.txt"), []byte("v1"), 0o644))
	graphPath := writeGraph(t, dir, pipelineSpec(dir, "e2e"))

	_, res := buildOnce(t, graphPath, nil)
	require.Equal(t, queue.BuildOk, res)

	require.FileExists(t, filepath.Join(dir, "out.a"))
	require.FileExists(t, filepath.Join(dir, "out.b"))
	require.Equal(t, 1, countRuns(t, filepath.Join(dir, "ran.a")))
	require.Equal(t, 1, countRuns(t, filepath.Join(dir, "ran.b")))

	// The state file exists and holds two entries with sorted GUIDs.
	st, err := state.Load(filepath.Join(dir, dag.DefaultStateFileName))
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, 2, st.Len())
	require.True(t, sort.SliceIsSorted(st.GUIDs, func(a, b int) bool {
		return st.GUIDs[a].Compare(st.GUIDs[b]) < 0
	}))
	for _, rec := range st.Nodes {
		require.Zero(t, rec.BuildResult)
		require.False(t, rec.InputSignature.IsZero())
	}
}

func TestNoOpRebuild(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.txt"), []byte("v1"), 0o644))
	graphPath := writeGraph(t, dir, pipelineSpec(dir, "e2e"))

	_, res := buildOnce(t, graphPath, nil)
	require.Equal(t, queue.BuildOk, res)

	_, res = buildOnce(t, graphPath, nil)
	require.Equal(t, queue.BuildOk, res)

	// No process ran the second time.
	require.Equal(t, 1, countRuns(t, filepath.Join(dir, "ran.a")))
	require.Equal(t, 1, countRuns(t, filepath.Join(dir, "ran.b")))
}

func TestInputChangeRebuildsChain(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o644))
	graphPath := writeGraph(t, dir, pipelineSpec(dir, "e2e"))

	_, res := buildOnce(t, graphPath, nil)
	require.Equal(t, queue.BuildOk, res)

	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(src, future, future))

	_, res = buildOnce(t, graphPath, nil)
	require.Equal(t, queue.BuildOk, res)

	require.Equal(t, 2, countRuns(t, filepath.Join(dir, "ran.a")))
	require.Equal(t, 2, countRuns(t, filepath.Join(dir, "ran.b")))

	content, err := os.ReadFile(filepath.Join(dir, "out.b"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(content))
}

func TestStaleOutputGC(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	out1 := filepath.Join(dir, "keep", "out1")
	out2 := filepath.Join(dir, "drop", "out2")

	twoNodes := &dag.Spec{
		Magic:      dag.MagicNumber,
		Identifier: "gc-test",
		Nodes: []dag.NodeSpec{
			{Annotation: "one", Action: "echo 1 > " + out1, Outputs: []string{out1}},
			{Annotation: "two", Action: "echo 2 > " + out2, Outputs: []string{out2}},
		},
		EndMagic: dag.MagicNumber,
	}

	graphPath := writeGraph(t, dir, twoNodes)
	_, res := buildOnce(t, graphPath, nil)
	require.Equal(t, queue.BuildOk, res)
	require.FileExists(t, out1)
	require.FileExists(t, out2)

	// Same graph identity, minus the node producing out2.
	oneNode := &dag.Spec{
		Magic:      dag.MagicNumber,
		Identifier: "gc-test",
		Nodes: []dag.NodeSpec{
			{Annotation: "one", Action: "echo 1 > " + out1, Outputs: []string{out1}},
		},
		EndMagic: dag.MagicNumber,
	}
	graphPath = writeGraph(t, dir, oneNode)

	_, res = buildOnce(t, graphPath, nil)
	require.Equal(t, queue.BuildOk, res)

	require.FileExists(t, out1)
	require.NoFileExists(t, out2)
	// The emptied parent directory goes too.
	require.NoDirExists(t, filepath.Join(dir, "drop"))

	// The dropped node's record left the state file.
	st, err := state.Load(filepath.Join(dir, dag.DefaultStateFileName))
	require.NoError(t, err)
	require.Equal(t, 1, st.Len())
}

func TestStaleOutputGCLeavesOtherGraphsAlone(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	outOther := filepath.Join(dir, "other.out")
	outMine := filepath.Join(dir, "mine.out")

	otherGraph := &dag.Spec{
		Magic:      dag.MagicNumber,
		Identifier: "other-graph",
		Nodes:      []dag.NodeSpec{{Annotation: "other", Action: "echo o > " + outOther, Outputs: []string{outOther}}},
		EndMagic:   dag.MagicNumber,
	}
	graphPath := writeGraph(t, dir, otherGraph)
	_, res := buildOnce(t, graphPath, nil)
	require.Equal(t, queue.BuildOk, res)

	myGraph := &dag.Spec{
		Magic:      dag.MagicNumber,
		Identifier: "my-graph",
		Nodes:      []dag.NodeSpec{{Annotation: "mine", Action: "echo m > " + outMine, Outputs: []string{outMine}}},
		EndMagic:   dag.MagicNumber,
	}
	graphPath = writeGraph(t, dir, myGraph)
	_, res = buildOnce(t, graphPath, nil)
	require.Equal(t, queue.BuildOk, res)

	// The other graph's output shares the state file but is not ours to
	// delete, and its state record survives.
	require.FileExists(t, outOther)
	st, err := state.Load(filepath.Join(dir, dag.DefaultStateFileName))
	require.NoError(t, err)
	require.Equal(t, 2, st.Len())
}

func TestTargetSelectionLimitsBuild(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	outA := filepath.Join(dir, "a.out")
	outB := filepath.Join(dir, "b.out")

	spec := &dag.Spec{
		Magic:      dag.MagicNumber,
		Identifier: "targets",
		Nodes: []dag.NodeSpec{
			{Annotation: "a", Action: "echo a > " + outA, Outputs: []string{outA}},
			{Annotation: "b", Action: "echo b > " + outB, Outputs: []string{outB}},
		},
		NamedTargets: map[string]int{"a": 0, "b": 1},
		EndMagic:     dag.MagicNumber,
	}
	graphPath := writeGraph(t, dir, spec)

	_, res := buildOnce(t, graphPath, func(o *Options) { o.Targets = []string{"a"} })
	require.Equal(t, queue.BuildOk, res)

	require.FileExists(t, outA)
	require.NoFileExists(t, outB)
}

func TestUnknownTargetIsFatal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	spec := &dag.Spec{
		Magic:      dag.MagicNumber,
		Identifier: "targets",
		Nodes:      []dag.NodeSpec{{Annotation: "a", Action: "true", Outputs: []string{filepath.Join(dir, "a.out")}}},
		EndMagic:   dag.MagicNumber,
	}
	graphPath := writeGraph(t, dir, spec)

	d := newDriver(t, graphPath, func(o *Options) { o.Targets = []string{"nope"} })
	err := d.PrepareNodes()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unable to map nope")
}

func TestStateCarriedForUnselectedNodes(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	outA := filepath.Join(dir, "a.out")
	outB := filepath.Join(dir, "b.out")

	spec := &dag.Spec{
		Magic:      dag.MagicNumber,
		Identifier: "carry",
		Nodes: []dag.NodeSpec{
			{Annotation: "a", Action: "echo a > " + outA, Outputs: []string{outA}},
			{Annotation: "b", Action: "echo b > " + outB, Outputs: []string{outB}},
		},
		NamedTargets: map[string]int{"a": 0, "b": 1},
		EndMagic:     dag.MagicNumber,
	}
	graphPath := writeGraph(t, dir, spec)

	// Build everything, then build only "a". B's record must be carried
	// forward verbatim even though it never ran in the second build.
	_, res := buildOnce(t, graphPath, nil)
	require.Equal(t, queue.BuildOk, res)

	stBefore, err := state.Load(filepath.Join(dir, dag.DefaultStateFileName))
	require.NoError(t, err)
	require.Equal(t, 2, stBefore.Len())

	_, res = buildOnce(t, graphPath, func(o *Options) { o.Targets = []string{"a"} })
	require.Equal(t, queue.BuildOk, res)

	stAfter, err := state.Load(filepath.Join(dir, dag.DefaultStateFileName))
	require.NoError(t, err)
	require.Equal(t, 2, stAfter.Len())
	require.Equal(t, stBefore.GUIDs, stAfter.GUIDs)
}

func TestInterruptedBuildReturnsInterrupted(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	var nodes []dag.NodeSpec
	for i := 0; i < 6; i++ {
		out := filepath.Join(dir, fmt.Sprintf("slow%d.out", i))
		nodes = append(nodes, dag.NodeSpec{
			Annotation: fmt.Sprintf("slow %d", i),
			Action:     "sleep 5; touch " + out,
			Outputs:    []string{out},
		})
	}
	spec := &dag.Spec{
		Magic:      dag.MagicNumber,
		Identifier: "interrupt",
		Nodes:      nodes,
		EndMagic:   dag.MagicNumber,
	}
	graphPath := writeGraph(t, dir, spec)

	interrupt := queue.NewInterruptFlag()
	d := newDriver(t, graphPath, func(o *Options) {
		o.ThreadCount = 2
		o.Interrupt = interrupt
	})
	require.NoError(t, d.PrepareNodes())

	go func() {
		time.Sleep(200 * time.Millisecond)
		interrupt.Set("test interrupt")
	}()

	res := d.Build()
	require.Equal(t, queue.BuildInterrupted, res)

	// Saving after an interrupt persists without error; unsigned nodes
	// simply have no record to write yet.
	require.NoError(t, d.SaveState())
}

func TestCleanOutputs(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	out := filepath.Join(dir, "a.out")
	spec := &dag.Spec{
		Magic:      dag.MagicNumber,
		Identifier: "clean",
		Nodes:      []dag.NodeSpec{{Annotation: "a", Action: "echo a > " + out, Outputs: []string{out}}},
		EndMagic:   dag.MagicNumber,
	}
	graphPath := writeGraph(t, dir, spec)

	_, res := buildOnce(t, graphPath, nil)
	require.Equal(t, queue.BuildOk, res)
	require.FileExists(t, out)

	d := newDriver(t, graphPath, nil)
	require.NoError(t, d.PrepareNodes())
	d.CleanOutputs()
	require.NoFileExists(t, out)
}
