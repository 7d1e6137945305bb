package dag

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/kiln/internal/hash"
	kilnerrors "github.com/alexisbeaulieu97/kiln/pkg/errors"
)

func specWithNodes(nodes ...NodeSpec) *Spec {
	return &Spec{
		Magic:      MagicNumber,
		Identifier: "test-graph",
		Nodes:      nodes,
		EndMagic:   MagicNumber,
	}
}

func TestCompileSortsNodesByGUID(t *testing.T) {
	t.Parallel()

	data, err := Compile(specWithNodes(
		NodeSpec{Annotation: "Compile a.c", Action: "cc -c a.c", Inputs: []string{"a.c"}, Outputs: []string{"a.o"}},
		NodeSpec{Annotation: "Compile b.c", Action: "cc -c b.c", Inputs: []string{"b.c"}, Outputs: []string{"b.o"}},
		NodeSpec{Annotation: "Link app", Action: "cc -o app a.o b.o", Inputs: []string{"a.o", "b.o"}, Outputs: []string{"app"}, Deps: []int{0, 1}},
	))
	require.NoError(t, err)
	require.Len(t, data.Nodes, 3)

	require.True(t, sort.SliceIsSorted(data.GUIDs, func(a, b int) bool {
		return data.GUIDs[a].Compare(data.GUIDs[b]) < 0
	}))

	// References must survive the reorder.
	var link *NodeData
	for i := range data.Nodes {
		if data.Nodes[i].Annotation == "Link app" {
			link = &data.Nodes[i]
		}
	}
	require.NotNil(t, link)
	require.Len(t, link.Dependencies, 2)
	for _, dep := range link.Dependencies {
		require.Contains(t, []string{"Compile a.c", "Compile b.c"}, data.Nodes[dep].Annotation)
	}
}

func TestCompileComputesBackLinks(t *testing.T) {
	t.Parallel()

	data, err := Compile(specWithNodes(
		NodeSpec{Annotation: "produce", Action: "touch out.a", Outputs: []string{"out.a"}},
		NodeSpec{Annotation: "consume", Action: "cat out.a", Inputs: []string{"out.a"}, Outputs: []string{"out.b"}, Deps: []int{0}},
	))
	require.NoError(t, err)

	for i := range data.Nodes {
		for _, dep := range data.Nodes[i].Dependencies {
			require.Contains(t, data.Nodes[dep].BackLinks, i)
		}
	}
}

func TestNodeGUIDPrefersOutputs(t *testing.T) {
	t.Parallel()

	withOutputs := NodeSpec{Annotation: "a", Action: "x", Inputs: []string{"i"}, Outputs: []string{"out"}}

	// Changing action or inputs must not move the GUID when outputs exist.
	changed := withOutputs
	changed.Action = "y"
	changed.Inputs = []string{"j"}
	require.Equal(t, NodeGUID(&withOutputs), NodeGUID(&changed))

	h := hash.New()
	h.AddString("out")
	h.AddString("salt for outputs")
	require.Equal(t, h.Finalize(), NodeGUID(&withOutputs))
}

func TestNodeGUIDLegacyForOutputlessNodes(t *testing.T) {
	t.Parallel()

	n := NodeSpec{Annotation: "run tests", Action: "go test", Inputs: []string{"pkg"}}

	h := hash.New()
	h.AddString("go test")
	h.AddString("pkg")
	h.AddString("run tests")
	h.AddString("salt for legacy")
	require.Equal(t, h.Finalize(), NodeGUID(&n))
}

func TestCompileRejectsDuplicateGUIDs(t *testing.T) {
	t.Parallel()

	_, err := Compile(specWithNodes(
		NodeSpec{Annotation: "first", Action: "a", Outputs: []string{"same.out"}},
		NodeSpec{Annotation: "second", Action: "b", Outputs: []string{"same.out"}},
	))

	var validationErr *kilnerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Contains(t, err.Error(), "duplicate node guids")
}

func TestCompileRejectsOutputlessWriteTextFileNode(t *testing.T) {
	t.Parallel()

	_, err := Compile(specWithNodes(
		NodeSpec{Annotation: "payload", Action: "content", WriteTextFile: true},
	))
	require.Error(t, err)
	require.Contains(t, err.Error(), "write-text-file")
}

func TestCompileRejectsCycles(t *testing.T) {
	t.Parallel()

	_, err := Compile(specWithNodes(
		NodeSpec{Annotation: "a", Action: "a", Outputs: []string{"a.out"}, Deps: []int{1}},
		NodeSpec{Annotation: "b", Action: "b", Outputs: []string{"b.out"}, Deps: []int{0}},
	))

	var validationErr *kilnerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Contains(t, err.Error(), "cycle")
}

func TestCompileRejectsDependencyOnLaterPass(t *testing.T) {
	t.Parallel()

	spec := specWithNodes(
		NodeSpec{Annotation: "early", Action: "a", Outputs: []string{"a.out"}, PassIndex: 0, Deps: []int{1}},
		NodeSpec{Annotation: "late", Action: "b", Outputs: []string{"b.out"}, PassIndex: 1},
	)
	spec.Passes = []string{"CodeGen", "Build"}

	_, err := Compile(spec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "later pass")
}

func TestCompileRemapsTargets(t *testing.T) {
	t.Parallel()

	spec := specWithNodes(
		NodeSpec{Annotation: "a", Action: "a", Outputs: []string{"a.out"}},
		NodeSpec{Annotation: "b", Action: "b", Outputs: []string{"b.out"}},
	)
	spec.DefaultTargets = []int{1}
	spec.NamedTargets = map[string]int{"b": 1}

	data, err := Compile(spec)
	require.NoError(t, err)

	require.Len(t, data.DefaultTargets, 1)
	require.Equal(t, "b", data.Nodes[data.DefaultTargets[0]].Annotation)
	require.Equal(t, "b", data.Nodes[data.NamedTargets["b"]].Annotation)
}

func TestFindNodeUsesGUIDOrder(t *testing.T) {
	t.Parallel()

	data, err := Compile(specWithNodes(
		NodeSpec{Annotation: "a", Action: "a", Outputs: []string{"a.out"}},
		NodeSpec{Annotation: "b", Action: "b", Outputs: []string{"b.out"}},
		NodeSpec{Annotation: "c", Action: "c", Outputs: []string{"c.out"}},
	))
	require.NoError(t, err)

	for i, guid := range data.GUIDs {
		require.Equal(t, i, data.FindNode(guid))
	}
	require.Equal(t, -1, data.FindNode(hash.Digest{1, 2, 3}))
}

func TestLoadChecksMagicFraming(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")

	spec := specWithNodes(NodeSpec{Annotation: "a", Action: "a", Outputs: []string{"a.out"}})
	spec.EndMagic = 0

	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = Load(path)
	var parseErr *kilnerrors.ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Contains(t, err.Error(), "magic")
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")

	spec := specWithNodes(
		NodeSpec{Annotation: "write header", Action: "#pragma once", Outputs: []string{"gen.h"}, WriteTextFile: true},
		NodeSpec{Annotation: "compile", Action: "cc -c main.c", Inputs: []string{"main.c"}, Outputs: []string{"main.o"}, Deps: []int{0}},
	)

	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	data, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "test-graph", data.Identifier)
	require.Equal(t, hash.Djb2("test-graph"), data.HashedIdentifier)
	require.Len(t, data.Nodes, 2)

	var writer *NodeData
	for i := range data.Nodes {
		if data.Nodes[i].Flags.Has(FlagWriteTextFile) {
			writer = &data.Nodes[i]
		}
	}
	require.NotNil(t, writer)
	require.Equal(t, "write header", writer.Annotation)
}
