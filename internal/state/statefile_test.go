package state

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/kiln/internal/hash"
)

func digestOf(s string) hash.Digest {
	h := hash.New()
	h.AddString(s)
	return h.Finalize()
}

func sampleData() *Data {
	return &Data{
		GUIDs: []hash.Digest{digestOf("node-b"), digestOf("node-a")},
		Nodes: []NodeStateData{
			{
				BuildResult:    0,
				InputSignature: digestOf("sig-b"),
				Outputs:        []string{"out/b.o"},
				Action:         "cc -c b.c",
				Inputs:         []InputFileRecord{{Timestamp: 111, Path: "b.c"}},
				ImplicitInputs: []InputFileRecord{{Timestamp: 222, Path: "b.h"}},
				DagsSeen:       []uint32{42},
			},
			{
				BuildResult:    1,
				InputSignature: digestOf("sig-a"),
				Outputs:        []string{"out/a.o"},
				AuxOutputs:     []string{"out/a.pdb"},
				Action:         "cc -c a.c",
				PreAction:      "gen a",
				DagsSeen:       []uint32{42, 99},
			},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state")

	src := sampleData()
	require.NoError(t, Save(src, path, path+".tmp"))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, src.Len(), loaded.Len())

	// Entries come back sorted by GUID.
	require.True(t, sort.SliceIsSorted(loaded.GUIDs, func(a, b int) bool {
		return loaded.GUIDs[a].Compare(loaded.GUIDs[b]) < 0
	}))

	for i, guid := range src.GUIDs {
		got := loaded.Find(guid)
		require.NotNil(t, got)
		require.Equal(t, src.Nodes[i], *got)
	}

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestSaveLoadSaveIsStable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := filepath.Join(dir, "state1")
	second := filepath.Join(dir, "state2")

	require.NoError(t, Save(sampleData(), first, first+".tmp"))
	loaded, err := Load(first)
	require.NoError(t, err)
	require.NoError(t, Save(loaded, second, second+".tmp"))

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestLoadMissingFileIsAbsent(t *testing.T) {
	t.Parallel()

	loaded, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestLoadBadMagicIsAbsent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	require.NoError(t, os.WriteFile(path, []byte("garbage that is not a state file"), 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestLoadTruncatedFileIsAbsent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	require.NoError(t, Save(sampleData(), path, path+".tmp"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-2], 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestFindMissingGUID(t *testing.T) {
	t.Parallel()

	d := sampleData()
	require.Nil(t, d.Find(digestOf("unknown")))

	var nilData *Data
	require.Nil(t, nilData.Find(digestOf("anything")))
}

func TestSeenByDagAndWithDag(t *testing.T) {
	t.Parallel()

	n := &NodeStateData{DagsSeen: []uint32{7}}
	require.True(t, n.SeenByDag(7))
	require.False(t, n.SeenByDag(8))

	require.Equal(t, []uint32{7}, n.WithDag(7))
	require.Equal(t, []uint32{7, 8}, n.WithDag(8))
	// WithDag must not mutate the receiver.
	require.Equal(t, []uint32{7}, n.DagsSeen)
}
