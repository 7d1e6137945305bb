package state

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"os"
	"sort"

	"github.com/alexisbeaulieu97/kiln/internal/hash"
)

// MagicNumber frames a state file at both ends. Files without the frame
// are treated as absent; an interrupted write can never be half-trusted.
const MagicNumber uint32 = 0x4b535446

// InputFileRecord is one input observed during a build, with the timestamp
// it had when the node's signature was computed.
type InputFileRecord struct {
	Timestamp int64
	Path      string
}

// NodeStateData is the durable record of one node's last build.
type NodeStateData struct {
	BuildResult    int
	InputSignature hash.Digest
	Outputs        []string
	AuxOutputs     []string
	Action         string
	PreAction      string
	Inputs         []InputFileRecord
	ImplicitInputs []InputFileRecord

	// DagsSeen lists the hashed identifiers of every graph this node has
	// been observed in; it decides ownership during merge and GC.
	DagsSeen []uint32
}

// SeenByDag reports whether this record has been observed in the graph
// with the given hashed identifier.
func (n *NodeStateData) SeenByDag(id uint32) bool {
	for _, seen := range n.DagsSeen {
		if seen == id {
			return true
		}
	}
	return false
}

// WithDag returns DagsSeen extended with id if absent.
func (n *NodeStateData) WithDag(id uint32) []uint32 {
	if n.SeenByDag(id) {
		return n.DagsSeen
	}
	return append(append([]uint32(nil), n.DagsSeen...), id)
}

// Data is a full previous-build state, sorted by GUID.
type Data struct {
	GUIDs []hash.Digest
	Nodes []NodeStateData
}

// Find returns the record for guid, or nil.
func (d *Data) Find(guid hash.Digest) *NodeStateData {
	if d == nil {
		return nil
	}
	lo, hi := 0, len(d.GUIDs)
	for lo < hi {
		mid := (lo + hi) / 2
		if d.GUIDs[mid].Compare(guid) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(d.GUIDs) && d.GUIDs[lo] == guid {
		return &d.Nodes[lo]
	}
	return nil
}

// Len returns the number of records.
func (d *Data) Len() int {
	if d == nil {
		return 0
	}
	return len(d.GUIDs)
}

type diskForm struct {
	GUIDs []hash.Digest
	Nodes []NodeStateData
}

// Load reads a previous-build state. A missing, truncated or mis-framed
// file yields nil state with no error; incremental builds degrade to full
// builds rather than failing.
func Load(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var head uint32
	if err := binary.Read(r, binary.LittleEndian, &head); err != nil || head != MagicNumber {
		return nil, nil
	}

	var form diskForm
	if err := gob.NewDecoder(r).Decode(&form); err != nil {
		return nil, nil
	}

	var tail uint32
	if err := binary.Read(r, binary.LittleEndian, &tail); err != nil || tail != MagicNumber {
		return nil, nil
	}

	return &Data{GUIDs: form.GUIDs, Nodes: form.Nodes}, nil
}

// Save writes the state to tmpPath and renames it over path. Entries are
// written in GUID order. On failure the temp file is removed and any
// previous state file stays untouched.
func Save(d *Data, path, tmpPath string) error {
	order := make([]int, len(d.GUIDs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return d.GUIDs[order[a]].Compare(d.GUIDs[order[b]]) < 0
	})

	form := diskForm{
		GUIDs: make([]hash.Digest, len(order)),
		Nodes: make([]NodeStateData, len(order)),
	}
	for i, idx := range order {
		form.GUIDs[i] = d.GUIDs[idx]
		form.Nodes[i] = d.Nodes[idx]
	}

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	err = binary.Write(w, binary.LittleEndian, MagicNumber)
	if err == nil {
		err = gob.NewEncoder(w).Encode(&form)
	}
	if err == nil {
		err = binary.Write(w, binary.LittleEndian, MagicNumber)
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
