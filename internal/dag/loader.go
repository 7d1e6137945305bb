package dag

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/alexisbeaulieu97/kiln/internal/hash"
	kilnerrors "github.com/alexisbeaulieu97/kiln/pkg/errors"
)

// MagicNumber frames a graph file. It must appear as both the first and the
// last field of the document or the file is treated as corrupt.
const MagicNumber uint32 = 0x4b494c4e

// Default on-disk artifact names, relative to the graph file's directory.
const (
	DefaultStateFileName       = ".kiln.state"
	DefaultScanCacheFileName   = ".kiln.scancache"
	DefaultDigestCacheFileName = ".kiln.digestcache"
)

// NodeSpec is the authored (frontend-emitted) form of one node.
type NodeSpec struct {
	Annotation string `json:"annotation" validate:"required"`
	Action     string `json:"action"`
	PreAction  string `json:"pre_action,omitempty"`
	PassIndex  int    `json:"pass_index" validate:"gte=0"`

	Inputs     []string `json:"inputs,omitempty"`
	Outputs    []string `json:"outputs,omitempty"`
	AuxOutputs []string `json:"aux_outputs,omitempty"`
	Env        []EnvVar `json:"env,omitempty" validate:"dive"`

	Scanner                 *int     `json:"scanner,omitempty"`
	AllowedOutputSubstrings []string `json:"allowed_output_substrings,omitempty"`
	SharedResources         []int    `json:"shared_resources,omitempty"`
	Deps                    []int    `json:"deps,omitempty"`

	OverwriteOutputs          bool `json:"overwrite_outputs,omitempty"`
	PreciousOutputs           bool `json:"precious_outputs,omitempty"`
	Expensive                 bool `json:"expensive,omitempty"`
	AllowUnexpectedOutput     bool `json:"allow_unexpected_output,omitempty"`
	AllowUnwrittenOutputFiles bool `json:"allow_unwritten_output_files,omitempty"`
	BanContentDigestForInputs bool `json:"ban_content_digest_for_inputs,omitempty"`
	WriteTextFile             bool `json:"write_text_file,omitempty"`
}

func (n *NodeSpec) flags() NodeFlags {
	var f NodeFlags
	if n.OverwriteOutputs {
		f |= FlagOverwriteOutputs
	}
	if n.PreciousOutputs {
		f |= FlagPreciousOutputs
	}
	if n.Expensive {
		f |= FlagExpensive
	}
	if n.AllowUnexpectedOutput {
		f |= FlagAllowUnexpectedOutput
	}
	if n.AllowUnwrittenOutputFiles {
		f |= FlagAllowUnwrittenOutputFiles
	}
	if n.BanContentDigestForInputs {
		f |= FlagBanContentDigestForInputs
	}
	if n.WriteTextFile {
		f |= FlagWriteTextFile
	}
	return f
}

// Spec is the authored graph document.
type Spec struct {
	Magic      uint32 `json:"magic"`
	Identifier string `json:"identifier" validate:"required"`

	Nodes           []NodeSpec           `json:"nodes" validate:"required,dive"`
	Passes          []string             `json:"passes,omitempty"`
	Scanners        []ScannerData        `json:"scanners,omitempty" validate:"dive"`
	SharedResources []SharedResourceData `json:"shared_resources,omitempty" validate:"dive"`

	ContentDigestExtensions []string       `json:"content_digest_extensions,omitempty"`
	DefaultTargets          []int          `json:"default_targets,omitempty"`
	NamedTargets            map[string]int `json:"named_targets,omitempty"`
	MaxExpensiveCount       *int           `json:"max_expensive_count,omitempty"`

	StateFileName       string `json:"state_file,omitempty"`
	ScanCacheFileName   string `json:"scan_cache_file,omitempty"`
	DigestCacheFileName string `json:"digest_cache_file,omitempty"`

	EndMagic uint32 `json:"end_magic"`
}

// Load reads and compiles a graph file.
func Load(path string) (*Data, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, kilnerrors.NewParseError(path, err)
	}

	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, kilnerrors.NewParseError(path, err)
	}

	if spec.Magic != MagicNumber || spec.EndMagic != MagicNumber {
		return nil, kilnerrors.NewParseError(path, fmt.Errorf("bad magic number (want %08x, got %08x/%08x)", MagicNumber, spec.Magic, spec.EndMagic))
	}

	data, err := Compile(&spec)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// NodeGUID derives the node's stable identity. Nodes with outputs are
// identified by their output set; output-less nodes fall back to hashing
// action, inputs and annotation.
func NodeGUID(n *NodeSpec) hash.Digest {
	h := hash.New()
	if len(n.Outputs) > 0 {
		for _, out := range n.Outputs {
			h.AddString(out)
		}
		h.AddString("salt for outputs")
	} else {
		if n.Action != "" {
			h.AddString(n.Action)
		}
		for _, in := range n.Inputs {
			h.AddString(in)
		}
		h.AddString(n.Annotation)
		h.AddString("salt for legacy")
	}
	return h.Finalize()
}

func scannerGUID(s *ScannerData) hash.Digest {
	h := hash.New()
	h.AddString(string(s.Kind))
	h.AddSeparator()
	for _, p := range s.IncludePaths {
		h.AddPath(p)
		h.AddSeparator()
	}
	for _, k := range s.Keywords {
		h.AddString(k)
		h.AddSeparator()
	}
	return h.Finalize()
}

// Compile freezes an authored spec: validates it, derives node GUIDs,
// reorders nodes into GUID order, remaps all node references and computes
// back links.
func Compile(spec *Spec) (*Data, error) {
	if err := validator.New().Struct(spec); err != nil {
		return nil, kilnerrors.NewValidationError("", "graph validation failed", err)
	}

	nodeCount := len(spec.Nodes)
	passes := spec.Passes
	if len(passes) == 0 {
		passes = []string{"Build"}
	}

	for i := range spec.Nodes {
		n := &spec.Nodes[i]
		if n.WriteTextFile && len(n.Outputs) == 0 {
			return nil, kilnerrors.NewValidationError(
				fmt.Sprintf("nodes[%d].outputs", i), "write-text-file node needs an output file", nil)
		}
		if n.PassIndex >= len(passes) {
			return nil, kilnerrors.NewValidationError(
				fmt.Sprintf("nodes[%d].pass_index", i),
				fmt.Sprintf("pass index %d out of range (%d passes)", n.PassIndex, len(passes)), nil)
		}
		if n.Scanner != nil && (*n.Scanner < 0 || *n.Scanner >= len(spec.Scanners)) {
			return nil, kilnerrors.NewValidationError(
				fmt.Sprintf("nodes[%d].scanner", i), "scanner index out of range", nil)
		}
		for _, r := range n.SharedResources {
			if r < 0 || r >= len(spec.SharedResources) {
				return nil, kilnerrors.NewValidationError(
					fmt.Sprintf("nodes[%d].shared_resources", i), "shared resource index out of range", nil)
			}
		}
		for _, d := range n.Deps {
			if d < 0 || d >= nodeCount {
				return nil, kilnerrors.NewValidationError(
					fmt.Sprintf("nodes[%d].deps", i), fmt.Sprintf("dependency index %d out of range", d), nil)
			}
			if spec.Nodes[d].PassIndex > n.PassIndex {
				return nil, kilnerrors.NewValidationError(
					fmt.Sprintf("nodes[%d].deps", i),
					fmt.Sprintf("dependency %q is in a later pass than %q", spec.Nodes[d].Annotation, n.Annotation), nil)
			}
		}
	}

	if err := checkAcyclic(spec.Nodes); err != nil {
		return nil, err
	}

	// Derive GUIDs and sort nodes into GUID order, keeping a remap from
	// authored index to frozen index.
	type guidEntry struct {
		guid hash.Digest
		node int
	}
	entries := make([]guidEntry, nodeCount)
	for i := range spec.Nodes {
		entries[i] = guidEntry{NodeGUID(&spec.Nodes[i]), i}
	}
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].guid.Compare(entries[b].guid) < 0
	})
	for i := 1; i < nodeCount; i++ {
		if entries[i-1].guid == entries[i].guid {
			a := spec.Nodes[entries[i-1].node].Annotation
			b := spec.Nodes[entries[i].node].Annotation
			return nil, kilnerrors.NewValidationError("nodes",
				fmt.Sprintf("duplicate node guids: %s and %s share %s", a, b, entries[i].guid), nil)
		}
	}

	remap := make([]int, nodeCount)
	for frozen, e := range entries {
		remap[e.node] = frozen
	}

	data := &Data{
		Identifier:              spec.Identifier,
		HashedIdentifier:        hash.Djb2(spec.Identifier),
		Nodes:                   make([]NodeData, nodeCount),
		GUIDs:                   make([]hash.Digest, nodeCount),
		Passes:                  passes,
		Scanners:                append([]ScannerData(nil), spec.Scanners...),
		SharedResources:         spec.SharedResources,
		ContentDigestExtensions: spec.ContentDigestExtensions,
		NamedTargets:            make(map[string]int, len(spec.NamedTargets)),
		MaxExpensiveCount:       -1,
		StateFileName:           spec.StateFileName,
		ScanCacheFileName:       spec.ScanCacheFileName,
		DigestCacheFileName:     spec.DigestCacheFileName,
	}

	if spec.MaxExpensiveCount != nil {
		data.MaxExpensiveCount = *spec.MaxExpensiveCount
	}
	if data.StateFileName == "" {
		data.StateFileName = DefaultStateFileName
	}
	if data.ScanCacheFileName == "" {
		data.ScanCacheFileName = DefaultScanCacheFileName
	}
	if data.DigestCacheFileName == "" {
		data.DigestCacheFileName = DefaultDigestCacheFileName
	}

	for i := range data.Scanners {
		data.Scanners[i].GUID = scannerGUID(&data.Scanners[i])
	}

	for frozen, e := range entries {
		src := &spec.Nodes[e.node]

		deps := make([]int, len(src.Deps))
		for j, d := range src.Deps {
			deps[j] = remap[d]
		}
		sort.Ints(deps)

		scannerIndex := -1
		if src.Scanner != nil {
			scannerIndex = *src.Scanner
		}

		data.GUIDs[frozen] = e.guid
		data.Nodes[frozen] = NodeData{
			Annotation:              src.Annotation,
			Action:                  src.Action,
			PreAction:               src.PreAction,
			PassIndex:               src.PassIndex,
			Inputs:                  src.Inputs,
			Outputs:                 src.Outputs,
			AuxOutputs:              src.AuxOutputs,
			Env:                     src.Env,
			ScannerIndex:            scannerIndex,
			AllowedOutputSubstrings: src.AllowedOutputSubstrings,
			SharedResources:         src.SharedResources,
			Flags:                   src.flags(),
			Dependencies:            deps,
			OriginalIndex:           e.node,
		}
	}

	// Back links let a completing node wake its dependents directly.
	for i := range data.Nodes {
		for _, dep := range data.Nodes[i].Dependencies {
			data.Nodes[dep].BackLinks = append(data.Nodes[dep].BackLinks, i)
		}
	}

	for _, t := range spec.DefaultTargets {
		if t < 0 || t >= nodeCount {
			return nil, kilnerrors.NewValidationError("default_targets", "node index out of range", nil)
		}
		data.DefaultTargets = append(data.DefaultTargets, remap[t])
	}
	for name, t := range spec.NamedTargets {
		if t < 0 || t >= nodeCount {
			return nil, kilnerrors.NewValidationError("named_targets", fmt.Sprintf("%s: node index out of range", name), nil)
		}
		data.NamedTargets[name] = remap[t]
	}

	return data, nil
}

// checkAcyclic runs Kahn's algorithm over the authored deps; anything left
// unprocessed sits on a cycle.
func checkAcyclic(nodes []NodeSpec) error {
	indegree := make([]int, len(nodes))
	for i := range nodes {
		for range nodes[i].Deps {
			indegree[i]++
		}
	}

	var queue []int
	for i, deg := range indegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}

	dependents := make([][]int, len(nodes))
	for i := range nodes {
		for _, d := range nodes[i].Deps {
			dependents[d] = append(dependents[d], i)
		}
	}

	processed := 0
	for len(queue) > 0 {
		n := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		processed++
		for _, dep := range dependents[n] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(nodes) {
		return kilnerrors.NewValidationError("nodes", "cycle detected while freezing graph", nil)
	}
	return nil
}
