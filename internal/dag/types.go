package dag

import (
	"github.com/alexisbeaulieu97/kiln/internal/hash"
)

// NodeFlags carries the per-node policy bits from the frozen DAG.
type NodeFlags uint32

const (
	// FlagOverwriteOutputs leaves existing output files in place before the
	// action runs instead of deleting them.
	FlagOverwriteOutputs NodeFlags = 1 << iota
	// FlagPreciousOutputs keeps output files on disk after a failed action.
	FlagPreciousOutputs
	// FlagExpensive marks a node that wants the whole machine (e.g. a link
	// step); concurrency of such nodes is capped separately.
	FlagExpensive
	// FlagAllowUnexpectedOutput accepts console output not covered by the
	// allowed-output substrings.
	FlagAllowUnexpectedOutput
	// FlagAllowUnwrittenOutputFiles accepts actions that do not touch every
	// declared output file.
	FlagAllowUnwrittenOutputFiles
	// FlagBanContentDigestForInputs forces timestamp signatures for this
	// node's inputs even when the extension is digest-eligible.
	FlagBanContentDigestForInputs
	// FlagWriteTextFile means Action is a payload to write to the first
	// output file rather than a command line.
	FlagWriteTextFile
)

// Has reports whether all bits in mask are set.
func (f NodeFlags) Has(mask NodeFlags) bool {
	return f&mask == mask
}

// EnvVar is one environment variable overlaid on the inherited environment
// when an action runs.
type EnvVar struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
}

// ScannerKind selects the implicit-dependency scanner implementation.
type ScannerKind string

const (
	// ScannerInclude chases C-preprocessor style #include lines.
	ScannerInclude ScannerKind = "include"
	// ScannerGeneric follows configurable keywords instead.
	ScannerGeneric ScannerKind = "generic"
)

// ScannerData configures an implicit-dependency scanner shared by nodes.
type ScannerData struct {
	Kind         ScannerKind `json:"kind" validate:"required,oneof=include generic"`
	IncludePaths []string    `json:"include_paths,omitempty"`
	Keywords     []string    `json:"keywords,omitempty"`

	// GUID keys scan-cache entries so results from differently configured
	// scanners never collide.
	GUID hash.Digest `json:"-"`
}

// SharedResourceData describes an externally managed resource with explicit
// create/destroy actions, created lazily on first use.
type SharedResourceData struct {
	Annotation    string   `json:"annotation" validate:"required"`
	CreateAction  string   `json:"create_action,omitempty"`
	DestroyAction string   `json:"destroy_action,omitempty"`
	Env           []EnvVar `json:"env,omitempty"`
}

// NodeData is the immutable description of one build action. After Compile
// it must never be mutated; NodeState layers all per-run state on top.
type NodeData struct {
	Annotation              string
	Action                  string
	PreAction               string
	PassIndex               int
	Inputs                  []string
	Outputs                 []string
	AuxOutputs              []string
	Env                     []EnvVar
	ScannerIndex            int // -1 when the node has no scanner
	AllowedOutputSubstrings []string
	SharedResources         []int
	Flags                   NodeFlags

	// Dependencies and BackLinks are indices into Data.Nodes (GUID order).
	Dependencies []int
	BackLinks    []int

	// OriginalIndex is the node's position in the authored spec, kept for
	// diagnostics after GUID-order sorting.
	OriginalIndex int
}

// Data is the frozen build graph the core consumes. Nodes are stored in
// ascending GUID order and GUIDs is parallel to Nodes, so a binary search
// over GUIDs yields the node index directly.
type Data struct {
	Identifier       string
	HashedIdentifier uint32

	Nodes []NodeData
	GUIDs []hash.Digest

	Passes          []string
	Scanners        []ScannerData
	SharedResources []SharedResourceData

	// ContentDigestExtensions lists file extensions (with leading dot) whose
	// signatures come from content digests rather than timestamps.
	ContentDigestExtensions []string

	// DefaultTargets are node indices built when no targets are named.
	DefaultTargets []int
	// NamedTargets maps a user-facing name to a node index.
	NamedTargets map[string]int

	// MaxExpensiveCount caps concurrently running expensive nodes; negative
	// means "use the thread count".
	MaxExpensiveCount int

	StateFileName       string
	ScanCacheFileName   string
	DigestCacheFileName string
}

// FindNode returns the index of the node with the given GUID, or -1.
func (d *Data) FindNode(guid hash.Digest) int {
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
		return lo
	}
	return -1
}

// UsesContentDigest reports whether files with the given extension sign by
// content digest.
func (d *Data) UsesContentDigest(ext string) bool {
	for _, e := range d.ContentDigestExtensions {
		if e == ext {
			return true
		}
	}
	return false
}
