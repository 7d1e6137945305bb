package queue

import (
	"github.com/alexisbeaulieu97/kiln/internal/dag"
	"github.com/alexisbeaulieu97/kiln/internal/hash"
	"github.com/alexisbeaulieu97/kiln/internal/state"
)

// Progress is the per-node position in the build state machine. All
// transitions happen under the queue lock.
type Progress int32

const (
	// ProgressInitial is the starting state; dependencies have not been
	// examined yet.
	ProgressInitial Progress = iota
	// ProgressBlocked means the node waits for dependencies to complete; a
	// completing dependency re-enqueues it.
	ProgressBlocked
	// ProgressUnblocked means every dependency completed; the input
	// signature check is next.
	ProgressUnblocked
	// ProgressRunAction means the signature differed and the action must
	// run (or is parked waiting for an expensive slot).
	ProgressRunAction
	// ProgressUpToDate means the signature matched and outputs are intact.
	ProgressUpToDate
	// ProgressSucceeded means the action ran and passed validation.
	ProgressSucceeded
	// ProgressFailed means the action failed or validation rejected it.
	ProgressFailed
	// ProgressCompleted is terminal.
	ProgressCompleted
)

func (p Progress) String() string {
	switch p {
	case ProgressInitial:
		return "initial"
	case ProgressBlocked:
		return "blocked"
	case ProgressUnblocked:
		return "unblocked"
	case ProgressRunAction:
		return "run-action"
	case ProgressUpToDate:
		return "up-to-date"
	case ProgressSucceeded:
		return "succeeded"
	case ProgressFailed:
		return "failed"
	case ProgressCompleted:
		return "completed"
	}
	return "invalid"
}

// NodeState is the mutable per-run state layered over one frozen node.
type NodeState struct {
	// Data is the frozen node description and GraphIndex its position in
	// the frozen graph (used for remap lookups).
	Data       *dag.NodeData
	GraphIndex int
	// Prev is the node's record from the previous build, if any.
	Prev *state.NodeStateData

	Progress       Progress
	BuildResult    int
	InputSignature hash.Digest

	// Signed is set once the input signature was actually computed. Nodes
	// abandoned because a dependency failed complete without signing, and
	// their previous state must be carried forward instead of overwritten.
	Signed bool

	// ImplicitInputs is the deduplicated, sorted scanner result captured
	// while signing, reused when persisting state.
	ImplicitInputs []string

	// PassIndex is cached off Data for pass-order sorting.
	PassIndex int

	queued bool
	active bool
}

// IsQueued reports whether the node sits in the ring buffer or on the
// expensive park list.
func (n *NodeState) IsQueued() bool { return n.queued }

// IsActive reports whether a worker currently owns the node.
func (n *NodeState) IsActive() bool { return n.active }

// IsBlocked reports whether the node is parked waiting on dependencies.
func (n *NodeState) IsBlocked() bool { return n.Progress == ProgressBlocked && !n.active }

// IsCompleted reports whether the node reached the terminal state.
func (n *NodeState) IsCompleted() bool { return n.Progress == ProgressCompleted }
