package driver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexisbeaulieu97/kiln/internal/cache"
	"github.com/alexisbeaulieu97/kiln/internal/dag"
	"github.com/alexisbeaulieu97/kiln/internal/hash"
	"github.com/alexisbeaulieu97/kiln/internal/logger"
	"github.com/alexisbeaulieu97/kiln/internal/queue"
	"github.com/alexisbeaulieu97/kiln/internal/scanner"
	"github.com/alexisbeaulieu97/kiln/internal/sign"
	"github.com/alexisbeaulieu97/kiln/internal/state"
	kilnerrors "github.com/alexisbeaulieu97/kiln/pkg/errors"
)

// Options configures one driver run.
type Options struct {
	GraphPath string
	Targets   []string

	ThreadCount       int
	MaxExpensiveCount int

	EchoCommandLines bool
	EchoAnnotations  bool
	ContinueOnError  bool
	DryRun           bool

	ThrottleOnHumanActivity  bool
	ThrottleInactivityPeriod time.Duration
	ThrottledThreadsAmount   int

	Out       io.Writer
	Log       *logger.Logger
	Interrupt *queue.InterruptFlag
}

// Driver composes the build core: it loads the frozen graph and previous
// state, computes the active node set, runs the queue pass by pass, and
// persists state and caches afterwards.
type Driver struct {
	opts  Options
	graph *dag.Data
	prev  *state.Data

	stats   *cache.StatCache
	digests *cache.DigestCache
	scans   *cache.ScanCache
	signer  *sign.Signer
	adapter *scanner.Adapter

	states     []queue.NodeState
	remap      []int
	passCounts []int

	statePath       string
	scanCachePath   string
	digestCachePath string
}

// New loads the graph and all persisted artifacts. Cache files load
// best-effort; a corrupt cache costs a cold start, never a failed build.
func New(opts Options) (*Driver, error) {
	graph, err := dag.Load(opts.GraphPath)
	if err != nil {
		return nil, err
	}

	if opts.ThreadCount < 1 {
		opts.ThreadCount = 1
	}
	if opts.Interrupt == nil {
		opts.Interrupt = queue.NewInterruptFlag()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	d := &Driver{
		opts:    opts,
		graph:   graph,
		stats:   cache.NewStatCache(),
		digests: cache.NewDigestCache(),
		scans:   cache.NewScanCache(),
	}
	d.signer = sign.NewSigner(d.stats, d.digests, graph.ContentDigestExtensions)
	d.adapter = scanner.NewAdapter(d.stats, d.scans)

	baseDir := filepath.Dir(opts.GraphPath)
	d.statePath = resolvePath(baseDir, graph.StateFileName)
	d.scanCachePath = resolvePath(baseDir, graph.ScanCacheFileName)
	d.digestCachePath = resolvePath(baseDir, graph.DigestCacheFileName)

	d.prev, _ = state.Load(d.statePath)

	if err := d.scans.Load(d.scanCachePath); err != nil {
		opts.Log.Warn(fmt.Sprintf("ignoring scan cache: %v", err))
	}
	if err := d.digests.Load(d.digestCachePath); err != nil {
		opts.Log.Warn(fmt.Sprintf("ignoring digest cache: %v", err))
	}

	return d, nil
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Graph exposes the loaded graph.
func (d *Driver) Graph() *dag.Data {
	return d.graph
}

// selectNodes maps the requested target names onto graph node indices. An
// unknown name is fatal; with no targets the graph defaults apply, and a
// graph with no defaults builds everything.
func (d *Driver) selectNodes() ([]int, error) {
	if len(d.opts.Targets) > 0 {
		var indices []int
		for _, name := range d.opts.Targets {
			idx, ok := d.graph.NamedTargets[name]
			if !ok {
				return nil, kilnerrors.NewSetupError(
					fmt.Sprintf("unable to map %s to any named node", name), nil)
			}
			indices = append(indices, idx)
		}
		return indices, nil
	}

	if len(d.graph.DefaultTargets) > 0 {
		return append([]int(nil), d.graph.DefaultTargets...), nil
	}

	all := make([]int, len(d.graph.Nodes))
	for i := range all {
		all[i] = i
	}
	return all, nil
}

// PrepareNodes computes the active set: the transitive dependency closure
// of the selected targets, sorted stably by pass, with the graph-to-state
// remap table and previous-state attachments.
func (d *Driver) PrepareNodes() error {
	roots, err := d.selectNodes()
	if err != nil {
		return err
	}

	visited := make([]bool, len(d.graph.Nodes))
	stack := append([]int(nil), roots...)
	var active []int

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[idx] {
			continue
		}
		visited[idx] = true
		active = append(active, idx)
		stack = append(stack, d.graph.Nodes[idx].Dependencies...)
	}

	// Stable pass sort keeps GUID order within one pass, which makes state
	// saving deterministic.
	sort.SliceStable(active, func(a, b int) bool {
		if d.graph.Nodes[active[a]].PassIndex != d.graph.Nodes[active[b]].PassIndex {
			return d.graph.Nodes[active[a]].PassIndex < d.graph.Nodes[active[b]].PassIndex
		}
		return active[a] < active[b]
	})

	d.states = make([]queue.NodeState, len(active))
	d.remap = make([]int, len(d.graph.Nodes))
	for i := range d.remap {
		d.remap[i] = -1
	}
	d.passCounts = make([]int, len(d.graph.Passes))

	for stateIndex, graphIndex := range active {
		node := &d.graph.Nodes[graphIndex]
		d.states[stateIndex] = queue.NodeState{
			Data:       node,
			GraphIndex: graphIndex,
			PassIndex:  node.PassIndex,
			Prev:       d.prev.Find(d.graph.GUIDs[graphIndex]),
		}
		d.remap[graphIndex] = stateIndex
		d.passCounts[node.PassIndex]++
	}

	d.opts.Log.Debug(fmt.Sprintf("node selection finished with %d nodes to build", len(active)))
	return nil
}

// NodeStates exposes the active set (for state saving and tests).
func (d *Driver) NodeStates() []queue.NodeState {
	return d.states
}

func (d *Driver) maxExpensiveCount() int {
	max := d.opts.MaxExpensiveCount
	if max == 0 {
		max = d.graph.MaxExpensiveCount
	}
	if max < 0 {
		max = d.opts.ThreadCount
	}
	if max > d.opts.ThreadCount {
		max = d.opts.ThreadCount
	}
	if max < 1 {
		max = 1
	}
	return max
}

// Build runs every pass through one build queue and returns the combined
// result. PrepareNodes must have run first.
func (d *Driver) Build() queue.BuildResult {
	cfg := queue.Config{
		ThreadCount:              d.opts.ThreadCount,
		MaxExpensiveCount:        d.maxExpensiveCount(),
		EchoCommandLines:         d.opts.EchoCommandLines,
		EchoAnnotations:          d.opts.EchoAnnotations,
		ContinueOnError:          d.opts.ContinueOnError,
		DryRun:                   d.opts.DryRun,
		ThrottleOnHumanActivity:  d.opts.ThrottleOnHumanActivity,
		ThrottleInactivityPeriod: d.opts.ThrottleInactivityPeriod,
		ThrottledThreadsAmount:   d.opts.ThrottledThreadsAmount,
		ActivityProbe:            timeSinceLastHumanActivity,
		Graph:                    d.graph,
		NodeStates:               d.states,
		NodeRemap:                d.remap,
		Stats:                    d.stats,
		Signer:                   d.signer,
		Scanner:                  d.adapter,
		Out:                      d.opts.Out,
		Log:                      d.opts.Log,
		Interrupt:                d.opts.Interrupt,
	}

	q, err := queue.NewBuildQueue(cfg)
	if err != nil {
		d.opts.Log.Error(err, "couldn't set up build queue")
		return queue.BuildSetupError
	}
	defer q.Destroy()

	result := queue.BuildOk
	start := 0
	for pass := 0; pass < len(d.passCounts); pass++ {
		count := d.passCounts[pass]
		if count == 0 {
			continue
		}
		result = q.BuildNodeRange(start, count, pass)
		if result != queue.BuildOk {
			break
		}
		start += count
	}

	return result
}

// SaveState merges the run's results with the previous state and persists
// the file atomically.
func (d *Driver) SaveState() error {
	merged := d.mergeState()
	if err := state.Save(merged, d.statePath, d.statePath+".tmp"); err != nil {
		return kilnerrors.NewParseError(d.statePath, err)
	}
	return nil
}

// SaveCaches persists the scan and digest caches; failures are logged and
// swallowed since the old files stay intact.
func (d *Driver) SaveCaches() {
	if err := d.scans.Save(d.scanCachePath, d.scanCachePath+".tmp"); err != nil {
		d.opts.Log.Warn(fmt.Sprintf("couldn't save scan cache: %v", err))
	}
	if err := d.digests.Save(d.digestCachePath, d.digestCachePath+".tmp"); err != nil {
		d.opts.Log.Warn(fmt.Sprintf("couldn't save digest cache: %v", err))
	}
}

// mergeState builds the new state contents. For each node in the active
// set the new record wins if the node got far enough to sign; otherwise
// the previous record is carried forward. Records for nodes only present
// in the old state survive unless they belonged exclusively to this graph
// and the graph no longer contains them.
func (d *Driver) mergeState() *state.Data {
	out := &state.Data{}
	dagID := d.graph.HashedIdentifier

	type newEntry struct {
		guid  hash.Digest
		state *queue.NodeState
	}
	newEntries := make([]newEntry, len(d.states))
	for i := range d.states {
		newEntries[i] = newEntry{d.graph.GUIDs[d.states[i].GraphIndex], &d.states[i]}
	}
	sort.Slice(newEntries, func(a, b int) bool {
		return newEntries[a].guid.Compare(newEntries[b].guid) < 0
	})

	emitNew := func(e newEntry) {
		ns := e.state
		if !ns.Signed {
			// Never computed a signature (error or cancellation); retain
			// the previous record to preserve history.
			if prev := d.prev.Find(e.guid); prev != nil {
				out.GUIDs = append(out.GUIDs, e.guid)
				out.Nodes = append(out.Nodes, *prev)
			}
			return
		}

		rec := state.NodeStateData{
			BuildResult:    ns.BuildResult,
			InputSignature: ns.InputSignature,
			Outputs:        ns.Data.Outputs,
			AuxOutputs:     ns.Data.AuxOutputs,
			Action:         ns.Data.Action,
			PreAction:      ns.Data.PreAction,
			Inputs:         d.inputRecords(ns.Data.Inputs),
			ImplicitInputs: d.inputRecords(ns.ImplicitInputs),
		}
		if prev := ns.Prev; prev != nil {
			rec.DagsSeen = prev.WithDag(dagID)
		} else {
			rec.DagsSeen = []uint32{dagID}
		}

		out.GUIDs = append(out.GUIDs, e.guid)
		out.Nodes = append(out.Nodes, rec)
	}

	emitOld := func(guid hash.Digest, rec *state.NodeStateData) {
		// Drop entries that belong exclusively to this graph but are no
		// longer part of it; their outputs get garbage collected.
		inGraph := d.graph.FindNode(guid) >= 0
		if inGraph || !rec.SeenByDag(dagID) {
			out.GUIDs = append(out.GUIDs, guid)
			out.Nodes = append(out.Nodes, *rec)
		}
	}

	// Walk both sorted sequences; new entries win ties.
	oldCount := d.prev.Len()
	ni, oi := 0, 0
	for ni < len(newEntries) || oi < oldCount {
		switch {
		case ni == len(newEntries):
			emitOld(d.prev.GUIDs[oi], &d.prev.Nodes[oi])
			oi++
		case oi == oldCount:
			emitNew(newEntries[ni])
			ni++
		default:
			cmp := newEntries[ni].guid.Compare(d.prev.GUIDs[oi])
			if cmp < 0 {
				emitNew(newEntries[ni])
				ni++
			} else if cmp > 0 {
				emitOld(d.prev.GUIDs[oi], &d.prev.Nodes[oi])
				oi++
			} else {
				emitNew(newEntries[ni])
				ni++
				oi++
			}
		}
	}

	return out
}

func (d *Driver) inputRecords(paths []string) []state.InputFileRecord {
	if len(paths) == 0 {
		return nil
	}
	records := make([]state.InputFileRecord, len(paths))
	for i, path := range paths {
		var ts int64
		if info := d.stats.Stat(path); info.Exists {
			ts = info.Timestamp
		}
		records[i] = state.InputFileRecord{Timestamp: ts, Path: path}
	}
	return records
}
