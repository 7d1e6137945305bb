package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexisbeaulieu97/kiln/internal/dag"
	"github.com/alexisbeaulieu97/kiln/internal/execext"
	"github.com/alexisbeaulieu97/kiln/internal/hash"
	"github.com/alexisbeaulieu97/kiln/internal/outputval"
)

// allDependenciesReady must be called with the lock held.
func (q *BuildQueue) allDependenciesReady(node *NodeState) bool {
	for _, depIndex := range node.Data.Dependencies {
		dep := q.stateForGraphNode(depIndex)
		if dep == nil || !dep.IsCompleted() {
			return false
		}
	}
	return true
}

// anyDependencyFailed must be called with the lock held.
func (q *BuildQueue) anyDependencyFailed(node *NodeState) bool {
	for _, depIndex := range node.Data.Dependencies {
		dep := q.stateForGraphNode(depIndex)
		if dep != nil && dep.IsCompleted() && dep.BuildResult != 0 {
			return true
		}
	}
	return false
}

func (q *BuildQueue) wakeWaiters(count int) {
	if count > 1 {
		q.workAvailable.Broadcast()
	} else if count == 1 {
		q.workAvailable.Signal()
	}
}

// setupDependencies examines the node's dependencies, enqueueing any that
// have not started yet. Returns ProgressBlocked when waits remain. Lock
// held.
func (q *BuildQueue) setupDependencies(node *NodeState) Progress {
	depWaitsNeeded := 0
	enqueueCount := 0

	for _, depIndex := range node.Data.Dependencies {
		dep := q.stateForGraphNode(depIndex)
		if dep == nil || dep.IsCompleted() {
			continue
		}

		depWaitsNeeded++

		if !dep.IsQueued() && !dep.IsActive() && !dep.IsBlocked() {
			q.enqueue(dep)
			enqueueCount++
		}
	}

	q.wakeWaiters(enqueueCount)

	if depWaitsNeeded > 0 {
		return ProgressBlocked
	}
	return ProgressUnblocked
}

func (q *BuildQueue) parkExpensiveNode(node *NodeState) {
	node.queued = true
	node.active = false
	q.expensiveWait = append(q.expensiveWait, node)
}

func (q *BuildQueue) unparkExpensiveNode() {
	n := len(q.expensiveWait)
	if n == 0 {
		return
	}
	node := q.expensiveWait[n-1]
	q.expensiveWait = q.expensiveWait[:n-1]
	node.queued = false
	q.enqueue(node)
	q.workAvailable.Signal()
}

// unblockWaiters re-enqueues back-linked nodes whose dependencies are now
// all completed. Waiters doomed by a failed dependency are completed
// without running so the pass can still drain. Lock held.
func (q *BuildQueue) unblockWaiters(node *NodeState) {
	enqueueCount := 0

	for _, link := range node.Data.BackLinks {
		waiter := q.stateForGraphNode(link)
		if waiter == nil {
			continue
		}
		// Only wake nodes in our current pass.
		if waiter.PassIndex != q.currentPass {
			continue
		}
		if !q.allDependenciesReady(waiter) {
			continue
		}
		// Did someone else get to the node first?
		if waiter.IsQueued() || waiter.IsActive() || waiter.IsCompleted() {
			continue
		}

		if q.anyDependencyFailed(waiter) {
			q.abandonNode(waiter)
			continue
		}

		q.enqueue(waiter)
		enqueueCount++
	}

	q.wakeWaiters(enqueueCount)
}

// abandonNode completes a node that can never run because a dependency
// failed. It never signed, so state saving carries its previous record
// forward. Lock held.
func (q *BuildQueue) abandonNode(node *NodeState) {
	node.BuildResult = 1
	node.Progress = ProgressCompleted
	q.pending--

	q.unblockWaiters(node)

	if q.pending == 0 {
		q.signalMainThread()
	}
}

// advanceNode walks one node through the progress machine until it parks,
// blocks or completes. Entered and left with the lock held; the heavy
// states drop it internally.
func (q *BuildQueue) advanceNode(node *NodeState, threadIndex int) {
	for {
		switch node.Progress {
		case ProgressInitial:
			node.Progress = q.setupDependencies(node)
			if node.Progress == ProgressBlocked {
				// Wait for dependencies; a completing dependency will
				// re-enqueue us.
				node.active = false
				return
			}

		case ProgressBlocked:
			node.Progress = ProgressUnblocked

		case ProgressUnblocked:
			if q.anyDependencyFailed(node) {
				node.active = false
				q.abandonNode(node)
				return
			}
			node.Progress = q.checkInputSignature(node, threadIndex)

		case ProgressRunAction:
			node.Progress = q.runAction(node, threadIndex)

			// Still RunAction means we were parked as an expensive node;
			// a finishing expensive job will re-enqueue us.
			if node.Progress == ProgressRunAction {
				return
			}

			// Mirror the admission conditions exactly: empty-action nodes
			// short-circuit before ever taking an expensive slot.
			ranRealAction := node.Data.Action != "" || node.Data.Flags.Has(dag.FlagWriteTextFile)
			if node.Data.Flags.Has(dag.FlagExpensive) && !q.cfg.DryRun && ranRealAction {
				q.expensiveRunning--
				q.unparkExpensiveNode()
			}

		case ProgressUpToDate, ProgressSucceeded:
			node.BuildResult = 0
			node.Progress = ProgressCompleted

		case ProgressFailed:
			q.failed++
			node.BuildResult = 1
			node.Progress = ProgressCompleted
			if !q.cfg.ContinueOnError {
				q.signalMainThread()
			}

		case ProgressCompleted:
			node.active = false
			q.pending--

			q.unblockWaiters(node)

			if q.pending == 0 {
				q.signalMainThread()
			}
			return

		default:
			panic(fmt.Sprintf("invalid node state progress %d", node.Progress))
		}
	}
}

// checkInputSignature computes the node's input signature and compares it
// with the previous build. Drops the lock around the filesystem work.
func (q *BuildQueue) checkInputSignature(node *NodeState, threadIndex int) Progress {
	q.lock.Unlock()

	data := node.Data
	forceTimestamp := data.Flags.Has(dag.FlagBanContentDigestForInputs)

	h := hash.New()

	// Start with the command line. If that changes we definitely rebuild.
	h.AddString(data.Action)
	h.AddSeparator()

	if data.PreAction != "" {
		h.AddString(data.PreAction)
		h.AddSeparator()
	}

	var scannerCfg *dag.ScannerData
	if data.ScannerIndex >= 0 {
		scannerCfg = &q.cfg.Graph.Scanners[data.ScannerIndex]
	}

	// Implicit dependencies are collected across all inputs: several inputs
	// can pull in the same header, and the signature must fold each file
	// exactly once, in a stable order.
	var implicitSet map[string]struct{}
	if scannerCfg != nil {
		implicitSet = make(map[string]struct{})
	}

	for _, input := range data.Inputs {
		h.AddPath(input)
		q.cfg.Signer.SignFile(h, input, forceTimestamp)

		if scannerCfg != nil {
			includes, err := q.cfg.Scanner.Scan(scannerCfg, input)
			if err != nil {
				q.cfg.Log.Warn(fmt.Sprintf("scanner failed on %s: %v", input, err))
				continue
			}
			for _, inc := range includes {
				implicitSet[inc] = struct{}{}
			}
		}
	}

	if scannerCfg != nil {
		implicit := make([]string, 0, len(implicitSet))
		for path := range implicitSet {
			implicit = append(implicit, path)
		}
		sort.Strings(implicit)

		for _, path := range implicit {
			h.AddPath(path)
			q.cfg.Signer.SignFile(h, path, forceTimestamp)
		}
		node.ImplicitInputs = implicit
	}

	for _, allowed := range data.AllowedOutputSubstrings {
		h.AddString(allowed)
	}

	h.AddInt64(boolBit(data.Flags.Has(dag.FlagAllowUnexpectedOutput)))
	h.AddInt64(boolBit(data.Flags.Has(dag.FlagAllowUnwrittenOutputFiles)))

	node.InputSignature = h.Finalize()
	node.Signed = true

	nodeLog := q.cfg.Log.ForNode(data.Annotation, threadIndex)

	next := ProgressRunAction
	prev := node.Prev
	switch {
	case prev == nil:
		nodeLog.Debug("building - new node")
	case prev.InputSignature != node.InputSignature:
		nodeLog.WithFields(map[string]any{
			"was": prev.InputSignature.String(),
			"now": node.InputSignature.String(),
		}).Debug("building - input signature changed")
	case prev.BuildResult != 0:
		nodeLog.Debug("building - previous build failed")
	case outputFilesDiffer(data, prev.Outputs):
		nodeLog.Debug("building - output files have changed")
	case q.outputFilesMissing(data):
		nodeLog.Debug("building - output files are missing")
	default:
		nodeLog.Debug("up to date")
		next = ProgressUpToDate
	}

	q.lock.Lock()
	if next == ProgressUpToDate {
		q.processed++
	}
	return next
}

func boolBit(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func outputFilesDiffer(data *dag.NodeData, prevOutputs []string) bool {
	if len(data.Outputs) != len(prevOutputs) {
		return true
	}
	for i, out := range data.Outputs {
		if out != prevOutputs[i] {
			return true
		}
	}
	return false
}

func (q *BuildQueue) outputFilesMissing(data *dag.NodeData) bool {
	for _, out := range data.Outputs {
		if !q.cfg.Stats.Stat(out).Exists {
			return true
		}
	}
	return false
}

func (q *BuildQueue) makeDirsForFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	q.cfg.Stats.MarkDirty(dir)
	return nil
}

// runAction executes the node's action. Entered with the lock held; the
// lock is dropped for the duration of all process and filesystem work and
// re-acquired before the verdict. Returning ProgressRunAction means the
// node was parked on the expensive wait list.
func (q *BuildQueue) runAction(node *NodeState, threadIndex int) Progress {
	data := node.Data
	isWriteFileAction := data.Flags.Has(dag.FlagWriteTextFile)

	if !isWriteFileAction && data.Action == "" {
		// An empty action with no payload completes instantly without
		// producing outputs; graph generators use these as join points.
		q.processed++
		return ProgressSucceeded
	}

	if data.Flags.Has(dag.FlagExpensive) && !q.cfg.DryRun {
		if q.expensiveRunning == q.cfg.MaxExpensiveCount {
			q.parkExpensiveNode(node)
			return ProgressRunAction
		}
		q.expensiveRunning++
	}

	q.lock.Unlock()

	for _, resIndex := range data.SharedResources {
		if !q.acquireSharedResource(resIndex) {
			q.cfg.Log.Error(nil, fmt.Sprintf("failed to create shared resource %s", q.cfg.Graph.SharedResources[resIndex].Annotation))
			q.lock.Lock()
			return ProgressFailed
		}
	}

	if !q.cfg.DryRun {
		for _, out := range data.Outputs {
			if err := q.makeDirsForFile(out); err != nil {
				q.cfg.Log.Error(err, fmt.Sprintf("failed to create output directories for %s", out))
				q.lock.Lock()
				return ProgressFailed
			}
		}
		for _, out := range data.AuxOutputs {
			if err := q.makeDirsForFile(out); err != nil {
				q.cfg.Log.Error(err, fmt.Sprintf("failed to create output directories for %s", out))
				q.lock.Lock()
				return ProgressFailed
			}
		}

		if !data.Flags.Has(dag.FlagOverwriteOutputs) {
			for _, out := range data.Outputs {
				q.cfg.Log.Debug(fmt.Sprintf("removing output file %s before running action", out))
				os.Remove(out)
				q.cfg.Stats.MarkDirty(out)
			}
		}
	}

	timeOfStart := time.Now()
	onSlow := func() time.Duration {
		q.lock.Lock()
		next := q.printer.PrintInProgress(data, timeOfStart)
		q.lock.Unlock()
		return next
	}

	var result execext.Result
	lastCmdLine := ""

	if data.PreAction != "" && !q.cfg.DryRun {
		q.cfg.Log.Debug("launching pre-action process")
		lastCmdLine = data.PreAction
		result = execext.Run(data.PreAction, execext.Options{
			Env:              data.Env,
			InitialSlowDelay: time.Second,
			OnSlow:           onSlow,
			Abort:            q.cfg.Interrupt.AbortChannel(),
		})
	}

	validation := outputval.Pass
	var untouchedOutputs []string

	if result.ReturnCode == 0 && !q.cfg.DryRun {
		allowUnwritten := data.Flags.Has(dag.FlagAllowUnwrittenOutputFiles)

		var preTimestamps []int64
		if !allowUnwritten {
			preTimestamps = make([]int64, len(data.Outputs))
			for i, out := range data.Outputs {
				preTimestamps[i] = rawTimestamp(out)
			}
		}

		if isWriteFileAction {
			result = execext.WriteTextFile(data.Action, data.Outputs[0])
		} else {
			lastCmdLine = data.Action
			result = execext.Run(data.Action, execext.Options{
				Env:    data.Env,
				OnSlow: onSlow,
				Abort:  q.cfg.Interrupt.AbortChannel(),
			})
			validation = outputval.ValidateOutput(result.Output, data)
		}

		if !validation.Fails() && !allowUnwritten {
			for i, out := range data.Outputs {
				if preTimestamps[i] == rawTimestamp(out) {
					untouchedOutputs = append(untouchedOutputs, out)
					validation = outputval.UnwrittenOutputFileFail
				}
			}
		}

		q.cfg.Log.Debug(fmt.Sprintf("T=%d: process return code %d", threadIndex, result.ReturnCode))
	}

	for _, out := range data.Outputs {
		q.cfg.Stats.MarkDirty(out)
	}

	q.lock.Lock()

	q.processed++
	q.printer.PrintResult(&result, data, lastCmdLine, q.processed, time.Since(timeOfStart), validation, untouchedOutputs)

	if result.WasAborted {
		q.cfg.Interrupt.Set("child process was aborted")
	}

	if result.ReturnCode == 0 && !validation.Fails() {
		return ProgressSucceeded
	}

	// Clean up output files after a failed build unless they are precious,
	// or unless the failure was from failing to write one of them.
	unwrittenOnly := result.ReturnCode == 0 && validation == outputval.UnwrittenOutputFileFail
	if !data.Flags.Has(dag.FlagPreciousOutputs) && !unwrittenOnly {
		for _, out := range data.Outputs {
			q.cfg.Log.Debug(fmt.Sprintf("removing output file %s from failed build", out))
			os.Remove(out)
			q.cfg.Stats.MarkDirty(out)
		}
	}

	return ProgressFailed
}

// rawTimestamp stats the file directly, bypassing the stat cache; used for
// before/after comparison around one action.
func rawTimestamp(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.ModTime().UnixNano()
}
