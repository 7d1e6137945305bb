package queue

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/kiln/internal/cache"
	"github.com/alexisbeaulieu97/kiln/internal/dag"
	"github.com/alexisbeaulieu97/kiln/internal/logger"
	"github.com/alexisbeaulieu97/kiln/internal/scanner"
	"github.com/alexisbeaulieu97/kiln/internal/sign"
	kilnerrors "github.com/alexisbeaulieu97/kiln/pkg/errors"
)

// MaxBuildThreads caps the worker pool.
const MaxBuildThreads = 64

// BuildResult is the outcome of one queue run, mapped directly onto the
// process exit code.
type BuildResult int

const (
	// BuildOk means every selected node completed successfully.
	BuildOk BuildResult = iota
	// BuildInterrupted means the user interrupted the build.
	BuildInterrupted
	// BuildError means at least one node failed.
	BuildError
	// BuildSetupError means the build could not be prepared.
	BuildSetupError
)

func (r BuildResult) String() string {
	switch r {
	case BuildOk:
		return "build success"
	case BuildInterrupted:
		return "build interrupted"
	case BuildError:
		return "build failed"
	case BuildSetupError:
		return "build failed to setup"
	}
	return "unknown"
}

// ActivityProbe reports how long ago human input activity was last seen on
// the machine. A negative duration means no signal is available, which
// disables throttling.
type ActivityProbe func() time.Duration

// Config wires one BuildQueue. All shared collaborators are passed in
// explicitly; the queue holds no ambient state beyond the interrupt flag.
type Config struct {
	ThreadCount       int
	MaxExpensiveCount int

	EchoCommandLines bool
	EchoAnnotations  bool
	ContinueOnError  bool
	DryRun           bool

	ThrottleOnHumanActivity  bool
	ThrottleInactivityPeriod time.Duration
	// ThrottledThreadsAmount is the job cap while throttled; 0 means 60% of
	// the thread count.
	ThrottledThreadsAmount int
	ActivityProbe          ActivityProbe

	Graph *dag.Data
	// NodeStates is the active node set, sorted by pass.
	NodeStates []NodeState
	// NodeRemap maps a graph node index to its NodeStates index, -1 when
	// the node is not selected this build.
	NodeRemap []int

	Stats   *cache.StatCache
	Signer  *sign.Signer
	Scanner *scanner.Adapter

	Out       io.Writer
	Log       *logger.Logger
	Interrupt *InterruptFlag
}

// BuildQueue drives the selected node set through the progress state
// machine on a pool of workers. One mutex guards the ring buffer, all node
// state and the counters; workers drop it around anything slow.
type BuildQueue struct {
	cfg Config

	lock           sync.Mutex
	workAvailable  *sync.Cond
	maxJobsChanged *sync.Cond

	// buildFinished wakes the main loop; it idles with a short timeout so
	// throttling is re-evaluated even when no one signals.
	buildFinished chan struct{}

	ring     []int32
	mask     uint32
	readIdx  uint32
	writeIdx uint32

	pending     int
	failed      int
	processed   int
	currentPass int

	expensiveRunning int
	expensiveWait    []*NodeState

	sharedCreated []uint32
	sharedLock    sync.Mutex

	mainWantsCleanup bool
	dynamicMaxJobs   int
	throttled        bool

	printer *Printer
	wg      sync.WaitGroup
}

func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}

// NewBuildQueue validates the config and starts the worker pool. The queue
// must be torn down with Destroy exactly once.
func NewBuildQueue(cfg Config) (*BuildQueue, error) {
	if cfg.ThreadCount < 1 {
		return nil, kilnerrors.NewSetupError("thread count must be positive", nil)
	}
	if cfg.ThreadCount > MaxBuildThreads {
		cfg.Log.Warn(fmt.Sprintf("too many build threads (%d) - clamping to %d", cfg.ThreadCount, MaxBuildThreads))
		cfg.ThreadCount = MaxBuildThreads
	}
	if cfg.MaxExpensiveCount < 1 || cfg.MaxExpensiveCount > cfg.ThreadCount {
		return nil, kilnerrors.NewSetupError(
			fmt.Sprintf("max expensive count %d out of range [1, %d]", cfg.MaxExpensiveCount, cfg.ThreadCount), nil)
	}
	if cfg.Interrupt == nil {
		cfg.Interrupt = NewInterruptFlag()
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}

	capacity := nextPowerOfTwo(uint32(len(cfg.NodeStates)) + 1)

	q := &BuildQueue{
		cfg:            cfg,
		buildFinished:  make(chan struct{}, 1),
		ring:           make([]int32, capacity),
		mask:           capacity - 1,
		sharedCreated:  make([]uint32, len(cfg.Graph.SharedResources)),
		dynamicMaxJobs: cfg.ThreadCount,
		printer:        NewPrinter(cfg.Out, len(cfg.NodeStates), cfg.EchoCommandLines, cfg.EchoAnnotations, !cfg.ContinueOnError),
	}
	q.workAvailable = sync.NewCond(&q.lock)
	q.maxJobsChanged = sync.NewCond(&q.lock)

	cfg.Log.Debug(fmt.Sprintf("build queue initialized; ring buffer capacity = %d", capacity))

	for i := 0; i < cfg.ThreadCount; i++ {
		q.wg.Add(1)
		go func(threadIndex int) {
			defer q.wg.Done()
			q.buildLoop(threadIndex)
		}(i)
	}

	return q, nil
}

// availableNodeCount must be called with the lock held.
func (q *BuildQueue) availableNodeCount() int {
	return int((q.writeIdx - q.readIdx) & q.mask)
}

// enqueue must be called with the lock held; the node's dependencies must
// all be completed.
func (q *BuildQueue) enqueue(node *NodeState) {
	idx := int32(q.stateIndex(node))
	q.ring[q.writeIdx] = idx
	q.writeIdx = (q.writeIdx + 1) & q.mask
	node.queued = true
}

func (q *BuildQueue) stateIndex(node *NodeState) int {
	return q.cfg.NodeRemap[node.GraphIndex]
}

// stateForGraphNode resolves a graph node index to its run state, or nil
// when the node is outside the active set.
func (q *BuildQueue) stateForGraphNode(graphIndex int) *NodeState {
	stateIndex := q.cfg.NodeRemap[graphIndex]
	if stateIndex < 0 {
		return nil
	}
	return &q.cfg.NodeStates[stateIndex]
}

// nextNode pops one ready node, marking it active. Lock held.
func (q *BuildQueue) nextNode() *NodeState {
	if q.availableNodeCount() == 0 {
		return nil
	}
	idx := q.ring[q.readIdx]
	q.readIdx = (q.readIdx + 1) & q.mask

	node := &q.cfg.NodeStates[idx]
	node.queued = false
	node.active = true
	return node
}

// shouldKeepBuilding is the worker-side stop policy. Lock held.
func (q *BuildQueue) shouldKeepBuilding() bool {
	if q.mainWantsCleanup {
		return false
	}
	// Without continue-on-error a single failure must also stop workers
	// directly, or they would keep advancing nodes whose dependencies
	// already failed before the main thread gets to tear things down.
	if q.failed > 0 && !q.cfg.ContinueOnError {
		return false
	}
	return true
}

func (q *BuildQueue) buildLoop(threadIndex int) {
	q.lock.Lock()
	for q.shouldKeepBuilding() {
		if threadIndex >= q.dynamicMaxJobs {
			// Throttled: hibernate until the job cap changes.
			q.maxJobsChanged.Wait()
			continue
		}
		if node := q.nextNode(); node != nil {
			q.advanceNode(node, threadIndex)
			continue
		}
		q.workAvailable.Wait()
	}
	q.lock.Unlock()

	q.cfg.Log.Debug(fmt.Sprintf("build thread %d exiting", threadIndex))
}

// signalMainThread asks the main loop to start cleaning up. There are
// three senders: the last node to complete, the first node to fail, and
// the interrupt path (which closes its own channel instead).
func (q *BuildQueue) signalMainThread() {
	select {
	case q.buildFinished <- struct{}{}:
	default:
	}
}

func (q *BuildQueue) wakeAllWorkers() {
	q.workAvailable.Broadcast()
	q.maxJobsChanged.Broadcast()
}

// BuildNodeRange runs the state slice [start, start+count) as one pass and
// blocks until the pass finishes, fails or is interrupted.
func (q *BuildQueue) BuildNodeRange(start, count, passIndex int) BuildResult {
	q.lock.Lock()

	q.currentPass = passIndex
	for i := 0; i < count; i++ {
		node := &q.cfg.NodeStates[start+i]
		node.queued = true
		q.ring[i] = int32(start + i)
	}
	q.pending = count
	q.failed = 0
	q.writeIdx = uint32(count)
	q.readIdx = 0

	// Drop any finish signal left over from a previous pass.
	select {
	case <-q.buildFinished:
	default:
	}

	q.workAvailable.Broadcast()
	q.lock.Unlock()

	abort := q.cfg.Interrupt.AbortChannel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	running := true
	for running {
		select {
		case <-q.buildFinished:
			running = false
		case <-abort:
			running = false
		case <-ticker.C:
			q.processThrottling()
		}
	}

	if q.cfg.Interrupt.Reason() != "" {
		return BuildInterrupted
	}

	q.lock.Lock()
	failed := q.failed
	q.lock.Unlock()
	if failed > 0 {
		return BuildError
	}
	return BuildOk
}

// Destroy stops the workers, runs shared-resource destroy actions, and
// flushes deferred failure output. Must be called exactly once, after the
// last BuildNodeRange.
func (q *BuildQueue) Destroy() {
	q.cfg.Log.Debug("destroying build queue")

	q.lock.Lock()
	q.mainWantsCleanup = true
	q.wakeAllWorkers()
	q.lock.Unlock()

	q.wg.Wait()

	for i := range q.sharedCreated {
		if q.sharedCreated[i] > 0 {
			q.destroySharedResource(i)
		}
	}

	q.lock.Lock()
	q.printer.Flush()
	q.lock.Unlock()
}

// ProcessedCount reports how many nodes reached a verdict (ran, failed or
// up to date).
func (q *BuildQueue) ProcessedCount() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.processed
}

// FailedCount reports how many nodes failed in the last pass.
func (q *BuildQueue) FailedCount() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.failed
}

func (q *BuildQueue) setNewDynamicMaxJobs(maxJobs int, annotation string) {
	q.lock.Lock()
	q.dynamicMaxJobs = maxJobs
	q.maxJobsChanged.Broadcast()
	q.printer.PrintNonNodeActionResult(0, statusWarning, annotation, nil)
	q.lock.Unlock()
}

// processThrottling lowers the effective job count while a human is using
// the machine and restores it after a quiet period.
func (q *BuildQueue) processThrottling() {
	if !q.cfg.ThrottleOnHumanActivity || q.cfg.ActivityProbe == nil {
		return
	}

	idle := q.cfg.ActivityProbe()
	if idle < 0 {
		// No activity signal on this platform.
		return
	}

	inactivity := q.cfg.ThrottleInactivityPeriod

	if !q.throttled {
		if idle >= inactivity {
			return
		}
		// Skip the first second so a user reaching for ctrl-c doesn't see a
		// throttling notice right before the build dies.
		if idle < time.Second {
			return
		}

		maxJobs := q.cfg.ThrottledThreadsAmount
		if maxJobs == 0 {
			maxJobs = q.cfg.ThreadCount * 6 / 10
			if maxJobs < 1 {
				maxJobs = 1
			}
		}
		q.setNewDynamicMaxJobs(maxJobs, fmt.Sprintf("Human activity detected, throttling to %d simultaneous jobs to leave system responsive", maxJobs))
		q.throttled = true
		return
	}

	if idle < inactivity {
		return
	}

	maxJobs := q.cfg.ThreadCount
	q.setNewDynamicMaxJobs(maxJobs, fmt.Sprintf("No human activity detected on this machine for %ds, unthrottling back up to %d simultaneous jobs", int(inactivity.Seconds()), maxJobs))
	q.throttled = false
}
