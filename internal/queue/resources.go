package queue

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alexisbeaulieu97/kiln/internal/dag"
	"github.com/alexisbeaulieu97/kiln/internal/execext"
)

// executeSharedResourceAction runs a resource lifecycle action through the
// executor and reports it like any other non-node work.
func (q *BuildQueue) executeSharedResourceAction(res *dag.SharedResourceData, action, verb string) bool {
	annotation := fmt.Sprintf("%s %s", verb, res.Annotation)

	started := time.Now()
	result := execext.Run(action, execext.Options{
		Env:   res.Env,
		Abort: q.cfg.Interrupt.AbortChannel(),
	})

	level := statusSuccess
	if result.ReturnCode != 0 {
		level = statusFailure
	}

	q.lock.Lock()
	q.printer.PrintNonNodeActionResult(time.Since(started), level, annotation, &result)
	q.lock.Unlock()

	return result.ReturnCode == 0
}

// acquireSharedResource lazily creates the resource on first use. The
// created counter doubles as the "exists for this build" bit: once set,
// later acquires are free. Called without the queue lock.
func (q *BuildQueue) acquireSharedResource(index int) bool {
	counter := &q.sharedCreated[index]

	if atomic.LoadUint32(counter) != 0 {
		return true
	}

	q.sharedLock.Lock()
	defer q.sharedLock.Unlock()

	// Another thread may have created the resource while we waited.
	if atomic.LoadUint32(counter) != 0 {
		return true
	}

	res := &q.cfg.Graph.SharedResources[index]
	ok := true
	if res.CreateAction != "" {
		ok = q.executeSharedResourceAction(res, res.CreateAction, "Creating")
	}
	atomic.AddUint32(counter, 1)
	return ok
}

// destroySharedResource runs the destroy action. Only called from teardown
// on the main thread, once per created resource.
func (q *BuildQueue) destroySharedResource(index int) {
	res := &q.cfg.Graph.SharedResources[index]
	if res.DestroyAction != "" {
		q.executeSharedResourceAction(res, res.DestroyAction, "Destroying")
	}
	q.sharedCreated[index] = 0
}
