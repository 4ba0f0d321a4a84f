package executor

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/stepresult"
)

type eventKind int

const (
	eventDispatch eventKind = iota
	eventResume
	eventAsyncComplete
	eventCancel
)

// event is one unit of work queued for an instance: the initial dispatch,
// an external resume call, an async handler's completion, or a cancel
// request. Every instance's events are drained strictly in order by a
// single goroutine at a time (spec §4.7: "per-instance single-threaded
// execution"), even though that goroutine is borrowed from a pool shared
// across all instances.
type event struct {
	kind eventKind

	instanceID string

	// eventResume
	userInput     interface{}
	userInputType graph.TypeTag

	// eventAsyncComplete
	taskID      string
	asyncResult stepresult.Result
	asyncErr    error
}

// mailboxState is the per-instance queue plus a flag recording whether a
// drain goroutine is already running for it.
type mailboxState struct {
	ch      chan event
	pumping bool
}

// enqueue appends ev to its instance's mailbox, spawning a drain goroutine
// from the shared semaphore pool only if one isn't already running for that
// instance (spec §4.7, grounded on the teacher's scheduler.go worker-pool
// idiom: a bounded semaphore.Weighted gates total concurrency while the
// mailbox itself guarantees per-instance serialization).
func (e *Executor) enqueue(ev event) {
	e.mu.Lock()
	ms, ok := e.mailboxes[ev.instanceID]
	if !ok {
		ms = &mailboxState{ch: make(chan event, 64)}
		e.mailboxes[ev.instanceID] = ms
	}
	ms.ch <- ev
	needSpawn := !ms.pumping
	if needSpawn {
		ms.pumping = true
	}
	e.mu.Unlock()

	if needSpawn {
		go e.pump(ev.instanceID, ms)
	}
}

func (e *Executor) pump(instanceID string, ms *mailboxState) {
	ctx := context.Background()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.mu.Lock()
		ms.pumping = false
		e.mu.Unlock()
		return
	}
	defer e.sem.Release(1)

	for {
		select {
		case ev := <-ms.ch:
			e.handleEvent(context.Background(), ev)
			continue
		default:
		}

		e.mu.Lock()
		if len(ms.ch) > 0 {
			e.mu.Unlock()
			continue
		}
		ms.pumping = false
		e.mu.Unlock()
		return
	}
}

func (e *Executor) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case eventDispatch:
		e.runLoop(ctx, ev.instanceID)
	case eventResume:
		e.handleResume(ctx, ev)
	case eventAsyncComplete:
		e.handleAsyncComplete(ctx, ev)
	case eventCancel:
		e.handleCancel(ctx, ev)
	}
}

// newSemaphore sizes the shared worker pool, mirroring the teacher's
// NewScheduler defaulting to 100 when unconfigured.
func newSemaphore(maxConcurrent int) *semaphore.Weighted {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	return semaphore.NewWeighted(int64(maxConcurrent))
}
