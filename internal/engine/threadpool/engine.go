// Package threadpool implements the interfaces.Engine contract over a fixed
// pool of worker goroutines issuing synchronous pread/pwrite, the
// portable fallback to the kernel-AIO engine.
package threadpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jfishman/ioq/internal/interfaces"
)

// worker holds a bounded, capacity-one submission queue: a single
// occupied/item pair guarded by its own mutex and condition variable.
// The default worker-queue capacity is 1, which collapses the general
// ring-buffer head/size/done bookkeeping down to one boolean.
type worker struct {
	mu       sync.Mutex
	cond     *sync.Cond
	occupied bool
	item     interfaces.SubmitItem
}

// Engine dispatches submitted items round-robin across a fixed set of
// workers, each performing synchronous positional I/O, and collects
// completions on a single shared queue that Wait drains.
type Engine struct {
	workers []*worker
	next    atomic.Uint32

	completeMu   sync.Mutex
	completeCond *sync.Cond
	completions  []interfaces.Completion

	running atomic.Bool
	wg      sync.WaitGroup
	logger  interfaces.Logger
}

// New starts numWorkers worker goroutines. When pinCPUs is true, each
// worker locks its goroutine to its own OS thread and pins that thread
// to CPU (index % runtime.NumCPU()) to keep per-queue latency
// predictable.
func New(numWorkers int, pinCPUs bool, logger interfaces.Logger) *Engine {
	e := &Engine{
		workers: make([]*worker, numWorkers),
		logger:  logger,
	}
	e.completeCond = sync.NewCond(&e.completeMu)
	for i := range e.workers {
		w := &worker{}
		w.cond = sync.NewCond(&w.mu)
		e.workers[i] = w
	}

	e.running.Store(true)
	e.wg.Add(numWorkers)
	for i := range e.workers {
		go e.workerLoop(i, pinCPUs)
	}
	return e
}

// Deferred reports that the thread-pool engine submits each item
// immediately rather than batching at reap time.
func (e *Engine) Deferred() bool { return false }

// Submit dispatches each item to a worker round-robin, blocking while a
// worker's single-slot queue is occupied. Because each submission here
// is a direct synchronous enqueue rather than a batched kernel call, a
// per-item failure can only be detected once the worker actually
// attempts the I/O, never at Submit time — so this engine never returns
// bad=true; a bad descriptor surfaces later as a negative-result
// completion, just like any other I/O error.
func (e *Engine) Submit(items []interfaces.SubmitItem) (accepted int, badTag uint32, bad bool, err error) {
	for _, it := range items {
		idx := int(e.next.Add(1)-1) % len(e.workers)
		w := e.workers[idx]

		w.mu.Lock()
		for w.occupied {
			w.cond.Wait()
		}
		w.item = it
		w.occupied = true
		w.mu.Unlock()
		w.cond.Signal()

		accepted++
	}
	return accepted, 0, false, nil
}

func (e *Engine) workerLoop(idx int, pinCPU bool) {
	defer e.wg.Done()

	if pinCPU {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		var set unix.CPUSet
		set.Zero()
		set.Set(idx % runtime.NumCPU())
		_ = unix.SchedSetaffinity(0, &set)
	}

	w := e.workers[idx]
	for {
		w.mu.Lock()
		for !w.occupied && e.running.Load() {
			w.cond.Wait()
		}
		if !w.occupied {
			w.mu.Unlock()
			return
		}
		item := w.item
		w.occupied = false
		w.mu.Unlock()
		w.cond.Signal()

		completion := e.perform(item)

		e.completeMu.Lock()
		e.completions = append(e.completions, completion)
		e.completeMu.Unlock()
		e.completeCond.Signal()
	}
}

func (e *Engine) perform(item interfaces.SubmitItem) interfaces.Completion {
	var n int
	var err error
	switch item.Op {
	case interfaces.OpRead:
		n, err = unix.Pread(item.FD, item.Buf, item.Offset)
	case interfaces.OpWrite:
		n, err = unix.Pwrite(item.FD, item.Buf, item.Offset)
	}
	if err != nil {
		errno, _ := err.(syscall.Errno)
		if errno == 0 {
			errno = syscall.EIO
		}
		if e.logger != nil {
			e.logger.Debugf("request tag %d failed: %v", item.Tag, err)
		}
		return interfaces.Completion{Tag: item.Tag, Result: -int32(errno)}
	}
	return interfaces.Completion{Tag: item.Tag, Result: int32(n)}
}

// Wait blocks until at least min completions are available, then
// returns and clears the shared completion queue.
func (e *Engine) Wait(min int) ([]interfaces.Completion, error) {
	e.completeMu.Lock()
	for len(e.completions) < min {
		e.completeCond.Wait()
	}
	out := e.completions
	e.completions = nil
	e.completeMu.Unlock()
	return out, nil
}

// Readiness reports that this engine has no pollable completion
// descriptor; callers must block in Wait instead.
func (e *Engine) Readiness() (int, bool) { return 0, false }

// Close signals every worker to exit once its current item (if any)
// finishes, and waits for them all to stop. Callers must have reaped to
// quiescence first.
func (e *Engine) Close() error {
	e.running.Store(false)
	for _, w := range e.workers {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	}
	e.wg.Wait()
	return nil
}

var _ interfaces.Engine = (*Engine)(nil)
