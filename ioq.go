// Package ioq implements an asynchronous block-I/O request queue with
// two interchangeable backends: classic Linux AIO (io_setup/io_submit/
// io_getevents/io_destroy) and a synchronous thread-pool fallback.
//
// A Queue is an opaque handle — callers construct one with New and pass
// it explicitly, rather than reaching through a package-level global.
// The Init/SubmitRead/SubmitWrite/Reap/Destroy package functions retain
// that older single-instance shape for callers migrating off it, but
// are a thin wrapper over a Queue underneath.
package ioq

import (
	"math"
	"sync"
	"syscall"
	"time"

	"github.com/jfishman/ioq/internal/engine/kaio"
	"github.com/jfishman/ioq/internal/engine/threadpool"
	"github.com/jfishman/ioq/internal/interfaces"
	"github.com/jfishman/ioq/internal/logging"
	"github.com/jfishman/ioq/internal/queue"
)

// Backend selects which engine a Queue is built on.
type Backend int

const (
	// BackendAuto tries kernel AIO first and falls back to the thread
	// pool if the kernel rejects io_setup (e.g. non-Linux, or aio-max-nr
	// exhausted).
	BackendAuto Backend = iota
	BackendKernelAIO
	BackendThreadPool
)

// Config configures a new Queue.
type Config struct {
	// Depth is the maximum number of simultaneously outstanding
	// requests. Must be positive.
	Depth int

	Backend Backend

	// Workers is the thread-pool worker count. Zero defaults to Depth.
	// Ignored for BackendKernelAIO.
	Workers int

	// PinWorkers pins each thread-pool worker to its own CPU.
	PinWorkers bool

	// UseEventfd asks the kernel-AIO engine to signal a shared eventfd
	// on completion, making Eventfd usable for readiness polling.
	// Ignored for BackendThreadPool, which never supports readiness.
	UseEventfd bool

	Logger   interfaces.Logger
	Observer Observer
}

// Queue is one instance of the asynchronous I/O request queue.
type Queue struct {
	mu sync.Mutex

	pool   *queue.Pool
	engine interfaces.Engine

	inflight map[uint32]*queue.Request
	submitAt map[uint32]time.Time
	nextTag  uint32

	lastErrno syscall.Errno

	logger   interfaces.Logger
	observer Observer
}

// New constructs a Queue per cfg.
func New(cfg Config) (*Queue, error) {
	if cfg.Depth <= 0 {
		return nil, NewError("new", ErrCodeInvalidArgument, "depth must be positive")
	}
	if cfg.Depth > math.MaxInt32 {
		return nil, NewError("new", ErrCodeInvalidArgument, "depth exceeds math.MaxInt32")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = &NoOpObserver{}
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = cfg.Depth
	}

	var eng interfaces.Engine
	switch cfg.Backend {
	case BackendKernelAIO:
		e, err := kaio.New(cfg.Depth, cfg.UseEventfd, logger)
		if err != nil {
			return nil, WrapError("new", err)
		}
		eng = e
	case BackendThreadPool:
		eng = threadpool.New(workers, cfg.PinWorkers, logger)
	default:
		if e, err := kaio.New(cfg.Depth, cfg.UseEventfd, logger); err == nil {
			eng = e
		} else {
			logger.Printf("kernel AIO unavailable (%v), falling back to thread pool", err)
			eng = threadpool.New(workers, cfg.PinWorkers, logger)
		}
	}

	return &Queue{
		pool:     queue.NewPool(cfg.Depth),
		engine:   eng,
		inflight: make(map[uint32]*queue.Request, cfg.Depth),
		submitAt: make(map[uint32]time.Time, cfg.Depth),
		logger:   logger,
		observer: observer,
	}, nil
}

// SubmitRead stages an asynchronous read of len(buf) bytes at offset
// from fd. cb is invoked exactly once, with the byte count (or -1, with
// LastError holding the errno) and the same buf slice, once the request
// completes.
func (q *Queue) SubmitRead(fd int, buf []byte, offset int64, cb queue.Callback, closure any) error {
	return q.submit(queue.OpRead, fd, buf, offset, cb, closure)
}

// SubmitWrite stages an asynchronous write of buf to fd at offset.
func (q *Queue) SubmitWrite(fd int, buf []byte, offset int64, cb queue.Callback, closure any) error {
	return q.submit(queue.OpWrite, fd, buf, offset, cb, closure)
}

type finishedCB struct {
	cb      queue.Callback
	closure any
	result  int
	buf     []byte
}

func (q *Queue) submit(op queue.Op, fd int, buf []byte, offset int64, cb queue.Callback, closure any) error {
	if len(buf) == 0 {
		return NewError("submit", ErrCodeInvalidArgument, "zero-length buffer")
	}
	if len(buf) > math.MaxInt32 {
		return NewError("submit", ErrCodeInvalidArgument, "buffer exceeds max-signed-byte-count")
	}
	if cb == nil {
		return NewError("submit", ErrCodeInvalidArgument, "nil callback")
	}

	// fd and offset are not validated here: a bad file descriptor (or
	// other pread/pwrite-rejected argument) is accepted at submit time
	// and surfaces only through cb with a negative result, matching what
	// the engine itself discovers when it actually issues the I/O.

	q.mu.Lock()

	req := q.pool.Alloc()
	if req == nil {
		q.mu.Unlock()
		return NewError("submit", ErrCodeQueueFull, "queue depth exceeded")
	}

	q.nextTag++
	tag := q.nextTag
	req.Op = op
	req.FD = fd
	req.Buf = buf
	req.Offset = offset
	req.Cb = cb
	req.Closure = closure
	req.Tag = tag

	q.submitAt[tag] = time.Now()
	q.observer.ObserveQueueDepth(uint32(q.pool.Outstanding()))

	if q.engine.Deferred() {
		// Stays in the staged FIFO; Reap batches it to the engine later.
		q.mu.Unlock()
		return nil
	}

	// Immediate-dispatch engine: under the single queue lock, this
	// request is the only staged entry (every submit call on a
	// non-deferred engine compacts its own entry back out before
	// returning), so Compact(1) always targets it.
	q.pool.Compact(1)
	q.inflight[tag] = req

	item := interfaces.SubmitItem{Tag: tag, Op: toEngineOp(op), FD: fd, Buf: buf, Offset: offset}
	accepted, badTag, bad, err := q.engine.Submit([]interfaces.SubmitItem{item})

	var pending *finishedCB
	var retErr error

	switch {
	case err != nil:
		delete(q.inflight, tag)
		delete(q.submitAt, tag)
		q.pool.Free(req)
		retErr = WrapError("submit", err)
	case bad:
		delete(q.inflight, tag)
		_ = badTag
		fc := q.finishLocked(req, -int(syscall.EBADF))
		pending = &fc
	case accepted == 0:
		delete(q.inflight, tag)
		delete(q.submitAt, tag)
		q.pool.Free(req)
		retErr = NewError("submit", ErrCodeEngineFailure, "engine declined request")
	}

	q.mu.Unlock()

	if pending != nil && pending.cb != nil {
		pending.cb(pending.closure, pending.result, pending.buf)
	}
	return retErr
}

// Reap waits for at least min completions, dispatching each one's
// callback, and returns the number reaped. For deferred (kernel-AIO)
// engines it first flushes any staged-but-not-yet-submitted requests.
func (q *Queue) Reap(min int) (int, error) {
	if min <= 0 {
		return 0, NewError("reap", ErrCodeInvalidArgument, "min must be positive")
	}

	q.mu.Lock()
	if min > q.pool.Outstanding() {
		q.mu.Unlock()
		return 0, NewError("reap", ErrCodeInvalidArgument, "min exceeds outstanding requests")
	}

	var pending []finishedCB
	var drainErr error
	if q.engine.Deferred() {
		pending, drainErr = q.drainStagingLocked()
	}
	q.mu.Unlock()

	// Every callback for a request the engine rejected outright (bad
	// fd) runs here, outside q.mu — dispatch is centralized in Reap,
	// never inside engine internals or while holding the queue lock.
	for _, fc := range pending {
		if fc.cb != nil {
			fc.cb(fc.closure, fc.result, fc.buf)
		}
	}
	if drainErr != nil {
		return len(pending), drainErr
	}

	// Requests finished locally (e.g. a bad descriptor rejected at the
	// head of a sub-batch) never reach the engine, so they don't count
	// toward what Wait needs to block for.
	waitMin := min - len(pending)
	if waitMin <= 0 {
		return len(pending), nil
	}

	completions, err := q.engine.Wait(waitMin)
	if err != nil {
		return len(pending), WrapError("reap", err)
	}

	q.mu.Lock()
	waitPending := make([]finishedCB, 0, len(completions))
	for _, c := range completions {
		req, ok := q.inflight[c.Tag]
		if !ok {
			continue
		}
		delete(q.inflight, c.Tag)
		waitPending = append(waitPending, q.finishLocked(req, int(c.Result)))
	}
	q.mu.Unlock()

	for _, fc := range waitPending {
		if fc.cb != nil {
			fc.cb(fc.closure, fc.result, fc.buf)
		}
	}
	return len(pending) + len(waitPending), nil
}

// drainStagingLocked hands every currently staged request to the
// engine, retrying around bad-descriptor rejections exactly as
// io_submit itself does: a negative-count call means the head of the
// remaining sub-batch was bad, so that one request finishes locally
// with a -1 result and the rest are retried. It returns the finished
// callbacks for the caller to invoke once q.mu is released. Must be
// called with q.mu held.
func (q *Queue) drainStagingLocked() ([]finishedCB, error) {
	staged := q.pool.Staged()
	if len(staged) == 0 {
		return nil, nil
	}

	reqs := make([]*queue.Request, len(staged))
	items := make([]interfaces.SubmitItem, len(staged))
	for i, r := range staged {
		reqs[i] = r
		items[i] = interfaces.SubmitItem{Tag: r.Tag, Op: toEngineOp(r.Op), FD: r.FD, Buf: r.Buf, Offset: r.Offset}
	}

	offset := 0
	var pending []finishedCB
	for offset < len(items) {
		accepted, badTag, bad, err := q.engine.Submit(items[offset:])
		if err != nil {
			q.pool.Compact(offset)
			return pending, WrapError("reap", err)
		}

		for i := 0; i < accepted; i++ {
			req := reqs[offset+i]
			q.inflight[req.Tag] = req
		}
		offset += accepted

		if bad {
			req := reqs[offset]
			_ = badTag
			pending = append(pending, q.finishLocked(req, -int(syscall.EBADF)))
			offset++
			continue
		}

		if accepted == 0 {
			// Engine declined to make further progress right now (e.g.
			// transient resource exhaustion); leave the rest staged for
			// the next Reap call.
			break
		}
	}

	q.pool.Compact(offset)
	return pending, nil
}

// finishLocked records metrics, releases req's slot back to the pool,
// and returns its callback for the caller to invoke once q.mu is
// released. A negative result is a negated errno: it is recorded as the
// last error and the callback receives -1. Must be called with q.mu held.
func (q *Queue) finishLocked(req *queue.Request, result int) finishedCB {
	tag := req.Tag
	var latencyNs uint64
	if start, ok := q.submitAt[tag]; ok {
		latencyNs = uint64(time.Since(start).Nanoseconds())
		delete(q.submitAt, tag)
	}

	success := result >= 0
	var bytes uint64
	if success {
		bytes = uint64(result)
	} else {
		q.lastErrno = syscall.Errno(-result)
		result = -1
	}

	switch req.Op {
	case queue.OpRead:
		q.observer.ObserveRead(bytes, latencyNs, success)
	case queue.OpWrite:
		q.observer.ObserveWrite(bytes, latencyNs, success)
	}

	fc := finishedCB{cb: req.Cb, closure: req.Closure, result: result, buf: req.Buf}
	q.pool.Free(req)
	return fc
}

// Destroy reaps every outstanding request to completion and releases
// the underlying engine. It is not safe to call Destroy concurrently
// with Submit*.
func (q *Queue) Destroy() error {
	for {
		q.mu.Lock()
		outstanding := q.pool.Outstanding()
		q.mu.Unlock()
		if outstanding == 0 {
			break
		}
		if _, err := q.Reap(1); err != nil {
			return err
		}
	}
	return WrapError("destroy", q.engine.Close())
}

// Eventfd returns a descriptor that becomes readable when Reap would
// not block, and whether the current engine supports this at all.
func (q *Queue) Eventfd() (int, bool) {
	return q.engine.Readiness()
}

// LastError returns the errno from the most recent failed completion.
func (q *Queue) LastError() syscall.Errno {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErrno
}

// Outstanding returns the number of requests currently staged,
// in-flight, or completed-but-not-yet-reaped.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pool.Outstanding()
}

func toEngineOp(op queue.Op) interfaces.Op {
	if op == queue.OpWrite {
		return interfaces.OpWrite
	}
	return interfaces.OpRead
}

// --- package-level singleton wrapper, kept for API parity with the
// original single-instance design ---

var (
	defaultMu sync.Mutex
	defaultQ  *Queue
)

// Init constructs the package-level default Queue. It fails if called
// twice without an intervening Destroy.
func Init(cfg Config) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultQ != nil {
		return NewError("init", ErrCodeInvalidArgument, "already initialized")
	}
	q, err := New(cfg)
	if err != nil {
		return err
	}
	defaultQ = q
	return nil
}

func defaultQueue() (*Queue, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultQ == nil {
		return nil, NewError("default", ErrCodeInvalidArgument, "not initialized")
	}
	return defaultQ, nil
}

func SubmitRead(fd int, buf []byte, offset int64, cb queue.Callback, closure any) error {
	q, err := defaultQueue()
	if err != nil {
		return err
	}
	return q.SubmitRead(fd, buf, offset, cb, closure)
}

func SubmitWrite(fd int, buf []byte, offset int64, cb queue.Callback, closure any) error {
	q, err := defaultQueue()
	if err != nil {
		return err
	}
	return q.SubmitWrite(fd, buf, offset, cb, closure)
}

func Reap(min int) (int, error) {
	q, err := defaultQueue()
	if err != nil {
		return 0, err
	}
	return q.Reap(min)
}

func Eventfd() (int, bool) {
	q, err := defaultQueue()
	if err != nil {
		return 0, false
	}
	return q.Eventfd()
}

// Destroy tears down the package-level default Queue, allowing a
// subsequent Init.
func Destroy() error {
	defaultMu.Lock()
	q := defaultQ
	defaultMu.Unlock()
	if q == nil {
		return NewError("destroy", ErrCodeInvalidArgument, "not initialized")
	}
	err := q.Destroy()

	defaultMu.Lock()
	defaultQ = nil
	defaultMu.Unlock()
	return err
}
