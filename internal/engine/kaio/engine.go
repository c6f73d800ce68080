package kaio

import (
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jfishman/ioq/internal/interfaces"
)

const iocbFlagResfd = 1 << 0

// Engine submits to and reaps from a single classic Linux AIO context.
// It is the Deferred engine: callers stage requests and hand them to
// Submit in a batch at reap time, mirroring io_submit's own batch shape.
type Engine struct {
	ctx    aioContext
	depth  int
	logger interfaces.Logger

	evFD    int
	hasEvFD bool

	mu      sync.Mutex
	pending map[uint32]*trackedIocb
}

// trackedIocb keeps the iocb struct and the caller's buffer reachable
// from Go's GC for as long as the kernel holds a raw pointer to them.
type trackedIocb struct {
	cb  *iocb
	buf []byte
}

// New creates a kernel-AIO engine with room for depth concurrent
// requests. If useEventfd is true, every iocb is tagged to signal a
// shared eventfd on completion, so Readiness can report a pollable fd.
func New(depth int, useEventfd bool, logger interfaces.Logger) (*Engine, error) {
	ctx, err := ioSetup(uint32(depth))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		ctx:     ctx,
		depth:   depth,
		logger:  logger,
		pending: make(map[uint32]*trackedIocb, depth),
	}

	if useEventfd {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			_ = ioDestroy(ctx)
			return nil, err
		}
		e.evFD = fd
		e.hasEvFD = true
	}

	return e, nil
}

// Deferred reports that the kernel-AIO engine batches submission at
// reap time.
func (e *Engine) Deferred() bool { return true }

// Submit hands one io_submit call's worth of items to the kernel. The
// kernel accepts a prefix of the batch: if it stops at an invalid iocb
// after accepting some, it returns that partial count without an error;
// only when the very first iocb is invalid does the whole syscall fail
// (EBADF for a bad descriptor). It never reports a partial count
// alongside an error. Submit therefore makes at most one syscall per
// call, reports a short count as accepted < len(items) with bad=false,
// reports a head EBADF as bad=true, and leaves the retry bookkeeping to
// the caller (ioq.Queue).
func (e *Engine) Submit(items []interfaces.SubmitItem) (accepted int, badTag uint32, bad bool, err error) {
	if len(items) == 0 {
		return 0, 0, false, nil
	}

	ptrs := make([]uintptr, len(items))
	tracked := make([]*trackedIocb, len(items))

	for i, it := range items {
		cb := &iocb{
			data:   uint64(it.Tag),
			fildes: uint32(it.FD),
			offset: it.Offset,
		}
		if len(it.Buf) > 0 {
			cb.buf = uint64(uintptr(unsafe.Pointer(&it.Buf[0])))
		}
		cb.nbytes = uint64(len(it.Buf))
		if it.Op == interfaces.OpWrite {
			cb.lioOpcode = uint16(iocbCmdPwrite)
		} else {
			cb.lioOpcode = uint16(iocbCmdPread)
		}
		if e.hasEvFD {
			cb.flags |= iocbFlagResfd
			cb.resfd = uint32(e.evFD)
		}

		t := &trackedIocb{cb: cb, buf: it.Buf}
		tracked[i] = t
		ptrs[i] = uintptr(unsafe.Pointer(cb))
	}

	n, serr := ioSubmit(e.ctx, ptrs)
	if serr == nil {
		e.mu.Lock()
		for i := 0; i < n; i++ {
			e.pending[items[i].Tag] = tracked[i]
		}
		e.mu.Unlock()
		return n, 0, false, nil
	}

	errno, ok := serr.(syscall.Errno)
	if ok && errno == syscall.EBADF {
		if e.logger != nil {
			e.logger.Debugf("io_submit rejected tag %d: bad file descriptor", items[0].Tag)
		}
		return 0, items[0].Tag, true, nil
	}
	if e.logger != nil {
		e.logger.Printf("io_submit failed: %v", serr)
	}
	return 0, 0, false, serr
}

// Wait blocks for at least min completions and translates them to the
// engine-neutral interfaces.Completion shape, releasing the GC pin on
// each item's iocb and buffer as it is reaped.
func (e *Engine) Wait(min int) ([]interfaces.Completion, error) {
	events := make([]ioEvent, e.depth)
	n, err := ioGetevents(e.ctx, min, e.depth, events, nil)
	if err != nil {
		return nil, err
	}

	out := make([]interfaces.Completion, n)
	e.mu.Lock()
	for i := 0; i < n; i++ {
		tag := uint32(events[i].data)
		out[i] = interfaces.Completion{Tag: tag, Result: int32(events[i].res)}
		delete(e.pending, tag)
	}
	e.mu.Unlock()
	return out, nil
}

// Readiness reports the shared completion eventfd, when this engine was
// constructed with one.
func (e *Engine) Readiness() (int, bool) {
	return e.evFD, e.hasEvFD
}

// Close tears down the AIO context and the readiness eventfd, if any.
// Callers must have reaped to quiescence first; Close does not drain.
func (e *Engine) Close() error {
	err := ioDestroy(e.ctx)
	if e.hasEvFD {
		if cerr := unix.Close(e.evFD); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

var _ interfaces.Engine = (*Engine)(nil)
