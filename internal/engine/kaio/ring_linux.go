//go:build linux

package kaio

import (
	"syscall"
	"unsafe"
)

// Classic Linux AIO syscall numbers, taken from the syscall package's
// per-architecture tables (they differ between amd64 and arm64).
const (
	sysIOSetup     = syscall.SYS_IO_SETUP
	sysIODestroy   = syscall.SYS_IO_DESTROY
	sysIOGetevents = syscall.SYS_IO_GETEVENTS
	sysIOSubmit    = syscall.SYS_IO_SUBMIT
)

// aioContext is the kernel's opaque aio_context_t handle.
type aioContext uintptr

func ioSetup(nrEvents uint32) (aioContext, error) {
	var ctx aioContext
	_, _, errno := syscall.Syscall(sysIOSetup, uintptr(nrEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, errno
	}
	return ctx, nil
}

func ioDestroy(ctx aioContext) error {
	_, _, errno := syscall.Syscall(sysIODestroy, uintptr(ctx), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// ioSubmit submits the iocbs pointed to by iocbpp. It returns the
// number the kernel accepted from this call, or a negative errno as a
// plain error if the call fails outright (most commonly EBADF when the
// very first iocb in the batch names an invalid descriptor).
func ioSubmit(ctx aioContext, iocbpp []uintptr) (int, error) {
	if len(iocbpp) == 0 {
		return 0, nil
	}
	r1, _, errno := syscall.Syscall(sysIOSubmit, uintptr(ctx), uintptr(len(iocbpp)), uintptr(unsafe.Pointer(&iocbpp[0])))
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

// ioGetevents blocks (when timeout is nil) until minNr events are ready.
// A signal delivered during that wait interrupts the syscall with EINTR
// before any event has arrived; that is not a real failure, so the call
// is restarted rather than surfaced to the caller.
func ioGetevents(ctx aioContext, minNr, maxNr int, events []ioEvent, timeout *timespec) (int, error) {
	var evPtr, tsPtr uintptr
	if len(events) > 0 {
		evPtr = uintptr(unsafe.Pointer(&events[0]))
	}
	if timeout != nil {
		tsPtr = uintptr(unsafe.Pointer(timeout))
	}
	for {
		r1, _, errno := syscall.Syscall6(sysIOGetevents, uintptr(ctx), uintptr(minNr), uintptr(maxNr), evPtr, tsPtr, 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return int(r1), nil
	}
}
