// Package kaio implements the interfaces.Engine contract over classic Linux
// AIO (io_setup/io_submit/io_getevents/io_destroy) — not io_uring. The
// io_submit syscall has an ABI golang.org/x/sys/unix does not wrap, so
// the raw syscalls and kernel-matching structs live here: raw
// syscall.Syscall/Syscall6 calls against hand-defined structs matching
// linux/aio_abi.h.
package kaio

// iocbCmd identifies the operation a submitted iocb performs, matching
// the kernel's IOCB_CMD_* enum.
type iocbCmd uint16

const (
	iocbCmdPread  iocbCmd = 0
	iocbCmdPwrite iocbCmd = 1
)

// iocb mirrors struct iocb from linux/aio_abi.h field for field. Layout
// matters: this is handed to the kernel by raw pointer, not marshaled.
type iocb struct {
	data      uint64
	key       uint32
	rwFlags   uint32
	lioOpcode uint16
	reqPrio   int16
	fildes    uint32
	buf       uint64
	nbytes    uint64
	offset    int64
	reserved2 uint64
	flags     uint32
	resfd     uint32
}

// ioEvent mirrors struct io_event from linux/aio_abi.h.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

// timespec mirrors the kernel's struct timespec for io_getevents'
// optional timeout argument.
type timespec struct {
	sec  int64
	nsec int64
}
