// Package interfaces provides internal interface definitions for ioq.
// These are separate from the public API to avoid an import cycle
// between the root package and the internal engine implementations.
package interfaces

// Op identifies the kind of positional I/O operation a request carries.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// SubmitItem is the engine-facing view of one staged request: enough to
// perform the I/O and report completion by tag, nothing more. Engines
// never see the user callback or closure.
type SubmitItem struct {
	Tag    uint32
	Op     Op
	FD     int
	Buf    []byte
	Offset int64
}

// Completion reports the outcome of one submitted item. A negative
// Result is a negated errno; a non-negative Result is a byte count.
type Completion struct {
	Tag    uint32
	Result int32
}

// Engine is the contract shared by the kernel-AIO and thread-pool
// backends.
type Engine interface {
	// Deferred reports whether submitted items must be staged by the
	// caller and handed to Submit in batches at reap time (true, the
	// kernel-AIO engine), or whether Submit is called immediately, once
	// per item, at submit time (false, the thread-pool engine).
	Deferred() bool

	// Submit hands one or more staged items to the engine.
	//
	// On ordinary success, accepted == len(items) and bad is false.
	//
	// If the engine rejects the item at the head of the batch (or
	// sub-batch) with a bad-descriptor condition, Submit returns the
	// number of items accepted before it, that item's tag via badTag,
	// and bad=true; the caller is expected to finish that request
	// locally (callback with result -1) and may retry Submit with the
	// remaining items.
	//
	// Any other failure returns the accepted count so far and a non-nil
	// err; the caller must not retry.
	Submit(items []SubmitItem) (accepted int, badTag uint32, bad bool, err error)

	// Wait blocks until at least min completions are available and
	// returns them. It never invokes user code.
	Wait(min int) ([]Completion, error)

	// Readiness returns a descriptor that becomes ready for reading when
	// Wait would not block, and whether the engine supports this at all.
	Readiness() (fd int, ok bool)

	// Close releases all engine resources. It does not drain outstanding
	// work; callers must reap to quiescence first.
	Close() error
}

// Logger is the internal logging contract, mirroring the public logging
// surface so internal packages need not import the root package.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
