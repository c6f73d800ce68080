package ioq

import "github.com/jfishman/ioq/internal/constants"

// Re-exported defaults for the public API.
const (
	DefaultQueueDepth  = constants.DefaultQueueDepth
	DefaultBufferSize  = constants.DefaultBufferSize
	DefaultMaxIOSize   = constants.DefaultMaxIOSize
)
