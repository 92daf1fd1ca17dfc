package nbd

import "github.com/ehrlich-b/go-nbd/internal/constants"

// Re-export constants for public API
const (
	DefaultBlockSize = constants.DefaultBlockSize
	PoolWorkers      = constants.PoolWorkers
	PoolQueueSlots   = constants.PoolQueueSlots
	MaxPayloadSize   = constants.MaxPayloadSize
)
