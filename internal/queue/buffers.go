package queue

import (
	"sync"

	"github.com/ehrlich-b/go-nbd/internal/constants"
)

// Payload buffers are pooled in power-of-2 size buckets (4KB to 1MB) so the
// READ/WRITE hot path does not allocate per request. Requests larger than
// the top bucket get a one-off allocation and are not returned to a pool.
//
// Uses the *[]byte pattern to avoid sync.Pool interface allocation overhead.

const (
	size4k   = 4 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
	size1m   = constants.MaxPayloadSize
)

var payloadPool = struct {
	pool4k   sync.Pool
	pool64k  sync.Pool
	pool256k sync.Pool
	pool1m   sync.Pool
}{
	pool4k:   sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetBuffer returns a buffer of exactly size bytes backed by a pooled slab
// of at least that capacity. Caller must call PutBuffer when done.
func GetBuffer(size uint32) []byte {
	switch {
	case size <= size4k:
		return (*payloadPool.pool4k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*payloadPool.pool64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*payloadPool.pool256k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*payloadPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to its bucket. Buffers with a non-bucket
// capacity (the oversize fallback) are dropped for the GC.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		payloadPool.pool4k.Put(&buf)
	case size64k:
		payloadPool.pool64k.Put(&buf)
	case size256k:
		payloadPool.pool256k.Put(&buf)
	case size1m:
		payloadPool.pool1m.Put(&buf)
	}
}
