// Package interfaces holds interface definitions shared between the public
// package and the internal packages, so neither has to import the other.
package interfaces

// Backend is the device-operations capability a session calls into. ReadAt
// and WriteAt follow io.ReaderAt/io.WriterAt semantics; a short count with a
// nil error is treated as an I/O failure by the session. Close is the
// disconnect notification and is invoked at most once, fire-and-forget.
type Backend interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Flush() error
	Close() error
}

// TrimBackend is an optional interface for TRIM support. Devices whose
// backend implements it advertise NBD_FLAG_SEND_TRIM to the kernel.
type TrimBackend interface {
	Backend
	Trim(off, length int64) error
}

// Logger is the optional logging capability.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives per-request completion events. Implementations must be
// safe for concurrent use; workers call these in parallel.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveTrim(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveInflight(n uint32)
}
