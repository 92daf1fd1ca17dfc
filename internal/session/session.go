// Package session implements the per-device request engine: it owns the
// kernel-facing socket, decodes NBD request frames, dispatches them to the
// shared worker pool, serializes replies, and drains on disconnect.
package session

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nbd/internal/interfaces"
	"github.com/ehrlich-b/go-nbd/internal/queue"
	"github.com/ehrlich-b/go-nbd/internal/uapi"
)

// Submitter is the slice of the worker pool a session needs.
type Submitter interface {
	TrySubmit(task queue.Task) bool
}

// Config carries everything a session borrows. The session never closes
// the socket; the caller tears down file descriptors after Serve returns.
type Config struct {
	// Fd is the kernel-facing end of the socket pair.
	Fd int

	Backend  interfaces.Backend
	Pool     Submitter
	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// Session drives one device until disconnect.
type Session struct {
	fd       int
	backend  interfaces.Backend
	trim     interfaces.TrimBackend
	pool     Submitter
	logger   interfaces.Logger
	observer interfaces.Observer

	// readMu serializes ingress parsing, writeMu bounds each reply
	// frame pair as one critical section on the shared socket. The
	// inflight registry carries its own lock. These three guard
	// orthogonal invariants and are never collapsed.
	readMu  sync.Mutex
	writeMu sync.Mutex

	inflight inflight
	goOn     atomic.Bool

	errMu sync.Mutex
	err   error
}

// New prepares a session over the given socket. The descriptor is switched
// to non-blocking mode; all reads and writes go through until-complete
// loops gated by poll.
func New(cfg Config) (*Session, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("session: nil backend")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("session: nil worker pool")
	}

	if err := unix.SetNonblock(cfg.Fd, true); err != nil {
		return nil, fmt.Errorf("session: set nonblock: %w", err)
	}

	s := &Session{
		fd:       cfg.Fd,
		backend:  cfg.Backend,
		pool:     cfg.Pool,
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}
	s.trim, _ = cfg.Backend.(interfaces.TrimBackend)
	s.inflight.init()
	s.goOn.Store(true)

	return s, nil
}

// Serve runs the ingress loop until the client disconnects or a protocol
// error tears the session down, then waits for every accepted request to
// finish. On return the inflight set is empty and every accepted request
// has emitted exactly one reply.
func (s *Session) Serve() error {
	hdr := make([]byte, uapi.RequestSize)

	for s.goOn.Load() {
		if err := s.pollIn(); err != nil {
			s.fail("poll", err)
			break
		}
		s.ingest(hdr)
	}

	s.inflight.drain()

	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// ingest consumes one request frame and hands it off.
func (s *Session) ingest(hdr []byte) {
	s.readMu.Lock()

	n, err := s.readFull(hdr)
	if err != nil {
		s.readMu.Unlock()
		if err == io.EOF && n == 0 {
			// Clean close from the kernel side.
			s.goOn.Store(false)
			return
		}
		s.fail("read request header", err)
		return
	}

	var req uapi.Request
	if err := uapi.UnmarshalRequest(hdr, &req); err != nil {
		s.readMu.Unlock()
		s.fail("decode request header", err)
		return
	}

	r := &record{
		handle: req.Handle,
		cmd:    req.Type,
		from:   req.From,
		length: req.Len,
	}

	if req.Type == uapi.NBD_CMD_WRITE {
		r.payload = queue.GetBuffer(req.Len)
		if _, err := s.readFull(r.payload); err != nil {
			queue.PutBuffer(r.payload)
			s.readMu.Unlock()
			s.fail("read write payload", err)
			return
		}
	}

	if req.Type == uapi.NBD_CMD_DISC {
		// No reply is expected for DISC; notify and stop accepting.
		s.debugf("received disconnect request")
		if err := s.backend.Close(); err != nil {
			s.printf("backend close: %v", err)
		}
		s.goOn.Store(false)
		s.readMu.Unlock()
		return
	}

	s.inflight.insert(r)
	s.observeInflight()
	s.readMu.Unlock()

	if !s.pool.TrySubmit(func() { s.process(r) }) {
		// Queue full: run inline and stall ingress rather than
		// queueing unbounded work.
		s.process(r)
	}
}

// process services one request and emits its reply. The write lock bounds
// the header-plus-payload pair; two replies never interleave bytes.
func (s *Session) process(r *record) {
	rep := uapi.Reply{Magic: uapi.NBD_REPLY_MAGIC, Handle: r.handle}
	start := time.Now()

	switch r.cmd {
	case uapi.NBD_CMD_READ:
		buf := queue.GetBuffer(r.length)
		n, err := s.backend.ReadAt(buf, int64(r.from))
		if err == nil && n != len(buf) {
			err = unix.EIO
		}
		rep.Error = uapi.ReplyErrno(err)

		s.writeMu.Lock()
		werr := s.writeReply(&rep)
		if werr == nil && rep.Error == 0 {
			werr = s.writeFull(buf)
		}
		s.writeMu.Unlock()

		queue.PutBuffer(buf)
		s.noteWriteError(werr)
		if s.observer != nil {
			s.observer.ObserveRead(uint64(r.length), uint64(time.Since(start)), rep.Error == 0)
		}

	case uapi.NBD_CMD_WRITE:
		n, err := s.backend.WriteAt(r.payload, int64(r.from))
		if err == nil && n != len(r.payload) {
			err = unix.EIO
		}
		rep.Error = uapi.ReplyErrno(err)
		s.emitHeader(&rep)
		if s.observer != nil {
			s.observer.ObserveWrite(uint64(r.length), uint64(time.Since(start)), rep.Error == 0)
		}

	case uapi.NBD_CMD_FLUSH:
		rep.Error = uapi.ReplyErrno(s.backend.Flush())
		s.emitHeader(&rep)
		if s.observer != nil {
			s.observer.ObserveFlush(uint64(time.Since(start)), rep.Error == 0)
		}

	case uapi.NBD_CMD_TRIM:
		if s.trim != nil {
			rep.Error = uapi.ReplyErrno(s.trim.Trim(int64(r.from), int64(r.length)))
		} else {
			rep.Error = uint32(unix.EOPNOTSUPP)
		}
		s.emitHeader(&rep)
		if s.observer != nil {
			s.observer.ObserveTrim(uint64(r.length), uint64(time.Since(start)), rep.Error == 0)
		}

	default:
		// Unrecognized command: reply EINVAL, touch no handler.
		s.printf("unknown command type %d", r.cmd)
		rep.Error = uint32(unix.EINVAL)
		s.emitHeader(&rep)
	}

	s.inflight.remove(r)
	s.observeInflight()
	if r.payload != nil {
		queue.PutBuffer(r.payload)
		r.payload = nil
	}
}

// emitHeader writes a bare reply header under the write lock.
func (s *Session) emitHeader(rep *uapi.Reply) {
	s.writeMu.Lock()
	err := s.writeReply(rep)
	s.writeMu.Unlock()
	s.noteWriteError(err)
}

func (s *Session) writeReply(rep *uapi.Reply) error {
	var frame [uapi.ReplySize]byte
	if err := uapi.PutReply(frame[:], rep); err != nil {
		return err
	}
	return s.writeFull(frame[:])
}

// Stop tears the session down from outside: no new requests are accepted,
// outstanding workers run to completion and are drained by Serve.
func (s *Session) Stop() {
	s.goOn.Store(false)
	// Wake the ingress loop out of poll; subsequent reads see EOF.
	_ = unix.Shutdown(s.fd, unix.SHUT_RD)
}

// Inflight reports the number of accepted-but-unreplied requests.
func (s *Session) Inflight() int {
	return s.inflight.count()
}

// fail records the first fatal error, stops the session, and wakes the
// ingress loop if it is parked in poll.
func (s *Session) fail(op string, err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%s: %w", op, err)
	}
	s.errMu.Unlock()

	s.printf("%s: %v", op, err)
	s.goOn.Store(false)
	_ = unix.Shutdown(s.fd, unix.SHUT_RD)
}

// noteWriteError handles a reply-write failure: the socket is torn, so the
// session cannot make progress and shuts down.
func (s *Session) noteWriteError(err error) {
	if err == nil {
		return
	}
	s.fail("write reply", err)
}

// readFull reads exactly len(buf) bytes. Short reads advance the buffer,
// EAGAIN waits for readiness and retries, a zero-byte read is EOF, and any
// other error is returned to the caller as fatal. Returns bytes consumed.
func (s *Session) readFull(buf []byte) (int, error) {
	off := 0
	for off < len(buf) {
		n, err := unix.Read(s.fd, buf[off:])
		if n > 0 {
			off += n
			continue
		}
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			if perr := s.pollIn(); perr != nil {
				return off, perr
			}
		case err != nil:
			return off, err
		default:
			return off, io.EOF
		}
	}
	return off, nil
}

// writeFull writes all of buf, retrying EAGAIN after waiting for the
// socket to accept more bytes.
func (s *Session) writeFull(buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.Write(s.fd, buf[off:])
		if n > 0 {
			off += n
			continue
		}
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			if perr := s.pollOut(); perr != nil {
				return perr
			}
		case err != nil:
			return err
		default:
			return io.ErrShortWrite
		}
	}
	return nil
}

// pollIn blocks until the socket is readable (level-triggered, no timeout).
func (s *Session) pollIn() error {
	return s.poll(unix.POLLIN | unix.POLLPRI)
}

func (s *Session) pollOut() error {
	return s.poll(unix.POLLOUT)
}

func (s *Session) poll(events int16) error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return err
	}
}

func (s *Session) observeInflight() {
	if s.observer != nil {
		s.observer.ObserveInflight(uint32(s.inflight.count()))
	}
}

func (s *Session) printf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Session) debugf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debugf(format, args...)
	}
}
