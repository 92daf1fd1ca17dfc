package session

import (
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nbd/internal/interfaces"
	"github.com/ehrlich-b/go-nbd/internal/queue"
	"github.com/ehrlich-b/go-nbd/internal/uapi"
)

type recordedWrite struct {
	off  int64
	data []byte
}

type recordedTrim struct {
	off, length int64
}

// testBackend is an in-memory backend that records calls and can inject
// failures and latency.
type testBackend struct {
	mu         sync.Mutex
	data       []byte
	writes     []recordedWrite
	trims      []recordedTrim
	readErr    error
	flushErr   error
	readDelay  time.Duration
	readCalls  int
	writeCalls int
	flushCalls int
	closeCalls int
}

func newTestBackend(size int64) *testBackend {
	return &testBackend{data: make([]byte, size)}
}

func (b *testBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	b.readCalls++
	delay, err := b.readDelay, b.readErr
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return copy(p, b.data[off:]), nil
}

func (b *testBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeCalls++
	b.writes = append(b.writes, recordedWrite{off: off, data: append([]byte(nil), p...)})
	return copy(b.data[off:], p), nil
}

func (b *testBackend) Size() int64 { return int64(len(b.data)) }

func (b *testBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushCalls++
	return b.flushErr
}

func (b *testBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCalls++
	return nil
}

func (b *testBackend) Trim(off, length int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trims = append(b.trims, recordedTrim{off: off, length: length})
	return nil
}

// plainBackend hides the Trim method.
type plainBackend struct {
	b *testBackend
}

func (p plainBackend) ReadAt(buf []byte, off int64) (int, error)  { return p.b.ReadAt(buf, off) }
func (p plainBackend) WriteAt(buf []byte, off int64) (int, error) { return p.b.WriteAt(buf, off) }
func (p plainBackend) Size() int64                                { return p.b.Size() }
func (p plainBackend) Flush() error                               { return p.b.Flush() }
func (p plainBackend) Close() error                               { return p.b.Close() }

// rejectPool forces the inline fallback path for every submission.
type rejectPool struct{}

func (rejectPool) TrySubmit(queue.Task) bool { return false }

// harness runs a session over one end of a socketpair; the test plays the
// kernel on the other end.
type harness struct {
	s      *Session
	kern   *os.File
	kernFd int
	done   chan error
}

func newHarness(t *testing.T, backend interfaces.Backend, pool Submitter) *harness {
	t.Helper()

	if pool == nil {
		p := queue.NewPool(8, 64)
		t.Cleanup(p.Close)
		pool = p
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	s, err := New(Config{Fd: fds[0], Backend: backend, Pool: pool})
	require.NoError(t, err)

	h := &harness{
		s:      s,
		kern:   os.NewFile(uintptr(fds[1]), "nbd-kernel"),
		kernFd: fds[1],
		done:   make(chan error, 1),
	}
	go func() { h.done <- s.Serve() }()

	t.Cleanup(func() {
		h.kern.Close()
		unix.Close(fds[0])
	})
	return h
}

func (h *harness) send(t *testing.T, typ uint32, handle, from uint64, length uint32, payload []byte) {
	t.Helper()
	req := &uapi.Request{
		Magic: uapi.NBD_REQUEST_MAGIC,
		Type:  typ,
		From:  from,
		Len:   length,
	}
	binary.BigEndian.PutUint64(req.Handle[:], handle)

	_, err := h.kern.Write(uapi.MarshalRequest(req))
	require.NoError(t, err)
	if payload != nil {
		_, err = h.kern.Write(payload)
		require.NoError(t, err)
	}
}

func (h *harness) readReply(t *testing.T) uapi.Reply {
	t.Helper()
	frame := make([]byte, uapi.ReplySize)
	_, err := io.ReadFull(h.kern, frame)
	require.NoError(t, err)

	var rep uapi.Reply
	require.NoError(t, uapi.UnmarshalReply(frame, &rep))
	require.Equal(t, uint32(uapi.NBD_REPLY_MAGIC), rep.Magic)
	return rep
}

func (h *harness) readPayload(t *testing.T, length uint32) []byte {
	t.Helper()
	buf := make([]byte, length)
	_, err := io.ReadFull(h.kern, buf)
	require.NoError(t, err)
	return buf
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not exit")
		return nil
	}
}

func handleOf(rep uapi.Reply) uint64 {
	return binary.BigEndian.Uint64(rep.Handle[:])
}

func TestRead(t *testing.T) {
	backend := newTestBackend(1 << 20)
	h := newHarness(t, backend, nil)

	h.send(t, uapi.NBD_CMD_READ, 7, 0, 4096, nil)

	rep := h.readReply(t)
	require.Equal(t, uint32(0), rep.Error)
	require.Equal(t, uint64(7), handleOf(rep))

	payload := h.readPayload(t, 4096)
	for i, b := range payload {
		if b != 0 {
			t.Fatalf("payload[%d] = %#x, want zero", i, b)
		}
	}

	h.send(t, uapi.NBD_CMD_DISC, 8, 0, 0, nil)
	require.NoError(t, h.wait(t))
	require.Equal(t, 0, h.s.Inflight())
}

func TestWrite(t *testing.T) {
	backend := newTestBackend(1 << 20)
	h := newHarness(t, backend, nil)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xAB
	}
	h.send(t, uapi.NBD_CMD_WRITE, 11, 1024, 512, payload)

	rep := h.readReply(t)
	require.Equal(t, uint32(0), rep.Error)
	require.Equal(t, uint64(11), handleOf(rep))

	h.send(t, uapi.NBD_CMD_DISC, 12, 0, 0, nil)
	require.NoError(t, h.wait(t))

	require.Len(t, backend.writes, 1)
	require.Equal(t, int64(1024), backend.writes[0].off)
	require.Equal(t, payload, backend.writes[0].data)
}

func TestFlushError(t *testing.T) {
	backend := newTestBackend(4096)
	backend.flushErr = unix.EIO
	h := newHarness(t, backend, nil)

	h.send(t, uapi.NBD_CMD_FLUSH, 3, 0, 0, nil)

	rep := h.readReply(t)
	require.Equal(t, uint32(5), rep.Error)
	require.Equal(t, uint64(3), handleOf(rep))

	h.send(t, uapi.NBD_CMD_DISC, 4, 0, 0, nil)
	require.NoError(t, h.wait(t))
	require.Equal(t, 1, backend.flushCalls)
}

func TestTrim(t *testing.T) {
	backend := newTestBackend(2 << 20)
	h := newHarness(t, backend, nil)

	h.send(t, uapi.NBD_CMD_TRIM, 5, 0, 1<<20, nil)

	rep := h.readReply(t)
	require.Equal(t, uint32(0), rep.Error)

	h.send(t, uapi.NBD_CMD_DISC, 6, 0, 0, nil)
	require.NoError(t, h.wait(t))

	require.Equal(t, []recordedTrim{{off: 0, length: 1 << 20}}, backend.trims)
}

func TestTrimUnsupported(t *testing.T) {
	backend := newTestBackend(4096)
	h := newHarness(t, plainBackend{backend}, nil)

	h.send(t, uapi.NBD_CMD_TRIM, 9, 0, 4096, nil)

	rep := h.readReply(t)
	require.Equal(t, uint32(unix.EOPNOTSUPP), rep.Error)

	h.send(t, uapi.NBD_CMD_DISC, 10, 0, 0, nil)
	require.NoError(t, h.wait(t))
	require.Empty(t, backend.trims)
}

func TestReadErrorPropagated(t *testing.T) {
	backend := newTestBackend(4096)
	backend.readErr = unix.ENOSPC
	h := newHarness(t, backend, nil)

	h.send(t, uapi.NBD_CMD_READ, 20, 0, 4096, nil)

	rep := h.readReply(t)
	require.Equal(t, uint32(28), rep.Error)

	// An errored READ carries no payload; the next frame on the stream
	// must be a well-formed reply header.
	h.send(t, uapi.NBD_CMD_FLUSH, 21, 0, 0, nil)
	rep = h.readReply(t)
	require.Equal(t, uint32(0), rep.Error)
	require.Equal(t, uint64(21), handleOf(rep))

	h.send(t, uapi.NBD_CMD_DISC, 22, 0, 0, nil)
	require.NoError(t, h.wait(t))
}

func TestUnknownCommand(t *testing.T) {
	backend := newTestBackend(4096)
	h := newHarness(t, backend, nil)

	h.send(t, 99, 13, 0, 0, nil)

	rep := h.readReply(t)
	require.Equal(t, uint32(unix.EINVAL), rep.Error)
	require.Equal(t, uint64(13), handleOf(rep))

	h.send(t, uapi.NBD_CMD_DISC, 14, 0, 0, nil)
	require.NoError(t, h.wait(t))

	// No handler ran.
	require.Zero(t, backend.readCalls)
	require.Zero(t, backend.writeCalls)
	require.Zero(t, backend.flushCalls)
}

func TestDisconnectDrains(t *testing.T) {
	backend := newTestBackend(1 << 20)
	backend.readDelay = 5 * time.Millisecond
	h := newHarness(t, backend, nil)

	const reads = 10
	for i := 0; i < reads; i++ {
		h.send(t, uapi.NBD_CMD_READ, uint64(i), uint64(i)*512, 512, nil)
	}
	h.send(t, uapi.NBD_CMD_DISC, 999, 0, 0, nil)

	// Serve must not return before every accepted read has replied.
	require.NoError(t, h.wait(t))
	require.Equal(t, 0, h.s.Inflight())
	require.Equal(t, 1, backend.closeCalls)

	seen := make(map[uint64]bool)
	for i := 0; i < reads; i++ {
		rep := h.readReply(t)
		require.Equal(t, uint32(0), rep.Error)
		hd := handleOf(rep)
		require.False(t, seen[hd], "handle %d replied twice", hd)
		seen[hd] = true
		h.readPayload(t, 512)
	}
	require.Len(t, seen, reads)
}

// Concurrent reads against a slow backend: the reply stream must parse as
// a concatenation of complete frames, handles must be a permutation of the
// requests, and payloads must match their offsets.
func TestReplyAtomicity(t *testing.T) {
	const (
		count   = 64
		chunk   = 4096
		devSize = count * chunk
	)

	backend := newTestBackend(devSize)
	for i := range backend.data {
		backend.data[i] = byte(i % 251)
	}

	// A small queue forces a mix of pooled and inline execution.
	pool := queue.NewPool(8, 4)
	t.Cleanup(pool.Close)
	h := newHarness(t, backend, pool)

	go func() {
		// Plain writes here: require must not run off the test goroutine.
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < count; i++ {
			if d := rng.Intn(3); d > 0 {
				time.Sleep(time.Duration(d) * time.Millisecond)
			}
			req := &uapi.Request{
				Magic: uapi.NBD_REQUEST_MAGIC,
				Type:  uapi.NBD_CMD_READ,
				From:  uint64(i) * chunk,
				Len:   chunk,
			}
			binary.BigEndian.PutUint64(req.Handle[:], uint64(i))
			if _, err := h.kern.Write(uapi.MarshalRequest(req)); err != nil {
				return
			}
		}
	}()

	seen := make(map[uint64]bool)
	for i := 0; i < count; i++ {
		rep := h.readReply(t)
		require.Equal(t, uint32(0), rep.Error)

		hd := handleOf(rep)
		require.Less(t, hd, uint64(count))
		require.False(t, seen[hd], "handle %d replied twice", hd)
		seen[hd] = true

		payload := h.readPayload(t, chunk)
		off := int(hd) * chunk
		for j := 0; j < chunk; j += 509 {
			require.Equal(t, byte((off+j)%251), payload[j],
				"payload corrupt at handle %d offset %d", hd, j)
		}
	}

	h.send(t, uapi.NBD_CMD_DISC, 1000, 0, 0, nil)
	require.NoError(t, h.wait(t))
	require.Equal(t, 0, h.s.Inflight())
}

func TestInlineFallback(t *testing.T) {
	backend := newTestBackend(1 << 20)
	h := newHarness(t, backend, rejectPool{})

	const reads = 8
	for i := 0; i < reads; i++ {
		h.send(t, uapi.NBD_CMD_READ, uint64(i), 0, 1024, nil)
	}
	for i := 0; i < reads; i++ {
		rep := h.readReply(t)
		require.Equal(t, uint32(0), rep.Error)
		h.readPayload(t, 1024)
	}

	h.send(t, uapi.NBD_CMD_DISC, 100, 0, 0, nil)
	require.NoError(t, h.wait(t))
}

func TestCleanClose(t *testing.T) {
	backend := newTestBackend(4096)
	h := newHarness(t, backend, nil)

	require.NoError(t, h.kern.Close())
	require.NoError(t, h.wait(t))
}

func TestShortHeaderFatal(t *testing.T) {
	backend := newTestBackend(4096)
	h := newHarness(t, backend, nil)

	_, err := h.kern.Write(make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, unix.Shutdown(h.kernFd, unix.SHUT_WR))

	require.Error(t, h.wait(t))
}

func TestShortWritePayloadFatal(t *testing.T) {
	backend := newTestBackend(1 << 20)
	h := newHarness(t, backend, nil)

	h.send(t, uapi.NBD_CMD_WRITE, 30, 0, 1024, nil)
	_, err := h.kern.Write(make([]byte, 100))
	require.NoError(t, err)
	require.NoError(t, unix.Shutdown(h.kernFd, unix.SHUT_WR))

	require.Error(t, h.wait(t))
	require.Zero(t, backend.writeCalls)
}

func TestStop(t *testing.T) {
	backend := newTestBackend(4096)
	h := newHarness(t, backend, nil)

	h.s.Stop()
	require.NoError(t, h.wait(t))
}

func TestNewValidation(t *testing.T) {
	pool := queue.NewPool(1, 1)
	t.Cleanup(pool.Close)

	if _, err := New(Config{Fd: 0, Backend: nil, Pool: pool}); err == nil {
		t.Error("New accepted a nil backend")
	}
	if _, err := New(Config{Fd: 0, Backend: newTestBackend(1), Pool: nil}); err == nil {
		t.Error("New accepted a nil pool")
	}
}

type countingObserver struct {
	mu       sync.Mutex
	reads    int
	writes   int
	flushes  int
	trims    int
	maxDepth uint32
}

func (o *countingObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.mu.Lock()
	o.reads++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.mu.Lock()
	o.writes++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveTrim(bytes, latencyNs uint64, success bool) {
	o.mu.Lock()
	o.trims++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.mu.Lock()
	o.flushes++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveInflight(n uint32) {
	o.mu.Lock()
	if n > o.maxDepth {
		o.maxDepth = n
	}
	o.mu.Unlock()
}

func TestObserver(t *testing.T) {
	backend := newTestBackend(1 << 20)
	obs := &countingObserver{}

	pool := queue.NewPool(8, 64)
	t.Cleanup(pool.Close)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	s, err := New(Config{Fd: fds[0], Backend: backend, Pool: pool, Observer: obs})
	require.NoError(t, err)

	kern := os.NewFile(uintptr(fds[1]), "nbd-kernel")
	h := &harness{s: s, kern: kern, kernFd: fds[1], done: make(chan error, 1)}
	go func() { h.done <- s.Serve() }()
	t.Cleanup(func() {
		kern.Close()
		unix.Close(fds[0])
	})

	h.send(t, uapi.NBD_CMD_READ, 1, 0, 512, nil)
	h.send(t, uapi.NBD_CMD_WRITE, 2, 0, 512, make([]byte, 512))
	h.send(t, uapi.NBD_CMD_FLUSH, 3, 0, 0, nil)
	h.send(t, uapi.NBD_CMD_TRIM, 4, 0, 512, nil)
	h.send(t, uapi.NBD_CMD_DISC, 5, 0, 0, nil)

	require.NoError(t, h.wait(t))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, 1, obs.reads)
	require.Equal(t, 1, obs.writes)
	require.Equal(t, 1, obs.flushes)
	require.Equal(t, 1, obs.trims)
	require.GreaterOrEqual(t, obs.maxDepth, uint32(1))
}
