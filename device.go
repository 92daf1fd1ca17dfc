// Package nbd exposes user-supplied read/write/flush/trim logic as a Linux
// block device through the kernel NBD driver. The driver is handed one end
// of a socket pair; requests arriving on /dev/nbdN come out the other end
// and are dispatched to the Backend through a shared worker pool.
package nbd

import (
	"context"
	"sync"

	"github.com/ehrlich-b/go-nbd/internal/constants"
	"github.com/ehrlich-b/go-nbd/internal/ctrl"
	"github.com/ehrlich-b/go-nbd/internal/logging"
	"github.com/ehrlich-b/go-nbd/internal/queue"
	"github.com/ehrlich-b/go-nbd/internal/session"
)

// WorkerPool is a handle on a pool of request executors. Sessions normally
// share the lazily created process-wide pool; callers that want isolation
// can build their own and hand it in through Options.
type WorkerPool struct {
	p *queue.Pool
}

// NewWorkerPool builds a pool with the given worker count and queue
// capacity. Non-positive arguments fall back to the defaults.
func NewWorkerPool(workers, slots int) *WorkerPool {
	if workers <= 0 {
		workers = constants.PoolWorkers
	}
	if slots <= 0 {
		slots = constants.PoolQueueSlots
	}
	return &WorkerPool{p: queue.NewPool(workers, slots)}
}

// Close releases the pool's workers. Do not close a pool that still has
// sessions attached.
func (w *WorkerPool) Close() {
	w.p.Close()
}

// Options configures one device session.
type Options struct {
	// BlockSize is the logical block size in bytes (default 4096).
	// The backend's Size() must be a multiple of it.
	BlockSize uint32

	// ReadOnly advertises NBD_FLAG_READ_ONLY to the kernel.
	ReadOnly bool

	// Logger receives diagnostics; nil uses the package default.
	Logger Logger

	// Observer receives per-request completion events; nil disables.
	Observer Observer

	// Pool overrides the shared process-wide worker pool.
	Pool *WorkerPool
}

// The worker pool is shared by every session in the process: constructed
// lazily on the first RunDevice, never torn down while devices exist.
var (
	globalMu    sync.Mutex
	globalPool  *queue.Pool
	deviceCount int
)

// ActiveDevices reports the number of sessions currently running.
func ActiveDevices() int {
	globalMu.Lock()
	defer globalMu.Unlock()
	return deviceCount
}

// RunDevice binds backend to the NBD device at devPath and serves requests
// until the kernel disconnects, the context is cancelled, or a protocol
// error tears the session down. It returns only after every accepted
// request has completed and its reply has been written.
func RunDevice(ctx context.Context, devPath string, backend Backend, opts *Options) error {
	if backend == nil {
		return NewDeviceError("run", devPath, ErrCodeInvalidParameters, "nil backend")
	}

	var o Options
	if opts != nil {
		o = *opts
	}
	if o.BlockSize == 0 {
		o.BlockSize = constants.DefaultBlockSize
	}
	logger := o.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	size := backend.Size()
	if size <= 0 {
		return NewDeviceError("run", devPath, ErrCodeInvalidParameters, "backend size must be positive")
	}
	if size%int64(o.BlockSize) != 0 {
		return NewDeviceError("run", devPath, ErrCodeInvalidParameters,
			"backend size is not a multiple of the block size")
	}

	pool := acquirePool(o.Pool)
	defer releaseDevice()

	_, hasTrim := backend.(TrimBackend)
	flags := ctrl.Flags(o.ReadOnly, hasTrim)

	binding, err := ctrl.Bind(devPath, o.BlockSize, uint64(size), flags, logger)
	if err != nil {
		logger.Printf("%s: bind: %v", devPath, err)
		return WrapError("bind", devPath, err)
	}

	sess, err := session.New(session.Config{
		Fd:       binding.UserFd(),
		Backend:  backend,
		Pool:     pool,
		Logger:   logger,
		Observer: o.Observer,
	})
	if err != nil {
		binding.Close()
		return WrapError("run", devPath, err)
	}

	binding.Start()

	// The kernel side ends in two ways we have to react to: the context
	// is cancelled, or NBD_DO_IT returns (device removed, or the setup
	// ioctls failed). Either way the session stops accepting and drains.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Stop()
		case <-stop:
		}
	}()
	go func() {
		if derr := binding.Wait(); derr != nil {
			logger.Printf("%s: device servicing thread: %v", devPath, derr)
		}
		sess.Stop()
	}()

	err = sess.Serve()
	close(stop)
	binding.Close()

	logger.Debugf("%s: session closed", devPath)
	if err != nil {
		return WrapError("serve", devPath, err)
	}
	return nil
}

// Disconnect forcibly detaches the device at devPath. It is used
// out-of-band to interrupt a stuck device and is best-effort: detaching a
// device that is not connected reports an error the caller may ignore.
func Disconnect(devPath string) error {
	if err := ctrl.Disconnect(devPath); err != nil {
		logging.Default().Printf("disconnect %s: %v", devPath, err)
		return WrapError("disconnect", devPath, err)
	}
	return nil
}

// SetSize resizes the device at devPath to size bytes.
func SetSize(devPath string, size uint64) error {
	if err := ctrl.SetSize(devPath, size); err != nil {
		logging.Default().Printf("set size %s: %v", devPath, err)
		return WrapError("set size", devPath, err)
	}
	return nil
}

func acquirePool(custom *WorkerPool) *queue.Pool {
	globalMu.Lock()
	defer globalMu.Unlock()

	deviceCount++
	if custom != nil {
		return custom.p
	}
	if globalPool == nil {
		logging.Default().Debugf("starting worker pool: %d workers, %d queue slots",
			constants.PoolWorkers, constants.PoolQueueSlots)
		globalPool = queue.NewPool(constants.PoolWorkers, constants.PoolQueueSlots)
	}
	return globalPool
}

func releaseDevice() {
	globalMu.Lock()
	deviceCount--
	globalMu.Unlock()
}
