// Package ctrl binds a socket pair to the kernel NBD driver and exposes
// the out-of-band device controls.
package ctrl

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nbd/internal/interfaces"
	"github.com/ehrlich-b/go-nbd/internal/uapi"
)

// Binding holds the descriptors tying one device to one session: the open
// /dev/nbdN node and both ends of the socket pair. The kernel end is handed
// to the driver with NBD_SET_SOCK; the user end feeds the session.
type Binding struct {
	path   string
	devFd  int
	kernFd int
	userFd int
	flags  uint32
	logger interfaces.Logger
	done   chan error
}

// Flags computes the transmission flags advertised to the driver.
// HAS_FLAGS is always set; READ_ONLY follows the device attribute;
// SEND_FLUSH is always offered; SEND_TRIM only when the backend can trim.
func Flags(readOnly, trim bool) uint32 {
	flags := uint32(uapi.NBD_FLAG_HAS_FLAGS | uapi.NBD_FLAG_SEND_FLUSH)
	if readOnly {
		flags |= uapi.NBD_FLAG_READ_ONLY
	}
	if trim {
		flags |= uapi.NBD_FLAG_SEND_TRIM
	}
	return flags
}

// Bind opens devPath, sizes the device, and prepares the socket pair. The
// servicing thread is not started until Start. Size ioctl failures are
// logged and tolerated; a failed open or socketpair is fatal.
func Bind(devPath string, blockSize uint32, size uint64, flags uint32, logger interfaces.Logger) (*Binding, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("set nonblock: %w", err)
		}
	}

	devFd, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("open %s (is the nbd module loaded?): %w", devPath, err)
	}

	b := &Binding{
		path:   devPath,
		devFd:  devFd,
		kernFd: fds[1],
		userFd: fds[0],
		flags:  flags,
		logger: logger,
		done:   make(chan error, 1),
	}

	if err := ioctl(devFd, uapi.NBD_SET_BLKSIZE, uintptr(blockSize)); err != nil {
		b.printf("%s: NBD_SET_BLKSIZE: %v", devPath, err)
	}
	if err := ioctl(devFd, uapi.NBD_SET_SIZE_BLOCKS, uintptr(size/uint64(blockSize))); err != nil {
		b.printf("%s: NBD_SET_SIZE_BLOCKS: %v", devPath, err)
	}
	if err := ioctl(devFd, uapi.NBD_CLEAR_SOCK, 0); err != nil {
		b.printf("%s: NBD_CLEAR_SOCK: %v", devPath, err)
	}

	return b, nil
}

// UserFd returns the session end of the socket pair.
func (b *Binding) UserFd() int {
	return b.userFd
}

// Start hands the kernel end to the driver and parks a dedicated thread in
// NBD_DO_IT for the device's lifetime. The driver only needs some thread
// stuck in the ioctl, not a separate process. When NBD_DO_IT returns
// (device removal) the thread clears the driver queue and socket.
func (b *Binding) Start() {
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := ioctl(b.devFd, uapi.NBD_SET_SOCK, uintptr(b.kernFd)); err != nil {
			b.done <- fmt.Errorf("%s: NBD_SET_SOCK: %w", b.path, err)
			return
		}
		if err := ioctl(b.devFd, uapi.NBD_SET_FLAGS, uintptr(b.flags)); err != nil {
			b.done <- fmt.Errorf("%s: NBD_SET_FLAGS: %w", b.path, err)
			return
		}

		err := ioctl(b.devFd, uapi.NBD_DO_IT, 0)
		b.debugf("%s: NBD_DO_IT returned: %v", b.path, err)

		if cerr := ioctl(b.devFd, uapi.NBD_CLEAR_QUE, 0); cerr != nil {
			b.printf("%s: NBD_CLEAR_QUE: %v", b.path, cerr)
		}
		if cerr := ioctl(b.devFd, uapi.NBD_CLEAR_SOCK, 0); cerr != nil {
			b.printf("%s: NBD_CLEAR_SOCK: %v", b.path, cerr)
		}
		b.done <- err
	}()
}

// Wait blocks until the servicing thread leaves NBD_DO_IT.
func (b *Binding) Wait() error {
	return <-b.done
}

// Close clears the driver's socket and releases every descriptor. Safe to
// call once the session has drained.
func (b *Binding) Close() {
	if err := ioctl(b.devFd, uapi.NBD_CLEAR_SOCK, 0); err != nil {
		b.printf("%s: NBD_CLEAR_SOCK: %v", b.path, err)
	}
	unix.Close(b.userFd)
	unix.Close(b.kernFd)
	unix.Close(b.devFd)
}

// Disconnect forces a device to detach: NBD_DISCONNECT makes the driver
// abandon the socket, CLEAR_SOCK releases it. Best-effort and idempotent
// against a device that is not connected.
func Disconnect(devPath string) error {
	fd, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", devPath, err)
	}
	defer unix.Close(fd)

	if err := ioctl(fd, uapi.NBD_DISCONNECT, 0); err != nil {
		return fmt.Errorf("%s: NBD_DISCONNECT: %w", devPath, err)
	}
	if err := ioctl(fd, uapi.NBD_CLEAR_SOCK, 0); err != nil {
		return fmt.Errorf("%s: NBD_CLEAR_SOCK: %w", devPath, err)
	}
	return nil
}

// SetSize resizes a device that may already be running.
func SetSize(devPath string, size uint64) error {
	fd, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", devPath, err)
	}
	defer unix.Close(fd)

	if err := ioctl(fd, uapi.NBD_SET_SIZE, uintptr(size)); err != nil {
		return fmt.Errorf("%s: NBD_SET_SIZE: %w", devPath, err)
	}
	return nil
}

func ioctl(fd int, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func (b *Binding) printf(format string, args ...interface{}) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}

func (b *Binding) debugf(format string, args ...interface{}) {
	if b.logger != nil {
		b.logger.Debugf(format, args...)
	}
}
