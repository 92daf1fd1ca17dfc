package backend

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	nbd "github.com/ehrlich-b/go-nbd"
)

// File is a file-backed device. The backing file is memory-mapped, so
// reads and writes are plain copies and Flush maps to msync.
type File struct {
	mu   sync.RWMutex
	file *os.File
	mmap mmap.MMap
	size int64
}

// NewFile opens (or creates) path and maps it at the given size. An
// existing file is truncated or extended to size; sparse extension is left
// to the filesystem.
func NewFile(path string, size int64) (*File, error) {
	if size <= 0 {
		return nil, fmt.Errorf("file backend size must be positive, got %d", size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &File{file: f, mmap: mm, size: size}, nil
}

func (b *File) ReadAt(p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, fmt.Errorf("read beyond end of device")
	}
	if avail := b.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.mmap == nil {
		return 0, errors.New("backend closed")
	}
	return copy(p, b.mmap[off:off+int64(len(p))]), nil
}

func (b *File) WriteAt(p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	if avail := b.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mmap == nil {
		return 0, errors.New("backend closed")
	}
	return copy(b.mmap[off:off+int64(len(p))], p), nil
}

func (b *File) Size() int64 {
	return b.size
}

func (b *File) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mmap == nil {
		return nil
	}
	return b.mmap.Flush()
}

// Trim zeroes the range; the pages stay allocated in the backing file.
func (b *File) Trim(off, length int64) error {
	if off >= b.size {
		return nil
	}
	end := off + length
	if end > b.size {
		end = b.size
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mmap == nil {
		return errors.New("backend closed")
	}
	region := b.mmap[off:end]
	for i := range region {
		region[i] = 0
	}
	return nil
}

func (b *File) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mmap == nil {
		return nil
	}

	flushErr := b.mmap.Flush()
	unmapErr := b.mmap.Unmap()
	closeErr := b.file.Close()
	b.mmap = nil

	return errors.Join(flushErr, unmapErr, closeErr)
}

var _ nbd.TrimBackend = (*File)(nil)
