// Package backend provides standard backends for NBD devices.
package backend

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	nbd "github.com/ehrlich-b/go-nbd"
)

// ShardSize is the span covered by each lock shard (64KB). Small enough
// that 4K random I/O rarely contends, large enough to keep lock overhead
// reasonable.
const ShardSize = 64 * 1024

// Memory is a RAM-backed device. Sharded locking allows parallel I/O from
// many workers; a bitset tracks which blocks have ever been written so
// Stats can report utilization and Trim can clear it again.
type Memory struct {
	data      []byte
	size      int64
	blockSize int64
	shards    []sync.RWMutex

	trackMu sync.Mutex
	written *bitset.BitSet
}

// NewMemory creates a memory backend of the given size, tracking writes
// at blockSize granularity. blockSize <= 0 defaults to 4096.
func NewMemory(size int64, blockSize int64) *Memory {
	if blockSize <= 0 {
		blockSize = 4096
	}
	numShards := (size + ShardSize - 1) / ShardSize
	numBlocks := uint(((size + blockSize - 1) / blockSize))
	return &Memory{
		data:      make([]byte, size),
		size:      size,
		blockSize: blockSize,
		shards:    make([]sync.RWMutex, numShards),
		written:   bitset.New(numBlocks),
	}
}

// shardRange returns the shards covering [off, off+length).
func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("read beyond end of device")
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}

	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}

	m.markWritten(off, int64(n))
	return n, nil
}

func (m *Memory) Size() int64 {
	return m.size
}

func (m *Memory) Flush() error {
	return nil
}

func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Trim zeroes the range and forgets its blocks.
func (m *Memory) Trim(off, length int64) error {
	if off >= m.size {
		return nil
	}
	end := off + length
	if end > m.size {
		end = m.size
	}

	startShard, endShard := m.shardRange(off, end-off)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	for i := off; i < end; i++ {
		m.data[i] = 0
	}
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}

	// Only blocks fully inside the trimmed range are forgotten; edge
	// blocks may still hold data outside it.
	firstFull := (off + m.blockSize - 1) / m.blockSize
	lastFull := end/m.blockSize - 1
	if firstFull <= lastFull {
		m.trackMu.Lock()
		for b := uint(firstFull); b <= uint(lastFull); b++ {
			m.written.Clear(b)
		}
		m.trackMu.Unlock()
	}
	return nil
}

func (m *Memory) markWritten(off, length int64) {
	if length <= 0 {
		return
	}
	first := uint(off / m.blockSize)
	last := uint((off + length - 1) / m.blockSize)

	m.trackMu.Lock()
	for b := first; b <= last; b++ {
		m.written.Set(b)
	}
	m.trackMu.Unlock()
}

// WrittenBlocks reports how many blocks hold written data.
func (m *Memory) WrittenBlocks() uint {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	return m.written.Count()
}

// Stats reports backend internals for diagnostics.
func (m *Memory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":           "memory",
		"size":           m.size,
		"block_size":     m.blockSize,
		"num_shards":     len(m.shards),
		"shard_size":     ShardSize,
		"written_blocks": m.WrittenBlocks(),
	}
}

var _ nbd.TrimBackend = (*Memory)(nil)
