package blockstore

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"distlog/pkg/types"
)

type blockSet = skipmap.FuncMap[types.AppendIndex, Block]

type memPartition struct {
	mu     sync.RWMutex
	meta   Meta
	blocks *blockSet
}

// Memory is a Store kept in ordered skip lists. It is used by tests and by
// nodes started without a data directory.
type Memory struct {
	partitions *skipmap.FuncMap[types.PartitionID, *memPartition]
	closed     atomic.Bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		partitions: skipmap.NewFunc[types.PartitionID, *memPartition](func(a, b types.PartitionID) bool {
			return a < b
		}),
	}
}

func (m *Memory) partition(id types.PartitionID) *memPartition {
	if p, ok := m.partitions.Load(id); ok {
		return p
	}
	p, _ := m.partitions.LoadOrStore(id, &memPartition{
		blocks: skipmap.NewFunc[types.AppendIndex, Block](func(a, b types.AppendIndex) bool {
			return a < b
		}),
	})
	return p
}

func (m *Memory) Meta(partition types.PartitionID) (Meta, error) {
	if m.closed.Load() {
		return Meta{}, ErrClosed
	}
	p := m.partition(partition)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.meta, nil
}

func (m *Memory) Commit(partition types.PartitionID, block *Block, meta Meta) error {
	if m.closed.Load() {
		return ErrClosed
	}
	p := m.partition(partition)
	p.mu.Lock()
	defer p.mu.Unlock()

	if block != nil {
		b := *block
		b.Data = append([]byte(nil), block.Data...)
		p.blocks.Store(b.Index, b)
	}
	p.meta = meta
	return nil
}

func (m *Memory) Block(partition types.PartitionID, index types.AppendIndex) (Block, error) {
	if m.closed.Load() {
		return Block{}, ErrClosed
	}
	b, ok := m.partition(partition).blocks.Load(index)
	if !ok {
		return Block{}, ErrNotFound
	}
	b.Data = append([]byte(nil), b.Data...)
	return b, nil
}

// Len returns the number of blocks stored for partition.
func (m *Memory) Len(partition types.PartitionID) int {
	return m.partition(partition).blocks.Len()
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
