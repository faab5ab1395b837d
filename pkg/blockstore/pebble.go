package blockstore

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"distlog/pkg/types"
)

// FsyncMode defines durability behavior for commits.
type FsyncMode int

const (
	// FsyncModeAlways syncs the WAL on every commit.
	FsyncModeAlways FsyncMode = iota
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble.
	FsyncModeNever
)

// Options configures the Pebble store.
type Options struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// Pebble is the durable Store.
type Pebble struct {
	inner     *pebble.DB
	writeSync bool
	closed    atomic.Bool
}

var _ Store = (*Pebble)(nil)

// OpenPebble creates or opens the database under opts.DataDir.
func OpenPebble(opts Options) (*Pebble, error) {
	if opts.DataDir == "" {
		return nil, errors.New("blockstore: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeAlways, FsyncModeNever:
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	return &Pebble{
		inner:     inner,
		writeSync: opts.Fsync != FsyncModeNever,
	}, nil
}

func (p *Pebble) Meta(partition types.PartitionID) (Meta, error) {
	raw, err := p.get(KeyMeta(partition))
	if errors.Is(err, ErrNotFound) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, fmt.Errorf("read meta %q: %w", partition, err)
	}
	m, err := decodeMeta(raw)
	if err != nil {
		return Meta{}, fmt.Errorf("decode meta %q: %w", partition, err)
	}
	return m, nil
}

func (p *Pebble) Commit(partition types.PartitionID, block *Block, meta Meta) error {
	if p.closed.Load() {
		return ErrClosed
	}
	b := p.inner.NewBatch()
	defer b.Close()

	if block != nil {
		if err := b.Set(KeyBlock(partition, block.Index), encodeBlock(*block), nil); err != nil {
			return fmt.Errorf("batch block: %w", err)
		}
	}
	if err := b.Set(KeyMeta(partition), encodeMeta(meta), nil); err != nil {
		return fmt.Errorf("batch meta: %w", err)
	}

	opts := pebble.NoSync
	if p.writeSync {
		opts = pebble.Sync
	}
	if err := b.Commit(opts); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (p *Pebble) Block(partition types.PartitionID, index types.AppendIndex) (Block, error) {
	raw, err := p.get(KeyBlock(partition, index))
	if err != nil {
		return Block{}, err
	}
	return decodeBlock(raw)
}

// get copies the value for key.
func (p *Pebble) get(key []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	val, closer, err := p.inner.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (p *Pebble) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.inner.Close()
}
