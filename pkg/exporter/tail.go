package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"distlog/pkg/blockstore"
	"distlog/pkg/types"
)

type blockReader interface {
	Block(partition types.PartitionID, index types.AppendIndex) (blockstore.Block, error)
}

type positionReader interface {
	Position(partition types.PartitionID) (types.AppendIndex, error)
}

// Tailer reads committed blocks of the local partitions and submits their
// records, starting after the last acknowledged position.
type Tailer struct {
	blocks     blockReader
	positions  positionReader
	exporter   *Exporter
	partitions []types.PartitionID
	interval   time.Duration
	log        *slog.Logger
}

func NewTailer(
	blocks blockReader,
	positions positionReader,
	exporter *Exporter,
	partitions []types.PartitionID,
	interval time.Duration,
) *Tailer {
	return &Tailer{
		blocks:     blocks,
		positions:  positions,
		exporter:   exporter,
		partitions: partitions,
		interval:   interval,
		log:        slog.With("component", "tailer"),
	}
}

// Run polls until ctx is done.
func (t *Tailer) Run(ctx context.Context) error {
	next := make(map[types.PartitionID]types.AppendIndex, len(t.partitions))
	for _, p := range t.partitions {
		pos, err := t.positions.Position(p)
		if err != nil {
			return fmt.Errorf("tailer: %w", err)
		}
		next[p] = pos + 1
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		for _, p := range t.partitions {
			n, err := t.drain(ctx, p, next[p])
			next[p] = n
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				t.log.Error("tail partition", "partition", p, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// drain submits blocks from index on until the first missing one and returns
// the next index to read.
func (t *Tailer) drain(ctx context.Context, partition types.PartitionID, index types.AppendIndex) (types.AppendIndex, error) {
	for {
		b, err := t.blocks.Block(partition, index)
		if errors.Is(err, blockstore.ErrNotFound) {
			return index, nil
		}
		if err != nil {
			return index, err
		}

		records, err := DecodeBlock(partition, index, b.Data)
		if err != nil {
			t.log.Warn("skipping malformed records", "partition", partition, "index", index, "error", err)
		}
		for _, r := range records {
			if err := t.exporter.Submit(ctx, r); err != nil {
				return index, err
			}
		}
		index++
	}
}
