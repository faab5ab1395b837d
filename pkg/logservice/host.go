package logservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"distlog/pkg/blockstore"
	"distlog/pkg/types"
)

var ErrUnknownPartition = errors.New("partition is not hosted on this node")

// Host holds the replicas of every partition this node serves.
type Host struct {
	mu       sync.RWMutex
	replicas map[types.PartitionID]*Replica
}

func NewHost() *Host {
	return &Host{replicas: make(map[types.PartitionID]*Replica)}
}

func (h *Host) Add(r *Replica) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replicas[r.Partition()] = r
}

func (h *Host) Replica(partition types.PartitionID) (*Replica, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.replicas[partition]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartition, partition)
	}
	return r, nil
}

// Partitions lists hosted partitions in name order.
func (h *Host) Partitions() []types.PartitionID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.PartitionID, 0, len(h.replicas))
	for p := range h.replicas {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (h *Host) Append(
	ctx context.Context,
	partition types.PartitionID,
	node types.NodeID,
	index types.AppendIndex,
	position types.CommitPosition,
	block []byte,
) (int64, error) {
	r, err := h.Replica(partition)
	if err != nil {
		return 0, err
	}
	return r.Append(ctx, node, index, position, block)
}

func (h *Host) LastAppendIndex(ctx context.Context, partition types.PartitionID) (int64, error) {
	r, err := h.Replica(partition)
	if err != nil {
		return 0, err
	}
	return r.LastAppendIndex(ctx)
}

func (h *Host) ClaimLeadership(ctx context.Context, partition types.PartitionID, node types.NodeID, term types.Term) (bool, error) {
	r, err := h.Replica(partition)
	if err != nil {
		return false, err
	}
	return r.ClaimLeadership(ctx, node, term)
}

func (h *Host) Block(partition types.PartitionID, index types.AppendIndex) (blockstore.Block, error) {
	r, err := h.Replica(partition)
	if err != nil {
		return blockstore.Block{}, err
	}
	return r.Block(index)
}

// Step hands an inbound raft message to the partition's group.
func (h *Host) Step(ctx context.Context, partition types.PartitionID, msg raftpb.Message) error {
	r, err := h.Replica(partition)
	if err != nil {
		return err
	}
	return r.Step(ctx, msg)
}

// Run drives every replica and returns when all of them stopped. The first
// group failure is returned; other groups keep running until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	h.mu.RLock()
	replicas := make([]*Replica, 0, len(h.replicas))
	for _, r := range h.replicas {
		replicas = append(replicas, r)
	}
	h.mu.RUnlock()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for _, r := range replicas {
		wg.Add(1)
		go func(r *Replica) {
			defer wg.Done()
			err := r.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("partition replica stopped", "partition", r.Partition(), "error", err)
			errOnce.Do(func() { firstErr = err })
		}(r)
	}
	wg.Wait()
	return firstErr
}

func (h *Host) Stop() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p, r := range h.replicas {
		if err := r.Stop(); err != nil {
			slog.Warn("failed to stop replica", "partition", p, "error", err)
		}
	}
}
