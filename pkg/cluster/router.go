package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"distlog/pkg/types"
)

var (
	// ErrUnavailable marks transport failures: the target node could not be
	// reached or did not answer. The router moves on to the next replica.
	ErrUnavailable = errors.New("node unavailable")
	ErrNoReplicas  = errors.New("no replicas for partition")

	// ErrRemoteTimeout means a replica took the request but gave no outcome
	// in time. The operation may still be applied there, so the router does
	// not retry it elsewhere.
	ErrRemoteTimeout = fmt.Errorf("remote operation timed out: %w", context.DeadlineExceeded)
)

// LogAPI is the partition-scoped log contract served by a node, local or remote.
type LogAPI interface {
	Append(
		ctx context.Context,
		partition types.PartitionID,
		node types.NodeID,
		index types.AppendIndex,
		position types.CommitPosition,
		block []byte,
	) (int64, error)
	LastAppendIndex(ctx context.Context, partition types.PartitionID) (int64, error)
	ClaimLeadership(ctx context.Context, partition types.PartitionID, node types.NodeID, term types.Term) (bool, error)
}

// фабрика удалённых клиентов
type ClientFactory func(node types.NodeID) (LogAPI, error)

// Router sends each operation to a node holding a replica of the partition:
// the local node if it is one, otherwise the remote replicas in turn, live
// ones first.
type Router struct {
	LocalID   types.NodeID // текущая нода
	Placement *Placement
	Local     LogAPI
	NewClient ClientFactory

	mu      sync.RWMutex
	live    map[types.NodeID]struct{} // nil: liveness unknown, every node counts as live
	clients map[types.NodeID]LogAPI
}

// UpdateLive replaces the set of live nodes reported by membership.
func (r *Router) UpdateLive(nodes []types.NodeID) {
	live := make(map[types.NodeID]struct{}, len(nodes))
	for _, n := range nodes {
		live[n] = struct{}{}
	}
	r.mu.Lock()
	r.live = live
	r.mu.Unlock()
	slog.Info("router: live nodes updated", "nodes", nodes)
}

func (r *Router) isLive(node types.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.live == nil {
		return true
	}
	_, ok := r.live[node]
	return ok
}

// targets lists remote replicas of partition, live ones first, and reports
// whether the local node hosts it.
func (r *Router) targets(partition types.PartitionID) ([]types.NodeID, bool, error) {
	if r.Placement == nil {
		return nil, false, fmt.Errorf("router: placement is not initialized")
	}
	replicas := r.Placement.Replicas(partition)
	if len(replicas) == 0 {
		return nil, false, fmt.Errorf("%w: %q", ErrNoReplicas, partition)
	}

	var live, down []types.NodeID
	for _, n := range replicas {
		switch {
		case n == r.LocalID:
			return nil, true, nil
		case r.isLive(n):
			live = append(live, n)
		default:
			down = append(down, n)
		}
	}
	return append(live, down...), false, nil
}

func (r *Router) client(node types.NodeID) (LogAPI, error) {
	r.mu.RLock()
	cl, ok := r.clients[node]
	r.mu.RUnlock()
	if ok {
		return cl, nil
	}

	cl, err := r.NewClient(node)
	if err != nil {
		return nil, fmt.Errorf("router: create client for %q: %w", node, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients == nil {
		r.clients = make(map[types.NodeID]LogAPI)
	}
	if existing, ok := r.clients[node]; ok {
		return existing, nil
	}
	r.clients[node] = cl
	return cl, nil
}

// route runs op locally or against each remote replica until one answers.
// Only ErrUnavailable moves on to the next replica.
func route[T any](ctx context.Context, r *Router, method string, partition types.PartitionID, op func(LogAPI) (T, error)) (T, error) {
	var zero T

	targets, local, err := r.targets(partition)
	if err != nil {
		return zero, err
	}
	if local {
		slog.Debug("router: local", "method", method, "partition", partition)
		return op(r.Local)
	}

	var lastErr error
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		cl, err := r.client(target)
		if err != nil {
			lastErr = err
			continue
		}
		slog.Debug("router: remote", "method", method, "partition", partition, "target", target)
		v, err := op(cl)
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return v, err
		}
		slog.Warn("router: replica unavailable, trying next",
			"method", method, "partition", partition, "target", target, "error", err)
		lastErr = err
	}
	return zero, fmt.Errorf("partition %q: all replicas failed: %w", partition, lastErr)
}

func (r *Router) Append(
	ctx context.Context,
	partition types.PartitionID,
	node types.NodeID,
	index types.AppendIndex,
	position types.CommitPosition,
	block []byte,
) (int64, error) {
	return route(ctx, r, "APPEND", partition, func(api LogAPI) (int64, error) {
		return api.Append(ctx, partition, node, index, position, block)
	})
}

func (r *Router) LastAppendIndex(ctx context.Context, partition types.PartitionID) (int64, error) {
	return route(ctx, r, "LAST", partition, func(api LogAPI) (int64, error) {
		return api.LastAppendIndex(ctx, partition)
	})
}

func (r *Router) ClaimLeadership(ctx context.Context, partition types.PartitionID, node types.NodeID, term types.Term) (bool, error) {
	return route(ctx, r, "CLAIM", partition, func(api LogAPI) (bool, error) {
		return api.ClaimLeadership(ctx, partition, node, term)
	})
}
