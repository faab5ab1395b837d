package logservice

import (
	"context"
	"fmt"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"distlog/pkg/blockstore"
	"distlog/pkg/config"
	"distlog/pkg/logstate"
	"distlog/pkg/raftadapter"
	"distlog/pkg/types"
	"distlog/pkg/wal"
)

// Transport carries raft messages between replicas of a partition.
type Transport interface {
	Send(partition types.PartitionID, msg raftpb.Message) error
}

// Replica is this node's member of one partition's raft group.
type Replica struct {
	partition types.PartitionID
	service   *Service
	node      *raftadapter.Node[Result]
}

// NewReplica loads the partition from store and joins (or restarts) its raft
// group. journal may be nil for a replica whose raft log lives in memory only.
func NewReplica(
	cfg config.RaftConfig,
	group raftadapter.Group,
	store blockstore.Store,
	journal *wal.WAL,
	transport Transport,
) (*Replica, error) {
	svc, err := NewService(group.Partition, store)
	if err != nil {
		return nil, err
	}
	node, err := raftadapter.NewNode[Result](cfg, group, svc, journal, transport)
	if err != nil {
		return nil, fmt.Errorf("start raft for partition %q: %w", group.Partition, err)
	}
	return &Replica{
		partition: group.Partition,
		service:   svc,
		node:      node,
	}, nil
}

func (r *Replica) Partition() types.PartitionID {
	return r.partition
}

// Run drives the raft group until ctx is done or the group fails.
func (r *Replica) Run(ctx context.Context) error {
	return r.node.Run(ctx)
}

// Append replicates a block. It returns appendIndex once the block is committed
// and applied on this replica.
func (r *Replica) Append(
	ctx context.Context,
	node types.NodeID,
	index types.AppendIndex,
	position types.CommitPosition,
	block []byte,
) (int64, error) {
	res, err := r.execute(ctx, NewAppendCmd(node, index, position, block))
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

// LastAppendIndex returns the committed frontier as of the call: it waits for
// this replica to catch up with the leader's commit index before reading.
func (r *Replica) LastAppendIndex(ctx context.Context) (int64, error) {
	if err := r.node.LinearizableRead(ctx); err != nil {
		return 0, fmt.Errorf("partition %q read barrier: %w", r.partition, err)
	}
	return r.service.LastAppendIndex(), nil
}

// ClaimLeadership returns false, without error, when term does not supersede
// the current leader's term.
func (r *Replica) ClaimLeadership(ctx context.Context, node types.NodeID, term types.Term) (bool, error) {
	res, err := r.execute(ctx, NewClaimCmd(node, term))
	if err != nil {
		return false, err
	}
	return res.Accepted, nil
}

func (r *Replica) Block(index types.AppendIndex) (blockstore.Block, error) {
	return r.service.Block(index)
}

// Leader is the recognized leader as applied on this replica.
func (r *Replica) Leader() logstate.Epoch {
	return r.service.Leader()
}

func (r *Replica) Step(ctx context.Context, msg raftpb.Message) error {
	return r.node.Handle(ctx, msg)
}

func (r *Replica) IsRaftLeader() bool {
	return r.node.IsLeader()
}

func (r *Replica) Campaign(ctx context.Context) error {
	return r.node.Campaign(ctx)
}

func (r *Replica) Stop() error {
	return r.node.Stop()
}

func (r *Replica) execute(ctx context.Context, cmd Cmd) (Result, error) {
	if err := cmd.validate(); err != nil {
		return Result{}, err
	}
	data, err := cmd.encode()
	if err != nil {
		return Result{}, err
	}
	res, err := r.node.Execute(ctx, cmd.ID, data)
	if err != nil {
		return Result{}, fmt.Errorf("partition %q %s: %w", r.partition, cmd.Op, err)
	}
	if res.Err != nil {
		return Result{}, res.Err
	}
	return res, nil
}
