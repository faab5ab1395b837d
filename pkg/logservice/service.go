// Package logservice serves the replicated log of each partition: it turns
// append and leadership commands into raft proposals and applies committed
// commands to the partition state and the block store.
package logservice

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"distlog/pkg/blockstore"
	"distlog/pkg/logstate"
	"distlog/pkg/types"
)

// Service is the state machine of one partition. Apply is called by a single
// goroutine (the raft loop); reads may run concurrently.
type Service struct {
	partition types.PartitionID
	store     blockstore.Store
	log       *slog.Logger

	mu      sync.RWMutex
	state   logstate.State
	applied types.RaftIndex
}

// NewService loads the partition state persisted in store.
func NewService(partition types.PartitionID, store blockstore.Store) (*Service, error) {
	meta, err := store.Meta(partition)
	if err != nil {
		return nil, fmt.Errorf("load partition %q: %w", partition, err)
	}
	s := &Service{
		partition: partition,
		store:     store,
		log:       slog.With("component", "logservice", "partition", partition),
		state:     meta.State(),
		applied:   meta.Applied,
	}
	s.log.Info("partition state loaded",
		"frontier", meta.Frontier,
		"leader", meta.Epoch.Node,
		"term", meta.Epoch.Term,
		"applied", meta.Applied)
	return s, nil
}

// Apply applies one committed command. Domain rejections are returned in the
// Result; an error means the mutation could not be persisted.
func (s *Service) Apply(index uint64, data []byte) (uuid.UUID, Result, error) {
	cmd, err := decodeCmd(data)
	if err != nil {
		s.log.Warn("skipping undecodable entry", "raft_index", index, "error", err)
		return uuid.Nil, Result{Err: err}, nil
	}
	if err := cmd.validate(); err != nil {
		s.log.Warn("skipping invalid command", "raft_index", index, "cmd_id", cmd.ID, "error", err)
		return cmd.ID, Result{Err: err}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	var (
		block *blockstore.Block
		res   Result
	)
	switch cmd.Op {
	case OpAppend:
		if err := next.Append(cmd.NodeID, cmd.Index, cmd.Position); err != nil {
			return cmd.ID, Result{Err: err}, nil
		}
		block = &blockstore.Block{
			Index:    cmd.Index,
			Position: cmd.Position,
			Node:     cmd.NodeID,
			Data:     cmd.Block,
		}
		res = Result{Value: cmd.Index, Accepted: true}
	case OpClaim:
		if err := next.ClaimLeadership(cmd.NodeID, cmd.Term); err != nil {
			if errors.Is(err, logstate.ErrLeadershipRejected) {
				return cmd.ID, Result{Value: next.Epoch().Term}, nil
			}
			return cmd.ID, Result{Err: err}, nil
		}
		res = Result{Value: cmd.Term, Accepted: true}
	}

	if err := s.store.Commit(s.partition, block, blockstore.MetaOf(next, index)); err != nil {
		return cmd.ID, Result{}, fmt.Errorf("commit partition %q at raft index %d: %w", s.partition, index, err)
	}
	s.state = next
	s.applied = index

	if cmd.Op == OpClaim {
		s.log.Info("leadership changed", "leader", cmd.NodeID, "term", cmd.Term)
	}
	return cmd.ID, res, nil
}

// Applied is the raft index of the last persisted mutation.
func (s *Service) Applied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// LastAppendIndex reads the local frontier. It is only as fresh as this
// replica; Replica.LastAppendIndex adds the linearizable barrier.
func (s *Service) LastAppendIndex() types.AppendIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Frontier()
}

func (s *Service) Leader() logstate.Epoch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Epoch()
}

// Block returns a committed block from local storage.
func (s *Service) Block(index types.AppendIndex) (blockstore.Block, error) {
	if index < 1 {
		return blockstore.Block{}, fmt.Errorf("%w: block index %d must be positive", logstate.ErrInvalidArgument, index)
	}
	b, err := s.store.Block(s.partition, index)
	if err != nil {
		return blockstore.Block{}, fmt.Errorf("partition %q block %d: %w", s.partition, index, err)
	}
	return b, nil
}
