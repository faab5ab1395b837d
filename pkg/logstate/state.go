// Package logstate holds the per-partition state of the replicated log: the
// append frontier, the commit position recorded with it and the leadership
// epoch. It has no I/O; it is mutated only by committed commands applied in
// order by a single writer.
package logstate

import (
	"fmt"

	"distlog/pkg/types"
)

// State is the replicated state of one partition.
type State struct {
	frontier types.AppendIndex
	position types.CommitPosition
	epoch    Epoch
}

// Restore rebuilds a State from persisted values.
func Restore(frontier types.AppendIndex, position types.CommitPosition, epoch Epoch) State {
	return State{frontier: frontier, position: position, epoch: epoch}
}

// Frontier is the highest committed append index, 0 before any append.
func (s State) Frontier() types.AppendIndex {
	return s.frontier
}

// CommitPosition is the position recorded with the frontier block.
func (s State) CommitPosition() types.CommitPosition {
	return s.position
}

func (s State) Epoch() Epoch {
	return s.epoch
}

// CheckAppend validates an append against the state without mutating it.
// Leadership is checked before ordering.
func (s State) CheckAppend(node types.NodeID, index types.AppendIndex) error {
	if node == "" {
		return fmt.Errorf("%w: empty node id", ErrInvalidArgument)
	}
	if !s.epoch.Holds(node) {
		return fmt.Errorf("%w: node %q, leader %q at term %d", ErrNotLeader, node, s.epoch.Node, s.epoch.Term)
	}
	switch next := s.frontier + 1; {
	case index < next:
		return fmt.Errorf("%w: index %d, frontier %d", ErrStaleAppend, index, s.frontier)
	case index > next:
		return fmt.Errorf("%w: index %d, expected %d", ErrOutOfOrderAppend, index, next)
	}
	return nil
}

// Append advances the frontier to index if CheckAppend accepts it.
func (s *State) Append(node types.NodeID, index types.AppendIndex, position types.CommitPosition) error {
	if err := s.CheckAppend(node, index); err != nil {
		return err
	}
	s.frontier = index
	s.position = position
	return nil
}

// CheckLeadership validates a claim without mutating the state.
func (s State) CheckLeadership(node types.NodeID, term types.Term) error {
	if node == "" {
		return fmt.Errorf("%w: empty node id", ErrInvalidArgument)
	}
	if term < 0 {
		return fmt.Errorf("%w: negative term %d", ErrInvalidArgument, term)
	}
	if !s.epoch.Supersedes(term) {
		return fmt.Errorf("%w: term %d, current term %d held by %q", ErrLeadershipRejected, term, s.epoch.Term, s.epoch.Node)
	}
	return nil
}

// ClaimLeadership makes node the recognized leader under term.
func (s *State) ClaimLeadership(node types.NodeID, term types.Term) error {
	if err := s.CheckLeadership(node, term); err != nil {
		return err
	}
	s.epoch = Epoch{Term: term, Node: node}
	return nil
}
