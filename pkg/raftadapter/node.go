package raftadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"distlog/pkg/config"
	"distlog/pkg/types"
	"distlog/pkg/wal"
)

var (
	ErrStopped     = errors.New("raft node stopped")
	ErrInvalidPeer = errors.New("invalid raft peer set")
)

// StateMachine applies the committed entries of one raft group.
type StateMachine[R any] interface {
	// Apply decodes and applies a committed entry and returns the proposal id
	// carried by the entry together with its outcome. A non-nil error means
	// the entry could not be made durable and stops the group.
	Apply(index uint64, data []byte) (uuid.UUID, R, error)
	// Applied is the last raft index whose effects are durable.
	Applied() uint64
}

type iTransport interface {
	Send(partition types.PartitionID, msg raftpb.Message) error
}

// Group describes one partition's raft group as seen by this node.
type Group struct {
	Partition types.PartitionID
	ID        uint64
	Peers     []uint64
}

// Node runs one partition's raft group on this process.
type Node[R any] struct {
	ID        uint64
	Partition types.PartitionID

	underlying   raft.Node
	sm           StateMachine[R]
	jr           *raft.MemoryStorage
	journal      *wal.WAL
	tickInterval time.Duration
	readRetry    time.Duration
	transport    iTransport
	log          *slog.Logger

	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult[R]

	readsMu sync.Mutex
	reads   map[string]chan uint64

	appliedMu sync.Mutex
	applied   uint64
	appliedCh chan struct{}
}

type proposeResult[R any] struct {
	Value R
	Err   error
}

// NewNode builds the group's raft node. When journal already holds raft state
// the node restarts from it, otherwise it bootstraps with group.Peers.
func NewNode[R any](cfg config.RaftConfig, group Group, sm StateMachine[R], journal *wal.WAL, transport iTransport) (*Node[R], error) {
	if err := validateGroup(group); err != nil {
		return nil, err
	}

	rc := toRaftConfig(cfg, group.ID)
	storage := raft.NewMemoryStorage()
	rc.Storage = storage

	restart, err := replayJournal(journal, storage)
	if err != nil {
		return nil, fmt.Errorf("partition %q: %w", group.Partition, err)
	}

	hs, _, _ := storage.InitialState()
	if applied := sm.Applied(); applied > hs.Commit {
		return nil, fmt.Errorf("partition %q: state machine applied index %d is ahead of raft commit %d",
			group.Partition, applied, hs.Commit)
	}

	var underlying raft.Node
	if restart {
		underlying = raft.RestartNode(rc)
	} else {
		peers := make([]raft.Peer, 0, len(group.Peers))
		for _, id := range group.Peers {
			peers = append(peers, raft.Peer{ID: id})
		}
		underlying = raft.StartNode(rc, peers)
	}

	tick := cfg.TickInterval()
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node[R]{
		ID:           group.ID,
		Partition:    group.Partition,
		underlying:   underlying,
		sm:           sm,
		jr:           storage,
		journal:      journal,
		tickInterval: tick,
		readRetry:    tick * time.Duration(max(cfg.ElectionTick, 1)),
		transport:    transport,
		log:          slog.With("component", "raft", "partition", group.Partition, "raft_id", group.ID),
		ctx:          ctx,
		stop:         cancel,
		proposals:    make(map[uuid.UUID]chan proposeResult[R]),
		reads:        make(map[string]chan uint64),
		appliedCh:    make(chan struct{}),
	}, nil
}

func validateGroup(g Group) error {
	if g.ID == 0 {
		return fmt.Errorf("%w: raft id must be non-zero", ErrInvalidPeer)
	}
	seen := make(map[uint64]struct{}, len(g.Peers))
	self := false
	for _, id := range g.Peers {
		if id == 0 {
			return fmt.Errorf("%w: zero peer id", ErrInvalidPeer)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate peer ID %d", ErrInvalidPeer, id)
		}
		seen[id] = struct{}{}
		self = self || id == g.ID
	}
	if !self {
		return fmt.Errorf("%w: node %d is not a member of partition %q", ErrInvalidPeer, g.ID, g.Partition)
	}
	return nil
}

// replayJournal loads journaled raft state into storage and reports whether
// there was any.
func replayJournal(journal *wal.WAL, storage *raft.MemoryStorage) (bool, error) {
	if journal == nil {
		return false, nil
	}
	hs, entries, err := journal.Load()
	if err != nil {
		return false, fmt.Errorf("load journal: %w", err)
	}
	if len(entries) == 0 && raft.IsEmptyHardState(hs) {
		return false, nil
	}
	// По одной записи: более поздний батч может перезаписать хвост лога после смены лидера.
	for i := range entries {
		if err := storage.Append(entries[i : i+1]); err != nil {
			return false, fmt.Errorf("replay entry %d: %w", entries[i].Index, err)
		}
	}
	if err := storage.SetHardState(hs); err != nil {
		return false, fmt.Errorf("replay hard state: %w", err)
	}
	return true, nil
}

func (n *Node[R]) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				n.log.Error("critical: raft group stopped", "error", err)
				_ = n.Stop()
				return err
			}
		}
	}
}

func (n *Node[R]) handleReady(rd raft.Ready) error {
	if rd.SoftState != nil {
		n.log.Info("raft state changed", "leader", rd.SoftState.Lead, "state", rd.SoftState.RaftState.String())
	}

	// журнал пишется до отправки сообщений
	if n.journal != nil {
		if err := n.journal.Save(rd.HardState, rd.Entries); err != nil {
			return fmt.Errorf("save journal: %w", err)
		}
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)
	n.releaseReads(rd.ReadStates)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			return fmt.Errorf("apply entry %d: %w", entry.Index, err)
		}
		n.setApplied(entry.Index)
	}

	n.underlying.Advance()
	return nil
}

func (n *Node[R]) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(n.Partition, m); err != nil {
				n.underlying.ReportUnreachable(m.To)
				n.log.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node[R]) applyEntry(entry raftpb.Entry) error {
	switch entry.Type {
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(entry.Data); err != nil {
			return fmt.Errorf("unmarshal conf change: %w", err)
		}
		n.underlying.ApplyConfChange(cc)
		return nil
	case raftpb.EntryConfChangeV2:
		var cc raftpb.ConfChangeV2
		if err := cc.Unmarshal(entry.Data); err != nil {
			return fmt.Errorf("unmarshal conf change v2: %w", err)
		}
		n.underlying.ApplyConfChange(cc)
		return nil
	}

	if len(entry.Data) == 0 {
		return nil
	}
	// уже применено до рестарта: raft заново отдаёт закоммиченный лог
	if entry.Index <= n.sm.Applied() {
		return nil
	}

	id, value, err := n.sm.Apply(entry.Index, entry.Data)
	if err != nil {
		return err
	}
	n.notifyProposalResult(id, proposeResult[R]{Value: value})
	return nil
}

func (n *Node[R]) notifyProposalResult(cmdID uuid.UUID, result proposeResult[R]) {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()

	if !ok {
		// - запись пришла от другой реплики
		// - Execute уже завершился (timeout/cancel)
		return
	}

	select {
	case resultChan <- result:
	default:
		n.log.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
}

// Execute proposes data and waits until this node applies it. The outcome is
// whatever the state machine returned for the entry. On ctx expiry the
// proposal may still commit later.
func (n *Node[R]) Execute(ctx context.Context, id uuid.UUID, data []byte) (R, error) {
	var zero R
	resultChan := make(chan proposeResult[R], 1)

	n.proposalsMu.Lock()
	n.proposals[id] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, id)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		if errors.Is(err, raft.ErrStopped) {
			return zero, ErrStopped
		}
		return zero, fmt.Errorf("propose: %w", err)
	}

	select {
	case result := <-resultChan:
		return result.Value, result.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-n.ctx.Done():
		return zero, ErrStopped
	}
}

// LinearizableRead returns once this node has applied every entry that was
// committed when the call started. Read requests dropped by raft (no known
// leader) are re-issued each election timeout until ctx expires.
func (n *Node[R]) LinearizableRead(ctx context.Context) error {
	rctx := uuid.New()
	key := string(rctx[:])
	ch := make(chan uint64, 1)

	n.readsMu.Lock()
	n.reads[key] = ch
	n.readsMu.Unlock()
	defer func() {
		n.readsMu.Lock()
		delete(n.reads, key)
		n.readsMu.Unlock()
	}()

	retry := time.NewTicker(n.readRetry)
	defer retry.Stop()

	var index uint64
	for issued := false; ; {
		if !issued {
			if err := n.underlying.ReadIndex(ctx, rctx[:]); err != nil {
				if errors.Is(err, raft.ErrStopped) {
					return ErrStopped
				}
				return fmt.Errorf("read index: %w", err)
			}
			issued = true
		}

		select {
		case index = <-ch:
			return n.waitApplied(ctx, index)
		case <-retry.C:
			issued = false
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ctx.Done():
			return ErrStopped
		}
	}
}

func (n *Node[R]) releaseReads(states []raft.ReadState) {
	if len(states) == 0 {
		return
	}
	n.readsMu.Lock()
	defer n.readsMu.Unlock()
	for _, rs := range states {
		ch, ok := n.reads[string(rs.RequestCtx)]
		if !ok {
			continue
		}
		select {
		case ch <- rs.Index:
		default:
		}
	}
}

func (n *Node[R]) setApplied(index uint64) {
	n.appliedMu.Lock()
	defer n.appliedMu.Unlock()
	if index <= n.applied {
		return
	}
	n.applied = index
	close(n.appliedCh)
	n.appliedCh = make(chan struct{})
}

// Applied is the last raft index this node has processed.
func (n *Node[R]) Applied() uint64 {
	n.appliedMu.Lock()
	defer n.appliedMu.Unlock()
	return n.applied
}

func (n *Node[R]) waitApplied(ctx context.Context, index uint64) error {
	for {
		n.appliedMu.Lock()
		applied, ch := n.applied, n.appliedCh
		n.appliedMu.Unlock()
		if applied >= index {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ctx.Done():
			return ErrStopped
		}
	}
}

// Handle обрабатывает входящие Raft-сообщения от других нод
func (n *Node[R]) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node[R]) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node[R]) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

// Campaign asks this node to start an election. Used to pin leadership in tests
// and after operator intervention.
func (n *Node[R]) Campaign(ctx context.Context) error {
	return n.underlying.Campaign(ctx)
}

func (n *Node[R]) Stop() error {
	n.stopOnce.Do(func() {
		n.log.Info("stopping raft node")

		n.stop()
		n.underlying.Stop()

		n.proposalsMu.Lock()
		for _, resultChan := range n.proposals {
			select {
			case resultChan <- proposeResult[R]{Err: ErrStopped}:
			default:
			}
		}
		n.proposalsMu.Unlock()

		n.log.Info("raft node stopped")
	})
	return nil
}
