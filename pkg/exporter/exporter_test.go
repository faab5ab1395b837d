package exporter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distlog/pkg/blockstore"
	"distlog/pkg/types"
)

// flakySink падает failures раз подряд для каждой записи из failFor
type flakySink struct {
	mu       sync.Mutex
	stored   []Record
	attempts map[int64]int
	failFor  map[int64]int
	closed   bool
	closeErr error
}

func newFlakySink() *flakySink {
	return &flakySink{attempts: make(map[int64]int), failFor: make(map[int64]int)}
}

func (s *flakySink) Store(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.instanceKey()
	s.attempts[key]++
	if s.attempts[key] <= s.failFor[key] {
		return errors.New("table unavailable")
	}
	s.stored = append(s.stored, r)
	return nil
}

func (s *flakySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *flakySink) storedKeys() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.stored))
	for _, r := range s.stored {
		out = append(out, r.instanceKey())
	}
	return out
}

type recordingController struct {
	mu   sync.Mutex
	acks map[types.PartitionID][]types.AppendIndex
}

func (c *recordingController) AcknowledgePosition(p types.PartitionID, index types.AppendIndex) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acks == nil {
		c.acks = make(map[types.PartitionID][]types.AppendIndex)
	}
	c.acks[p] = append(c.acks[p], index)
	return nil
}

func (c *recordingController) Position(p types.PartitionID) (types.AppendIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acks := c.acks[p]
	if len(acks) == 0 {
		return 0, nil
	}
	return acks[len(acks)-1], nil
}

func (c *recordingController) acked(p types.PartitionID) []types.AppendIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.AppendIndex(nil), c.acks[p]...)
}

func rec(p types.PartitionID, pos types.AppendIndex, key int64, last bool) Record {
	r := process(key, IntentElementActivated, 1)
	r.Partition = p
	r.Position = pos
	r.LastInBlock = last
	return r
}

func TestExporter_AcknowledgesAfterStore(t *testing.T) {
	sink := newFlakySink()
	ctrl := &recordingController{}
	e := New(sink, ctrl, Options{MaxRetries: 3, RetryBackoff: time.Millisecond})
	e.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, e.Submit(ctx, rec("p1", 1, 10, false)))
	require.NoError(t, e.Submit(ctx, rec("p1", 1, 11, true)))
	require.NoError(t, e.Submit(ctx, rec("p1", 2, 12, true)))

	require.Eventually(t, func() bool { return len(ctrl.acked("p1")) == 2 }, time.Second, 5*time.Millisecond)
	e.Stop()

	assert.Equal(t, []int64{10, 11, 12}, sink.storedKeys())
	assert.Equal(t, []types.AppendIndex{1, 2}, ctrl.acked("p1"))
	assert.True(t, sink.closed)
}

func TestExporter_RetriesThenSkips(t *testing.T) {
	sink := newFlakySink()
	sink.failFor[20] = 2  // проходит с третьей попытки
	sink.failFor[21] = 10 // не проходит никогда
	ctrl := &recordingController{}
	e := New(sink, ctrl, Options{MaxRetries: 3, RetryBackoff: time.Millisecond})
	e.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, e.Submit(ctx, rec("p1", 1, 20, true)))
	require.NoError(t, e.Submit(ctx, rec("p1", 2, 21, true)))
	require.NoError(t, e.Submit(ctx, rec("p1", 3, 22, true)))

	require.Eventually(t, func() bool { return len(ctrl.acked("p1")) == 2 }, time.Second, 5*time.Millisecond)
	e.Stop()

	assert.Equal(t, []int64{20, 22}, sink.storedKeys())
	assert.Equal(t, []types.AppendIndex{1, 3}, ctrl.acked("p1"))
	sink.mu.Lock()
	assert.Equal(t, 3, sink.attempts[21])
	sink.mu.Unlock()
}

func TestExporter_CloseErrorIsSwallowed(t *testing.T) {
	sink := newFlakySink()
	sink.closeErr = errors.New("flush failed")
	e := New(sink, &recordingController{}, Options{})
	e.Start(context.Background())
	e.Stop()
	assert.True(t, sink.closed)
}

func TestTailer_ExportsCommittedBlocks(t *testing.T) {
	blocks := blockstore.NewMemory()
	commit := func(index types.AppendIndex, records ...Record) {
		data, err := EncodeRecords(records...)
		require.NoError(t, err)
		b := &blockstore.Block{Index: index, Position: index * 100, Node: "n1", Data: data}
		require.NoError(t, blocks.Commit("p1", b, blockstore.Meta{Frontier: index}))
	}
	commit(1, process(1, IntentElementActivated, 1), process(2, IntentElementActivated, 1))
	commit(2, process(3, IntentElementActivated, 2))

	sink := newFlakySink()
	ctrl := &recordingController{}
	e := New(sink, ctrl, Options{MaxRetries: 1})
	e.Start(context.Background())
	defer e.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	tailer := NewTailer(blocks, ctrl, e, []types.PartitionID{"p1"}, 5*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	require.Eventually(t, func() bool { return len(ctrl.acked("p1")) == 2 }, time.Second, 5*time.Millisecond)

	commit(3, Record{ValueType: "UNKNOWN"})
	require.Eventually(t, func() bool { return len(ctrl.acked("p1")) == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2, 3, 0}, sink.storedKeys())
	assert.Equal(t, []types.AppendIndex{1, 2, 3}, ctrl.acked("p1"))
}

func TestTailer_ResumesAfterAcknowledgedPosition(t *testing.T) {
	blocks := blockstore.NewMemory()
	for i := types.AppendIndex(1); i <= 3; i++ {
		data, err := EncodeRecords(process(int64(i), IntentElementActivated, 1))
		require.NoError(t, err)
		require.NoError(t, blocks.Commit("p1", &blockstore.Block{Index: i, Data: data}, blockstore.Meta{Frontier: i}))
	}

	ctrl := &recordingController{}
	require.NoError(t, ctrl.AcknowledgePosition("p1", 2))

	sink := newFlakySink()
	e := New(sink, ctrl, Options{MaxRetries: 1})
	e.Start(context.Background())
	defer e.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewTailer(blocks, ctrl, e, []types.PartitionID{"p1"}, 5*time.Millisecond).Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.storedKeys()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{3}, sink.storedKeys())
}

func TestStore_PositionsAndRows(t *testing.T) {
	store, table := openTable(t)
	ctx := context.Background()

	pos, err := store.Position("p1")
	require.NoError(t, err)
	assert.Zero(t, pos)

	require.NoError(t, store.AcknowledgePosition("p1", 17))
	pos, err = store.Position("p1")
	require.NoError(t, err)
	assert.EqualValues(t, 17, pos)

	require.NoError(t, table.Insert(ctx, Row{WorkflowInstanceID: 1, Vin: "V", Status: StatusRunning}))
	require.ErrorIs(t, table.Insert(ctx, Row{WorkflowInstanceID: 1}), ErrRowExists)
	require.NoError(t, table.Update(ctx, Row{WorkflowInstanceID: 1, Status: StatusCompleted}))

	row, err := table.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "V", row.Vin)
	assert.Equal(t, StatusCompleted, row.Status)

	_, err = table.Get(ctx, 2)
	require.ErrorIs(t, err, ErrRowNotFound)

	require.NoError(t, store.Close())
	require.ErrorIs(t, store.AcknowledgePosition("p1", 18), ErrStoreClosed)
}
