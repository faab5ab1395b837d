package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distlog/pkg/cluster"
	"distlog/pkg/logstate"
	"distlog/pkg/types"
)

// memoryAPI - партиции в памяти; "slow" висит до отмены, "down" недоступна,
// "lagging" отвечает таймаутом удалённой реплики
type memoryAPI struct {
	mu     sync.Mutex
	states map[types.PartitionID]*logstate.State
	slowed chan struct{}
}

func newMemoryAPI() *memoryAPI {
	return &memoryAPI{states: make(map[types.PartitionID]*logstate.State), slowed: make(chan struct{}, 16)}
}

func (m *memoryAPI) state(p types.PartitionID) *logstate.State {
	s, ok := m.states[p]
	if !ok {
		s = &logstate.State{}
		m.states[p] = s
	}
	return s
}

func (m *memoryAPI) gate(ctx context.Context, p types.PartitionID) error {
	switch p {
	case "slow":
		m.slowed <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	case "down":
		return cluster.ErrUnavailable
	case "lagging":
		return cluster.ErrRemoteTimeout
	}
	return nil
}

func (m *memoryAPI) Append(ctx context.Context, p types.PartitionID, node types.NodeID, index types.AppendIndex, pos types.CommitPosition, _ []byte) (int64, error) {
	if err := m.gate(ctx, p); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.state(p).Append(node, index, pos); err != nil {
		return 0, err
	}
	return index, nil
}

func (m *memoryAPI) LastAppendIndex(ctx context.Context, p types.PartitionID) (int64, error) {
	if err := m.gate(ctx, p); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(p).Frontier(), nil
}

func (m *memoryAPI) ClaimLeadership(ctx context.Context, p types.PartitionID, node types.NodeID, term types.Term) (bool, error) {
	if err := m.gate(ctx, p); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.state(p).ClaimLeadership(node, term); err != nil {
		if errors.Is(err, logstate.ErrLeadershipRejected) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func newClient(t *testing.T, timeout time.Duration) (*Blocking, *memoryAPI) {
	t.Helper()
	api := newMemoryAPI()
	c := New(cluster.NewProxy(api, 0), timeout)
	t.Cleanup(c.Close)
	return c, api
}

func TestBlocking_Scenario(t *testing.T) {
	c, _ := newClient(t, time.Second)
	ctx := context.Background()

	ok, err := c.ClaimLeadership(ctx, "p1", "n1", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	idx, err := c.Append(ctx, "p1", "n1", 1, 100, []byte("A"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, idx)

	idx, err = c.Append(ctx, "p1", "n1", 2, 200, []byte("B"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, idx)

	last, err := c.LastAppendIndex(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, last)

	_, err = c.Append(ctx, "p1", "n1", 4, 400, []byte("D"))
	require.ErrorIs(t, err, logstate.ErrOutOfOrderAppend)

	_, err = c.Append(ctx, "p1", "n1", 2, 200, []byte("B"))
	require.ErrorIs(t, err, logstate.ErrStaleAppend)

	ok, err = c.ClaimLeadership(ctx, "p1", "n2", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.ClaimLeadership(ctx, "p1", "n2", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.Append(ctx, "p1", "n1", 3, 300, nil)
	require.ErrorIs(t, err, logstate.ErrNotLeader)

	idx, err = c.Append(ctx, "p1", "n2", 3, 300, []byte("C"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, idx)
}

func TestBlocking_RemoteTimeoutIsTimeout(t *testing.T) {
	c, _ := newClient(t, time.Second)

	_, err := c.ClaimLeadership(context.Background(), "lagging", "n1", 1)
	require.ErrorIs(t, err, ErrTimeout)
	var opErr *OperationFailedError
	assert.False(t, errors.As(err, &opErr))
}

func TestBlocking_TimeoutIsBounded(t *testing.T) {
	const timeout = 100 * time.Millisecond
	c, _ := newClient(t, timeout)

	start := time.Now()
	_, err := c.LastAppendIndex(context.Background(), "slow")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "slow")
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}

func TestBlocking_TimedOutCallStaysInFlight(t *testing.T) {
	c, api := newClient(t, 50*time.Millisecond)

	_, err := c.Append(context.Background(), "slow", "n1", 1, 1, nil)
	require.ErrorIs(t, err, ErrTimeout)

	// операция на прокси не отменена таймаутом клиента
	<-api.slowed
	f := c.Async().LastAppendIndex("p1")
	_, err = f.Wait(context.Background())
	require.NoError(t, err)
}

func TestBlocking_ClusterFailure(t *testing.T) {
	c, _ := newClient(t, time.Second)

	_, err := c.Append(context.Background(), "down", "n1", 1, 1, nil)
	var failed *OperationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, OpAppend, failed.Op)
	assert.Equal(t, "down", failed.Partition)
	assert.ErrorIs(t, err, cluster.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestBlocking_CallerCancel(t *testing.T) {
	c, _ := newClient(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.ClaimLeadership(ctx, "slow", "n1", 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBlocking_ClosedProxy(t *testing.T) {
	api := newMemoryAPI()
	c := New(cluster.NewProxy(api, 0), time.Second)
	c.Close()
	c.Close()

	_, err := c.LastAppendIndex(context.Background(), "p1")
	var failed *OperationFailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, cluster.ErrProxyClosed)
}
