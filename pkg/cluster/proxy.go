package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"distlog/pkg/future"
	"distlog/pkg/types"
)

var ErrProxyClosed = errors.New("proxy closed")

// Proxy is the asynchronous client of the partitioned log. Every call returns
// at once with a future; the operation runs on its own goroutine, bounded by
// the request timeout, so partitions never wait on each other.
type Proxy struct {
	api            LogAPI
	requestTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewProxy wraps api. A non-positive requestTimeout leaves operations bounded
// only by Close.
func NewProxy(api LogAPI, requestTimeout time.Duration) *Proxy {
	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		api:            api,
		requestTimeout: requestTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func submit[T any](p *Proxy, op func(ctx context.Context) (T, error)) *future.Future[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		var zero T
		return future.Resolved(zero, ErrProxyClosed)
	}

	f := future.New[T]()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := p.ctx, context.CancelFunc(func() {})
		if p.requestTimeout > 0 {
			ctx, cancel = context.WithTimeout(p.ctx, p.requestTimeout)
		}
		defer cancel()
		f.Complete(op(ctx))
	}()
	return f
}

func (p *Proxy) Append(
	partition types.PartitionID,
	node types.NodeID,
	index types.AppendIndex,
	position types.CommitPosition,
	block []byte,
) *future.Future[int64] {
	return submit(p, func(ctx context.Context) (int64, error) {
		return p.api.Append(ctx, partition, node, index, position, block)
	})
}

func (p *Proxy) LastAppendIndex(partition types.PartitionID) *future.Future[int64] {
	return submit(p, func(ctx context.Context) (int64, error) {
		return p.api.LastAppendIndex(ctx, partition)
	})
}

func (p *Proxy) ClaimLeadership(partition types.PartitionID, node types.NodeID, term types.Term) *future.Future[bool] {
	return submit(p, func(ctx context.Context) (bool, error) {
		return p.api.ClaimLeadership(ctx, partition, node, term)
	})
}

// Close cancels in-flight operations and waits for their goroutines. Later
// calls resolve with ErrProxyClosed.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return nil
}
