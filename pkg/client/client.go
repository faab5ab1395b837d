// Package client is the synchronous face of the partitioned log. Every call
// waits for the cluster outcome for at most the configured timeout.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"distlog/pkg/cluster"
	"distlog/pkg/future"
	"distlog/pkg/logstate"
	"distlog/pkg/types"
)

// ErrTimeout is returned when the outcome is not known within the timeout.
var ErrTimeout = errors.New("operation timed out")

const (
	OpAppend          = "append"
	OpLastAppendIndex = "lastAppendIndex"
	OpClaimLeadership = "claimLeadership"
)

// OperationFailedError reports a cluster or transport failure of an operation.
type OperationFailedError struct {
	Op        string
	Partition types.PartitionID
	Cause     error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("%s on partition %s failed: %v", e.Op, e.Partition, e.Cause)
}

func (e *OperationFailedError) Unwrap() error {
	return e.Cause
}

// Blocking turns the futures of a cluster.Proxy into bounded blocking calls.
// It is safe for concurrent use.
//
// A call that returns ErrTimeout is not cancelled on the cluster: the
// operation may still be in flight and may commit later. Callers retrying an
// append after a timeout get StaleAppend if the first attempt did commit.
// A replica that times out is reported as ErrTimeout as well.
//
// When ctx is cancelled by the caller the call returns ctx.Err() wrapped with
// the operation name, neither ErrTimeout nor an OperationFailedError. The
// operation is not cancelled in that case either.
type Blocking struct {
	proxy   *cluster.Proxy
	timeout time.Duration
	log     *slog.Logger
}

func New(proxy *cluster.Proxy, timeout time.Duration) *Blocking {
	return &Blocking{
		proxy:   proxy,
		timeout: timeout,
		log:     slog.With("component", "client"),
	}
}

// Async exposes the underlying non-blocking proxy.
func (c *Blocking) Async() *cluster.Proxy {
	return c.proxy
}

func (c *Blocking) Append(
	ctx context.Context,
	partition types.PartitionID,
	node types.NodeID,
	index types.AppendIndex,
	position types.CommitPosition,
	block []byte,
) (int64, error) {
	return wait(ctx, c, OpAppend, partition, c.proxy.Append(partition, node, index, position, block))
}

func (c *Blocking) LastAppendIndex(ctx context.Context, partition types.PartitionID) (int64, error) {
	return wait(ctx, c, OpLastAppendIndex, partition, c.proxy.LastAppendIndex(partition))
}

func (c *Blocking) ClaimLeadership(
	ctx context.Context,
	partition types.PartitionID,
	node types.NodeID,
	term types.Term,
) (bool, error) {
	return wait(ctx, c, OpClaimLeadership, partition, c.proxy.ClaimLeadership(partition, node, term))
}

// Close releases the proxy. Release failures are only logged.
func (c *Blocking) Close() {
	if err := c.proxy.Close(); err != nil {
		c.log.Warn("failed to close proxy", "error", err)
	}
}

func wait[T any](ctx context.Context, c *Blocking, op string, partition types.PartitionID, f *future.Future[T]) (T, error) {
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	value, err := f.Wait(waitCtx)
	if err == nil {
		return value, nil
	}

	var zero T
	switch {
	case isDomainError(err):
		return zero, err
	case errors.Is(err, context.DeadlineExceeded):
		return zero, fmt.Errorf("%s on partition %s: %w", op, partition, ErrTimeout)
	case ctx.Err() != nil:
		return zero, fmt.Errorf("%s on partition %s: %w", op, partition, ctx.Err())
	default:
		return zero, &OperationFailedError{Op: op, Partition: partition, Cause: err}
	}
}

func isDomainError(err error) bool {
	return errors.Is(err, logstate.ErrStaleAppend) ||
		errors.Is(err, logstate.ErrOutOfOrderAppend) ||
		errors.Is(err, logstate.ErrNotLeader) ||
		errors.Is(err, logstate.ErrLeadershipRejected) ||
		errors.Is(err, logstate.ErrInvalidArgument)
}
