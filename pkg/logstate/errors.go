package logstate

import "errors"

var (
	// ErrStaleAppend means the append index is already applied.
	// Callers may treat it as an earlier success of the same append.
	ErrStaleAppend = errors.New("stale append")

	// ErrOutOfOrderAppend means the append index leaves a gap after the frontier.
	ErrOutOfOrderAppend = errors.New("out of order append")

	// ErrLeadershipRejected means the claimed term does not supersede the current one.
	ErrLeadershipRejected = errors.New("leadership rejected")

	// ErrNotLeader means another node holds leadership of the partition.
	ErrNotLeader = errors.New("not the recognized leader")

	ErrInvalidArgument = errors.New("invalid argument")
)
