package types

// PartitionID names one independently ordered, independently led log instance.
type PartitionID = string

// NodeID identifies the cluster member issuing an append or a leadership claim.
type NodeID = string

// AppendIndex is the caller-supplied sequence number of a block within a partition.
type AppendIndex = int64

// CommitPosition is an opaque caller-defined marker stored next to a block.
type CommitPosition = int64

// Term is a leadership epoch for a partition.
type Term = int64

// RaftIndex is an index in a partition's raft log.
type RaftIndex = uint64
