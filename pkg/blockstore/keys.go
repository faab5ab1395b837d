package blockstore

import (
	"encoding/binary"

	"distlog/pkg/types"
)

// Keyspace (byte-wise, lexicographically sortable):
// - p/{partition}/m
// - p/{partition}/b/{index_be8}
//
// Partition names are length-prefixed so that one name can never be a
// prefix of another partition's keys.

var (
	partPrefix = []byte("p/")
	metaSuffix = []byte("/m")
	blockSeg   = []byte("/b/")
)

func appendPartition(dst []byte, partition types.PartitionID) []byte {
	dst = append(dst, partPrefix...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(partition)))
	return append(dst, partition...)
}

// KeyMeta builds the partition metadata key.
func KeyMeta(partition types.PartitionID) []byte {
	k := make([]byte, 0, len(partition)+8)
	k = appendPartition(k, partition)
	return append(k, metaSuffix...)
}

// KeyBlock builds the block key; big-endian index keeps blocks ordered.
func KeyBlock(partition types.PartitionID, index types.AppendIndex) []byte {
	k := make([]byte, 0, len(partition)+16)
	k = appendPartition(k, partition)
	k = append(k, blockSeg...)
	return binary.BigEndian.AppendUint64(k, uint64(index))
}
