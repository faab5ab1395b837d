// Package blockstore persists committed blocks and the per-partition log
// state. Every commit writes the block (if any), the new state and the raft
// index it was applied at in one atomic batch, so a restarted replica resumes
// exactly where its state machine stopped.
package blockstore

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"distlog/pkg/logstate"
	"distlog/pkg/types"
)

var (
	ErrNotFound = errors.New("block not found")
	ErrCorrupt  = errors.New("corrupt record")
	ErrClosed   = errors.New("store closed")
)

// Block is one committed append.
type Block struct {
	Index    types.AppendIndex
	Position types.CommitPosition
	Node     types.NodeID
	Data     []byte
}

// Meta is the persisted form of a partition's state.
type Meta struct {
	Frontier types.AppendIndex
	Position types.CommitPosition
	Epoch    logstate.Epoch
	// Applied is the last raft index applied to this partition.
	Applied types.RaftIndex
}

// State converts Meta back into the in-memory state.
func (m Meta) State() logstate.State {
	return logstate.Restore(m.Frontier, m.Position, m.Epoch)
}

// MetaOf captures s as of raft index applied.
func MetaOf(s logstate.State, applied types.RaftIndex) Meta {
	return Meta{
		Frontier: s.Frontier(),
		Position: s.CommitPosition(),
		Epoch:    s.Epoch(),
		Applied:  applied,
	}
}

// Store is implemented by Pebble and Memory.
type Store interface {
	// Meta returns the persisted state of partition, zero Meta if none.
	Meta(partition types.PartitionID) (Meta, error)
	// Commit atomically stores block (may be nil) and meta.
	Commit(partition types.PartitionID, block *Block, meta Meta) error
	Block(partition types.PartitionID, index types.AppendIndex) (Block, error)
	Close() error
}

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

func decodeRecord(b []byte) (header, payload []byte, err error) {
	if len(b) < 1+4 {
		return nil, nil, ErrCorrupt
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || len(b)-n < 4 || hlen > uint64(len(b)-n-4) {
		return nil, nil, ErrCorrupt
	}
	header = b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, nil, ErrCorrupt
	}
	return append([]byte(nil), header...), append([]byte(nil), payload...), nil
}

// block: header = index_be8 | position_be8, payload = uvarint(len(node)) | node | data
func encodeBlock(b Block) []byte {
	header := make([]byte, 0, 16)
	header = binary.BigEndian.AppendUint64(header, uint64(b.Index))
	header = binary.BigEndian.AppendUint64(header, uint64(b.Position))

	payload := make([]byte, 0, binary.MaxVarintLen64+len(b.Node)+len(b.Data))
	payload = binary.AppendUvarint(payload, uint64(len(b.Node)))
	payload = append(payload, b.Node...)
	payload = append(payload, b.Data...)
	return encodeRecord(header, payload)
}

func decodeBlock(raw []byte) (Block, error) {
	header, payload, err := decodeRecord(raw)
	if err != nil {
		return Block{}, err
	}
	if len(header) != 16 {
		return Block{}, ErrCorrupt
	}
	nlen, n := binary.Uvarint(payload)
	if n <= 0 || nlen > uint64(len(payload)-n) {
		return Block{}, ErrCorrupt
	}
	return Block{
		Index:    int64(binary.BigEndian.Uint64(header[:8])),
		Position: int64(binary.BigEndian.Uint64(header[8:])),
		Node:     string(payload[n : n+int(nlen)]),
		Data:     payload[n+int(nlen):],
	}, nil
}

// meta: header = frontier_be8 | position_be8 | term_be8 | applied_be8, payload = leader node
func encodeMeta(m Meta) []byte {
	header := make([]byte, 0, 32)
	header = binary.BigEndian.AppendUint64(header, uint64(m.Frontier))
	header = binary.BigEndian.AppendUint64(header, uint64(m.Position))
	header = binary.BigEndian.AppendUint64(header, uint64(m.Epoch.Term))
	header = binary.BigEndian.AppendUint64(header, m.Applied)
	return encodeRecord(header, []byte(m.Epoch.Node))
}

func decodeMeta(raw []byte) (Meta, error) {
	header, payload, err := decodeRecord(raw)
	if err != nil {
		return Meta{}, err
	}
	if len(header) != 32 {
		return Meta{}, ErrCorrupt
	}
	return Meta{
		Frontier: int64(binary.BigEndian.Uint64(header[0:8])),
		Position: int64(binary.BigEndian.Uint64(header[8:16])),
		Epoch: logstate.Epoch{
			Term: int64(binary.BigEndian.Uint64(header[16:24])),
			Node: string(payload),
		},
		Applied: binary.BigEndian.Uint64(header[24:32]),
	}, nil
}
