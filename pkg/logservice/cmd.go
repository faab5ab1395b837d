package logservice

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"distlog/pkg/logstate"
	"distlog/pkg/types"
)

type Operation string

const (
	OpAppend Operation = "append"
	OpClaim  Operation = "claim"
)

// Cmd is the replicated command; it is what goes into a raft entry.
type Cmd struct {
	ID       uuid.UUID            `json:"id"`
	Op       Operation            `json:"op"`
	NodeID   types.NodeID         `json:"node_id"`
	Index    types.AppendIndex    `json:"index,omitempty"`
	Position types.CommitPosition `json:"position,omitempty"`
	Block    []byte               `json:"block,omitempty"`
	Term     types.Term           `json:"term,omitempty"`
}

func NewAppendCmd(node types.NodeID, index types.AppendIndex, position types.CommitPosition, block []byte) Cmd {
	return Cmd{
		ID:       uuid.New(),
		Op:       OpAppend,
		NodeID:   node,
		Index:    index,
		Position: position,
		Block:    block,
	}
}

func NewClaimCmd(node types.NodeID, term types.Term) Cmd {
	return Cmd{
		ID:     uuid.New(),
		Op:     OpClaim,
		NodeID: node,
		Term:   term,
	}
}

func (c Cmd) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%w: empty node id", logstate.ErrInvalidArgument)
	}
	switch c.Op {
	case OpAppend:
	case OpClaim:
		if c.Term < 0 {
			return fmt.Errorf("%w: negative term %d", logstate.ErrInvalidArgument, c.Term)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", logstate.ErrInvalidArgument, c.Op)
	}
	return nil
}

func (c Cmd) encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return data, nil
}

func decodeCmd(data []byte) (Cmd, error) {
	var c Cmd
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("unmarshal command: %w", err)
	}
	return c, nil
}

// Result is the outcome of one applied command. Err carries domain rejections
// (stale, out of order, not leader, leadership rejected); they do not stop the
// raft group.
type Result struct {
	Value    int64
	Accepted bool
	Err      error
}
