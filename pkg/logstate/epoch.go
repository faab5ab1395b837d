package logstate

import "distlog/pkg/types"

// Epoch is the versioned ownership of a partition: the node recognized as
// leader and the term under which it was accepted. The zero Epoch means no
// leader has been recognized yet.
type Epoch struct {
	Term types.Term
	Node types.NodeID
}

func (e Epoch) IsZero() bool {
	return e.Node == ""
}

// Supersedes reports whether a claim with term would replace e.
// Equal terms never supersede.
func (e Epoch) Supersedes(term types.Term) bool {
	if e.IsZero() {
		return true
	}
	return term > e.Term
}

// Holds reports whether node may write under e. Before the first claim
// nobody holds the partition and every node may write.
func (e Epoch) Holds(node types.NodeID) bool {
	return e.IsZero() || e.Node == node
}
