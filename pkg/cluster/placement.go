package cluster

import (
	"fmt"

	"distlog/pkg/types"
)

// Placement maps a partition to the nodes hosting its replicas. It is built
// from the static node list: raft group membership must not move when a node
// is merely down.
type Placement struct {
	ring              *HashRing
	replicationFactor int
}

func NewPlacement(nodes []types.NodeID, virtualNodes, replicationFactor int) (*Placement, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("placement: no nodes")
	}
	if replicationFactor < 1 || replicationFactor > len(nodes) {
		return nil, fmt.Errorf("placement: replication factor %d out of [1, %d]", replicationFactor, len(nodes))
	}
	ring := NewHashRing(virtualNodes)
	for _, n := range nodes {
		ring.AddNode(n)
	}
	return &Placement{ring: ring, replicationFactor: replicationFactor}, nil
}

// Replicas returns the partition's replica nodes in ring order.
func (p *Placement) Replicas(partition types.PartitionID) []types.NodeID {
	return p.ring.Successors(partition, p.replicationFactor)
}

// Hosts reports whether node holds a replica of partition.
func (p *Placement) Hosts(node types.NodeID, partition types.PartitionID) bool {
	for _, n := range p.Replicas(partition) {
		if n == node {
			return true
		}
	}
	return false
}

func (p *Placement) Nodes() []types.NodeID {
	return p.ring.ListNodes()
}
