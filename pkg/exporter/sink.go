// Package exporter projects the records carried in committed blocks into an
// analytics table. Delivery is at least once: a position is acknowledged only
// after the records before it were stored or given up on.
package exporter

import (
	"context"

	"distlog/pkg/types"
)

// Sink stores exported records.
type Sink interface {
	Store(ctx context.Context, record Record) error
	Close() error
}

// Controller remembers how far each partition has been exported.
type Controller interface {
	AcknowledgePosition(partition types.PartitionID, index types.AppendIndex) error
}
