package exporter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"distlog/pkg/types"
)

var (
	ErrRowExists   = errors.New("row already exists")
	ErrRowNotFound = errors.New("row not found")
	ErrStoreClosed = errors.New("export store closed")
)

type Status string

const (
	StatusWaiting         Status = "WAITING"
	StatusRunning         Status = "RUNNING"
	StatusCompleted       Status = "COMPLETED"
	StatusCompletedWError Status = "COMPLETED_W_ERROR"
	StatusTerminated      Status = "TERMINATED"

	TriggerAutomatic = "AUTOMATIC"
	dummyVin         = "DUMMY_VIN"
)

// Row is one workflow instance in the current-workflows table. Zero fields
// are left untouched by Update.
type Row struct {
	WorkflowInstanceID int64  `json:"workflowinstanceid"`
	BpmnProcessID      string `json:"bpmnprocessid,omitempty"`
	BizVersion         int32  `json:"bizversion,omitempty"`
	TechVersion        int64  `json:"techversion,omitempty"`
	TriggerType        string `json:"triggertype,omitempty"`
	Status             Status `json:"status,omitempty"`
	StartTS            int64  `json:"startts,omitempty"`
	LastUpdateTS       int64  `json:"lastupdatets,omitempty"`
	EndTS              int64  `json:"endts,omitempty"`
	Vin                string `json:"vin,omitempty"`
	WorkflowEntity     string `json:"workflowentity,omitempty"`
}

func (r *Row) merge(o Row) {
	if o.BpmnProcessID != "" {
		r.BpmnProcessID = o.BpmnProcessID
	}
	if o.BizVersion != 0 {
		r.BizVersion = o.BizVersion
	}
	if o.TechVersion != 0 {
		r.TechVersion = o.TechVersion
	}
	if o.TriggerType != "" {
		r.TriggerType = o.TriggerType
	}
	if o.Status != "" {
		r.Status = o.Status
	}
	if o.StartTS != 0 {
		r.StartTS = o.StartTS
	}
	if o.LastUpdateTS != 0 {
		r.LastUpdateTS = o.LastUpdateTS
	}
	if o.EndTS != 0 {
		r.EndTS = o.EndTS
	}
	if o.Vin != "" {
		r.Vin = o.Vin
	}
	if o.WorkflowEntity != "" {
		r.WorkflowEntity = o.WorkflowEntity
	}
}

// Table is the analytics side of the exporter.
type Table interface {
	// Insert fails with ErrRowExists if the instance already has a row.
	Insert(ctx context.Context, row Row) error
	// Update merges the non-zero fields of row, creating the row if needed.
	Update(ctx context.Context, row Row) error
	Get(ctx context.Context, instanceID int64) (Row, error)
	Close() error
}

// Store keeps projected tables and exported positions in one pebble database.
type Store struct {
	db     *pebble.DB
	closed atomic.Bool
}

var _ Controller = (*Store)(nil)

func OpenStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("exporter: store dir is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open export store: %w", err)
	}
	return &Store{db: db}, nil
}

func positionKey(partition types.PartitionID) []byte {
	return append([]byte("p/"), partition...)
}

func rowKey(table string, id int64) []byte {
	k := make([]byte, 0, 3+len(table)+8)
	k = append(k, 't', '/')
	k = append(k, table...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, uint64(id))
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func (s *Store) set(key, val []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.db.Set(key, val, pebble.Sync)
}

// AcknowledgePosition records that everything up to index of partition was
// exported.
func (s *Store) AcknowledgePosition(partition types.PartitionID, index types.AppendIndex) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(index))
	if err := s.set(positionKey(partition), buf[:]); err != nil {
		return fmt.Errorf("acknowledge %s/%d: %w", partition, index, err)
	}
	return nil
}

// Position returns the last acknowledged index of partition, 0 if none.
func (s *Store) Position(partition types.PartitionID) (types.AppendIndex, error) {
	raw, ok, err := s.get(positionKey(partition))
	if err != nil {
		return 0, fmt.Errorf("read position %s: %w", partition, err)
	}
	if !ok || len(raw) != 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func (s *Store) Table(name string) Table {
	return &pebbleTable{store: s, name: name}
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

type pebbleTable struct {
	store *Store
	name  string
}

func (t *pebbleTable) Get(_ context.Context, id int64) (Row, error) {
	raw, ok, err := t.store.get(rowKey(t.name, id))
	if err != nil {
		return Row{}, err
	}
	if !ok {
		return Row{}, ErrRowNotFound
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return Row{}, fmt.Errorf("decode row %d: %w", id, err)
	}
	return row, nil
}

func (t *pebbleTable) put(row Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	return t.store.set(rowKey(t.name, row.WorkflowInstanceID), data)
}

func (t *pebbleTable) Insert(ctx context.Context, row Row) error {
	_, err := t.Get(ctx, row.WorkflowInstanceID)
	switch {
	case err == nil:
		return fmt.Errorf("%s/%d: %w", t.name, row.WorkflowInstanceID, ErrRowExists)
	case !errors.Is(err, ErrRowNotFound):
		return err
	}
	return t.put(row)
}

func (t *pebbleTable) Update(ctx context.Context, row Row) error {
	current, err := t.Get(ctx, row.WorkflowInstanceID)
	if err != nil && !errors.Is(err, ErrRowNotFound) {
		return err
	}
	current.WorkflowInstanceID = row.WorkflowInstanceID
	current.merge(row)
	return t.put(current)
}

// Close is a no-op; the Store owns the database.
func (t *pebbleTable) Close() error { return nil }
