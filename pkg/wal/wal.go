package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Kind tells what a journal record holds.
type Kind uint8

const (
	KindEntry Kind = iota + 1
	KindHardState
)

// Record is a single journal record. Data is a marshalled raftpb.Entry or
// raftpb.HardState depending on Kind.
type Record struct {
	Kind  Kind
	Index uint64
	Data  []byte
}

// ErrCorrupt is returned when a complete record fails its checksum.
var ErrCorrupt = errors.New("wal: corrupt record")

const headerSize = 1 + 8 + 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// WAL journals one partition's raft log and hard state so a restarted
// replica can rebuild its raft storage. No raft snapshots are taken, so the
// journal and the in-memory raft log grow for the lifetime of the partition.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
}

// New opens (or creates) the journal in dir.
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, "raft.wal")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
	}
	if err := w.truncateTornTail(); err != nil {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL file", "error", cerr)
		}
		return nil, err
	}
	return w, nil
}

// truncateTornTail cuts a record left half-written by a crash, so new
// records are appended right after the last complete one.
func (w *WAL) truncateTornTail() error {
	good, torn, err := w.scan(func(Record) error { return nil })
	if err != nil {
		return fmt.Errorf("failed to check WAL tail: %w", err)
	}
	if !torn {
		return nil
	}
	slog.Warn("torn record at WAL tail, truncating", "path", w.filePath, "offset", good)
	if err := w.file.Truncate(good); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Save durably appends the hard state (if not empty) and entries. It returns
// after the file is synced; raft messages must not be sent before that.
func (w *WAL) Save(hs raftpb.HardState, entries []raftpb.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return fmt.Errorf("WAL writer is nil")
	}
	if len(entries) == 0 && isEmptyHardState(hs) {
		return nil
	}

	for i := range entries {
		data, err := entries[i].Marshal()
		if err != nil {
			return fmt.Errorf("marshal entry %d: %w", entries[i].Index, err)
		}
		if err := w.writeRecord(Record{Kind: KindEntry, Index: entries[i].Index, Data: data}); err != nil {
			return fmt.Errorf("failed to write WAL entry: %w", err)
		}
	}

	if !isEmptyHardState(hs) {
		data, err := hs.Marshal()
		if err != nil {
			return fmt.Errorf("marshal hard state: %w", err)
		}
		if err := w.writeRecord(Record{Kind: KindHardState, Index: hs.Commit, Data: data}); err != nil {
			return fmt.Errorf("failed to write WAL hard state: %w", err)
		}
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Replay reads every record in write order. A torn record at the tail (a
// crash in the middle of a write) ends the replay without an error; a record
// failing its checksum is ErrCorrupt.
func (w *WAL) Replay(callback func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before replay: %w", err)
	}
	if _, torn, err := w.scan(callback); err != nil {
		return err
	} else if torn {
		slog.Warn("torn record at WAL tail, ignoring", "path", w.filePath)
	}
	return nil
}

// scan feeds complete records to callback and returns the offset right after
// the last one, and whether a torn record follows it.
func (w *WAL) scan(callback func(Record) error) (int64, bool, error) {
	file, err := os.Open(w.filePath)
	if err != nil {
		return 0, false, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	var good int64
	reader := bufio.NewReader(file)
	for {
		rec, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return good, false, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return good, true, nil
			}
			return good, false, fmt.Errorf("failed to read WAL record at offset %d: %w", good, err)
		}
		if err := callback(rec); err != nil {
			return good, false, fmt.Errorf("WAL replay callback failed: %w", err)
		}
		good += int64(headerSize + len(rec.Data) + 4)
	}
}

// Load replays the journal into raft shapes: the last hard state and the
// entries in write order.
func (w *WAL) Load() (raftpb.HardState, []raftpb.Entry, error) {
	var (
		hs      raftpb.HardState
		entries []raftpb.Entry
	)
	err := w.Replay(func(rec Record) error {
		switch rec.Kind {
		case KindEntry:
			var e raftpb.Entry
			if err := e.Unmarshal(rec.Data); err != nil {
				return fmt.Errorf("unmarshal entry %d: %w", rec.Index, err)
			}
			entries = append(entries, e)
		case KindHardState:
			if err := hs.Unmarshal(rec.Data); err != nil {
				return fmt.Errorf("unmarshal hard state: %w", err)
			}
		default:
			return fmt.Errorf("unknown record kind %d", rec.Kind)
		}
		return nil
	})
	return hs, entries, err
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}
	return nil
}

// writeRecord: kind (1) | index (8) | data length (4) | data | crc32c (4)
func (w *WAL) writeRecord(rec Record) error {
	if len(rec.Data) > math.MaxUint32 {
		return fmt.Errorf("record too large: %d", len(rec.Data))
	}
	var header [headerSize]byte
	header[0] = byte(rec.Kind)
	binary.LittleEndian.PutUint64(header[1:9], rec.Index)
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(rec.Data)))

	crc := crc32.Update(0, castagnoli, header[:])
	crc = crc32.Update(crc, castagnoli, rec.Data)

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(rec.Data); err != nil {
		return err
	}
	return binary.Write(w.writer, binary.LittleEndian, crc)
}

func readRecord(reader *bufio.Reader) (Record, error) {
	var (
		rec    Record
		header [headerSize]byte
	)
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		// nothing read is a clean end, anything less than a header is torn
		return rec, err
	}
	rec.Kind = Kind(header[0])
	rec.Index = binary.LittleEndian.Uint64(header[1:9])
	dataLen := binary.LittleEndian.Uint32(header[9:13])

	// a torn header may carry any length, so the data is not preallocated
	data, err := io.ReadAll(io.LimitReader(reader, int64(dataLen)))
	if err != nil {
		return rec, err
	}
	if len(data) < int(dataLen) {
		return rec, io.ErrUnexpectedEOF
	}
	rec.Data = data
	var sum uint32
	if err := binary.Read(reader, binary.LittleEndian, &sum); err != nil {
		return rec, unexpected(err)
	}

	crc := crc32.Update(0, castagnoli, header[:])
	crc = crc32.Update(crc, castagnoli, rec.Data)
	if crc != sum {
		return rec, fmt.Errorf("%w: index %d", ErrCorrupt, rec.Index)
	}
	return rec, nil
}

// unexpected turns EOF inside a record into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func isEmptyHardState(hs raftpb.HardState) bool {
	return hs.Term == 0 && hs.Vote == 0 && hs.Commit == 0
}
