package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func entries(from, to, term uint64) []raftpb.Entry {
	var out []raftpb.Entry
	for i := from; i <= to; i++ {
		out = append(out, raftpb.Entry{Term: term, Index: i, Type: raftpb.EntryNormal, Data: []byte{byte(i)}})
	}
	return out
}

func TestWAL_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, w.Save(raftpb.HardState{Term: 1, Vote: 1, Commit: 2}, entries(1, 3, 1)))
	require.NoError(t, w.Save(raftpb.HardState{}, entries(4, 4, 1)))
	require.NoError(t, w.Save(raftpb.HardState{Term: 1, Vote: 1, Commit: 4}, nil))
	require.NoError(t, w.Close())

	w, err = New(dir)
	require.NoError(t, err)
	defer w.Close()

	hs, ents, err := w.Load()
	require.NoError(t, err)
	assert.Equal(t, raftpb.HardState{Term: 1, Vote: 1, Commit: 4}, hs)
	require.Len(t, ents, 4)
	assert.EqualValues(t, 4, ents[3].Index)
	assert.Equal(t, []byte{4}, ents[3].Data)
}

func TestWAL_EmptySaveWritesNothing(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Save(raftpb.HardState{}, nil))

	info, err := os.Stat(filepath.Join(dir, "raft.wal"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestWAL_TornTailIsIgnored(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, w.Save(raftpb.HardState{Term: 2, Commit: 2}, entries(1, 2, 2)))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "raft.wal")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// half-written record: kind byte and part of the index
	require.NoError(t, os.WriteFile(path, append(data, byte(KindEntry), 0x01, 0x02), 0o600))

	w, err = New(dir)
	require.NoError(t, err)
	defer w.Close()

	hs, ents, err := w.Load()
	require.NoError(t, err)
	assert.EqualValues(t, 2, hs.Commit)
	assert.Len(t, ents, 2)
}

func TestWAL_WritesAfterTornTailSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, w.Save(raftpb.HardState{Term: 2, Commit: 2}, entries(1, 2, 2)))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "raft.wal")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, byte(KindEntry), 0x01, 0x02), 0o600))

	w, err = New(dir)
	require.NoError(t, err)
	_, ents, err := w.Load()
	require.NoError(t, err)
	require.Len(t, ents, 2)
	require.NoError(t, w.Save(raftpb.HardState{Term: 2, Commit: 4}, entries(3, 4, 2)))
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(len(data)))

	w, err = New(dir)
	require.NoError(t, err)
	defer w.Close()

	hs, ents, err := w.Load()
	require.NoError(t, err)
	assert.Equal(t, raftpb.HardState{Term: 2, Commit: 4}, hs)
	require.Len(t, ents, 4)
	assert.EqualValues(t, 4, ents[3].Index)
}

func TestWAL_TornLengthIsNotTrusted(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, w.Save(raftpb.HardState{}, entries(1, 1, 1)))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "raft.wal")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// full header announcing ~4GiB of data, then nothing
	torn := []byte{byte(KindEntry), 2, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 0xaa}
	require.NoError(t, os.WriteFile(path, append(data, torn...), 0o600))

	w, err = New(dir)
	require.NoError(t, err)
	defer w.Close()

	_, ents, err := w.Load()
	require.NoError(t, err)
	assert.Len(t, ents, 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size())
}

func TestWAL_CorruptRecordIsReported(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, w.Save(raftpb.HardState{Term: 1, Commit: 2}, entries(1, 2, 1)))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "raft.wal")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize] ^= 0xff // first byte of the first entry's data
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = New(dir)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestWAL_ReplayKeepsWriteOrder(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	// a new leader overwrote index 3
	require.NoError(t, w.Save(raftpb.HardState{}, entries(1, 3, 1)))
	require.NoError(t, w.Save(raftpb.HardState{}, entries(3, 3, 2)))

	var got []uint64
	require.NoError(t, w.Replay(func(rec Record) error {
		got = append(got, rec.Index)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3, 3}, got)
}

func TestNew_EmptyDir(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
