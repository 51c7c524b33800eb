package raft

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

func openTestStorage(t *testing.T, dir string) *Storage {
	t.Helper()
	s, err := OpenStorage(dir)
	require.NoError(t, err)
	return s
}

func TestStorageFresh(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	defer s.Close()

	require.False(t, s.HasState())
	require.Equal(t, uint64(0), s.CurrentTerm())
	require.Empty(t, s.Entries())
}

func TestStorageAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)

	entries := []Entry{
		{Index: 1, Term: 1, Type: EntryConfig, Command: []byte(`{"members":{}}`)},
		{Index: 2, Term: 1, Type: EntryCommand, Command: []byte("hello")},
		{Index: 3, Term: 2, Type: EntryNoop},
	}
	require.NoError(t, s.Append(entries))
	require.NoError(t, s.SetTermAndVote(2, 1))
	require.True(t, s.HasState())
	require.NoError(t, s.Close())

	s2 := openTestStorage(t, dir)
	defer s2.Close()
	require.True(t, s2.HasState())
	require.Equal(t, uint64(2), s2.CurrentTerm())
	require.Equal(t, uint64(1), s2.VotedFor())
	got := s2.Entries()
	require.Len(t, got, 3)
	require.Equal(t, entries[1].Command, got[1].Command)
	require.Equal(t, EntryNoop, got[2].Type)
	require.Nil(t, got[2].Command)
}

func TestStorageTruncateFrom(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)

	require.NoError(t, s.Append([]Entry{
		{Index: 1, Term: 1, Type: EntryCommand, Command: []byte("a")},
		{Index: 2, Term: 1, Type: EntryCommand, Command: []byte("b")},
		{Index: 3, Term: 2, Type: EntryCommand, Command: []byte("c")},
	}))
	require.NoError(t, s.TruncateFrom(2))
	require.Len(t, s.Entries(), 1)
	require.NoError(t, s.Close())

	s2 := openTestStorage(t, dir)
	defer s2.Close()
	require.Len(t, s2.Entries(), 1)
	require.Equal(t, []byte("a"), s2.Entries()[0].Command)
}

func TestStorageCompactAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)

	require.NoError(t, s.Append([]Entry{
		{Index: 1, Term: 1, Type: EntryCommand, Command: []byte("a")},
		{Index: 2, Term: 1, Type: EntryCommand, Command: []byte("b")},
		{Index: 3, Term: 1, Type: EntryCommand, Command: []byte("c")},
	}))
	require.NoError(t, s.Compact(2, 1, []byte("snap-at-2")))

	require.Equal(t, uint64(2), s.SnapshotIndex())
	require.Equal(t, uint64(1), s.SnapshotTerm())
	require.Len(t, s.Entries(), 1)
	require.NoError(t, s.Close())

	s2 := openTestStorage(t, dir)
	defer s2.Close()
	snap, ok, err := s2.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("snap-at-2"), snap)
	require.Len(t, s2.Entries(), 1)
	require.Equal(t, uint64(3), s2.Entries()[0].Index)
}

func TestStorageDetectsTruncatedRecord(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	require.NoError(t, s.Append([]Entry{
		{Index: 1, Term: 1, Type: EntryCommand, Command: []byte("payload")},
	}))
	require.NoError(t, s.Close())

	logPath := filepath.Join(dir, logFileName)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(logPath, data[:len(data)-3], 0o644))

	_, err = OpenStorage(dir)
	require.ErrorIs(t, err, errors.ErrCorruptState)
}

func TestStorageDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	require.NoError(t, s.Append([]Entry{
		{Index: 1, Term: 1, Type: EntryCommand, Command: []byte("payload")},
	}))
	require.NoError(t, s.Close())

	logPath := filepath.Join(dir, logFileName)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	data[recordHeaderSize] ^= 0xff // flip a command byte
	require.NoError(t, os.WriteFile(logPath, data, 0o644))

	_, err = OpenStorage(dir)
	require.ErrorIs(t, err, errors.ErrCorruptState)
}

func TestStorageDetectsCorruptMeta(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	require.NoError(t, s.SetTermAndVote(1, 0))
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, metaFileName), []byte("{broken"), 0o644))
	_, err := OpenStorage(dir)
	require.ErrorIs(t, err, errors.ErrCorruptState)
}

func TestStorageInstallSnapshotReplacesLog(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	require.NoError(t, s.Append([]Entry{
		{Index: 1, Term: 1, Type: EntryCommand, Command: []byte("old")},
	}))

	cfg := Configuration{Members: map[uint64]Member{
		1: {ID: 1, RaftAddr: "a:8970", Voter: true},
	}}
	require.NoError(t, s.InstallSnapshot(10, 3, []byte("snapshot"), cfg))

	require.Empty(t, s.Entries())
	require.Equal(t, uint64(10), s.SnapshotIndex())
	require.Equal(t, uint64(10), s.ConfigIndex())
	require.Len(t, s.Configuration().Members, 1)
	require.NoError(t, s.Close())

	s2 := openTestStorage(t, dir)
	defer s2.Close()
	snap, ok, err := s2.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("snapshot"), snap)
}
