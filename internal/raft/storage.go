package raft

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rodrigogalhardo/indexify/pkg/errors"
)

const (
	metaFileName = "meta.json"
	logFileName  = "log.bin"
	snapshotDir  = "snapshots"

	// log record header: index(8) term(8) type(1) cmdLen(4)
	recordHeaderSize = 21
)

// meta is the durable non-log raft state.
type meta struct {
	CurrentTerm   uint64        `json:"current_term"`
	VotedFor      uint64        `json:"voted_for"` // 0 == none
	Configuration Configuration `json:"configuration"`
	ConfigIndex   uint64        `json:"config_index"`
	SnapshotIndex uint64        `json:"snapshot_index"`
	SnapshotTerm  uint64        `json:"snapshot_term"`
}

// Storage persists raft state under a single directory exclusively owned by
// the local node: meta.json, a checksummed binary log, and snapshots.
type Storage struct {
	dir     string
	logFile *os.File
	meta    meta

	// entries holds every log entry above the snapshot, in index order.
	entries []Entry

	hasState bool
}

// OpenStorage opens or creates raft storage in dir. Existing state that
// fails a consistency check (truncated records, checksum mismatch,
// unparsable meta) is fatal: the node refuses to start rather than risk
// divergent state.
func OpenStorage(dir string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Join(dir, snapshotDir), 0o755); err != nil {
		return nil, fmt.Errorf("create raft dir: %w", err)
	}

	s := &Storage{dir: dir}
	s.meta.Configuration = Configuration{Members: make(map[uint64]Member)}

	if err := s.loadMeta(); err != nil {
		return nil, err
	}
	if err := s.loadLog(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log for append: %w", err)
	}
	s.logFile = f

	return s, nil
}

// HasState reports whether any prior raft state exists on disk. It decides
// rejoin-vs-initialize at startup.
func (s *Storage) HasState() bool { return s.hasState }

// Close closes the log file.
func (s *Storage) Close() error {
	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}

func (s *Storage) logPath() string  { return filepath.Join(s.dir, logFileName) }
func (s *Storage) metaPath() string { return filepath.Join(s.dir, metaFileName) }

func (s *Storage) loadMeta() error {
	data, err := os.ReadFile(s.metaPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read meta: %w", err)
	}
	s.hasState = true

	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: meta.json: %v", errors.ErrCorruptState, err)
	}
	if m.Configuration.Members == nil {
		m.Configuration.Members = make(map[uint64]Member)
	}
	s.meta = m
	return nil
}

func (s *Storage) loadLog() error {
	f, err := os.Open(s.logPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	s.hasState = true

	for {
		entry, err := readRecord(f)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if n := len(s.entries); n > 0 && entry.Index != s.entries[n-1].Index+1 {
			return fmt.Errorf("%w: log gap at index %d", errors.ErrCorruptState, entry.Index)
		}
		s.entries = append(s.entries, entry)
	}
}

func readRecord(r io.Reader) (Entry, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Entry{}, io.EOF
		}
		// Mid-record truncation.
		return Entry{}, fmt.Errorf("%w: truncated log record header", errors.ErrCorruptState)
	}

	entry := Entry{
		Index: binary.BigEndian.Uint64(header[0:8]),
		Term:  binary.BigEndian.Uint64(header[8:16]),
		Type:  EntryType(header[16]),
	}
	cmdLen := binary.BigEndian.Uint32(header[17:21])

	entry.Command = make([]byte, cmdLen)
	if _, err := io.ReadFull(r, entry.Command); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated log record body", errors.ErrCorruptState)
	}

	sum := make([]byte, 4)
	if _, err := io.ReadFull(r, sum); err != nil {
		return Entry{}, fmt.Errorf("%w: truncated log record checksum", errors.ErrCorruptState)
	}

	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(entry.Command)
	if binary.BigEndian.Uint32(sum) != crc.Sum32() {
		return Entry{}, fmt.Errorf("%w: checksum mismatch at index %d", errors.ErrCorruptState, entry.Index)
	}
	if cmdLen == 0 {
		entry.Command = nil
	}
	return entry, nil
}

func encodeRecord(entry Entry) []byte {
	buf := make([]byte, recordHeaderSize+len(entry.Command)+4)
	binary.BigEndian.PutUint64(buf[0:8], entry.Index)
	binary.BigEndian.PutUint64(buf[8:16], entry.Term)
	buf[16] = byte(entry.Type)
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(entry.Command)))
	copy(buf[recordHeaderSize:], entry.Command)

	crc := crc32.NewIEEE()
	crc.Write(buf[:recordHeaderSize+len(entry.Command)])
	binary.BigEndian.PutUint32(buf[recordHeaderSize+len(entry.Command):], crc.Sum32())
	return buf
}

// Append durably appends entries to the log.
func (s *Storage) Append(entries []Entry) error {
	for _, entry := range entries {
		if _, err := s.logFile.Write(encodeRecord(entry)); err != nil {
			return fmt.Errorf("append log record: %w", err)
		}
	}
	if err := s.logFile.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}
	s.entries = append(s.entries, entries...)
	s.hasState = true
	return nil
}

// TruncateFrom drops every entry with index >= index, overwriting the log
// file. Used when a follower discovers a conflicting suffix from an
// abandoned term.
func (s *Storage) TruncateFrom(index uint64) error {
	keep := s.entries[:0]
	for _, e := range s.entries {
		if e.Index < index {
			keep = append(keep, e)
		}
	}
	s.entries = keep
	return s.rewriteLog()
}

// Compact writes a snapshot and truncates the log prefix up to and
// including index, bounding replay time for lagging members.
func (s *Storage) Compact(index, term uint64, snapshot []byte) error {
	if err := s.writeSnapshotFile(index, term, snapshot); err != nil {
		return err
	}

	var keep []Entry
	for _, e := range s.entries {
		if e.Index > index {
			keep = append(keep, e)
		}
	}
	s.entries = keep

	s.meta.SnapshotIndex = index
	s.meta.SnapshotTerm = term
	if err := s.saveMeta(); err != nil {
		return err
	}
	if err := s.rewriteLog(); err != nil {
		return err
	}
	s.removeObsoleteSnapshots(index)
	return nil
}

func (s *Storage) rewriteLog() error {
	if s.logFile != nil {
		_ = s.logFile.Close()
	}

	tempPath := s.logPath() + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	for _, entry := range s.entries {
		if _, err := f.Write(encodeRecord(entry)); err != nil {
			f.Close()
			return fmt.Errorf("rewrite log record: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync rewritten log: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempPath, s.logPath()); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename log: %w", err)
	}

	s.logFile, err = os.OpenFile(s.logPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen log: %w", err)
	}
	return nil
}

// SetTermAndVote durably records the current term and vote. Must complete
// before answering the RPC that caused the change.
func (s *Storage) SetTermAndVote(term, votedFor uint64) error {
	s.meta.CurrentTerm = term
	s.meta.VotedFor = votedFor
	s.hasState = true
	return s.saveMeta()
}

// SetConfiguration durably records the latest membership configuration and
// the log index it came from.
func (s *Storage) SetConfiguration(cfg Configuration, index uint64) error {
	s.meta.Configuration = cfg.Clone()
	s.meta.ConfigIndex = index
	s.hasState = true
	return s.saveMeta()
}

func (s *Storage) saveMeta() error {
	data, err := json.MarshalIndent(&s.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	tempPath := s.metaPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp meta: %w", err)
	}
	if f, err := os.OpenFile(tempPath, os.O_RDONLY, 0); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tempPath, s.metaPath()); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename meta: %w", err)
	}
	return nil
}

// Accessors used by the node under its own mutex.

func (s *Storage) CurrentTerm() uint64          { return s.meta.CurrentTerm }
func (s *Storage) VotedFor() uint64             { return s.meta.VotedFor }
func (s *Storage) Configuration() Configuration { return s.meta.Configuration.Clone() }
func (s *Storage) ConfigIndex() uint64          { return s.meta.ConfigIndex }
func (s *Storage) SnapshotIndex() uint64        { return s.meta.SnapshotIndex }
func (s *Storage) SnapshotTerm() uint64         { return s.meta.SnapshotTerm }
func (s *Storage) Entries() []Entry             { return s.entries }

func (s *Storage) snapshotPath(index, term uint64) string {
	return filepath.Join(s.dir, snapshotDir, fmt.Sprintf("snapshot-%d-%d.snap", term, index))
}

func (s *Storage) writeSnapshotFile(index, term uint64, data []byte) error {
	path := s.snapshotPath(index, term)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if f, err := os.OpenFile(tempPath, os.O_RDONLY, 0); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot payload recorded in meta, if any.
func (s *Storage) LoadSnapshot() ([]byte, bool, error) {
	if s.meta.SnapshotIndex == 0 {
		return nil, false, nil
	}
	data, err := os.ReadFile(s.snapshotPath(s.meta.SnapshotIndex, s.meta.SnapshotTerm))
	if err != nil {
		return nil, false, fmt.Errorf("%w: missing snapshot for index %d: %v",
			errors.ErrCorruptState, s.meta.SnapshotIndex, err)
	}
	return data, true, nil
}

// InstallSnapshot replaces all log state with a snapshot received from the
// leader.
func (s *Storage) InstallSnapshot(index, term uint64, data []byte, cfg Configuration) error {
	if err := s.writeSnapshotFile(index, term, data); err != nil {
		return err
	}
	s.entries = nil
	s.meta.SnapshotIndex = index
	s.meta.SnapshotTerm = term
	s.meta.Configuration = cfg.Clone()
	s.meta.ConfigIndex = index
	s.hasState = true
	if err := s.saveMeta(); err != nil {
		return err
	}
	if err := s.rewriteLog(); err != nil {
		return err
	}
	s.removeObsoleteSnapshots(index)
	return nil
}

func (s *Storage) removeObsoleteSnapshots(latestIndex uint64) {
	dir := filepath.Join(s.dir, snapshotDir)
	names, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	current := filepath.Base(s.snapshotPath(latestIndex, s.meta.SnapshotTerm))
	for _, de := range names {
		name := de.Name()
		if strings.HasPrefix(name, "snapshot-") && name != current {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}
