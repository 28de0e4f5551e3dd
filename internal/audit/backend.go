package audit

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
)

// Backend durably persists AuditEvents and allows replaying them in
// sequence order. append must be visible to a subsequent read even after a
// crash immediately following its return (spec §4.7's durability
// contract).
type Backend interface {
	Append(event *domain.AuditEvent) error
	ReadRange(from, to uint64) ([]*domain.AuditEvent, error)
	Tail() (*domain.AuditEvent, error) // most recently appended event, nil if empty
	Close() error
}

// record is the on-disk representation of one audit event, one JSON object
// per line, with a fixed-width decimal sequence prefix so the file can be
// seeked/tailed without parsing every line (spec §6: "newline-delimited
// records with fixed-width sequence prefix").
type record struct {
	ID                string            `json:"id"`
	SequenceNumber    uint64            `json:"sequence_number"`
	TimestampUnixNano int64             `json:"timestamp"`
	Actor             string            `json:"actor"`
	EventType         string            `json:"event_type"`
	Details           map[string]string `json:"details,omitempty"`
	PrevHash          string            `json:"prev_hash"`
	SelfHash          string            `json:"self_hash"`
	Signature         string            `json:"signature"`
	SigningKeyVersion uint32            `json:"signing_key_version"`
}

const seqPrefixWidth = 20 // fits any uint64 in decimal

// FileBackend is the default durable backend: an append-only local file at
// <data-root>/audit/chain.log, fsync'd before Append returns.
type FileBackend struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileBackend opens (creating if necessary) the chain log file under
// dataRoot/audit/chain.log.
func NewFileBackend(dataRoot string) (*FileBackend, error) {
	dir := filepath.Join(dataRoot, "audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	path := filepath.Join(dir, "chain.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileBackend{path: path, file: f}, nil
}

func toRecord(e *domain.AuditEvent) record {
	return record{
		ID:                e.ID.String(),
		SequenceNumber:    e.SequenceNumber,
		TimestampUnixNano: e.Timestamp.UnixNano(),
		Actor:             e.Actor,
		EventType:         e.EventType,
		Details:           e.Details,
		PrevHash:          hex.EncodeToString(e.PrevHash[:]),
		SelfHash:          hex.EncodeToString(e.SelfHash[:]),
		Signature:         hex.EncodeToString(e.Signature),
		SigningKeyVersion: e.SigningKeyVersion,
	}
}

// Append writes event as one line, prefixed with its fixed-width sequence
// number, and fsyncs before returning.
func (b *FileBackend) Append(event *domain.AuditEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := toRecord(event)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	line := fmt.Sprintf("%0*d %s\n", seqPrefixWidth, event.SequenceNumber, data)
	if _, err := b.file.WriteString(line); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("fsync audit log: %w", err)
	}
	return nil
}

// ReadRange reads all events with sequence numbers in [from, to].
func (b *FileBackend) ReadRange(from, to uint64) ([]*domain.AuditEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("open audit log for read: %w", err)
	}
	defer f.Close()

	var out []*domain.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, ' ')
		if idx < 0 {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSpace(line[:idx]), 10, 64)
		if err != nil {
			continue
		}
		if seq < from || seq > to {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line[idx+1:]), &rec); err != nil {
			return nil, fmt.Errorf("corrupt audit record at sequence %d: %w", seq, err)
		}
		ev, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return out, nil
}

// Tail returns the most recently appended event, or nil if the log is empty.
func (b *FileBackend) Tail() (*domain.AuditEvent, error) {
	events, err := b.ReadRange(0, ^uint64(0))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[len(events)-1], nil
}

// Close closes the underlying file handle.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}

func fromRecord(rec record) (*domain.AuditEvent, error) {
	id, err := ids.ParseAuditId(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("decode audit id: %w", err)
	}
	ev := &domain.AuditEvent{
		ID:                id,
		SequenceNumber:    rec.SequenceNumber,
		Actor:             rec.Actor,
		EventType:         rec.EventType,
		Details:           rec.Details,
		SigningKeyVersion: rec.SigningKeyVersion,
	}
	if err := decodeHex32(rec.PrevHash, &ev.PrevHash); err != nil {
		return nil, fmt.Errorf("decode prev_hash: %w", err)
	}
	if err := decodeHex32(rec.SelfHash, &ev.SelfHash); err != nil {
		return nil, fmt.Errorf("decode self_hash: %w", err)
	}
	sig, err := hex.DecodeString(rec.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	ev.Signature = sig
	ev.Timestamp = unixNanoToTime(rec.TimestampUnixNano)
	return ev, nil
}

func decodeHex32(s string, out *[32]byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return nil
}
