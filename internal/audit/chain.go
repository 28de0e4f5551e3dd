// Package audit implements the cryptographically chained, append-only
// audit log (spec §4.7): hash-linked events, Ed25519 per-event signatures,
// key rotation, and batch (Merkle-root) signing for bursts.
//
// Grounded on system/sandbox/audit_integration.go's EnhancedAuditor and
// AuditLogger fan-out (kept here as the alerting layer, see alerts.go),
// extended with the hash-chaining and signing the
// teacher's version does not implement.
package audit

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/symbiont-run/symbiont/internal/apperr"
	"github.com/symbiont-run/symbiont/internal/cryptoutil"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
	"github.com/symbiont-run/symbiont/internal/wire"
	"github.com/symbiont-run/symbiont/pkg/logger"
)

func unixNanoToTime(n int64) time.Time { return time.Unix(0, n).UTC() }

// keyEpoch records one historical signing key, so Verify can check a
// signature against the key that was active at the sequence it was
// produced, across rotations.
type keyEpoch struct {
	version   uint32
	publicKey []byte
	fromSeq   uint64
}

// appendRequest is submitted to the single writer goroutine that
// serializes sequence-number assignment (spec §5: "Audit event sequence
// numbers: strictly monotone across the whole runtime; serialized through
// a single append path").
type appendRequest struct {
	eventType string
	actor     string
	details   map[string]string
	result    chan appendResult
}

type appendResult struct {
	id  ids.AuditId
	err error
}

// Chain is the durable, hash-chained, signed audit log.
type Chain struct {
	backend Backend
	log     *logger.Logger

	mu       sync.Mutex // protects signingKey/epochs only; sequence/hash state lives in the writer goroutine
	signingKey *cryptoutil.SigningKeyPair
	epochs     []keyEpoch
	curVersion uint32

	requests chan appendRequest
	done     chan struct{}

	alerts *AlertTracker
}

// Config configures a new Chain.
type Config struct {
	Backend    Backend
	SigningKey *cryptoutil.SigningKeyPair
	Logger     *logger.Logger
	Alerts     *AlertTracker
}

// New creates a Chain and starts its single-writer goroutine.
func New(cfg Config) (*Chain, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("audit: backend is required")
	}
	if cfg.SigningKey == nil {
		return nil, fmt.Errorf("audit: signing key is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("audit")
	}
	alerts := cfg.Alerts
	if alerts == nil {
		alerts = NewAlertTracker(DefaultAlertTrackerConfig())
	}

	c := &Chain{
		backend:    cfg.Backend,
		log:        log,
		signingKey: cfg.SigningKey,
		epochs:     []keyEpoch{{version: 1, publicKey: append([]byte(nil), cfg.SigningKey.Public...), fromSeq: 0}},
		curVersion: 1,
		requests:   make(chan appendRequest, 256),
		done:       make(chan struct{}),
		alerts:     alerts,
	}

	nextSeq, lastHash, err := c.recoverTailState()
	if err != nil {
		return nil, err
	}

	go c.run(nextSeq, lastHash)
	return c, nil
}

func (c *Chain) recoverTailState() (uint64, [32]byte, error) {
	tail, err := c.backend.Tail()
	if err != nil {
		return 0, domain.GenesisHash, fmt.Errorf("audit: read tail: %w", err)
	}
	if tail == nil {
		return 0, domain.GenesisHash, nil
	}
	return tail.SequenceNumber + 1, tail.SelfHash, nil
}

// run is the single serialized writer: it owns sequence and lastHash state
// so no lock is needed around them.
func (c *Chain) run(nextSeq uint64, lastHash [32]byte) {
	for {
		select {
		case req := <-c.requests:
			ev, err := c.build(nextSeq, lastHash, req.eventType, req.actor, req.details)
			if err != nil {
				req.result <- appendResult{err: apperr.AuditError("Append", "build event", err)}
				continue
			}
			if err := c.backend.Append(ev); err != nil {
				req.result <- appendResult{err: apperr.AuditError("Append", "durable write failed", err)}
				continue
			}
			nextSeq = ev.SequenceNumber + 1
			lastHash = ev.SelfHash
			req.result <- appendResult{id: ev.ID}
		case <-c.done:
			return
		}
	}
}

func (c *Chain) build(seq uint64, prevHash [32]byte, eventType, actor string, details map[string]string) (*domain.AuditEvent, error) {
	c.mu.Lock()
	key := c.signingKey
	version := c.curVersion
	c.mu.Unlock()

	ev := &domain.AuditEvent{
		ID:                ids.NewAuditId(),
		SequenceNumber:    seq,
		Timestamp:         time.Now().UTC(),
		Actor:             actor,
		EventType:         eventType,
		Details:           details,
		PrevHash:          prevHash,
		SigningKeyVersion: version,
	}
	canonical, err := wire.CanonicalAuditBytes(ev)
	if err != nil {
		return nil, err
	}
	ev.SelfHash = cryptoutil.HashChain(canonical)
	ev.Signature = key.Sign(ev.SelfHash[:])
	return ev, nil
}

// Append assigns the next sequence number, computes self_hash, signs it,
// and durably writes the event before returning (spec §4.7).
func (c *Chain) Append(eventType, actor string, details map[string]string) (ids.AuditId, error) {
	result := make(chan appendResult, 1)
	c.requests <- appendRequest{eventType: eventType, actor: actor, details: details, result: result}
	res := <-result
	if res.err != nil {
		c.log.WithField("event_type", eventType).WithField("actor", actor).Errorf("audit append failed: %v", res.err)
	}
	return res.id, res.err
}

// MismatchError reports the first sequence number at which verification
// failed.
type MismatchError struct {
	Sequence uint64
	Reason   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("audit chain mismatch at sequence %d: %s", e.Sequence, e.Reason)
}

// Verify recomputes hashes and verifies signatures across [from, to]
// (spec §4.7). It returns nil if the whole range verifies, or a
// *MismatchError naming the first broken sequence.
func (c *Chain) Verify(from, to uint64) error {
	events, err := c.backend.ReadRange(from, to)
	if err != nil {
		return apperr.AuditError("Verify", "read range", err)
	}

	c.mu.Lock()
	epochs := append([]keyEpoch(nil), c.epochs...)
	c.mu.Unlock()

	expectedPrev := domain.GenesisHash
	if from > 0 {
		prior, err := c.backend.ReadRange(from-1, from-1)
		if err != nil {
			return apperr.AuditError("Verify", "read predecessor", err)
		}
		if len(prior) == 1 {
			expectedPrev = prior[0].SelfHash
		}
	}

	for _, ev := range events {
		if ev.PrevHash != expectedPrev {
			return &MismatchError{Sequence: ev.SequenceNumber, Reason: "prev_hash does not match predecessor self_hash"}
		}
		canonical, err := wire.CanonicalAuditBytes(ev)
		if err != nil {
			return &MismatchError{Sequence: ev.SequenceNumber, Reason: "cannot canonicalize: " + err.Error()}
		}
		recomputed := cryptoutil.HashChain(canonical)
		if recomputed != ev.SelfHash {
			return &MismatchError{Sequence: ev.SequenceNumber, Reason: "self_hash does not match recomputed hash"}
		}
		pub := publicKeyForVersion(epochs, ev.SigningKeyVersion)
		if pub == nil || !cryptoutil.Verify(pub, ev.SelfHash[:], ev.Signature) {
			return &MismatchError{Sequence: ev.SequenceNumber, Reason: "signature does not verify"}
		}
		expectedPrev = ev.SelfHash
	}
	return nil
}

func publicKeyForVersion(epochs []keyEpoch, version uint32) []byte {
	for _, e := range epochs {
		if e.version == version {
			return e.publicKey
		}
	}
	return nil
}

// Filter selects which events Query returns.
type Filter struct {
	Actor     string
	EventType string
	From      time.Time
	To        time.Time
}

func (f Filter) matches(ev *domain.AuditEvent) bool {
	if f.Actor != "" && ev.Actor != f.Actor {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Query returns a finite, non-restartable iterator over events matching
// filter (spec §4.7). The simple slice-backed implementation matches the
// "finite, non-restartable" contract without needing a cursor type.
func (c *Chain) Query(filter Filter) ([]*domain.AuditEvent, error) {
	events, err := c.backend.ReadRange(0, ^uint64(0))
	if err != nil {
		return nil, apperr.AuditError("Query", "read range", err)
	}
	var out []*domain.AuditEvent
	for _, ev := range events {
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// RotateSigningKey installs newKey for future appends, emitting a
// KeyRotation event signed under the previous key (spec §4.7). Chain
// validity is preserved across rotations because Verify tracks every
// historical public key by the version recorded on each event.
func (c *Chain) RotateSigningKey(newKey *cryptoutil.SigningKeyPair) (ids.AuditId, error) {
	c.mu.Lock()
	oldVersion := c.curVersion
	newVersion := oldVersion + 1
	c.mu.Unlock()

	id, err := c.Append(domain.EventKeyRotation, "system", map[string]string{
		"old_key_version": fmt.Sprintf("%d", oldVersion),
		"new_key_version": fmt.Sprintf("%d", newVersion),
		"new_public_key":  hex.EncodeToString(newKey.Public),
	})
	if err != nil {
		return id, err
	}

	c.mu.Lock()
	c.signingKey = newKey
	c.curVersion = newVersion
	c.epochs = append(c.epochs, keyEpoch{version: newVersion, publicKey: append([]byte(nil), newKey.Public...)})
	c.mu.Unlock()
	return id, nil
}

// SealBatch appends a single AuditBatchSealed event whose details carry the
// Merkle root of the given events' self-hashes, signed once under the
// current key. This is the burst-performance path from spec §4.7: callers
// that Append a batch of events in quick succession can additionally seal
// them with one signature covering all of them, without changing how any
// individual event in the batch is itself hash-chained and signed.
func (c *Chain) SealBatch(events []*domain.AuditEvent) (ids.AuditId, error) {
	if len(events) == 0 {
		return ids.AuditId{}, fmt.Errorf("audit: cannot seal an empty batch")
	}
	leaves := make([][32]byte, len(events))
	seqs := make([]string, len(events))
	for i, ev := range events {
		leaves[i] = ev.SelfHash
		seqs[i] = fmt.Sprintf("%d", ev.SequenceNumber)
	}
	root := cryptoutil.MerkleRoot(leaves)
	return c.Append("AuditBatchSealed", "system", map[string]string{
		"merkle_root":     hex.EncodeToString(root[:]),
		"batch_size":      fmt.Sprintf("%d", len(events)),
		"sequence_numbers": fmt.Sprintf("%v", seqs),
	})
}

// Close stops the writer goroutine and closes the backend.
func (c *Chain) Close() error {
	close(c.done)
	return c.backend.Close()
}
