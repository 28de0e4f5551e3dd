// Package wire implements the canonical byte encodings used for signing
// and on-wire transmission (spec §6): CBOR in a fixed field order for
// SecureMessage, and the same approach (minus the signature field) for
// AuditEvent's self_hash input.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/symbiont-run/symbiont/internal/domain"
)

// SignatureAlgorithm is the only signature algorithm the wire protocol
// accepts; any other identifier is rejected (spec §6).
const SignatureAlgorithm = "ed25519"

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: build canonical cbor encoder: %v", err))
	}
	return mode
}()

// secureMessageWire is the fixed field order used for both signing and
// on-wire transmission of a SecureMessage.
type secureMessageWire struct {
	ID                string `cbor:"1,keyasint"`
	Sender            string `cbor:"2,keyasint"`
	Recipient         string `cbor:"3,keyasint"`
	Topic             string `cbor:"4,keyasint"`
	PayloadCiphertext []byte `cbor:"5,keyasint"`
	Nonce             []byte `cbor:"6,keyasint"`
	Timestamp         int64  `cbor:"7,keyasint"`
	TTL               int64  `cbor:"8,keyasint"`
	Type              string `cbor:"9,keyasint"`
}

// CanonicalMessageBytes renders the fields of m covered by its signature,
// in the fixed order from spec §3: id ‖ sender ‖ recipient|topic ‖
// payload_ciphertext ‖ nonce ‖ timestamp ‖ ttl ‖ type.
func CanonicalMessageBytes(m *domain.SecureMessage) ([]byte, error) {
	w := secureMessageWire{
		ID:                m.ID.String(),
		Sender:            m.Sender.String(),
		PayloadCiphertext: m.PayloadCiphertext,
		Nonce:             append([]byte(nil), m.Nonce[:]...),
		Timestamp:         m.Timestamp.UnixNano(),
		TTL:               int64(m.TTL),
		Type:              string(m.Type),
	}
	if m.Recipient != nil {
		w.Recipient = m.Recipient.String()
	}
	if m.Topic != nil {
		w.Topic = *m.Topic
	}
	b, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("cbor-encode secure message: %w", err)
	}
	return b, nil
}

// auditEventWire mirrors AuditEvent's fields excluding ID, SelfHash,
// Signature and SigningKeyVersion; the signature is never part of its own
// input per spec §6 ("self_hash uses SHA-256 over
// the canonical bytes excluding the signature field").
type auditEventWire struct {
	SequenceNumber uint64            `cbor:"1,keyasint"`
	Timestamp      int64             `cbor:"2,keyasint"`
	Actor          string            `cbor:"3,keyasint"`
	EventType      string            `cbor:"4,keyasint"`
	Details        map[string]string `cbor:"5,keyasint"`
	PrevHash       []byte            `cbor:"6,keyasint"`
}

// CanonicalAuditBytes renders the fields of e that feed its self_hash.
func CanonicalAuditBytes(e *domain.AuditEvent) ([]byte, error) {
	w := auditEventWire{
		SequenceNumber: e.SequenceNumber,
		Timestamp:      e.Timestamp.UnixNano(),
		Actor:          e.Actor,
		EventType:      e.EventType,
		Details:        e.Details,
		PrevHash:       append([]byte(nil), e.PrevHash[:]...),
	}
	b, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("cbor-encode audit event: %w", err)
	}
	return b, nil
}
