// Package ids defines the opaque 128-bit identifier types shared across the
// Symbiont runtime: AgentId, MessageId, AuditId, PolicyId and SessionId.
//
// Each is a distinct Go type over uuid.UUID so the compiler catches an
// AgentId accidentally passed where a MessageId is expected, even though
// both are structurally identical 16-byte values.
package ids

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// AgentId uniquely identifies an Agent for its entire lifetime.
type AgentId uuid.UUID

// MessageId uniquely identifies a SecureMessage.
type MessageId uuid.UUID

// AuditId uniquely identifies an AuditEvent.
type AuditId uuid.UUID

// PolicyId uniquely identifies a registered Policy.
type PolicyId uuid.UUID

// SessionId uniquely identifies a runtime session (used for rate limiting
// and dedup windows that span more than one agent).
type SessionId uuid.UUID

// NewAgentId generates a new random AgentId.
func NewAgentId() AgentId { return AgentId(uuid.New()) }

// NewMessageId generates a new random MessageId.
func NewMessageId() MessageId { return MessageId(uuid.New()) }

// NewAuditId generates a new random AuditId.
func NewAuditId() AuditId { return AuditId(uuid.New()) }

// NewPolicyId generates a new random PolicyId.
func NewPolicyId() PolicyId { return PolicyId(uuid.New()) }

// NewSessionId generates a new random SessionId.
func NewSessionId() SessionId { return SessionId(uuid.New()) }

func (id AgentId) String() string   { return uuid.UUID(id).String() }
func (id MessageId) String() string { return uuid.UUID(id).String() }
func (id AuditId) String() string   { return uuid.UUID(id).String() }
func (id PolicyId) String() string  { return uuid.UUID(id).String() }
func (id SessionId) String() string { return uuid.UUID(id).String() }

// IsZero reports whether id is the zero-value (unset) AgentId.
func (id AgentId) IsZero() bool { return id == AgentId{} }

// IsZero reports whether id is the zero-value (unset) MessageId.
func (id MessageId) IsZero() bool { return id == MessageId{} }

// ParseAgentId parses a canonical UUID string into an AgentId.
func ParseAgentId(s string) (AgentId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AgentId{}, fmt.Errorf("parse agent id %q: %w", s, err)
	}
	return AgentId(u), nil
}

// ParsePolicyId parses a canonical UUID string into a PolicyId.
func ParsePolicyId(s string) (PolicyId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PolicyId{}, fmt.Errorf("parse policy id %q: %w", s, err)
	}
	return PolicyId(u), nil
}

// ParseAuditId parses a canonical UUID string into an AuditId.
func ParseAuditId(s string) (AuditId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AuditId{}, fmt.Errorf("parse audit id %q: %w", s, err)
	}
	return AuditId(u), nil
}

// Value implements driver.Valuer so AgentId can be written to a database
// column.
func (id AgentId) Value() (driver.Value, error) { return uuid.UUID(id).String(), nil }

// Scan implements sql.Scanner for AgentId.
func (id *AgentId) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*id = AgentId(u)
		return nil
	case []byte:
		u, err := uuid.Parse(string(v))
		if err != nil {
			return err
		}
		*id = AgentId(u)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into AgentId", src)
	}
}

// MarshalText implements encoding.TextMarshaler so ids serialize as their
// canonical string form in both JSON and the CBOR canonical wire form.
func (id AgentId) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AgentId) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*id = AgentId(u)
	return nil
}

// MarshalText implements encoding.TextMarshaler for MessageId.
func (id MessageId) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler for MessageId.
func (id *MessageId) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*id = MessageId(u)
	return nil
}
