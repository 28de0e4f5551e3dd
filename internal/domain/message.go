package domain

import (
	"fmt"
	"time"

	"github.com/symbiont-run/symbiont/internal/ids"
)

// MessageType identifies the shape/intent of a SecureMessage (spec §3).
type MessageType string

const (
	MessageDirect    MessageType = "Direct"
	MessagePublish   MessageType = "Publish"
	MessageSubscribe MessageType = "Subscribe"
	MessageBroadcast MessageType = "Broadcast"
	MessageRequest   MessageType = "Request"
	MessageResponse  MessageType = "Response"
)

// DeliveryGuarantee selects the delivery semantics for a SecureMessage
// (spec §4.6).
type DeliveryGuarantee string

const (
	AtLeastOnce DeliveryGuarantee = "at_least_once"
	AtMostOnce  DeliveryGuarantee = "at_most_once"
	ExactlyOnce DeliveryGuarantee = "exactly_once"
)

// SecureMessage is the immutable, authenticated unit of communication
// carried by the bus.
type SecureMessage struct {
	ID               ids.MessageId
	Sender           ids.AgentId
	Recipient        *ids.AgentId
	Topic            *string
	PayloadCiphertext []byte
	Nonce            [12]byte // fresh 96-bit nonce per message (spec §4.6)
	AuthTag          []byte
	Signature        []byte
	SenderPublicKey  []byte
	Timestamp        time.Time
	TTL              time.Duration
	Type             MessageType
	Guarantee        DeliveryGuarantee
	Critical         bool
}

// Validate enforces the structural invariant from spec §3: exactly one of
// recipient/topic is set for non-broadcast message types.
func (m *SecureMessage) Validate() error {
	if m.Type == MessageBroadcast {
		return nil
	}
	hasRecipient := m.Recipient != nil
	hasTopic := m.Topic != nil
	if hasRecipient == hasTopic {
		return fmt.Errorf("secure message must set exactly one of recipient/topic (recipient=%v topic=%v)", hasRecipient, hasTopic)
	}
	return nil
}

// Expired reports whether the message has outlived its TTL relative to now.
func (m *SecureMessage) Expired(now time.Time) bool {
	return now.After(m.Timestamp.Add(m.TTL))
}
