package domain

import (
	"time"

	"github.com/symbiont-run/symbiont/internal/ids"
)

// AuditEvent is a single, immutable, hash-chained entry in the audit log
// (spec §3, §4.7).
type AuditEvent struct {
	ID             ids.AuditId
	SequenceNumber uint64
	Timestamp      time.Time
	Actor          string // agent id string, or "system"
	EventType      string
	Details        map[string]string
	PrevHash       [32]byte
	SelfHash       [32]byte
	Signature      []byte
	// SigningKeyVersion identifies which runtime signing key produced
	// Signature, so verification can select the right historical public
	// key across rotations (spec §4.7).
	SigningKeyVersion uint32
}

// Well-known audit event type names used throughout the runtime. Kept as
// string constants (not an enum) because the Audit Chain's Details map and
// query filters are string-keyed and new event types are expected to be
// added by components this spec treats as external collaborators.
const (
	EventAgentSubmitted           = "AgentSubmitted"
	EventAgentRejected            = "AgentRejected"
	EventAgentCreated             = "AgentCreated"
	EventAgentCreationRolledBack  = "AgentCreationRolledBack"
	EventAgentStarted             = "AgentStarted"
	EventAgentSuspended           = "AgentSuspended"
	EventAgentTerminated          = "AgentTerminated"
	EventAgentCompleted           = "AgentCompleted"
	EventAgentResumed             = "AgentResumed"
	EventSandboxProvisioned       = "SandboxProvisioned"
	EventTier2EscalationRecommended = "Tier2EscalationRecommended"
	EventResourceOveruse          = "ResourceOveruse"
	EventPolicyViolation          = "PolicyViolation"
	EventMessageSent              = "MessageSent"
	EventMessageDelivered         = "MessageDelivered"
	EventMessageDropped           = "MessageDropped"
	EventInvalidSignature         = "InvalidSignature"
	EventKeyRotation              = "KeyRotation"
	EventRuntimeRestarted         = "RuntimeRestarted"
)

// GenesisHash is the prev_hash value used for the first event in the chain
// (sequence number 0), per spec §3.
var GenesisHash = [32]byte{
	0x53, 0x79, 0x6d, 0x62, 0x69, 0x6f, 0x6e, 0x74, // "Symbiont"
	0x2d, 0x67, 0x65, 0x6e, 0x65, 0x73, 0x69, 0x73, // "-genesis"
	0x2d, 0x61, 0x75, 0x64, 0x69, 0x74, 0x2d, 0x63, // "-audit-c"
	0x68, 0x61, 0x69, 0x6e, 0x2d, 0x76, 0x31, 0x00, // "hain-v1\0"
}
