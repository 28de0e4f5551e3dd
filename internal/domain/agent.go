// Package domain holds the runtime's core data model (spec §3): AgentConfig,
// Agent, ResourceAllocation, SecureMessage, PolicyRule and AuditEvent.
package domain

import (
	"fmt"
	"time"

	"github.com/symbiont-run/symbiont/internal/ids"
)

// ExecutionMode determines how the Scheduler and Lifecycle Controller treat
// an agent once its task completes.
type ExecutionMode string

const (
	ExecutionPersistent   ExecutionMode = "persistent"
	ExecutionEphemeral    ExecutionMode = "ephemeral"
	ExecutionScheduled    ExecutionMode = "scheduled"
	ExecutionEventDriven  ExecutionMode = "event_driven"
)

// SecurityTier names the sandbox isolation tier an agent runs under
// (spec §4.5). Exactly one tier is assigned per agent for its lifetime.
type SecurityTier string

const (
	TierT1 SecurityTier = "T1"
	TierT2 SecurityTier = "T2"
)

// ResourceLimits bounds what a single agent may consume from the Resource
// Manager's pool.
type ResourceLimits struct {
	MemoryMB    int64
	CPUShares   int64
	DiskIOQuota int64
	NetIOQuota  int64
}

// RiskProfile is the input to the sandbox tier-selection formula (spec
// §4.5). Each field is a normalized score in [0, 1].
type RiskProfile struct {
	DataSensitivity float64
	CodeTrust       float64
	NetAccess       float64
	FSWrite         float64
	ExternalAPIs    float64
}

// AgentConfig is the immutable configuration an agent is created from. It
// is produced externally by the DSL parser (out of core scope) and
// consumed by the Scheduler's Submit operation.
type AgentConfig struct {
	ID             ids.AgentId
	DSLSource      string
	ExecutionMode  ExecutionMode
	SecurityTier   SecurityTier
	ResourceLimits ResourceLimits
	Capabilities   map[string]struct{}
	PolicyIDs      map[ids.PolicyId]struct{}
	Metadata       map[string]string
	Risk           RiskProfile
	// Schedule is the cron expression used when ExecutionMode ==
	// ExecutionScheduled (domain-stack addition; empty otherwise).
	Schedule string
}

// Validate checks the invariants from spec §3: resource_limits.memory_mb >
// 0 and execution-mode/security-tier well-formedness. It does not resolve
// policy_ids against the Policy Engine — that is the Scheduler's job at
// submission time, since only the Scheduler has a live registry to check
// against.
func (c *AgentConfig) Validate() error {
	if c.ResourceLimits.MemoryMB <= 0 {
		return fmt.Errorf("resource_limits.memory_mb must be > 0, got %d", c.ResourceLimits.MemoryMB)
	}
	switch c.ExecutionMode {
	case ExecutionPersistent, ExecutionEphemeral, ExecutionScheduled, ExecutionEventDriven:
	default:
		return fmt.Errorf("unknown execution_mode %q", c.ExecutionMode)
	}
	switch c.SecurityTier {
	case TierT1, TierT2:
	default:
		return fmt.Errorf("unknown security_tier %q", c.SecurityTier)
	}
	if c.ExecutionMode == ExecutionScheduled && c.Schedule == "" {
		return fmt.Errorf("scheduled execution_mode requires a cron schedule")
	}
	return nil
}

// HasCapability reports whether the config declares the named capability.
func (c *AgentConfig) HasCapability(name string) bool {
	_, ok := c.Capabilities[name]
	return ok
}

// State is a value in the Lifecycle Controller's state machine (spec §4.2).
type State string

const (
	StateInitializing State = "Initializing"
	StateReady         State = "Ready"
	StateRunning       State = "Running"
	StateWaiting       State = "Waiting"
	StateSuspended     State = "Suspended"
	StateCompleted     State = "Completed"
	StateFailed        State = "Failed"
	StateTerminated    State = "Terminated"
)

// Agent is the mutable runtime record for a single agent, exclusively
// owned by the Lifecycle Controller.
type Agent struct {
	Config           AgentConfig
	State            State
	SandboxHandle    string // opaque handle id; empty when unprovisioned
	AllocationID     string // ResourceAllocation owner key; empty when unallocated
	SigningPublicKey []byte // Ed25519 public key, populated before State >= Ready
	EncryptionPublicKey []byte // X25519 public key, populated before State >= Ready
	CreatedAt        time.Time
	LastActivity     time.Time
	FailureCount     int
}

// SandboxProvisioned reports whether the invariant "sandbox_handle
// populated iff state in {Ready,Running,Waiting,Suspended}" currently
// holds for this record (used by tests and invariant checks).
func (a *Agent) SandboxProvisioned() bool {
	switch a.State {
	case StateReady, StateRunning, StateWaiting, StateSuspended:
		return a.SandboxHandle != ""
	default:
		return a.SandboxHandle == ""
	}
}
