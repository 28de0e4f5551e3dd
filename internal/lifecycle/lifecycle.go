// Package lifecycle implements the Lifecycle Controller (spec §4.2): the
// Agent state machine, key generation, sandbox provisioning, and graceful
// termination, each Agent record mutated only while holding its own
// per-agent lock, record.mu (spec §5's "single-writer per agent").
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/symbiont-run/symbiont/internal/apperr"
	"github.com/symbiont-run/symbiont/internal/bus"
	"github.com/symbiont-run/symbiont/internal/cryptoutil"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
	"github.com/symbiont-run/symbiont/internal/policy"
	"github.com/symbiont-run/symbiont/internal/sandbox"
	"github.com/symbiont-run/symbiont/pkg/logger"
)

// validTransitions enumerates every legal (from, to) state pair from spec
// §4.2's state machine diagram; anything else is InvalidTransition.
var validTransitions = map[domain.State]map[domain.State]bool{
	domain.StateInitializing: {domain.StateReady: true, domain.StateFailed: true},
	domain.StateReady:        {domain.StateRunning: true},
	domain.StateRunning:      {domain.StateWaiting: true, domain.StateSuspended: true, domain.StateCompleted: true},
	domain.StateWaiting:      {domain.StateRunning: true},
	domain.StateSuspended:    {domain.StateRunning: true, domain.StateTerminated: true},
	domain.StateCompleted:    {domain.StateReady: true, domain.StateTerminated: true},
	domain.StateFailed:       {domain.StateTerminated: true},
}

func canTransition(from, to domain.State) bool {
	targets, ok := validTransitions[from]
	return ok && targets[to]
}

// record is a controller-owned Agent plus the mutex that serializes its mutation.
type record struct {
	agent   *domain.Agent
	mu      sync.Mutex // serializes all mutation of agent, enforcing single-writer ordering
	encKey  *cryptoutil.EncryptionKeyPair
	sandbox *sandbox.Handle
}

// Config configures a Controller.
type Config struct {
	Sandbox         *sandbox.Orchestrator
	Bus             *bus.Bus
	TerminationGrace time.Duration
	Logger          *logger.Logger
	// AuditAppend records every state-transition event; nil disables audit
	// emission (tests).
	AuditAppend func(eventType, actor string, details map[string]string)
	// ReleaseAllocation releases the agent's ResourceAllocation on
	// termination (testable property 2: a matching release exists by the
	// time the owning Agent reaches Terminated). nil disables release
	// (tests that never allocate).
	ReleaseAllocation func(id ids.AgentId) error
	// DataRoot is the filesystem root persisted agent state is written
	// under, at <data-root>/agents/<agent_id>/state.json (spec §6). Empty
	// disables persistence (tests, and any caller that accepts losing
	// in-flight agents across a restart).
	DataRoot string
	// Policy is consulted at the post_agent_termination hook; nil skips the
	// check (tests that never register policies). The action has already
	// completed by the time this hook fires, so a deny is recorded as a
	// PolicyViolation rather than blocking termination.
	Policy *policy.Engine
}

// persistedAgentState is the on-disk snapshot of one Agent record, written
// after every state transition and read back by Restore on startup.
type persistedAgentState struct {
	Config    domain.AgentConfig `json:"config"`
	State     domain.State       `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
}

// Controller is the Lifecycle Controller.
type Controller struct {
	cfg Config
	log *logger.Logger

	mu      sync.RWMutex
	records map[ids.AgentId]*record
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("lifecycle")
	}
	return &Controller{cfg: cfg, log: log, records: make(map[ids.AgentId]*record)}
}

func (c *Controller) audit(eventType, actor string, details map[string]string) {
	if c.cfg.AuditAppend != nil {
		c.cfg.AuditAppend(eventType, actor, details)
	}
}

// persist writes r's current state to disk. Called with r.mu already held.
// A write failure is logged, not returned: losing the on-disk snapshot for
// one transition does not invalidate the in-memory state this process is
// still authoritative for.
func (c *Controller) persist(id ids.AgentId, r *record) {
	if c.cfg.DataRoot == "" {
		return
	}
	dir := filepath.Join(c.cfg.DataRoot, "agents", id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.log.WithField("agent_id", id.String()).Warnf("persist agent state: %v", err)
		return
	}
	data, err := json.Marshal(persistedAgentState{
		Config:    r.agent.Config,
		State:     r.agent.State,
		CreatedAt: r.agent.CreatedAt,
	})
	if err != nil {
		c.log.WithField("agent_id", id.String()).Warnf("marshal agent state: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), data, 0o644); err != nil {
		c.log.WithField("agent_id", id.String()).Warnf("write agent state: %v", err)
	}
}

func (c *Controller) getRecord(id ids.AgentId) (*record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[id]
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "Lifecycle", "agent not found").WithDetail("agent_id", id.String())
	}
	return r, nil
}

// GetState returns the current state for id.
func (c *Controller) GetState(id ids.AgentId) (domain.State, error) {
	r, err := c.getRecord(id)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent.State, nil
}

// Agent returns a copy of the current Agent record for id (for read-only
// callers like the Scheduler's status operation).
func (c *Controller) Agent(id ids.AgentId) (domain.Agent, error) {
	r, err := c.getRecord(id)
	if err != nil {
		return domain.Agent{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.agent, nil
}

// Initialize creates a new Agent record in Initializing state, generates
// its signing/encryption keypairs, provisions a sandbox, and transitions to
// Ready — or rolls back and transitions to Failed on any error (spec §4.2:
// "atomic: partial failure rolls back allocations").
func (c *Controller) Initialize(ctx context.Context, cfg domain.AgentConfig) (*domain.Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperr.New(apperr.KindConfig, "Initialize", err.Error())
	}

	agent := &domain.Agent{
		Config:       cfg,
		State:        domain.StateInitializing,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}
	r := &record{agent: agent}
	c.mu.Lock()
	c.records[cfg.ID] = r
	c.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	signing, err := cryptoutil.GenerateSigningKeyPair()
	if err != nil {
		return c.rollback(r, cfg.ID, fmt.Errorf("generate signing keypair: %w", err))
	}
	encKey, err := cryptoutil.GenerateEncryptionKeyPair()
	if err != nil {
		return c.rollback(r, cfg.ID, fmt.Errorf("generate encryption keypair: %w", err))
	}
	agent.SigningPublicKey = signing.Public
	agent.EncryptionPublicKey = encKey.Public[:]
	r.encKey = encKey
	c.audit(domain.EventAgentCreated, cfg.ID.String(), map[string]string{"security_tier": string(cfg.SecurityTier)})

	handle, err := c.cfg.Sandbox.Provision(ctx, sandbox.Config{
		AgentID:        cfg.ID,
		Tier:           cfg.SecurityTier,
		Capabilities:   capSetFrom(cfg.Capabilities),
		ResourceLimits: cfg.ResourceLimits,
	})
	if err != nil {
		return c.rollback(r, cfg.ID, fmt.Errorf("provision sandbox: %w", err))
	}
	agent.SandboxHandle = handle.ID()
	r.sandbox = handle

	if c.cfg.Bus != nil {
		c.cfg.Bus.RegisterAgent(cfg.ID, bus.AgentKeys{SigningPublicKey: signing.Public, EncryptionKeyPair: encKey})
	}

	agent.State = domain.StateReady
	c.persist(cfg.ID, r)
	return agent, nil
}

func (c *Controller) rollback(r *record, id ids.AgentId, cause error) (*domain.Agent, error) {
	r.agent.State = domain.StateFailed
	c.persist(id, r)
	c.audit(domain.EventAgentCreationRolledBack, id.String(), map[string]string{"reason": cause.Error()})
	return nil, apperr.New(apperr.KindInternal, "Initialize", "agent initialization failed").WithDetail("cause", cause.Error())
}

func capSetFrom(caps map[string]struct{}) sandbox.CapabilitySet {
	out := make(sandbox.CapabilitySet, len(caps))
	for k := range caps {
		out[k] = struct{}{}
	}
	return out
}

// transition performs a single state change under the agent's lock,
// validating it against validTransitions and emitting eventType on success.
func (c *Controller) transition(id ids.AgentId, to domain.State, eventType string, details map[string]string) error {
	r, err := c.getRecord(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.agent.State
	if !canTransition(from, to) {
		c.log.WithField("agent_id", id.String()).WithField("from", from).WithField("to", to).Warn("invalid lifecycle transition rejected")
		return apperr.New(apperr.KindInternal, "transition", "invalid state transition").
			WithDetail("from", string(from)).WithDetail("to", string(to))
	}
	r.agent.State = to
	r.agent.LastActivity = time.Now().UTC()
	c.persist(id, r)
	if eventType != "" {
		c.audit(eventType, id.String(), details)
	}
	return nil
}

// Start transitions Ready→Running (spec §4.2).
func (c *Controller) Start(id ids.AgentId) error {
	return c.transition(id, domain.StateRunning, domain.EventAgentStarted, nil)
}

// RunToCompletion drives a Ready agent through the remainder of Scenario
// A's sequence: Start (Ready→Running), Sandbox.Execute of its compiled
// source, Complete (Running→Completed, or straight back to Ready for
// persistent agents), and finally Terminate for ephemeral agents, which do
// not have a caller that will ever ask for a second run. Failure at any
// step is returned to the caller (the Scheduler) unwound, leaving the
// agent in whatever state the failed step left it in.
func (c *Controller) RunToCompletion(ctx context.Context, id ids.AgentId) error {
	if err := c.Start(id); err != nil {
		return err
	}

	r, err := c.getRecord(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	handle := r.sandbox
	source := r.agent.Config.DSLSource
	mode := r.agent.Config.ExecutionMode
	r.mu.Unlock()

	if c.cfg.Sandbox != nil && handle != nil {
		if _, err := c.cfg.Sandbox.Execute(handle, source); err != nil {
			return fmt.Errorf("execute agent: %w", err)
		}
	}

	if err := c.Complete(id); err != nil {
		return err
	}

	if mode == domain.ExecutionEphemeral {
		return c.Terminate(ctx, id, "ephemeral task complete")
	}
	return nil
}

// Agents returns the ids of every agent record currently held, live or
// terminal, for the Runtime's list_agents operation (spec §6).
func (c *Controller) Agents() []ids.AgentId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ids.AgentId, 0, len(c.records))
	for id := range c.records {
		out = append(out, id)
	}
	return out
}

// Wait transitions Running→Waiting on an issued async operation.
func (c *Controller) Wait(id ids.AgentId) error {
	return c.transition(id, domain.StateWaiting, "", nil)
}

// Resume transitions Waiting→Running on operation completion.
func (c *Controller) Resume(id ids.AgentId) error {
	return c.transition(id, domain.StateRunning, domain.EventAgentResumed, nil)
}

// Complete transitions Running→Completed, then immediately to Ready
// (persistent mode) or leaves the caller to Terminate (ephemeral mode),
// per spec §4.2.
func (c *Controller) Complete(id ids.AgentId) error {
	if err := c.transition(id, domain.StateCompleted, domain.EventAgentCompleted, nil); err != nil {
		return err
	}
	r, err := c.getRecord(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	mode := r.agent.Config.ExecutionMode
	r.mu.Unlock()
	if mode == domain.ExecutionPersistent {
		return c.transition(id, domain.StateReady, "", nil)
	}
	return nil
}

// Suspend transitions Running/Waiting→Suspended on a policy violation,
// notifying the Bus to queue (not drop) inbound messages — which is
// already the Bus's default behavior for a registered agent, so no
// additional Bus call is required beyond leaving the agent registered.
func (c *Controller) Suspend(id ids.AgentId, reason string) error {
	r, err := c.getRecord(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	from := r.agent.State
	r.mu.Unlock()
	if from != domain.StateRunning && from != domain.StateWaiting {
		return apperr.New(apperr.KindInternal, "Suspend", "invalid state transition").WithDetail("from", string(from))
	}
	return c.transition(id, domain.StateSuspended, domain.EventAgentSuspended, map[string]string{"reason": reason})
}

// SuspendWithContext adapts Suspend to the ctx-taking hook shape the Error
// Handler expects (errorhandler.Hooks.SuspendAgent); ctx is accepted only
// for interface symmetry since suspension never blocks on I/O.
func (c *Controller) SuspendWithContext(ctx context.Context, id ids.AgentId, reason string) error {
	return c.Suspend(id, reason)
}

// Unsuspend transitions Suspended→Running once the triggering policy
// condition clears.
func (c *Controller) Unsuspend(id ids.AgentId) error {
	return c.transition(id, domain.StateRunning, "", nil)
}

// Terminate initiates graceful shutdown: signals the sandbox, waits the
// grace period, force-destroys, marks the agent Terminated, then unregisters
// it from the Bus and releases its allocation. Idempotent per spec §4.2.
func (c *Controller) Terminate(ctx context.Context, id ids.AgentId, reason string) error {
	r, err := c.getRecord(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.agent.State == domain.StateTerminated {
		return nil
	}
	if r.agent.State != domain.StateFailed && !canTransition(r.agent.State, domain.StateTerminated) {
		// Any other state is first forced through Suspended's terminal
		// edge conceptually; operationally, Terminate is callable from any
		// non-terminal state as the one universal escape hatch, matching
		// spec §4.2's exclusive escape for Suspended and Failed plus
		// ephemeral Completed. States without a direct →Terminated edge
		// (Ready, Running, Waiting) are terminated by first suspending.
		r.agent.State = domain.StateSuspended
	}

	if r.sandbox != nil && c.cfg.Sandbox != nil {
		_ = c.cfg.Sandbox.Signal(r.sandbox, sandbox.SignalGracefulShutdown)
		graceTimer := time.NewTimer(c.cfg.TerminationGrace)
		select {
		case <-ctx.Done():
		case <-graceTimer.C:
		}
		graceTimer.Stop()
		_ = c.cfg.Sandbox.Destroy(r.sandbox)
		r.sandbox = nil
	}

	r.agent.State = domain.StateTerminated
	r.agent.SandboxHandle = ""
	r.agent.AllocationID = ""
	c.persist(id, r)
	if c.cfg.Bus != nil {
		c.cfg.Bus.UnregisterAgent(id)
	}
	if c.cfg.ReleaseAllocation != nil {
		if err := c.cfg.ReleaseAllocation(id); err != nil {
			c.log.WithField("agent_id", id.String()).Warnf("release resource allocation: %v", err)
		}
	}
	c.audit(domain.EventAgentTerminated, id.String(), map[string]string{"reason": reason})

	if c.cfg.Policy != nil {
		decision := c.cfg.Policy.Evaluate(id.String(), policy.EvalContext{
			ActorType:  "agent",
			ActionType: "terminate",
			Hook:       domain.HookPostAgentTermination,
			Fields:     map[string]any{"reason": reason},
		})
		if !decision.Allowed() {
			c.audit(domain.EventPolicyViolation, id.String(), map[string]string{"hook": string(domain.HookPostAgentTermination), "reason": decision.Reason})
		}
	}
	return nil
}

// Restore scans <data-root>/agents for state.json snapshots left by a prior
// process, re-provisions a sandbox for every agent that was not Terminated
// or Failed when the snapshot was last written, and resumes it to Ready
// (spec §4.2, §6: "on restart, state.json is read, Lifecycle restores the
// agent to Ready"). In-flight Running/Waiting progress itself cannot
// survive a process restart; only the record and its identity do. Returns
// the ids of every resumed agent, or an empty slice if DataRoot is unset or
// no snapshots exist.
func (c *Controller) Restore(ctx context.Context) ([]ids.AgentId, error) {
	if c.cfg.DataRoot == "" {
		return nil, nil
	}
	root := filepath.Join(c.cfg.DataRoot, "agents")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents directory: %w", err)
	}

	var resumable []persistedAgentState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, entry.Name(), "state.json"))
		if err != nil {
			c.log.WithField("agent_dir", entry.Name()).Warnf("read persisted agent state: %v", err)
			continue
		}
		var saved persistedAgentState
		if err := json.Unmarshal(data, &saved); err != nil {
			c.log.WithField("agent_dir", entry.Name()).Warnf("decode persisted agent state: %v", err)
			continue
		}
		if saved.State == domain.StateTerminated || saved.State == domain.StateFailed {
			continue
		}
		resumable = append(resumable, saved)
	}

	var restored []ids.AgentId
	for _, saved := range resumable {
		if err := c.resume(ctx, saved.Config); err != nil {
			c.log.WithField("agent_id", saved.Config.ID.String()).Warnf("resume persisted agent: %v", err)
			continue
		}
		c.audit(domain.EventAgentResumed, saved.Config.ID.String(), map[string]string{
			"reason":      "crash_recovery",
			"prior_state": string(saved.State),
		})
		restored = append(restored, saved.Config.ID)
	}
	return restored, nil
}

// resume rebuilds an in-memory record for a restored agent: fresh identity
// keys, a freshly provisioned sandbox, and a Bus registration, landing at
// Ready exactly like Initialize but skipping the AgentCreated event (the
// caller emits AgentResumed instead).
func (c *Controller) resume(ctx context.Context, cfg domain.AgentConfig) error {
	agent := &domain.Agent{
		Config:       cfg,
		State:        domain.StateInitializing,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}
	r := &record{agent: agent}
	c.mu.Lock()
	c.records[cfg.ID] = r
	c.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	signing, err := cryptoutil.GenerateSigningKeyPair()
	if err != nil {
		return fmt.Errorf("generate signing keypair: %w", err)
	}
	encKey, err := cryptoutil.GenerateEncryptionKeyPair()
	if err != nil {
		return fmt.Errorf("generate encryption keypair: %w", err)
	}
	agent.SigningPublicKey = signing.Public
	agent.EncryptionPublicKey = encKey.Public[:]
	r.encKey = encKey

	handle, err := c.cfg.Sandbox.Provision(ctx, sandbox.Config{
		AgentID:        cfg.ID,
		Tier:           cfg.SecurityTier,
		Capabilities:   capSetFrom(cfg.Capabilities),
		ResourceLimits: cfg.ResourceLimits,
	})
	if err != nil {
		agent.State = domain.StateFailed
		c.persist(cfg.ID, r)
		return fmt.Errorf("provision sandbox: %w", err)
	}
	agent.SandboxHandle = handle.ID()
	r.sandbox = handle

	if c.cfg.Bus != nil {
		c.cfg.Bus.RegisterAgent(cfg.ID, bus.AgentKeys{SigningPublicKey: signing.Public, EncryptionKeyPair: encKey})
	}

	agent.State = domain.StateReady
	c.persist(cfg.ID, r)
	return nil
}
