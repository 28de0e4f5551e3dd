// Package runtime assembles every core component (Audit Chain, Resource
// Manager, Policy Engine, Sandbox Orchestrator, Communication Bus,
// Lifecycle Controller, Scheduler, Error Handler) behind the RuntimeApi
// surface (spec §6), matching the ownership summary from spec §3: the
// Scheduler owns queues, Lifecycle owns Agents, Resource Manager owns
// allocations, the Sandbox Orchestrator owns handles, the Audit Chain owns
// the event log, the Bus owns in-flight message/subscription state.
//
// Grounded on the teacher's root Service constructor (internal/app or
// cmd/*/main.go wiring one concrete struct from many component
// constructors) generalized to this runtime's eight components.
package runtime

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/symbiont-run/symbiont/internal/apperr"
	"github.com/symbiont-run/symbiont/internal/audit"
	"github.com/symbiont-run/symbiont/internal/bus"
	"github.com/symbiont-run/symbiont/internal/config"
	"github.com/symbiont-run/symbiont/internal/cryptoutil"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/errorhandler"
	"github.com/symbiont-run/symbiont/internal/ids"
	"github.com/symbiont-run/symbiont/internal/lifecycle"
	"github.com/symbiont-run/symbiont/internal/policy"
	"github.com/symbiont-run/symbiont/internal/ports"
	"github.com/symbiont-run/symbiont/internal/resourcemgr"
	"github.com/symbiont-run/symbiont/internal/sandbox"
	"github.com/symbiont-run/symbiont/internal/scheduler"
	"github.com/symbiont-run/symbiont/internal/secretprovider"
	"github.com/symbiont-run/symbiont/pkg/logger"
)

// Runtime wires every core component together and implements
// ports.RuntimeApi.
type Runtime struct {
	cfg *config.Config
	log *logger.Logger

	Audit      *audit.Chain
	Resources  *resourcemgr.Manager
	Policy     *policy.Engine
	Sandbox    *sandbox.Orchestrator
	Bus        *bus.Bus
	Lifecycle  *lifecycle.Controller
	Scheduler  *scheduler.Scheduler
	Errors     *errorhandler.Handler
	Secrets    ports.SecretProvider
	PolicySrc  ports.PolicySource

	cancel context.CancelFunc
}

var _ ports.RuntimeApi = (*Runtime)(nil)

// ErrPolicyInit wraps any error returned while constructing or seeding the
// Policy Engine, letting cmd/symbiontd distinguish "policy engine init
// failure" (spec §6 exit code 3) from a generic config error (exit code 2).
var ErrPolicyInit = errors.New("policy engine init failure")

// New assembles a Runtime from cfg, following the bottom-up dependency
// order from spec §2: Audit first, then Policy, then the Resource Manager,
// then Sandbox, then Bus, then Lifecycle, then the Error Handler, then
// Scheduler.
func New(cfg *config.Config) (*Runtime, error) {
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	secrets, err := buildSecretProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("build secret provider: %w", err)
	}

	signingKey, err := loadOrGenerateRuntimeSigningKey(secrets)
	if err != nil {
		return nil, fmt.Errorf("load runtime signing key: %w", err)
	}
	if err := persistRuntimePublicKey(cfg.DataRoot, signingKey); err != nil {
		return nil, fmt.Errorf("persist runtime public key: %w", err)
	}

	backend, err := audit.NewFileBackend(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("open audit backend: %w", err)
	}
	chain, err := audit.New(audit.Config{Backend: backend, SigningKey: signingKey, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("start audit chain: %w", err)
	}
	auditAppend := func(eventType, actor string, details map[string]string) {
		if _, err := chain.Append(eventType, actor, details); err != nil {
			log.WithField("event_type", eventType).Errorf("audit append failed: %v", err)
		}
	}

	policyEngine, err := policy.New(policy.Config{
		DecisionCacheSize: cfg.PolicyDecisionCacheSize,
		DecisionCacheTTL:  cfg.PolicyDecisionCacheTTL,
		Logger:            log,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: start policy engine: %v", ErrPolicyInit, err)
	}
	policySrc := policy.NewFileSource(cfg.PolicySourcePath)
	if err := policySrc.LoadInto(policyEngine); err != nil {
		log.Warnf("no policy bundles loaded from %s: %v", cfg.PolicySourcePath, err)
	}

	resources := resourcemgr.New(resourcemgr.Config{
		Totals: domain.PoolTotals{
			MemoryMB:    cfg.PoolMemoryMB,
			CPUShares:   cfg.PoolCPUShares,
			DiskIOQuota: cfg.PoolDiskIOQuota,
			NetIOQuota:  cfg.PoolNetIOQuota,
		},
		Overcommit:       cfg.OverCommitRatio,
		OveruseThreshold: cfg.OveruseThreshold,
		OveruseGrace:     cfg.OveruseGrace,
		Logger:           log,
		Policy:           policyEngine,
		AuditAppend:      auditAppend,
	})

	riskWeights := sandbox.RiskWeights(config.LoadRiskWeights())
	orchestrator := sandbox.New(sandbox.OrchestratorConfig{
		RiskWeights:          riskWeights,
		MaxProvisionAttempts: 3,
		ProvisionBackoffBase: cfg.BackoffBase,
		SandboxRoot:          filepath.Join(cfg.DataRoot, "sandboxes"),
		Logger:               log,
		AuditAppend:          auditAppend,
		Policy:               policyEngine,
	})

	messageBus := bus.New(bus.Config{
		InboxCapacity:      cfg.InboxCapacity,
		KeyRatchetMessages: cfg.KeyRatchetMessages,
		KeyRatchetInterval: cfg.KeyRatchetInterval,
		DedupWindow:        cfg.MessageDeliveryTTL,
		Logger:             log,
		AuditAppend:        auditAppend,
		Policy:             policyEngine,
	})

	lifecycleCtrl := lifecycle.New(lifecycle.Config{
		Sandbox:           orchestrator,
		Bus:               messageBus,
		TerminationGrace:  cfg.TerminationGrace,
		Logger:            log,
		AuditAppend:       auditAppend,
		ReleaseAllocation: resources.Release,
		DataRoot:          cfg.DataRoot,
		Policy:            policyEngine,
	})

	if restored, err := lifecycleCtrl.Restore(context.Background()); err != nil {
		log.Warnf("restore persisted agents: %v", err)
	} else if len(restored) > 0 {
		if _, err := chain.Append(domain.EventRuntimeRestarted, "system", map[string]string{
			"restored_agents": fmt.Sprintf("%d", len(restored)),
		}); err != nil {
			log.Errorf("audit append failed: %v", err)
		}
	}

	errHandler := errorhandler.New(errorhandler.Config{
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		Logger:      log,
		Hooks: errorhandler.Hooks{
			SuspendAgent:   lifecycleCtrl.SuspendWithContext,
			TerminateAgent: lifecycleCtrl.Terminate,
			AuditAppend:    auditAppend,
			Abort: func(cause error) {
				log.Errorf("fatal audit error, runtime aborting: %v", cause)
			},
		},
	})

	sched := scheduler.New(scheduler.Config{
		PriorityBands:     cfg.PriorityBands,
		AdmissionMaxRetry: cfg.AdmissionMaxRetry,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		MaxWorkers:        cfg.MaxWorkers,
		Lifecycle:         lifecycleCtrl,
		Resources:         resources,
		Policy:            policyEngine,
		Errors:            errHandler,
		Logger:            log,
		AuditAppend:       auditAppend,
	})

	return &Runtime{
		cfg:       cfg,
		log:       log,
		Audit:     chain,
		Resources: resources,
		Policy:    policyEngine,
		Sandbox:   orchestrator,
		Bus:       messageBus,
		Lifecycle: lifecycleCtrl,
		Scheduler: sched,
		Errors:    errHandler,
		Secrets:   secrets,
		PolicySrc: policySrc,
	}, nil
}

func buildSecretProvider(cfg *config.Config) (ports.SecretProvider, error) {
	switch cfg.SecretProvider {
	case "azure-keyvault":
		vaultURL := os.Getenv("SYMBIONT_KEYVAULT_URL")
		if vaultURL == "" {
			return nil, fmt.Errorf("SYMBIONT_KEYVAULT_URL is required for secret_provider=azure-keyvault")
		}
		return secretprovider.NewAzureKeyVaultProvider(vaultURL)
	default:
		return secretprovider.NewFileProvider(filepath.Join(cfg.DataRoot, "keys")), nil
	}
}

const ed25519SeedSize = 32

// loadOrGenerateRuntimeSigningKey fetches the runtime's Ed25519 audit
// signing key from the configured SecretProvider, falling back to a fresh
// keypair when no seed is bound yet (spec §6: keys/runtime.pub). The
// public half is persisted separately by persistRuntimePublicKey so an
// operator can verify the chain against it after a restart even when the
// seed itself is lost.
func loadOrGenerateRuntimeSigningKey(secrets ports.SecretProvider) (*cryptoutil.SigningKeyPair, error) {
	km, err := secrets.FetchKey(context.Background(), "runtime-audit-signing-key")
	if err == nil && len(km.Value) == ed25519SeedSize {
		return cryptoutil.SigningKeyPairFromSeed(km.Value)
	}
	return cryptoutil.GenerateSigningKeyPair()
}

// persistRuntimePublicKey writes the runtime's current audit signing
// public key to <data-root>/keys/runtime.pub, per spec §6's persisted
// state layout.
func persistRuntimePublicKey(dataRoot string, key *cryptoutil.SigningKeyPair) error {
	dir := filepath.Join(dataRoot, "keys")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create keys directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "runtime.pub"), []byte(hex.EncodeToString(key.Public)), 0o644)
}

// Start launches the Scheduler's dispatch loop and cron scheduler.
func (r *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.Scheduler.Start(ctx)
}

// Shutdown stops the Scheduler and closes the Audit Chain, flushing its
// writer goroutine.
func (r *Runtime) Shutdown() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.Scheduler.Stop()
	return r.Audit.Close()
}

// SubmitAgent implements ports.RuntimeApi.
func (r *Runtime) SubmitAgent(ctx context.Context, cfg domain.AgentConfig, priority int) (ids.AgentId, error) {
	return r.Scheduler.Submit(cfg, priority)
}

// TerminateAgent implements ports.RuntimeApi.
func (r *Runtime) TerminateAgent(ctx context.Context, id ids.AgentId, reason string) error {
	return r.Scheduler.Terminate(ctx, id, reason)
}

// ListAgents implements ports.RuntimeApi, enumerating every agent the
// Lifecycle Controller holds a record for, live or terminal. An id whose
// lookup fails is skipped rather than failing the whole call.
func (r *Runtime) ListAgents(ctx context.Context) ([]ports.AgentStatus, error) {
	agentIDs := r.Lifecycle.Agents()
	out := make([]ports.AgentStatus, 0, len(agentIDs))
	for _, id := range agentIDs {
		agent, err := r.Lifecycle.Agent(id)
		if err != nil {
			continue
		}
		out = append(out, ports.AgentStatus{
			ID:        agent.Config.ID,
			State:     agent.State,
			Tier:      agent.Config.SecurityTier,
			CreatedAt: agent.CreatedAt,
		})
	}
	return out, nil
}

// CheckContextRetrieval consults the pre_context_retrieval hook (spec
// §4.4) on behalf of the external context manager/RAG collaborator: that
// component lives outside the core's scope, but the Policy Engine gate it
// must honor before serving an agent's retrieval request lives here.
func (r *Runtime) CheckContextRetrieval(agentID ids.AgentId, scope string) domain.Decision {
	decision := r.Policy.Evaluate(agentID.String(), policy.EvalContext{
		ActorType:  "agent",
		ActionType: "retrieve_context",
		Hook:       domain.HookPreContextRetrieval,
		Fields:     map[string]any{"scope": scope},
	})
	if !decision.Allowed() {
		if _, err := r.Audit.Append(domain.EventPolicyViolation, agentID.String(), map[string]string{
			"hook":   string(domain.HookPreContextRetrieval),
			"reason": decision.Reason,
			"scope":  scope,
		}); err != nil {
			r.log.Errorf("audit append failed: %v", err)
		}
	}
	return decision
}

// GetStatus implements ports.RuntimeApi.
func (r *Runtime) GetStatus(ctx context.Context, id ids.AgentId) (ports.AgentStatus, error) {
	agent, err := r.Lifecycle.Agent(id)
	if err != nil {
		return ports.AgentStatus{}, err
	}
	return ports.AgentStatus{
		ID:        agent.Config.ID,
		State:     agent.State,
		Tier:      agent.Config.SecurityTier,
		CreatedAt: agent.CreatedAt,
	}, nil
}

// GetMetrics implements ports.RuntimeApi.
func (r *Runtime) GetMetrics(ctx context.Context) (ports.Metrics, error) {
	status := r.Scheduler.Status()
	return ports.Metrics{
		QueueDepths:      status.QueueDepths,
		Pool:             status.Pool,
		DeadLetterAgents: len(r.Scheduler.DeadLetter()),
		DeadLetterMessages: len(r.Bus.DeadLetters()),
	}, nil
}

// ExecuteWorkflow implements ports.RuntimeApi. Multi-agent workflow
// orchestration DSL is out of scope (spec.md Non-goals); this is the stub
// an HTTP/MCP layer would call once that DSL exists.
func (r *Runtime) ExecuteWorkflow(ctx context.Context, req ports.WorkflowRequest) error {
	return apperr.New(apperr.KindInternal, "ExecuteWorkflow", "workflow orchestration DSL is not implemented").
		WithDetail("workflow", req.Name)
}
