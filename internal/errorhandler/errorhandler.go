// Package errorhandler implements the Error Handler & Recovery component
// (spec §4.8): classification of handled errors by apperr.Kind and dispatch
// to one of five recovery strategies, with a full-context audit event for
// every error handled.
//
// Grounded on the teacher's infrastructure/errors (ServiceError, ErrorCode
// classification) and internal/framework/errors.go's sentinel-error plus
// ServiceError-wrapping convention, which internal/apperr already mirrors;
// this package is the dispatcher the teacher's callers invoke after
// classifying a ServiceError.
package errorhandler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/symbiont-run/symbiont/internal/apperr"
	"github.com/symbiont-run/symbiont/internal/ids"
	"github.com/symbiont-run/symbiont/pkg/logger"
)

// Strategy names one of the five recovery strategies from spec §4.8.
type Strategy string

const (
	StrategyRetryBackoff    Strategy = "retry_backoff"
	StrategySuspendAgent    Strategy = "suspend_agent"
	StrategyDropSilently    Strategy = "drop_silently"
	StrategyTerminateCleanup Strategy = "terminate_cleanup"
	StrategyAbortRuntime    Strategy = "abort_runtime"
)

const maxRecoveryRetries = 3

// classify maps an apperr.Kind (plus, for KindResource/KindSandbox, whether
// the caller has already exhausted its retries) to the strategy table from
// spec §4.8.
func classify(kind apperr.Kind, retriesExhausted bool) Strategy {
	switch kind {
	case apperr.KindResource, apperr.KindSandbox:
		if retriesExhausted {
			return StrategyTerminateCleanup
		}
		return StrategyRetryBackoff
	case apperr.KindPolicyRejected:
		return StrategySuspendAgent
	case apperr.KindComm:
		return StrategyDropSilently
	case apperr.KindAudit:
		return StrategyAbortRuntime
	case apperr.KindConfig, apperr.KindCapacityExhausted, apperr.KindInternal:
		return StrategyTerminateCleanup
	default:
		return StrategyTerminateCleanup
	}
}

// Outcome reports what the Handler decided and did for one error.
type Outcome struct {
	Strategy    Strategy
	Kind        apperr.Kind
	Retryable   bool
	BackoffWait time.Duration
	Err         error
}

// Hooks wires the Handler to the rest of the runtime without importing
// those packages directly, avoiding an import cycle back into scheduler/
// lifecycle/bus (each of which may itself call into the Handler).
type Hooks struct {
	// SuspendAgent asks the Lifecycle Controller to suspend an agent
	// following a policy violation.
	SuspendAgent func(ctx context.Context, id ids.AgentId, reason string) error
	// TerminateAgent asks the Lifecycle Controller to terminate an agent
	// with cleanup, preserving a state snapshot first if SnapshotState is
	// set.
	TerminateAgent func(ctx context.Context, id ids.AgentId, reason string) error
	// SnapshotState persists a best-effort state snapshot before
	// terminate-with-cleanup, so operators can inspect what failed.
	SnapshotState func(id ids.AgentId) error
	// SecurityCounter increments the dropped-security-error counter
	// (spec §4.8: "increment counter") for alerting/metrics.
	SecurityCounter func(actor string)
	// Abort is invoked for KindAudit errors, the only class allowed to
	// abort the runtime process (spec §7).
	Abort func(cause error)
	// AuditAppend records a full-context audit event for every handled
	// error.
	AuditAppend func(eventType, actor string, details map[string]string)
}

// Config configures a Handler.
type Config struct {
	Hooks       Hooks
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Logger      *logger.Logger
}

// Handler is the Error Handler & Recovery component.
type Handler struct {
	hooks       Hooks
	backoffBase time.Duration
	backoffCap  time.Duration
	log         *logger.Logger

	mu          sync.Mutex
	retryCounts map[string]int // key: agentID+op, reset on success
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("errorhandler")
	}
	return &Handler{
		hooks:       cfg.Hooks,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		log:         log,
		retryCounts: make(map[string]int),
	}
}

// Handle classifies err for agentID/op, dispatches the matching recovery
// strategy, and emits a full-context audit event. It returns the Outcome so
// the caller can decide whether to retry immediately (RetryBackoff) or
// treat the error as terminal.
func (h *Handler) Handle(ctx context.Context, agentID ids.AgentId, op string, err error) Outcome {
	kind := apperr.KindOf(err)
	key := agentID.String() + ":" + op

	h.mu.Lock()
	h.retryCounts[key]++
	attempt := h.retryCounts[key]
	h.mu.Unlock()

	retriesExhausted := attempt > maxRecoveryRetries
	strategy := classify(kind, retriesExhausted)

	details := map[string]string{
		"kind":      string(kind),
		"op":        op,
		"error":     err.Error(),
		"strategy":  string(strategy),
		"attempt":   strconv.Itoa(attempt),
	}
	if h.hooks.AuditAppend != nil {
		h.hooks.AuditAppend("ErrorHandled", agentID.String(), details)
	}

	outcome := Outcome{Strategy: strategy, Kind: kind, Err: err}

	switch strategy {
	case StrategyRetryBackoff:
		h.resetOnTerminalOutcome(key, false)
		wait := h.backoffBase << uint(attempt-1)
		if wait > h.backoffCap {
			wait = h.backoffCap
		}
		outcome.Retryable = true
		outcome.BackoffWait = wait

	case StrategySuspendAgent:
		h.resetOnTerminalOutcome(key, true)
		if h.hooks.SuspendAgent != nil {
			if suspendErr := h.hooks.SuspendAgent(ctx, agentID, err.Error()); suspendErr != nil {
				h.log.WithField("agent_id", agentID.String()).Warnf("suspend-on-error failed: %v", suspendErr)
			}
		}

	case StrategyDropSilently:
		h.resetOnTerminalOutcome(key, true)
		if h.hooks.SecurityCounter != nil {
			h.hooks.SecurityCounter(agentID.String())
		}

	case StrategyTerminateCleanup:
		h.resetOnTerminalOutcome(key, true)
		if h.hooks.SnapshotState != nil {
			if snapErr := h.hooks.SnapshotState(agentID); snapErr != nil {
				h.log.WithField("agent_id", agentID.String()).Warnf("state snapshot before terminate failed: %v", snapErr)
			}
		}
		if h.hooks.TerminateAgent != nil {
			if termErr := h.hooks.TerminateAgent(ctx, agentID, "internal error: "+err.Error()); termErr != nil {
				h.log.WithField("agent_id", agentID.String()).Errorf("terminate-with-cleanup failed: %v", termErr)
			}
		}

	case StrategyAbortRuntime:
		h.resetOnTerminalOutcome(key, true)
		h.log.Errorf("aborting runtime: audit chain integrity cannot be sustained: %v", err)
		if h.hooks.Abort != nil {
			h.hooks.Abort(err)
		}
	}

	return outcome
}

func (h *Handler) resetOnTerminalOutcome(key string, terminal bool) {
	if !terminal {
		return
	}
	h.mu.Lock()
	delete(h.retryCounts, key)
	h.mu.Unlock()
}

// ResetRetries clears the retry counter for agentID/op, called by a caller
// after a successful operation so a later transient failure starts its
// backoff sequence from attempt one again.
func (h *Handler) ResetRetries(agentID ids.AgentId, op string) {
	h.mu.Lock()
	delete(h.retryCounts, agentID.String()+":"+op)
	h.mu.Unlock()
}
