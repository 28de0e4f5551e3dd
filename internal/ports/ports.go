// Package ports defines the collaborator-facing interfaces the runtime
// core exposes or consumes (spec §6): RuntimeApi is implemented by the
// core and called by the HTTP/MCP/CLI surfaces (out of scope here, per
// spec.md's Non-goals); SecretProvider and PolicySource are consumed by
// the core and implemented by internal/secretprovider and internal/policy
// respectively.
//
// Grounded on the teacher's practice of expressing cross-cutting
// collaborators as small Go interfaces in their own package (e.g. the
// teacher's storage.Provider / pricefeed.Source shape) rather than
// depending on concrete types across component boundaries.
package ports

import (
	"context"
	"time"

	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
)

// AgentStatus is a read-only projection of one agent's current state, used
// by RuntimeApi.GetStatus and ListAgents.
type AgentStatus struct {
	ID        ids.AgentId
	State     domain.State
	Tier      domain.SecurityTier
	CreatedAt time.Time
}

// Metrics is a point-in-time snapshot of runtime-wide counters, used by
// RuntimeApi.GetMetrics.
type Metrics struct {
	QueueDepths      []int
	Pool             domain.PoolStatus
	DeadLetterAgents int
	DeadLetterMessages int
}

// WorkflowRequest names a declared multi-agent workflow invocation; the
// workflow DSL itself is out of scope (spec.md Non-goals) but the entry
// point is still part of the core's external contract.
type WorkflowRequest struct {
	Name  string
	Input map[string]any
}

// RuntimeApi is the surface the HTTP layer, CLI, and MCP server call into
// (spec §6). It is implemented by internal/runtime.Runtime.
type RuntimeApi interface {
	SubmitAgent(ctx context.Context, cfg domain.AgentConfig, priority int) (ids.AgentId, error)
	TerminateAgent(ctx context.Context, id ids.AgentId, reason string) error
	ListAgents(ctx context.Context) ([]AgentStatus, error)
	GetStatus(ctx context.Context, id ids.AgentId) (AgentStatus, error)
	GetMetrics(ctx context.Context) (Metrics, error)
	ExecuteWorkflow(ctx context.Context, req WorkflowRequest) error
}

// KeyMaterial is a secret fetched from a SecretProvider: raw bytes plus the
// version/identifier it was fetched under, so callers can detect rotation.
type KeyMaterial struct {
	Identifier string
	Value      []byte
	Version    string
}

// ErrSecretNotFound is returned by SecretProvider.FetchKey when identifier
// has no bound value.
var ErrSecretNotFound = domainNotFoundError{}

type domainNotFoundError struct{}

func (domainNotFoundError) Error() string { return "secret not found" }

// SecretProvider is consumed by the runtime to resolve signing keys,
// database credentials, and other secrets outside of process configuration
// (spec §6: "fetch_key(identifier) -> KeyMaterial | NotFound").
type SecretProvider interface {
	FetchKey(ctx context.Context, identifier string) (KeyMaterial, error)
}

// PolicySource is consumed by the Policy Engine at startup and on signaled
// reload (spec §6: "load_policies() -> set<Policy>").
type PolicySource interface {
	LoadPolicies(ctx context.Context) (map[string][]domain.PolicyRule, error)
}
