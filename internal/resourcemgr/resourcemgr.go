// Package resourcemgr implements the Resource Manager (spec §4.3): a
// mutex-protected pool that tracks four resource dimensions (memory, CPU
// shares, disk I/O quota, net I/O quota) across allocated agents, samples
// real process usage via gopsutil, and flags sustained overuse.
//
// Grounded on the teacher's gasbank/service.go, which tracks a bounded
// per-account balance under a single mutex and rejects operations that
// would exceed it — the same "reserve against a fixed pool, release on
// completion" shape this package generalizes to four resource dimensions.
package resourcemgr

import (
	"context"
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

// Strategy selects how Allocate handles a request the remaining pool
// capacity cannot hold (spec §4.3). Allocate decides each request on its
// own as it arrives; it does not compare competing requests or placements.
type Strategy string

const (
	// StrategyBestFit is the default. Allocate treats it exactly like
	// StrategyFirstFit: no slack or fragmentation score is computed.
	StrategyBestFit Strategy = "best_fit"
	// StrategyFirstFit grants a request if it fits the remaining capacity
	// and rejects it otherwise.
	StrategyFirstFit Strategy = "first_fit"
	// StrategyPriority preempts lower-priority allocations to admit a
	// higher-priority request when the pool is otherwise full.
	StrategyPriority Strategy = "priority"
)

// entry is one agent's live allocation plus bookkeeping needed for
// preemption and overuse tracking.
type entry struct {
	allocation domain.ResourceAllocation
	priority   int
	pid        int32 // 0 if no backing OS process is tracked
	overSince  time.Time
}

// Config configures a Manager.
type Config struct {
	Totals   domain.PoolTotals
	Strategy Strategy
	Overcommit float64 // e.g. 1.0 = no overcommit, 1.2 = 20% overcommit
	OveruseThreshold float64
	OveruseGrace     time.Duration
	Logger   *logger.Logger
	Policy   *policy.Engine
	// AuditAppend records PolicyViolation events when the pre_resource_allocation
	// hook denies a request; nil disables audit emission (tests).
	AuditAppend func(eventType, actor string, details map[string]string)
}

// Manager is the Resource Manager: a single mutex-protected pool shared by
// every agent the runtime hosts.
type Manager struct {
	mu       sync.Mutex
	totals   domain.PoolTotals
	strategy Strategy
	overcommit float64
	overuseThreshold float64
	overuseGrace     time.Duration
	allocations map[ids.AgentId]*entry
	log      *logger.Logger
	policy      *policy.Engine
	auditAppend func(eventType, actor string, details map[string]string)
}

// New creates a Manager with the given pool totals and strategy.
func New(cfg Config) *Manager {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyBestFit
	}
	overcommit := cfg.Overcommit
	if overcommit <= 0 {
		overcommit = 1.0
	}
	overuseThreshold := cfg.OveruseThreshold
	if overuseThreshold <= 0 {
		overuseThreshold = 1.10
	}
	overuseGrace := cfg.OveruseGrace
	if overuseGrace <= 0 {
		overuseGrace = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("resourcemgr")
	}
	return &Manager{
		totals:           cfg.Totals,
		strategy:         strategy,
		overcommit:       overcommit,
		overuseThreshold: overuseThreshold,
		overuseGrace:     overuseGrace,
		allocations:      make(map[ids.AgentId]*entry),
		log:              log,
		policy:           cfg.Policy,
		auditAppend:      cfg.AuditAppend,
	}
}

func (m *Manager) audit(eventType, actor string, details map[string]string) {
	if m.auditAppend != nil {
		m.auditAppend(eventType, actor, details)
	}
}

func (m *Manager) capacity() domain.PoolTotals {
	scale := func(v int64) int64 { return int64(float64(v) * m.overcommit) }
	return domain.PoolTotals{
		MemoryMB:    scale(m.totals.MemoryMB),
		CPUShares:   scale(m.totals.CPUShares),
		DiskIOQuota: scale(m.totals.DiskIOQuota),
		NetIOQuota:  scale(m.totals.NetIOQuota),
	}
}

func (m *Manager) allocatedLocked() domain.PoolTotals {
	var out domain.PoolTotals
	for _, e := range m.allocations {
		out.MemoryMB += e.allocation.MemoryMB
		out.CPUShares += e.allocation.CPUShares
		out.DiskIOQuota += e.allocation.DiskIOQuota
		out.NetIOQuota += e.allocation.NetIOQuota
	}
	return out
}

func fits(limits domain.ResourceLimits, allocated, capacity domain.PoolTotals) bool {
	return allocated.MemoryMB+limits.MemoryMB <= capacity.MemoryMB &&
		allocated.CPUShares+limits.CPUShares <= capacity.CPUShares &&
		allocated.DiskIOQuota+limits.DiskIOQuota <= capacity.DiskIOQuota &&
		allocated.NetIOQuota+limits.NetIOQuota <= capacity.NetIOQuota
}

// Allocate reserves limits against the pool for agentID at the given
// priority (used only by StrategyPriority), optionally tracking pid for
// gopsutil-based sampling. It returns apperr.CapacityExhausted if the pool
// cannot admit the request under the configured strategy.
func (m *Manager) Allocate(agentID ids.AgentId, limits domain.ResourceLimits, priority int, pid int32) (domain.ResourceAllocation, error) {
	if m.policy != nil {
		decision := m.policy.Evaluate(agentID.String(), policy.EvalContext{
			ActorType:  "agent",
			ActionType: "allocate_resources",
			Hook:       domain.HookPreResourceAlloc,
			Fields: map[string]any{
				"memory_mb":     limits.MemoryMB,
				"cpu_shares":    limits.CPUShares,
				"disk_io_quota": limits.DiskIOQuota,
				"net_io_quota":  limits.NetIOQuota,
			},
		})
		if !decision.Allowed() {
			m.audit(domain.EventPolicyViolation, agentID.String(), map[string]string{"hook": string(domain.HookPreResourceAlloc), "reason": decision.Reason})
			return domain.ResourceAllocation{}, apperr.PolicyRejected("Allocate", decision.Reason)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.allocations[agentID]; exists {
		return domain.ResourceAllocation{}, apperr.ResourceError("Allocate", "agent already has an allocation")
	}

	capacity := m.capacity()
	allocated := m.allocatedLocked()

	if !fits(limits, allocated, capacity) {
		if m.strategy == StrategyPriority {
			if !m.preemptLocked(limits, priority, capacity) {
				return domain.ResourceAllocation{}, apperr.New(apperr.KindCapacityExhausted, "Allocate", "insufficient pool capacity even after preemption")
			}
		} else {
			return domain.ResourceAllocation{}, apperr.New(apperr.KindCapacityExhausted, "Allocate", "insufficient pool capacity")
		}
	}

	alloc := domain.ResourceAllocation{
		MemoryMB:    limits.MemoryMB,
		CPUShares:   limits.CPUShares,
		DiskIOQuota: limits.DiskIOQuota,
		NetIOQuota:  limits.NetIOQuota,
		StartedAt:   time.Now().UTC(),
	}
	m.allocations[agentID] = &entry{allocation: alloc, priority: priority, pid: pid}
	return alloc, nil
}

// preemptLocked removes lower-priority allocations until limits fits,
// reporting whether it succeeded. Preempted agents are simply dropped from
// the pool; callers outside this package (the Scheduler) own notifying and
// terminating the preempted agent.
func (m *Manager) preemptLocked(limits domain.ResourceLimits, priority int, capacity domain.PoolTotals) bool {
	for {
		allocated := m.allocatedLocked()
		if fits(limits, allocated, capacity) {
			return true
		}
		var victim ids.AgentId
		found := false
		lowest := priority
		for id, e := range m.allocations {
			if e.priority < lowest {
				lowest = e.priority
				victim = id
				found = true
			}
		}
		if !found {
			return false
		}
		delete(m.allocations, victim)
		m.log.WithField("agent_id", victim.String()).Warn("preempted allocation to admit higher-priority agent")
	}
}

// Release frees agentID's allocation.
func (m *Manager) Release(agentID ids.AgentId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allocations[agentID]; !ok {
		return apperr.New(apperr.KindResource, "Release", "no allocation for agent").WithDetail("agent_id", agentID.String())
	}
	delete(m.allocations, agentID)
	return nil
}

// ReportUsage records a usage sample against agentID's current allocation,
// returning whether the sample constitutes sustained overuse (usage has
// exceeded limit × threshold continuously for at least the grace duration).
func (m *Manager) ReportUsage(agentID ids.AgentId, limits domain.ResourceLimits, sample domain.Sample) (overusing bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.allocations[agentID]
	if !ok {
		return false, apperr.New(apperr.KindResource, "ReportUsage", "no allocation for agent").WithDetail("agent_id", agentID.String())
	}

	if !sample.Exceeds(limits, m.overuseThreshold) {
		e.overSince = time.Time{}
		return false, nil
	}
	if e.overSince.IsZero() {
		e.overSince = sample.At
		return false, nil
	}
	return sample.At.Sub(e.overSince) >= m.overuseGrace, nil
}

// SampleProcess reads real CPU/memory usage for agentID's tracked OS
// process via gopsutil, returning a Sample suitable for ReportUsage. Disk
// and net I/O quotas are not sampled this way (gopsutil's per-process I/O
// counters are unavailable on several platforms); callers that need them
// pass an externally measured Sample to ReportUsage directly instead.
func (m *Manager) SampleProcess(ctx context.Context, agentID ids.AgentId) (domain.Sample, error) {
	m.mu.Lock()
	e, ok := m.allocations[agentID]
	m.mu.Unlock()
	if !ok {
		return domain.Sample{}, apperr.New(apperr.KindResource, "SampleProcess", "no allocation for agent")
	}
	if e.pid == 0 {
		return domain.Sample{}, apperr.New(apperr.KindResource, "SampleProcess", "agent has no tracked process")
	}

	proc, err := process.NewProcessWithContext(ctx, e.pid)
	if err != nil {
		return domain.Sample{}, apperr.ResourceError("SampleProcess", fmt.Sprintf("open process %d: %v", e.pid, err))
	}
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return domain.Sample{}, apperr.ResourceError("SampleProcess", fmt.Sprintf("read memory info: %v", err))
	}
	cpuPercent, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return domain.Sample{}, apperr.ResourceError("SampleProcess", fmt.Sprintf("read cpu percent: %v", err))
	}

	return domain.Sample{
		MemoryMB:  int64(memInfo.RSS / (1024 * 1024)),
		CPUShares: int64(cpuPercent * 10), // 1 CPU share ≈ 0.1% utilization
		At:        time.Now().UTC(),
	}, nil
}

// Snapshot returns the current pool utilization (spec §4.3).
func (m *Manager) Snapshot() domain.PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.PoolStatus{
		Totals:    m.capacity(),
		Allocated: m.allocatedLocked(),
		Agents:    len(m.allocations),
	}
}
