package resourcemgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symbiont-run/symbiont/internal/apperr"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
)

func smallPool() domain.PoolTotals {
	return domain.PoolTotals{MemoryMB: 1024, CPUShares: 1000, DiskIOQuota: 1000, NetIOQuota: 1000}
}

func TestAllocateWithinCapacitySucceeds(t *testing.T) {
	mgr := New(Config{Totals: smallPool()})
	agentID := ids.NewAgentId()

	alloc, err := mgr.Allocate(agentID, domain.ResourceLimits{MemoryMB: 512, CPUShares: 500, DiskIOQuota: 100, NetIOQuota: 100}, 0, 0)
	require.NoError(t, err)
	require.EqualValues(t, 512, alloc.MemoryMB)

	status := mgr.Snapshot()
	require.Equal(t, 1, status.Agents)
	require.EqualValues(t, 512, status.Allocated.MemoryMB)
}

func TestAllocateBeyondCapacityFailsWithCapacityExhausted(t *testing.T) {
	mgr := New(Config{Totals: smallPool()})
	_, err := mgr.Allocate(ids.NewAgentId(), domain.ResourceLimits{MemoryMB: 2048, CPUShares: 100, DiskIOQuota: 10, NetIOQuota: 10}, 0, 0)
	require.Error(t, err)
	require.Equal(t, apperr.KindCapacityExhausted, apperr.KindOf(err))
}

func TestReleaseFreesCapacityForNextAllocation(t *testing.T) {
	mgr := New(Config{Totals: smallPool()})
	a1 := ids.NewAgentId()
	_, err := mgr.Allocate(a1, domain.ResourceLimits{MemoryMB: 1024, CPUShares: 1000, DiskIOQuota: 1000, NetIOQuota: 1000}, 0, 0)
	require.NoError(t, err)

	a2 := ids.NewAgentId()
	_, err = mgr.Allocate(a2, domain.ResourceLimits{MemoryMB: 100, CPUShares: 100, DiskIOQuota: 100, NetIOQuota: 100}, 0, 0)
	require.Error(t, err)

	require.NoError(t, mgr.Release(a1))

	_, err = mgr.Allocate(a2, domain.ResourceLimits{MemoryMB: 100, CPUShares: 100, DiskIOQuota: 100, NetIOQuota: 100}, 0, 0)
	require.NoError(t, err)
}

func TestPriorityStrategyPreemptsLowerPriority(t *testing.T) {
	mgr := New(Config{Totals: smallPool(), Strategy: StrategyPriority})
	low := ids.NewAgentId()
	_, err := mgr.Allocate(low, domain.ResourceLimits{MemoryMB: 1024, CPUShares: 1000, DiskIOQuota: 1000, NetIOQuota: 1000}, 1, 0)
	require.NoError(t, err)

	high := ids.NewAgentId()
	_, err = mgr.Allocate(high, domain.ResourceLimits{MemoryMB: 512, CPUShares: 500, DiskIOQuota: 100, NetIOQuota: 100}, 10, 0)
	require.NoError(t, err)

	require.Error(t, mgr.Release(low))
	require.NoError(t, mgr.Release(high))
}

func TestReportUsageFlagsSustainedOveruse(t *testing.T) {
	mgr := New(Config{Totals: smallPool(), OveruseThreshold: 1.1, OveruseGrace: 5 * time.Second})
	agentID := ids.NewAgentId()
	limits := domain.ResourceLimits{MemoryMB: 100, CPUShares: 100, DiskIOQuota: 100, NetIOQuota: 100}
	_, err := mgr.Allocate(agentID, limits, 0, 0)
	require.NoError(t, err)

	base := time.Now()
	overusing, err := mgr.ReportUsage(agentID, limits, domain.Sample{MemoryMB: 200, At: base})
	require.NoError(t, err)
	require.False(t, overusing, "overuse must persist through the grace period before flagging")

	overusing, err = mgr.ReportUsage(agentID, limits, domain.Sample{MemoryMB: 200, At: base.Add(6 * time.Second)})
	require.NoError(t, err)
	require.True(t, overusing)
}

func TestReportUsageResetsWhenBackUnderThreshold(t *testing.T) {
	mgr := New(Config{Totals: smallPool(), OveruseThreshold: 1.1, OveruseGrace: 5 * time.Second})
	agentID := ids.NewAgentId()
	limits := domain.ResourceLimits{MemoryMB: 100, CPUShares: 100, DiskIOQuota: 100, NetIOQuota: 100}
	_, err := mgr.Allocate(agentID, limits, 0, 0)
	require.NoError(t, err)

	base := time.Now()
	_, err = mgr.ReportUsage(agentID, limits, domain.Sample{MemoryMB: 200, At: base})
	require.NoError(t, err)
	_, err = mgr.ReportUsage(agentID, limits, domain.Sample{MemoryMB: 50, At: base.Add(1 * time.Second)})
	require.NoError(t, err)

	overusing, err := mgr.ReportUsage(agentID, limits, domain.Sample{MemoryMB: 200, At: base.Add(2 * time.Second)})
	require.NoError(t, err)
	require.False(t, overusing, "overuse timer should restart after dipping back under threshold")
}
