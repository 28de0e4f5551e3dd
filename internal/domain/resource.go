package domain

import "time"

// ResourceAllocation is the concrete grant of pool resources to a single
// agent, exclusively referenced by that agent and released on termination.
type ResourceAllocation struct {
	MemoryMB    int64
	CPUShares   int64
	DiskIOQuota int64
	NetIOQuota  int64
	StartedAt   time.Time
}

// Sample is a point-in-time resource usage observation reported to the
// Resource Manager (spec §4.3, report_usage).
type Sample struct {
	MemoryMB    int64
	CPUShares   int64
	DiskIOQuota int64
	NetIOQuota  int64
	At          time.Time
}

// Exceeds reports whether the sample exceeds limit scaled by threshold on
// any single dimension (spec §4.3 overuse check: "usage > limit ×
// over_threshold").
func (s Sample) Exceeds(limit ResourceLimits, threshold float64) bool {
	over := func(usage, lim int64) bool {
		return lim > 0 && float64(usage) > float64(lim)*threshold
	}
	return over(s.MemoryMB, limit.MemoryMB) ||
		over(s.CPUShares, limit.CPUShares) ||
		over(s.DiskIOQuota, limit.DiskIOQuota) ||
		over(s.NetIOQuota, limit.NetIOQuota)
}

// PoolTotals declares the Resource Manager's managed capacity across all
// four dimensions.
type PoolTotals struct {
	MemoryMB    int64
	CPUShares   int64
	DiskIOQuota int64
	NetIOQuota  int64
}

// PoolStatus is a snapshot of pool utilization (spec §4.3, snapshot).
type PoolStatus struct {
	Totals    PoolTotals
	Allocated PoolTotals
	Agents    int
}
