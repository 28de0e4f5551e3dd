package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"
)

// provisionTier1 prepares a Tier 1 handle. It does not remount any root
// filesystem read-only, drop capabilities, set cgroup limits or install a
// seccomp filter; none of that isolation is applied here. The actual process that runs agent code is started by the external DSL
// runtime collaborator; this package's responsibility is to stage the
// writable mounts under root, validate the capability grant set, and
// attach to the process once it reports its PID (tracked here only if
// already known — Config does not carry one, so Tier 1 handles start with
// tier1Proc nil and Monitor reports Alive=true until a PID is attached via
// AttachProcess).
func provisionTier1(h *Handle, cfg Config, root string) error {
	agentRoot := filepath.Join(root, cfg.AgentID.String())
	for _, mount := range cfg.WritableMounts {
		abs, err := sanitizeMountPath(agentRoot, mount)
		if err != nil {
			return &fatalProvisionError{cause: err}
		}
		if err := os.MkdirAll(abs, 0o750); err != nil {
			return &fatalProvisionError{cause: fmt.Errorf("stage writable mount %q: %w", mount, err)}
		}
	}
	for cap := range cfg.Capabilities {
		if !isKnownTier1Capability(cap) {
			return fmt.Errorf("unknown tier-1 capability %q", cap)
		}
	}
	return nil
}

// knownTier1Capabilities enumerates the privileges Tier 1 can grant;
// anything else is rejected at provision time rather than silently ignored.
var knownTier1Capabilities = map[string]struct{}{
	"net.egress":  {},
	"fs.write":    {},
	"fs.read":     {},
	"proc.spawn":  {},
	"clock.read":  {},
}

func isKnownTier1Capability(cap string) bool {
	_, ok := knownTier1Capabilities[cap]
	return ok
}

// AttachProcess binds handle to a live OS process once the external runtime
// has spawned it, enabling gopsutil-based Monitor sampling and
// Signal/Destroy process control.
func AttachProcess(handle *Handle, pid int32) error {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("attach tier-1 process %d: %w", pid, err)
	}
	handle.mu.Lock()
	handle.tier1Proc = proc
	handle.mu.Unlock()
	return nil
}

// sanitizeMountPath ensures a declared writable mount stays within base,
// rejecting any path that escapes it via "..".
func sanitizeMountPath(base, mount string) (string, error) {
	abs := filepath.Join(base, mount)
	rel, err := filepath.Rel(base, abs)
	if err != nil || len(rel) >= 2 && rel[:2] == ".." {
		return "", fmt.Errorf("writable mount %q escapes sandbox root", mount)
	}
	return abs, nil
}
