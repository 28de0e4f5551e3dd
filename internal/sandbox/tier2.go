package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// tier2Runtime is the Tier 2 user-space kernel isolation layer: a
// syscall-filtering JavaScript VM, grounded on system/tee/script_engine.go's
// goja-based sandbox and system/tee/ocall_handler.go's host-function
// bridge. Only an explicit allowlist of host functions ("ocalls") is
// exposed on the VM's global object; everything else — filesystem, network,
// process control — is unreachable from script code by construction.
type tier2Runtime struct {
	mu          sync.Mutex
	vm          *goja.Runtime
	caps        CapabilitySet
	interruptedFlag bool
}

// provisionTier2 builds a fresh goja VM with a restricted global object
// surface: no access to the host Go runtime beyond the capability-gated
// ocall bridge installed by installOcalls.
func provisionTier2(h *Handle, cfg Config) error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	rt := &tier2Runtime{vm: vm, caps: cfg.Capabilities}
	installOcalls(rt)

	h.tier2VM = rt
	return nil
}

// installOcalls exposes a minimal, capability-checked set of host
// functions on the VM's global object — the only way Tier 2 script code
// can reach outside the sandbox, mirroring system/tee/ocall_handler.go's
// dispatch-by-name bridge.
func installOcalls(rt *tier2Runtime) {
	rt.vm.Set("ocall_log", func(call goja.FunctionCall) goja.Value {
		// Intentionally a no-op sink in this package: structured logging
		// of sandboxed script output is the caller's responsibility
		// (Lifecycle/Bus own the agent's log stream). This still needs to
		// exist so scripts compiled for Tier 2 that call ocall_log do not
		// fail to resolve the global.
		return goja.Undefined()
	})
	rt.vm.Set("ocall_net_fetch", func(call goja.FunctionCall) goja.Value {
		if !rt.caps.Grants("net.egress") {
			panic(rt.vm.NewTypeError("capability net.egress not granted"))
		}
		// Actual network access is performed by the Communication Bus on
		// the agent's behalf; script code cannot open sockets directly.
		panic(rt.vm.NewTypeError("ocall_net_fetch must be routed through the communication bus"))
	})
	rt.vm.Set("ocall_fs_write", func(call goja.FunctionCall) goja.Value {
		if !rt.caps.Grants("fs.write") {
			panic(rt.vm.NewTypeError("capability fs.write not granted"))
		}
		panic(rt.vm.NewTypeError("ocall_fs_write must be routed through the isolated storage handle"))
	})
}

// run executes compiledSource inside the VM with a bounded wall-clock
// budget, interrupting the VM if it overruns (mirrors goja's own
// Interrupt-based timeout convention).
func (rt *tier2Runtime) run(compiledSource string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.interruptedFlag {
		return fmt.Errorf("tier-2 vm already interrupted")
	}

	timer := time.AfterFunc(5*time.Second, func() {
		rt.vm.Interrupt("execution timed out")
	})
	defer timer.Stop()

	_, err := rt.vm.RunString(compiledSource)
	if err != nil {
		if ie, ok := err.(*goja.InterruptedError); ok {
			return fmt.Errorf("tier-2 execution interrupted: %v", ie)
		}
		return err
	}
	return nil
}

func (rt *tier2Runtime) interrupt() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.interruptedFlag = true
	rt.vm.Interrupt("sandbox destroyed")
}

func (rt *tier2Runtime) interrupted() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.interruptedFlag
}
