// Command symbiontd is the Symbiont runtime daemon's CLI entry point (spec
// §6): it exposes run/status/submit/terminate subcommands over the same
// internal RuntimeApi an HTTP or MCP surface would call, following the
// teacher's cmd/appserver/main.go style of stdlib flag parsing and signal
// handling; startup errors are printed to stderr and mapped to the exit
// codes below.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/symbiont-run/symbiont/internal/config"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
	"github.com/symbiont-run/symbiont/internal/runtime"
)

// Exit codes per spec §6.
const (
	exitSuccess       = 0
	exitInternalError = 1
	exitConfigError   = 2
	exitPolicyInit    = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfigError
	}

	switch args[0] {
	case "run":
		return cmdRun(args[1:])
	case "status":
		return cmdStatus(args[1:])
	case "submit":
		return cmdSubmit(args[1:])
	case "terminate":
		return cmdTerminate(args[1:])
	default:
		usage()
		return exitConfigError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: symbiontd <run|status|submit|terminate> [flags]")
}

func loadRuntime() (*runtime.Runtime, int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return nil, exitConfigError
	}
	rt, err := runtime.New(cfg)
	if err != nil {
		if errors.Is(err, runtime.ErrPolicyInit) {
			fmt.Fprintf(os.Stderr, "policy engine init failed: %v\n", err)
			return nil, exitPolicyInit
		}
		fmt.Fprintf(os.Stderr, "runtime init failed: %v\n", err)
		return nil, exitInternalError
	}
	return rt, exitSuccess
}

// cmdRun starts the daemon and blocks until SIGINT/SIGTERM, then shuts down
// the Scheduler and flushes the Audit Chain.
func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	rt, code := loadRuntime()
	if rt == nil {
		return code
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.Start(ctx)
	<-ctx.Done()

	if err := rt.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		return exitInternalError
	}
	return exitSuccess
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id to query (runtime-wide status if empty)")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	rt, code := loadRuntime()
	if rt == nil {
		return code
	}
	defer rt.Shutdown()

	ctx := context.Background()
	if *agentID == "" {
		metrics, err := rt.GetMetrics(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get_metrics: %v\n", err)
			return exitInternalError
		}
		fmt.Printf("queue_depths=%v dead_letter_agents=%d dead_letter_messages=%d\n",
			metrics.QueueDepths, metrics.DeadLetterAgents, metrics.DeadLetterMessages)
		return exitSuccess
	}

	id, err := ids.ParseAgentId(*agentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid agent id: %v\n", err)
		return exitConfigError
	}
	status, err := rt.GetStatus(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get_status: %v\n", err)
		return exitInternalError
	}
	fmt.Printf("agent=%s state=%s tier=%s created_at=%s\n",
		status.ID, status.State, status.Tier, status.CreatedAt.Format(time.RFC3339))
	return exitSuccess
}

func cmdSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	memoryMB := fs.Int64("memory-mb", 128, "resource_limits.memory_mb")
	tier := fs.String("tier", string(domain.TierT1), "security_tier: T1 or T2")
	mode := fs.String("mode", string(domain.ExecutionEphemeral), "execution_mode")
	priority := fs.Int("priority", 0, "priority band (0 = lowest)")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	rt, code := loadRuntime()
	if rt == nil {
		return code
	}
	defer rt.Shutdown()

	cfg := domain.AgentConfig{
		ID:            ids.NewAgentId(),
		ExecutionMode: domain.ExecutionMode(*mode),
		SecurityTier:  domain.SecurityTier(*tier),
		ResourceLimits: domain.ResourceLimits{
			MemoryMB:  *memoryMB,
			CPUShares: 1,
		},
		Capabilities: map[string]struct{}{},
		PolicyIDs:    map[ids.PolicyId]struct{}{},
		Metadata:     map[string]string{},
	}

	id, err := rt.SubmitAgent(context.Background(), cfg, *priority)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit_agent: %v\n", err)
		return exitInternalError
	}
	fmt.Println(id.String())
	return exitSuccess
}

func cmdTerminate(args []string) int {
	fs := flag.NewFlagSet("terminate", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id to terminate (required)")
	reason := fs.String("reason", "operator request", "termination reason")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "terminate: -agent is required")
		return exitConfigError
	}

	rt, code := loadRuntime()
	if rt == nil {
		return code
	}
	defer rt.Shutdown()

	id, err := ids.ParseAgentId(*agentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid agent id: %v\n", err)
		return exitConfigError
	}
	if err := rt.TerminateAgent(context.Background(), id, *reason); err != nil {
		fmt.Fprintf(os.Stderr, "terminate_agent: %v\n", err)
		return exitInternalError
	}
	return exitSuccess
}
