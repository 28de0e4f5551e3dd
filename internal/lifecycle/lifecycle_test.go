package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symbiont-run/symbiont/internal/bus"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
	"github.com/symbiont-run/symbiont/internal/sandbox"
)

func testConfig(id ids.AgentId) domain.AgentConfig {
	return domain.AgentConfig{
		ID:             id,
		ExecutionMode:  domain.ExecutionEphemeral,
		SecurityTier:   domain.TierT1,
		ResourceLimits: domain.ResourceLimits{MemoryMB: 128, CPUShares: 100, DiskIOQuota: 10, NetIOQuota: 10},
	}
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	orch := sandbox.New(sandbox.OrchestratorConfig{RiskWeights: sandbox.RiskWeights{
		DataSensitivity: 0.4, CodeTrust: 0.3, NetAccess: 0.1, FSWrite: 0.1, ExternalAPIs: 0.1, TierThreshold: 0.5,
	}})
	b := bus.New(bus.Config{})
	return New(Config{Sandbox: orch, Bus: b, TerminationGrace: 10 * time.Millisecond})
}

func TestInitializeTransitionsToReady(t *testing.T) {
	c := newTestController(t)
	id := ids.NewAgentId()

	agent, err := c.Initialize(context.Background(), testConfig(id))
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, agent.State)
	require.NotEmpty(t, agent.SandboxHandle)
	require.NotEmpty(t, agent.SigningPublicKey)
}

func TestFullLifecycleEphemeral(t *testing.T) {
	c := newTestController(t)
	id := ids.NewAgentId()
	_, err := c.Initialize(context.Background(), testConfig(id))
	require.NoError(t, err)

	require.NoError(t, c.Start(id))
	state, err := c.GetState(id)
	require.NoError(t, err)
	require.Equal(t, domain.StateRunning, state)

	require.NoError(t, c.Complete(id))
	state, err = c.GetState(id)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, state)

	require.NoError(t, c.Terminate(context.Background(), id, "task finished"))
	state, err = c.GetState(id)
	require.NoError(t, err)
	require.Equal(t, domain.StateTerminated, state)
}

func TestPersistentModeReturnsToReadyAfterComplete(t *testing.T) {
	c := newTestController(t)
	id := ids.NewAgentId()
	cfg := testConfig(id)
	cfg.ExecutionMode = domain.ExecutionPersistent
	_, err := c.Initialize(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, c.Start(id))
	require.NoError(t, c.Complete(id))

	state, err := c.GetState(id)
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, state)
}

func TestInvalidTransitionIsRejectedNotPanicked(t *testing.T) {
	c := newTestController(t)
	id := ids.NewAgentId()
	_, err := c.Initialize(context.Background(), testConfig(id))
	require.NoError(t, err)

	// Ready -> Waiting has no edge in the state machine.
	err = c.Wait(id)
	require.Error(t, err)

	state, err := c.GetState(id)
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, state, "a rejected transition must not mutate state")
}

func TestSuspendAndResume(t *testing.T) {
	c := newTestController(t)
	id := ids.NewAgentId()
	_, err := c.Initialize(context.Background(), testConfig(id))
	require.NoError(t, err)
	require.NoError(t, c.Start(id))

	require.NoError(t, c.Suspend(id, "policy violation"))
	state, err := c.GetState(id)
	require.NoError(t, err)
	require.Equal(t, domain.StateSuspended, state)

	require.NoError(t, c.Unsuspend(id))
	state, err = c.GetState(id)
	require.NoError(t, err)
	require.Equal(t, domain.StateRunning, state)
}

func TestTerminateIsIdempotent(t *testing.T) {
	c := newTestController(t)
	id := ids.NewAgentId()
	_, err := c.Initialize(context.Background(), testConfig(id))
	require.NoError(t, err)

	require.NoError(t, c.Terminate(context.Background(), id, "shutdown"))
	require.NoError(t, c.Terminate(context.Background(), id, "shutdown again"))
}
