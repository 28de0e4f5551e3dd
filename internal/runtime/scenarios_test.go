package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symbiont-run/symbiont/internal/audit"
	"github.com/symbiont-run/symbiont/internal/bus"
	"github.com/symbiont-run/symbiont/internal/config"
	"github.com/symbiont-run/symbiont/internal/cryptoutil"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
)

// testConfig builds a *config.Config literal instead of calling
// config.Load, so these tests never depend on SYMBIONT_ENV or a
// config/<env>.env file on disk.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataRoot:                t.TempDir(),
		LogLevel:                "error",
		LogFormat:               "text",
		SecretProvider:          "file",
		Tier1Enabled:            true,
		Tier2Enabled:            true,
		PriorityBands:           4,
		AdmissionMaxRetry:       3,
		BackoffBase:             time.Millisecond,
		BackoffCap:              10 * time.Millisecond,
		TerminationGrace:        10 * time.Millisecond,
		PoolMemoryMB:            4096,
		PoolCPUShares:           4096,
		PoolDiskIOQuota:         1_000_000,
		PoolNetIOQuota:          1_000_000,
		OverCommitRatio:         1.0,
		OveruseThreshold:        1.10,
		OveruseGrace:            10 * time.Second,
		PolicyDecisionCacheSize: 256,
		PolicyDecisionCacheTTL:  time.Minute,
		PolicySourcePath:        filepath.Join(t.TempDir(), "policies"),
		InboxCapacity:           16,
		KeyRatchetMessages:      1000,
		KeyRatchetInterval:      time.Hour,
		MaxWorkers:              4,
	}
}

func testAgentConfig(tier domain.SecurityTier, mode domain.ExecutionMode) domain.AgentConfig {
	return domain.AgentConfig{
		ID:             ids.NewAgentId(),
		ExecutionMode:  mode,
		SecurityTier:   tier,
		ResourceLimits: domain.ResourceLimits{MemoryMB: 128, CPUShares: 100, DiskIOQuota: 10, NetIOQuota: 10},
	}
}

func eventTypes(events []*domain.AuditEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

// containsInOrder reports whether needles appear as a (not necessarily
// contiguous) subsequence of haystack, in the given order.
func containsInOrder(haystack, needles []string) bool {
	i := 0
	for _, h := range haystack {
		if i < len(needles) && h == needles[i] {
			i++
		}
	}
	return i == len(needles)
}

// Scenario A: happy path agent lifecycle (SPEC_FULL §8). An ephemeral T1
// agent with no attached policy beyond the implicit default Allow runs
// Submitted -> Created -> Provisioned -> Started -> Completed -> Terminated
// end to end through the assembled Runtime, and its resource allocation is
// released by the time it lands in Terminated.
func TestScenarioA_HappyPathLifecycle(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)
	defer rt.Shutdown()

	cfg := testAgentConfig(domain.TierT1, domain.ExecutionEphemeral)
	ctx := context.Background()
	rt.Start(ctx)

	id, err := rt.SubmitAgent(ctx, cfg, 0)
	require.NoError(t, err)
	require.Equal(t, cfg.ID, id)

	require.Eventually(t, func() bool {
		status, err := rt.GetStatus(ctx, id)
		return err == nil && status.State == domain.StateTerminated
	}, 2*time.Second, 5*time.Millisecond)

	events, err := rt.Audit.Query(audit.Filter{Actor: id.String()})
	require.NoError(t, err)
	require.True(t, containsInOrder(eventTypes(events), []string{
		domain.EventAgentSubmitted,
		domain.EventAgentCreated,
		domain.EventSandboxProvisioned,
		domain.EventAgentStarted,
		domain.EventAgentCompleted,
		domain.EventAgentTerminated,
	}), "got audit sequence %v", eventTypes(events))

	snapshot := rt.Resources.Snapshot()
	require.Equal(t, 0, snapshot.Agents, "allocation must be released by the time the agent reaches Terminated")
}

// Scenario B: a policy attached to sender A denies send whenever the target
// matches "confidential/*". The send must fail with a policy rejection, no
// MessageSent event is recorded, and a PolicyViolation event is appended
// naming A as the actor.
func TestScenarioB_PolicyDeniesMessage(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)
	defer rt.Shutdown()

	a := registerBusAgent(t, rt.Bus)
	b := registerBusAgent(t, rt.Bus)

	_, err = rt.Policy.Register("confidential-send-deny", []domain.PolicyRule{
		{Effect: domain.EffectDeny, SubjectPattern: "*|confidential/*", Reason: "confidential topics blocked", Priority: 10},
	})
	require.NoError(t, err)

	topic := "confidential/x"
	msg, err := rt.Bus.EncryptAndSign(a.id, a.signing, a.enc, b.enc.Public, nil, &topic, domain.MessagePublish, domain.AtLeastOnce, false, time.Minute, []byte("secret"))
	require.NoError(t, err)

	err = rt.Bus.Send(msg)
	require.Error(t, err)

	events, queryErr := rt.Audit.Query(audit.Filter{Actor: a.id.String()})
	require.NoError(t, queryErr)
	var sawViolation, sawSent bool
	for _, ev := range events {
		switch ev.EventType {
		case domain.EventPolicyViolation:
			sawViolation = true
			require.Equal(t, string(domain.HookPreMessageSend), ev.Details["hook"])
		case domain.EventMessageSent:
			sawSent = true
		}
	}
	require.True(t, sawViolation, "expected a PolicyViolation event for the denied send")
	require.False(t, sawSent, "a denied send must never reach MessageSent")
}

// Scenario C: sustained resource overuse suspends the agent and the Bus
// keeps buffering (not dropping) messages addressed to it; once an operator
// resumes it, buffered messages are delivered in FIFO order.
func TestScenarioC_ResourceOveruseSuspendsAndBuffers(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)
	defer rt.Shutdown()

	cfg := testAgentConfig(domain.TierT1, domain.ExecutionPersistent)
	cfg.ResourceLimits = domain.ResourceLimits{MemoryMB: 64, CPUShares: 100, DiskIOQuota: 10, NetIOQuota: 10}
	ctx := context.Background()

	_, err = rt.Resources.Allocate(cfg.ID, cfg.ResourceLimits, 0, 0)
	require.NoError(t, err)
	_, err = rt.Lifecycle.Initialize(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Lifecycle.Start(cfg.ID))

	base := time.Now()
	overusing, err := rt.Resources.ReportUsage(cfg.ID, cfg.ResourceLimits, domain.Sample{MemoryMB: 90, At: base})
	require.NoError(t, err)
	require.False(t, overusing, "overuse must not fire before the grace period elapses")

	overusing, err = rt.Resources.ReportUsage(cfg.ID, cfg.ResourceLimits, domain.Sample{MemoryMB: 90, At: base.Add(15 * time.Second)})
	require.NoError(t, err)
	require.True(t, overusing, "90MB against a 64MB limit for 15s exceeds the 10s grace window")

	_, auditErr := rt.Audit.Append(domain.EventResourceOveruse, cfg.ID.String(), map[string]string{"memory_mb": "90"})
	require.NoError(t, auditErr)
	require.NoError(t, rt.Lifecycle.Suspend(cfg.ID, "sustained resource overuse"))

	state, err := rt.Lifecycle.GetState(cfg.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateSuspended, state)

	// The Bus never special-cases Suspended; a registered agent keeps
	// buffering inbound messages regardless of Lifecycle state. Decrypting
	// them is the recipient's own job (it alone holds its private key), so
	// this only checks that FIFO buffering and delivery order hold.
	sender := registerBusAgent(t, rt.Bus)
	recipientEnc := rt.testEncryptionPublicKey(t, cfg.ID)
	var sentIDs []ids.MessageId
	for i := 0; i < 3; i++ {
		msg, err := rt.Bus.EncryptAndSign(sender.id, sender.signing, sender.enc, recipientEnc, &cfg.ID, nil, domain.MessageDirect, domain.AtLeastOnce, false, time.Minute, []byte(fmt.Sprintf("msg-%d", i)))
		require.NoErrorf(t, err, "message %d", i)
		require.NoError(t, rt.Bus.Send(msg))
		sentIDs = append(sentIDs, msg.ID)
	}

	require.NoError(t, rt.Lifecycle.Unsuspend(cfg.ID))
	state, err = rt.Lifecycle.GetState(cfg.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateRunning, state)

	for _, wantID := range sentIDs {
		received, err := rt.Bus.Receive(cfg.ID)
		require.NoError(t, err)
		require.NotNil(t, received)
		require.Equal(t, wantID, received.ID, "buffered messages must be delivered in FIFO order")
	}
}

// Scenario D: flipping one byte inside an already-appended event's details
// field is detected by Verify at that event's sequence number; the range
// before it still verifies clean.
func TestScenarioD_AuditChainTamperingDetected(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)
	defer rt.Shutdown()

	const total = 100
	for i := 0; i < total; i++ {
		_, err := rt.Audit.Append("ScenarioDProbe", "system", map[string]string{"index": fmt.Sprintf("%03d", i)})
		require.NoError(t, err)
	}

	require.NoError(t, rt.Audit.Verify(0, uint64(total-1)))

	tamperOneByte(t, filepath.Join(rt.cfg.DataRoot, "audit", "chain.log"), `"index":"042"`, `"index":"043"`)

	require.NoError(t, rt.Audit.Verify(0, 41), "events before the tampered one must still verify")

	err = rt.Audit.Verify(42, uint64(total-1))
	require.Error(t, err)
	var mismatch *audit.MismatchError
	require.ErrorAs(t, err, &mismatch)
	require.EqualValues(t, 42, mismatch.Sequence)
}

// Scenario E: a persistent agent that reached Ready before a crash is
// restored to Ready on the next Runtime assembled against the same
// DataRoot, with RuntimeRestarted/AgentResumed events continuing the
// sequence rather than resetting it.
func TestScenarioE_CrashRecoveryRestoresPersistentAgent(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	rt1, err := New(cfg)
	require.NoError(t, err)

	agentCfg := testAgentConfig(domain.TierT1, domain.ExecutionPersistent)
	_, err = rt1.Lifecycle.Initialize(ctx, agentCfg)
	require.NoError(t, err)
	require.NoError(t, rt1.Lifecycle.Start(agentCfg.ID))
	require.NoError(t, rt1.Lifecycle.Complete(agentCfg.ID))

	state, err := rt1.Lifecycle.GetState(agentCfg.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, state)

	preCrashTail, err := rt1.Audit.Query(audit.Filter{})
	require.NoError(t, err)
	lastSeqBeforeCrash := preCrashTail[len(preCrashTail)-1].SequenceNumber

	// Simulate a crash: no graceful Shutdown, just stop using rt1 and
	// release its file handles.
	require.NoError(t, rt1.Audit.Close())

	rt2, err := New(cfg)
	require.NoError(t, err)
	defer rt2.Shutdown()

	state, err = rt2.Lifecycle.GetState(agentCfg.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, state, "Restore must bring a non-terminal persisted agent back to Ready")

	postRestoreEvents, err := rt2.Audit.Query(audit.Filter{})
	require.NoError(t, err)
	var sawRestart, sawResume bool
	for _, ev := range postRestoreEvents {
		if ev.SequenceNumber <= lastSeqBeforeCrash {
			continue
		}
		switch ev.EventType {
		case domain.EventRuntimeRestarted:
			sawRestart = true
		case domain.EventAgentResumed:
			sawResume = true
			require.Equal(t, agentCfg.ID.String(), ev.Actor)
		}
	}
	require.True(t, sawRestart, "expected a RuntimeRestarted event continuing the sequence")
	require.True(t, sawResume, "expected an AgentResumed event continuing the sequence")
}

// Scenario F: a Critical message the Bus is asked to Send twice (emulating
// a retry after a lost ack) is delivered to the recipient's inbox exactly
// once, and exactly one MessageDelivered event is recorded for it.
func TestScenarioF_AtLeastOnceDeliveryWithCriticalDedup(t *testing.T) {
	rt, err := New(testConfig(t))
	require.NoError(t, err)
	defer rt.Shutdown()

	a := registerBusAgent(t, rt.Bus)
	b := registerBusAgent(t, rt.Bus)

	msg, err := rt.Bus.EncryptAndSign(a.id, a.signing, a.enc, b.enc.Public, &b.id, nil, domain.MessageDirect, domain.AtLeastOnce, true, time.Minute, []byte("m1"))
	require.NoError(t, err)

	require.NoError(t, rt.Bus.Send(msg))
	require.NoError(t, rt.Bus.Send(msg)) // bus-level retry of the same message id

	first, err := rt.Bus.Receive(b.id)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, msg.ID, first.ID)

	second, err := rt.Bus.Receive(b.id)
	require.NoError(t, err)
	require.Nil(t, second, "the retried send must not surface a second delivery")

	events, err := rt.Audit.Query(audit.Filter{EventType: domain.EventMessageDelivered})
	require.NoError(t, err)
	delivered := 0
	for _, ev := range events {
		if ev.Details["message_id"] == msg.ID.String() {
			delivered++
		}
	}
	require.Equal(t, 1, delivered, "exactly one MessageDelivered event must exist for m1")
}

// tamperOneByte rewrites path, replacing the first occurrence of old with
// new (which must be the same length, keeping every other byte offset in
// the file, and the surrounding JSON, intact).
func tamperOneByte(t *testing.T, path, old, new string) {
	t.Helper()
	require.Equal(t, len(old), len(new), "tamper must preserve record length")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	require.Equal(t, 1, strings.Count(content, old), "tamper target must appear exactly once")
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(content, old, new, 1)), 0o644))
}

// busTestAgent is a standalone Bus participant holding the private key
// material the Bus itself never stores, mirroring how an external DSL
// runtime collaborator calls EncryptAndSign on an agent's behalf.
type busTestAgent struct {
	id      ids.AgentId
	signing *cryptoutil.SigningKeyPair
	enc     *cryptoutil.EncryptionKeyPair
}

func registerBusAgent(t *testing.T, b *bus.Bus) busTestAgent {
	t.Helper()
	signing, err := cryptoutil.GenerateSigningKeyPair()
	require.NoError(t, err)
	enc, err := cryptoutil.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	agent := busTestAgent{id: ids.NewAgentId(), signing: signing, enc: enc}
	b.RegisterAgent(agent.id, bus.AgentKeys{SigningPublicKey: signing.Public, EncryptionKeyPair: enc})
	return agent
}

// testEncryptionPublicKey reads back the X25519 public key the Lifecycle
// Controller generated for id during Initialize, letting this test encrypt
// to a Lifecycle-owned agent without the Lifecycle exposing private keys.
func (r *Runtime) testEncryptionPublicKey(t *testing.T, id ids.AgentId) [32]byte {
	t.Helper()
	agent, err := r.Lifecycle.Agent(id)
	require.NoError(t, err)
	var pub [32]byte
	copy(pub[:], agent.EncryptionPublicKey)
	return pub
}
