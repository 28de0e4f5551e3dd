package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
)

func defaultWeights() RiskWeights {
	return RiskWeights{
		DataSensitivity: 0.4,
		CodeTrust:       0.3,
		NetAccess:       0.1,
		FSWrite:         0.1,
		ExternalAPIs:    0.1,
		TierThreshold:   0.5,
	}
}

func TestSelectTierLowRiskIsTier1(t *testing.T) {
	w := defaultWeights()
	tier, score := w.SelectTier(domain.RiskProfile{DataSensitivity: 0.1, CodeTrust: 0.9, NetAccess: 0, FSWrite: 0, ExternalAPIs: 0})
	require.Equal(t, domain.TierT1, tier)
	require.Less(t, score, 0.5)
}

func TestSelectTierHighRiskIsTier2(t *testing.T) {
	w := defaultWeights()
	tier, score := w.SelectTier(domain.RiskProfile{DataSensitivity: 0.9, CodeTrust: 0.1, NetAccess: 1, FSWrite: 1, ExternalAPIs: 1})
	require.Equal(t, domain.TierT2, tier)
	require.GreaterOrEqual(t, score, 0.5)
}

func TestProvisionTier1AndDestroyIsIdempotent(t *testing.T) {
	o := New(OrchestratorConfig{RiskWeights: defaultWeights()})
	agentID := ids.NewAgentId()

	h, err := o.Provision(context.Background(), Config{
		AgentID:      agentID,
		Tier:         domain.TierT1,
		Capabilities: CapabilitySet{"net.egress": {}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, h.ID())

	status, err := o.Monitor(context.Background(), h)
	require.NoError(t, err)
	require.True(t, status.Alive)

	require.NoError(t, o.Destroy(h))
	require.NoError(t, o.Destroy(h)) // idempotent

	status, err = o.Monitor(context.Background(), h)
	require.NoError(t, err)
	require.False(t, status.Alive)
}

func TestProvisionTier1RejectsUnknownCapability(t *testing.T) {
	o := New(OrchestratorConfig{RiskWeights: defaultWeights()})
	_, err := o.Provision(context.Background(), Config{
		AgentID:      ids.NewAgentId(),
		Tier:         domain.TierT1,
		Capabilities: CapabilitySet{"totally.made.up": {}},
	})
	require.Error(t, err)
}

func TestProvisionTier2AndExecuteSimpleScript(t *testing.T) {
	o := New(OrchestratorConfig{RiskWeights: defaultWeights()})
	h, err := o.Provision(context.Background(), Config{
		AgentID: ids.NewAgentId(),
		Tier:    domain.TierT2,
	})
	require.NoError(t, err)

	_, err = o.Execute(h, "var x = 1 + 1;")
	require.NoError(t, err)
}

func TestTier2ExecuteWithoutCapabilityPanicsIntoError(t *testing.T) {
	o := New(OrchestratorConfig{RiskWeights: defaultWeights()})
	h, err := o.Provision(context.Background(), Config{
		AgentID: ids.NewAgentId(),
		Tier:    domain.TierT2,
	})
	require.NoError(t, err)

	_, err = o.Execute(h, "ocall_net_fetch('https://example.com');")
	require.Error(t, err)
}

func TestRecordPolicyViolationEmitsEscalationRecommendationAtThreshold(t *testing.T) {
	var events []string
	o := New(OrchestratorConfig{
		RiskWeights:                  defaultWeights(),
		Tier1ViolationsForEscalation: 2,
		AuditAppend: func(eventType, actor string, details map[string]string) {
			events = append(events, eventType)
		},
	})
	h, err := o.Provision(context.Background(), Config{AgentID: ids.NewAgentId(), Tier: domain.TierT1})
	require.NoError(t, err)

	o.RecordPolicyViolation(h)
	require.NotContains(t, events, domain.EventTier2EscalationRecommended)

	o.RecordPolicyViolation(h)
	require.Contains(t, events, domain.EventTier2EscalationRecommended)
}
