package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symbiont-run/symbiont/internal/domain"
)

func TestEvaluateDefaultAllowWithNoMatchingRules(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	d := e.Evaluate("agent.worker", EvalContext{ActorType: "agent", ActionType: "send_message"})
	require.True(t, d.Allowed())
}

func TestDenyBeatsAllowAtEqualPriority(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	_, err = e.Register("p1", []domain.PolicyRule{
		{Effect: domain.EffectAllow, SubjectPattern: "agent.*", Priority: 5},
		{Effect: domain.EffectDeny, SubjectPattern: "agent.*", Priority: 5, Reason: "blocked"},
	})
	require.NoError(t, err)

	d := e.Evaluate("agent.worker", EvalContext{ActorType: "agent", ActionType: "x"})
	require.Equal(t, domain.DecisionDeny, d.Kind)
	require.Equal(t, "blocked", d.Reason)
}

func TestHigherPriorityWins(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	_, err = e.Register("p1", []domain.PolicyRule{
		{Effect: domain.EffectDeny, SubjectPattern: "agent.*", Priority: 1, Reason: "low"},
		{Effect: domain.EffectAllow, SubjectPattern: "agent.*", Priority: 10},
	})
	require.NoError(t, err)

	d := e.Evaluate("agent.worker", EvalContext{ActorType: "agent", ActionType: "x"})
	require.True(t, d.Allowed())
}

func TestUnsatisfiedRequireDeniesRegardlessOfAllow(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	_, err = e.Register("p1", []domain.PolicyRule{
		{Effect: domain.EffectRequire, SubjectPattern: "agent.*", ConditionExpression: "approved", Approver: "ops"},
		{Effect: domain.EffectAllow, SubjectPattern: "agent.*"},
	})
	require.NoError(t, err)

	d := e.Evaluate("agent.worker", EvalContext{ActorType: "agent", ActionType: "x", Fields: map[string]any{"approved": false}})
	require.Equal(t, domain.DecisionDeny, d.Kind)
}

func TestSatisfiedRequireFallsThroughToPriorityResolution(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	_, err = e.Register("p1", []domain.PolicyRule{
		{Effect: domain.EffectRequire, SubjectPattern: "agent.*", ConditionExpression: "approved", Approver: "ops"},
		{Effect: domain.EffectAllow, SubjectPattern: "agent.*", Priority: 100},
	})
	require.NoError(t, err)

	d := e.Evaluate("agent.worker", EvalContext{ActorType: "agent", ActionType: "x", Fields: map[string]any{"approved": true}})
	require.True(t, d.Allowed())
}

func TestSatisfiedRequireDoesNotOverrideASameOrHigherPriorityDeny(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	_, err = e.Register("p1", []domain.PolicyRule{
		{Effect: domain.EffectRequire, SubjectPattern: "agent.*", ConditionExpression: "approved"},
		{Effect: domain.EffectDeny, SubjectPattern: "agent.*", Priority: 5, Reason: "still blocked"},
	})
	require.NoError(t, err)

	d := e.Evaluate("agent.worker", EvalContext{ActorType: "agent", ActionType: "x", Fields: map[string]any{"approved": true}})
	require.Equal(t, domain.DecisionDeny, d.Kind)
	require.Equal(t, "still blocked", d.Reason)
}

func TestConditionExpressionGatesRuleMatch(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	_, err = e.Register("p1", []domain.PolicyRule{
		{Effect: domain.EffectDeny, SubjectPattern: "agent.*", ConditionExpression: "amount_mb", Priority: 1, Reason: "too large"},
	})
	require.NoError(t, err)

	allowed := e.Evaluate("agent.worker", EvalContext{ActorType: "agent", ActionType: "alloc", Fields: map[string]any{"amount_mb": 0}})
	require.True(t, allowed.Allowed())

	denied := e.Evaluate("agent.worker", EvalContext{ActorType: "agent", ActionType: "alloc", Fields: map[string]any{"amount_mb": 4096}})
	require.Equal(t, domain.DecisionDeny, denied.Kind)
}

func TestUpdateBumpsGenerationAndReplacesPolicy(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	_, err = e.Register("p1", []domain.PolicyRule{
		{Effect: domain.EffectDeny, SubjectPattern: "agent.*", Priority: 1},
	})
	require.NoError(t, err)
	require.Equal(t, domain.DecisionDeny, e.Evaluate("agent.worker", EvalContext{ActorType: "agent", ActionType: "x"}).Kind)

	err = e.Update("p1", []domain.PolicyRule{
		{Effect: domain.EffectAllow, SubjectPattern: "agent.*", Priority: 1},
	})
	require.NoError(t, err)
	require.True(t, e.Evaluate("agent.worker", EvalContext{ActorType: "agent", ActionType: "x"}).Allowed())
}

func TestRegisterRejectsUnknownDirective(t *testing.T) {
	_, err := compileRules("bad", []domain.PolicyRule{{Effect: domain.Effect("weird"), SubjectPattern: "*"}})
	require.Error(t, err)
}

func TestFileSourceRejectsUnknownEffect(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
name: bad-policy
rules:
  - effect: maybe
    subject: "agent.*"
`), 0o644))

	src := NewFileSource(dir)
	_, err := src.LoadAll()
	require.Error(t, err)
}

func TestFileSourceLoadsValidBundle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(`
name: good-policy
rules:
  - effect: deny
    subject: "agent.untrusted.*"
    priority: 5
    reason: "untrusted agents cannot send"
`), 0o644))

	src := NewFileSource(dir)
	e, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, src.LoadInto(e))

	d := e.Evaluate("agent.untrusted.1", EvalContext{ActorType: "agent", ActionType: "send"})
	require.Equal(t, domain.DecisionDeny, d.Kind)
}
