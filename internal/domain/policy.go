package domain

// Effect is the outcome a PolicyRule contributes toward a Decision.
type Effect string

const (
	EffectAllow   Effect = "Allow"
	EffectDeny    Effect = "Deny"
	EffectRequire Effect = "Require"
	EffectAudit   Effect = "Audit"
)

// PolicyRule is a single evaluable clause within a Policy (spec §3).
// ConditionExpression is evaluated against a JSON-shaped context using
// gjson path syntax; SubjectPattern matches the actor/action subject via
// glob or regex (prefixed with "re:").
type PolicyRule struct {
	Effect              Effect
	SubjectPattern      string
	ConditionExpression string
	Priority            int
	// Reason is attached to Deny decisions for audit/diagnostic purposes.
	Reason string
	// Approver names the role/agent required for RequireApproval decisions.
	Approver string
}

// Policy is an ordered, named set of rules attached to one or more agents.
type Policy struct {
	Name  string
	Rules []PolicyRule
}

// HookPoint names a gate point where the Policy Engine must be consulted
// before an action proceeds (spec §4.4).
type HookPoint string

const (
	HookPreAgentCreation    HookPoint = "pre_agent_creation"
	HookPreMessageSend      HookPoint = "pre_message_send"
	HookPreResourceAlloc    HookPoint = "pre_resource_allocation"
	HookPreToolInvocation   HookPoint = "pre_tool_invocation"
	HookPreContextRetrieval HookPoint = "pre_context_retrieval"
	HookPostAgentTermination HookPoint = "post_agent_termination"
)

// DecisionKind is the outcome of a policy evaluation.
type DecisionKind string

const (
	DecisionAllow              DecisionKind = "Allow"
	DecisionDeny               DecisionKind = "Deny"
	DecisionAllowWithConditions DecisionKind = "AllowWithConditions"
	DecisionRequireApproval    DecisionKind = "RequireApproval"
)

// Decision is the result of a Policy Engine evaluation (spec §4.4).
type Decision struct {
	Kind       DecisionKind
	Reason     string
	Conditions []string
	Approver   string
}

// Allowed reports whether the decision permits the action to proceed
// unconditionally.
func (d Decision) Allowed() bool { return d.Kind == DecisionAllow }
