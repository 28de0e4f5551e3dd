// Package policy implements the Policy Engine (spec §4.4): a flat rule list
// matched by subject pattern, not keyed by actor_type or action_type (those
// are reachable only through rule conditions), evaluated against a
// JSON-shaped context, with Require-then-priority-then-Deny-beats-Allow precedence and
// an LRU/TTL decision cache.
//
// Grounded on system/sandbox/policy_loader.go's PolicyConfig/PolicyRule
// capability-profile model (compiled once, matched by subject pattern) and
// the teacher's regexp-based ServicePolicyConfig subject matching.
package policy

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"

	"github.com/symbiont-run/symbiont/internal/apperr"
	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ids"
	"github.com/symbiont-run/symbiont/pkg/logger"
)

// EvalContext is the JSON-shaped evaluation context a hook point supplies;
// condition_expression is evaluated against it with gjson path syntax.
type EvalContext struct {
	ActorType  string
	ActionType string
	Hook       domain.HookPoint
	Fields     map[string]any // arbitrary extra context (resource amounts, message metadata, ...)
}

func (c EvalContext) json() []byte {
	m := map[string]any{
		"actor_type":  c.ActorType,
		"action_type": c.ActionType,
		"hook":        string(c.Hook),
	}
	for k, v := range c.Fields {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return b
}

func (c EvalContext) fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s", c.ActorType, c.ActionType, c.Hook, string(c.json()))
}

// compiledRule pairs a PolicyRule with its precompiled subject matcher.
type compiledRule struct {
	rule    domain.PolicyRule
	matcher subjectMatcher
	policy  string
}

type subjectMatcher func(subject string) bool

func compileSubjectPattern(pattern string) (subjectMatcher, error) {
	if strings.HasPrefix(pattern, "re:") {
		re, err := regexp.Compile(strings.TrimPrefix(pattern, "re:"))
		if err != nil {
			return nil, fmt.Errorf("compile regex subject pattern %q: %w", pattern, err)
		}
		return func(s string) bool { return re.MatchString(s) }, nil
	}
	return func(s string) bool {
		ok, err := path.Match(pattern, s)
		return err == nil && ok
	}, nil
}

// snapshot is the engine's copy-on-write view of compiled rules, swapped on
// Update so in-flight evaluations finish against their starting generation
// (spec §4.4 testable property 5).
type snapshot struct {
	generation uint64
	rules      []compiledRule
}

// Config configures an Engine.
type Config struct {
	DecisionCacheSize int
	DecisionCacheTTL  time.Duration
	Logger            *logger.Logger
}

type cacheEntry struct {
	decision   domain.Decision
	generation uint64
	expiresAt  time.Time
}

// Engine is the Policy Engine.
type Engine struct {
	mu       sync.Mutex
	current  atomic.Pointer[snapshot]
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
	log      *logger.Logger
}

// New creates an empty Engine (Register policies before Evaluate is called).
func New(cfg Config) (*Engine, error) {
	size := cfg.DecisionCacheSize
	if size <= 0 {
		size = 4096
	}
	ttl := cfg.DecisionCacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("policy")
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create policy decision cache: %w", err)
	}
	e := &Engine{cache: cache, ttl: ttl, log: log}
	e.current.Store(&snapshot{generation: 0})
	return e, nil
}

// Register compiles and installs policy, returning its assigned PolicyId.
// Registering bumps the generation counter so any in-flight Evaluate calls
// keep evaluating against their original snapshot (copy-on-write).
func (e *Engine) Register(policyName string, rules []domain.PolicyRule) (ids.PolicyId, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := compileRules(policyName, rules)
	if err != nil {
		return ids.PolicyId{}, apperr.PolicyRejected("Register", err.Error())
	}

	cur := e.current.Load()
	next := &snapshot{
		generation: cur.generation + 1,
		rules:      append(append([]compiledRule(nil), cur.rules...), compiled...),
	}
	e.current.Store(next)
	id := ids.NewPolicyId()
	return id, nil
}

// Update replaces all rules belonging to policyName with newRules, bumping
// the generation counter exactly like Register.
func (e *Engine) Update(policyName string, newRules []domain.PolicyRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := compileRules(policyName, newRules)
	if err != nil {
		return apperr.PolicyRejected("Update", err.Error())
	}

	cur := e.current.Load()
	var kept []compiledRule
	for _, r := range cur.rules {
		if r.policy != policyName {
			kept = append(kept, r)
		}
	}
	next := &snapshot{
		generation: cur.generation + 1,
		rules:      append(kept, compiled...),
	}
	e.current.Store(next)
	return nil
}

func compileRules(policyName string, rules []domain.PolicyRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		matcher, err := compileSubjectPattern(r.SubjectPattern)
		if err != nil {
			return nil, err
		}
		switch r.Effect {
		case domain.EffectAllow, domain.EffectDeny, domain.EffectRequire, domain.EffectAudit:
		default:
			return nil, fmt.Errorf("unknown policy directive effect %q in policy %q", r.Effect, policyName)
		}
		out = append(out, compiledRule{rule: r, matcher: matcher, policy: policyName})
	}
	return out, nil
}

func evalCondition(expr string, ctxJSON []byte) bool {
	if expr == "" {
		return true
	}
	result := gjson.GetBytes(ctxJSON, expr)
	if !result.Exists() {
		return false
	}
	switch result.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.Number:
		return result.Num != 0
	default:
		b, err := strconv.ParseBool(result.String())
		return err == nil && b
	}
}

// Evaluate runs ctx against the currently installed policy snapshot,
// applying spec §4.4's rule order: (1) every Require rule whose subject
// matches must have its condition satisfied, else Deny outright; (2) among
// the remaining matching Allow/Deny/Audit rules, descending Priority order
// decides, and at equal priority a Deny beats an Allow. A cache hit for
// (context_fingerprint, snapshot generation) short-circuits re-evaluation.
// Engine errors fail closed with Deny("PolicyEngineError").
func (e *Engine) Evaluate(subject string, ctx EvalContext) domain.Decision {
	snap := e.current.Load()
	fp := ctx.fingerprint() + "|" + subject

	if cached, ok := e.cache.Get(fp); ok {
		if cached.generation == snap.generation && time.Now().Before(cached.expiresAt) {
			return cached.decision
		}
	}

	decision := e.evaluateUncached(subject, ctx, snap)
	e.cache.Add(fp, cacheEntry{decision: decision, generation: snap.generation, expiresAt: time.Now().Add(e.ttl)})
	return decision
}

// evaluateUncached walks snap.rules once. A Require rule is decided purely
// on subject match: an unsatisfied condition denies immediately (spec §4.4
// rule 1), a satisfied one contributes nothing further and the rule simply
// drops out of consideration. Allow/Deny/Audit rules are collected into
// decisive and resolved by priority afterward.
func (e *Engine) evaluateUncached(subject string, ctx EvalContext, snap *snapshot) (decision domain.Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("policy engine evaluation panicked")
			decision = domain.Decision{Kind: domain.DecisionDeny, Reason: "PolicyEngineError"}
		}
	}()

	ctxJSON := ctx.json()
	var decisive []compiledRule
	for _, cr := range snap.rules {
		if !cr.matcher(subject) {
			continue
		}
		if cr.rule.Effect == domain.EffectRequire {
			if !evalCondition(cr.rule.ConditionExpression, ctxJSON) {
				reason := cr.rule.Reason
				if reason == "" {
					reason = "required condition not satisfied"
				}
				return domain.Decision{Kind: domain.DecisionDeny, Reason: reason}
			}
			continue
		}
		if !evalCondition(cr.rule.ConditionExpression, ctxJSON) {
			continue
		}
		decisive = append(decisive, cr)
	}

	if len(decisive) == 0 {
		return domain.Decision{Kind: domain.DecisionAllow}
	}

	best := decisive[0]
	for _, cr := range decisive[1:] {
		if cr.rule.Priority > best.rule.Priority {
			best = cr
			continue
		}
		if cr.rule.Priority == best.rule.Priority && cr.rule.Effect == domain.EffectDeny {
			best = cr
		}
	}

	switch best.rule.Effect {
	case domain.EffectDeny:
		return domain.Decision{Kind: domain.DecisionDeny, Reason: best.rule.Reason}
	case domain.EffectAllow:
		return domain.Decision{Kind: domain.DecisionAllow}
	case domain.EffectAudit:
		return domain.Decision{Kind: domain.DecisionAllowWithConditions, Conditions: []string{"audit"}}
	default:
		return domain.Decision{Kind: domain.DecisionDeny, Reason: "PolicyEngineError"}
	}
}
