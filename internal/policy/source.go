package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/symbiont-run/symbiont/internal/domain"
	"github.com/symbiont-run/symbiont/internal/ports"
)

var _ ports.PolicySource = (*Source)(nil)

// fileRule is the YAML shape of one policy rule, grounded on
// system/sandbox/policy_loader.go's PolicyConfig rule entries.
type fileRule struct {
	Effect    string `yaml:"effect"`
	Subject   string `yaml:"subject"`
	Condition string `yaml:"condition,omitempty"`
	Priority  int    `yaml:"priority"`
	Reason    string `yaml:"reason,omitempty"`
	Approver  string `yaml:"approver,omitempty"`
}

// fileBundle is one YAML policy bundle file: a named policy plus its rules.
type fileBundle struct {
	Name  string     `yaml:"name"`
	Rules []fileRule `yaml:"rules"`
}

// knownEffects guards against unknown DSL directives: a policy bundle
// containing an effect outside this set is a load-time parse error, not a
// silently-ignored rule (spec §9 Open Question resolution).
var knownEffects = map[string]domain.Effect{
	"allow":   domain.EffectAllow,
	"deny":    domain.EffectDeny,
	"require": domain.EffectRequire,
	"audit":   domain.EffectAudit,
}

func parseBundle(data []byte) (fileBundle, error) {
	var b fileBundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return fileBundle{}, fmt.Errorf("parse policy bundle: %w", err)
	}
	if b.Name == "" {
		return fileBundle{}, fmt.Errorf("policy bundle missing required 'name'")
	}
	for i, r := range b.Rules {
		if _, ok := knownEffects[r.Effect]; !ok {
			return fileBundle{}, fmt.Errorf("policy %q rule %d: unknown effect directive %q", b.Name, i, r.Effect)
		}
		if r.Subject == "" {
			return fileBundle{}, fmt.Errorf("policy %q rule %d: missing required 'subject' pattern", b.Name, i)
		}
	}
	return b, nil
}

func (b fileBundle) toDomainRules() []domain.PolicyRule {
	out := make([]domain.PolicyRule, 0, len(b.Rules))
	for _, r := range b.Rules {
		out = append(out, domain.PolicyRule{
			Effect:              knownEffects[r.Effect],
			SubjectPattern:      r.Subject,
			ConditionExpression: r.Condition,
			Priority:            r.Priority,
			Reason:              r.Reason,
			Approver:            r.Approver,
		})
	}
	return out
}

// Source loads named policy bundles from YAML, the PolicySource trait from
// spec §6, grounded on system/sandbox/policy_loader.go's directory-of-YAML
// convention.
type Source struct {
	dir string
}

// NewFileSource returns a Source reading every *.yaml/*.yml file in dir.
func NewFileSource(dir string) *Source {
	return &Source{dir: dir}
}

// LoadAll parses every policy bundle file in the source directory,
// rejecting the whole load on the first bundle containing an unknown
// directive or malformed structure — partial policy installation would
// leave hook points silently under-enforced.
func (s *Source) LoadAll() (map[string][]domain.PolicyRule, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read policy source directory %q: %w", s.dir, err)
	}
	out := make(map[string][]domain.PolicyRule)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read policy bundle %q: %w", entry.Name(), err)
		}
		bundle, err := parseBundle(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		out[bundle.Name] = bundle.toDomainRules()
	}
	return out, nil
}

// LoadPolicies implements ports.PolicySource. The file source has no
// network boundary, so ctx is accepted only to satisfy the interface — a
// future Postgres- or etcd-backed Source would honor cancellation here.
func (s *Source) LoadPolicies(ctx context.Context) (map[string][]domain.PolicyRule, error) {
	return s.LoadAll()
}

// LoadInto loads every bundle from the source and registers it with engine.
func (s *Source) LoadInto(engine *Engine) error {
	bundles, err := s.LoadAll()
	if err != nil {
		return err
	}
	for name, rules := range bundles {
		if _, err := engine.Register(name, rules); err != nil {
			return fmt.Errorf("register policy %q: %w", name, err)
		}
	}
	return nil
}
