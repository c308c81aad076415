package speed

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/bmatcuk/doublestar"
	"gopkg.in/yaml.v3"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// ruleFile is the on-disk shape of the policy rule set
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID string `yaml:"id"`
	// Priority orders evaluation; lower values are checked first. Ties keep
	// file order.
	Priority int `yaml:"priority"`
	// Kind is a regular expression matched against the command kind. Empty
	// matches every kind.
	Kind string `yaml:"kind"`
	// Target is a doublestar glob matched against the target path. Empty
	// matches every path, including commands without one.
	Target  string   `yaml:"target"`
	Roles   []string `yaml:"roles"`
	Verdict string   `yaml:"verdict"`
	Reason  string   `yaml:"reason"`
}

// CompiledRule is one policy rule with its patterns compiled at load time
type CompiledRule struct {
	ID       string
	Priority int
	Kind     *regexp.Regexp
	Target   string
	Roles    map[models.Role]bool
	Verdict  models.Verdict
	Reason   string
}

// RuleSet is the tier-2 policy cache: rules compiled and ordered once at
// startup, evaluated in fixed order per request with no allocation.
type RuleSet struct {
	rules []*CompiledRule
}

// LoadRules reads and compiles the policy rule file. An empty path yields an
// empty rule set (tier 2 always abstains). Any malformed rule fails the
// load; a policy tier that silently skipped a deny rule would fail open.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return &RuleSet{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy rules %s: %w", path, err)
	}

	var file ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing policy rules %s: %w", path, err)
	}
	return compileRules(file.Rules)
}

func compileRules(specs []ruleSpec) (*RuleSet, error) {
	rules := make([]*CompiledRule, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("rule %q: duplicate id", spec.ID)
		}
		seen[spec.ID] = true

		rule := &CompiledRule{
			ID:       spec.ID,
			Priority: spec.Priority,
			Target:   spec.Target,
			Reason:   spec.Reason,
		}

		switch verdict := models.Verdict(spec.Verdict); verdict {
		case models.VerdictApprove, models.VerdictDeny, models.VerdictEscalate:
			rule.Verdict = verdict
		default:
			return nil, fmt.Errorf("rule %q: verdict must be approve, deny, or escalate, got %q", spec.ID, spec.Verdict)
		}

		if spec.Kind != "" {
			compiled, err := regexp.Compile(spec.Kind)
			if err != nil {
				return nil, fmt.Errorf("rule %q: compiling kind pattern: %w", spec.ID, err)
			}
			rule.Kind = compiled
		}

		if spec.Target != "" {
			if _, err := doublestar.Match(spec.Target, "probe"); err != nil {
				return nil, fmt.Errorf("rule %q: bad target glob %q: %w", spec.ID, spec.Target, err)
			}
		}

		if len(spec.Roles) > 0 {
			rule.Roles = make(map[models.Role]bool, len(spec.Roles))
			for _, r := range spec.Roles {
				role := models.Role(r)
				if !role.IsValid() {
					return nil, fmt.Errorf("rule %q: unknown role %q", spec.ID, r)
				}
				rule.Roles[role] = true
			}
		}

		rules = append(rules, rule)
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	return &RuleSet{rules: rules}, nil
}

// Len returns the number of compiled rules
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Evaluate runs the command through the rule set in load order. The first
// matching rule decides; no match abstains (nil).
func (rs *RuleSet) Evaluate(cmd *models.Command, role models.Role) *Decision {
	for _, rule := range rs.rules {
		if !rule.matches(cmd, role) {
			continue
		}
		return &Decision{
			Verdict:    rule.Verdict,
			Confidence: 1,
			Tier:       TierPolicy,
			RuleID:     rule.ID,
			Reason:     rule.Reason,
		}
	}
	return nil
}

func (r *CompiledRule) matches(cmd *models.Command, role models.Role) bool {
	if r.Roles != nil && !r.Roles[role] {
		return false
	}
	if r.Kind != nil && !r.Kind.MatchString(cmd.Kind) {
		return false
	}
	if r.Target != "" {
		ok, err := doublestar.Match(r.Target, cmd.TargetPath)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
