// Package governance resolves the handoff rule that applies to a pair of agents.
package governance

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/model"
)

// exactMatchWeight is contributed by each of an exact from and an exact to
// match. Wildcards contribute nothing.
const exactMatchWeight = 10

// RulesFile is the on-disk shape of a governance rules document.
type RulesFile struct {
	Rules []model.HandoffRule `yaml:"rules"`
}

// LoadRules reads and validates a YAML rules file.
func LoadRules(path string) ([]model.HandoffRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f RulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: parse rules %s: %v", model.ErrValidation, path, err)
	}
	for i, r := range f.Rules {
		if err := config.ValidateRule(r); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return f.Rules, nil
}

// Engine holds an immutable, ordered rule set.
type Engine struct {
	rules []model.HandoffRule
}

// NewEngine validates rules and assigns ids to unnamed ones. Declaration
// order is preserved; it breaks specificity ties.
func NewEngine(rules []model.HandoffRule) (*Engine, error) {
	out := make([]model.HandoffRule, len(rules))
	for i, r := range rules {
		if err := config.ValidateRule(r); err != nil {
			return nil, err
		}
		if r.RuleID == "" {
			r.RuleID = fmt.Sprintf("rule-%d", i+1)
		}
		out[i] = r
	}
	return &Engine{rules: out}, nil
}

// Rules returns a copy of the rule set in declaration order.
func (e *Engine) Rules() []model.HandoffRule {
	return append([]model.HandoffRule(nil), e.rules...)
}

// Specificity scores how exactly rule matches (from, to). It returns -1
// when the rule does not match at all.
func Specificity(rule model.HandoffRule, from, to string) int {
	score := 0
	switch rule.FromAgentID {
	case from:
		score += exactMatchWeight
	case model.Wildcard:
	default:
		return -1
	}
	switch rule.ToAgentID {
	case to:
		score += exactMatchWeight
	case model.Wildcard:
	default:
		return -1
	}
	return score
}

// Resolve returns the most specific matching rule. Among equally specific
// rules the first declared wins.
func (e *Engine) Resolve(from, to string) (model.HandoffRule, bool) {
	best, bestScore := -1, -1
	for i, r := range e.rules {
		if s := Specificity(r, from, to); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return model.HandoffRule{}, false
	}
	return e.rules[best], true
}
