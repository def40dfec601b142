package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rcliao/agent-context/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var knownComponents = map[string]bool{
	model.SectionSystem:        true,
	model.SectionOriginalInput: true,
	model.SectionPriorOutputs:  true,
	model.SectionObservations:  true,
	model.SectionMemories:      true,
}

// Validate checks ranges and cross-field rules. Every failure wraps
// model.ErrValidation.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return model.Validationf("%s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	if err := c.Budget.Allocation.Validate(); err != nil {
		return err
	}
	if err := c.validateProcessors(); err != nil {
		return err
	}
	if err := c.validatePrefixComponents(); err != nil {
		return err
	}
	for i, r := range c.Handoff.Rules {
		if err := ValidateRule(r); err != nil {
			return fmt.Errorf("handoff.rules[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) validateProcessors() error {
	known := map[string]bool{}
	for _, id := range KnownProcessors {
		known[id] = true
	}
	seen := map[string]bool{}
	for _, p := range c.Pipeline.Processors {
		if !known[p.ID] {
			return model.Validationf("unknown processor %q", p.ID)
		}
		if seen[p.ID] {
			return model.Validationf("processor %q configured twice", p.ID)
		}
		seen[p.ID] = true
	}
	for _, id := range RequiredProcessors {
		if !seen[id] {
			return model.Validationf("required processor %q missing", id)
		}
		if !c.ProcessorEnabled(id) {
			return model.Validationf("required processor %q cannot be disabled", id)
		}
	}
	return nil
}

func (c *Config) validatePrefixComponents() error {
	stable := map[string]bool{}
	for _, name := range c.PrefixCache.StablePrefixComponents {
		if !knownComponents[name] {
			return model.Validationf("unknown prefix component %q", name)
		}
		stable[name] = true
	}
	for _, name := range c.PrefixCache.VariableSuffixComponents {
		if !knownComponents[name] {
			return model.Validationf("unknown suffix component %q", name)
		}
		if stable[name] {
			return model.Validationf("component %q is both prefix and suffix", name)
		}
	}
	return nil
}

// ValidateRule checks one handoff rule.
func ValidateRule(r model.HandoffRule) error {
	if r.FromAgentID == "" || r.ToAgentID == "" {
		return model.Validationf("rule %q: from_agent_id and to_agent_id are required (use %q for any)", r.RuleID, model.Wildcard)
	}
	if !r.Mode.Valid() {
		return model.Validationf("rule %q: unknown handoff_mode %q", r.RuleID, r.Mode)
	}
	if r.Translation != nil && r.Translation.SummarizeOverTokens < 0 {
		return model.Validationf("rule %q: summarize_over_tokens must be >= 0", r.RuleID)
	}
	return nil
}
