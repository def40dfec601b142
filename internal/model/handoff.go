package model

import "time"

// Wildcard matches any agent id in a handoff rule.
const Wildcard = "*"

// HandoffMode controls how much context crosses an agent boundary.
type HandoffMode string

const (
	HandoffFull    HandoffMode = "full"
	HandoffScoped  HandoffMode = "scoped"
	HandoffMinimal HandoffMode = "minimal"
)

// Valid reports whether m is a known mode.
func (m HandoffMode) Valid() bool {
	switch m {
	case HandoffFull, HandoffScoped, HandoffMinimal:
		return true
	}
	return false
}

// TranslationConfig drives the conversation translator for one rule.
type TranslationConfig struct {
	ExtractFields []string `yaml:"extract_fields" json:"extract_fields,omitempty"`
	BlockedFields []string `yaml:"blocked_fields" json:"blocked_fields,omitempty"`
	// Summarize replaces long string fields with an LLM summary when they
	// exceed SummarizeOverTokens.
	Summarize           bool `yaml:"summarize" json:"summarize,omitempty"`
	SummarizeOverTokens int  `yaml:"summarize_over_tokens" json:"summarize_over_tokens,omitempty"`
}

// HandoffRule is read-only governance configuration.
type HandoffRule struct {
	RuleID        string             `yaml:"rule_id" json:"rule_id"`
	FromAgentID   string             `yaml:"from_agent_id" json:"from_agent_id"`
	ToAgentID     string             `yaml:"to_agent_id" json:"to_agent_id"`
	Mode          HandoffMode        `yaml:"handoff_mode" json:"handoff_mode"`
	AllowedFields []string           `yaml:"allowed_fields" json:"allowed_fields,omitempty"`
	BlockedFields []string           `yaml:"blocked_fields" json:"blocked_fields,omitempty"`
	MinimalFields []string           `yaml:"minimal_fields" json:"minimal_fields,omitempty"`
	Translation   *TranslationConfig `yaml:"translation_config" json:"translation_config,omitempty"`
	AuditEnabled  bool               `yaml:"audit_enabled" json:"audit_enabled"`
}

// ScopedContext is the reduced context handed to the next agent.
type ScopedContext struct {
	OriginalInput      Value            `json:"original_input"`
	PriorOutputs       map[string]Value `json:"prior_outputs"`
	Observations       []Value          `json:"observations"`
	Metadata           map[string]Value `json:"metadata,omitempty"`
	Mode               HandoffMode      `json:"handoff_mode"`
	RuleID             string           `json:"rule_id,omitempty"`
	FieldsFiltered     []string         `json:"fields_filtered,omitempty"`
	TranslationApplied bool             `json:"translation_applied"`
	// Applied is set when a rule matched and scoping completed; the
	// unscoped fallback leaves it false.
	Applied            bool             `json:"applied"`
}

// HandoffEvent is the lineage record of one handoff.
type HandoffEvent struct {
	EventID               string      `json:"event_id"`
	SessionID             string      `json:"session_id"`
	FromAgentID           string      `json:"from_agent_id"`
	ToAgentID             string      `json:"to_agent_id"`
	RuleID                string      `json:"rule_id,omitempty"`
	Mode                  HandoffMode `json:"handoff_mode"`
	Timestamp             time.Time   `json:"timestamp"`
	FieldsBefore          int         `json:"fields_before"`
	FieldsAfter           int         `json:"fields_after"`
	TokensBefore          int         `json:"tokens_before"`
	TokensAfter           int         `json:"tokens_after"`
	TokensSavedPercentage float64     `json:"tokens_saved_percentage"`
	StrategiesApplied     []string    `json:"strategies_applied,omitempty"`
	FieldsFiltered        []string    `json:"fields_filtered,omitempty"`
	AuditEnabled          bool        `json:"audit_enabled,omitempty"`
	Error                 string      `json:"error,omitempty"`
}
