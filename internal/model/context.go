package model

import (
	"sort"
	"time"
)

// Section names used for per-component token accounting.
const (
	SectionOriginalInput = "original_input"
	SectionPriorOutputs  = "prior_outputs"
	SectionObservations  = "observations"
	SectionMemories      = "memories"
	SectionSystem        = "system"
)

// Message is one provider-ready chat message.
type Message struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Audit collects facts that processors report for the lineage record.
// It is not part of the provider-facing context.
type Audit struct {
	TruncationApplied        bool
	CompactionApplied        bool
	MemoriesRetrieved        int
	ArtifactsResolved        int
	BudgetAllocation         *BudgetAllocation
	BudgetUtilizationPercent float64
	ObservationsFromSession  bool
}

// CompiledContext is the working value of one compilation and its output.
// It is owned by a single compilation call.
type CompiledContext struct {
	SessionID     string           `json:"session_id"`
	AgentID       string           `json:"agent_id"`
	System        string           `json:"system,omitempty"`
	OriginalInput Value            `json:"original_input"`
	PriorOutputs  map[string]Value `json:"prior_outputs"`
	Observations  []Value          `json:"observations"`
	Memories      []ScoredMemory   `json:"memories,omitempty"`
	Metadata      map[string]Value `json:"metadata"`
	Messages      []Message        `json:"messages,omitempty"`
	Audit         Audit            `json:"-"`
}

// NewCompiledContext returns a context with non-nil collections.
func NewCompiledContext(sessionID, agentID string) *CompiledContext {
	return &CompiledContext{
		SessionID:    sessionID,
		AgentID:      agentID,
		PriorOutputs: map[string]Value{},
		Metadata:     map[string]Value{},
	}
}

// Clone returns a deep copy so a processor can work on it in isolation.
func (c *CompiledContext) Clone() *CompiledContext {
	out := &CompiledContext{
		SessionID:     c.SessionID,
		AgentID:       c.AgentID,
		System:        c.System,
		OriginalInput: c.OriginalInput.Clone(),
		PriorOutputs:  make(map[string]Value, len(c.PriorOutputs)),
		Metadata:      make(map[string]Value, len(c.Metadata)),
		Audit:         c.Audit,
	}
	for k, v := range c.PriorOutputs {
		out.PriorOutputs[k] = v.Clone()
	}
	for k, v := range c.Metadata {
		out.Metadata[k] = v.Clone()
	}
	if c.Observations != nil {
		out.Observations = make([]Value, len(c.Observations))
		for i, o := range c.Observations {
			out.Observations[i] = o.Clone()
		}
	}
	if c.Memories != nil {
		out.Memories = append([]ScoredMemory(nil), c.Memories...)
	}
	if c.Messages != nil {
		out.Messages = append([]Message(nil), c.Messages...)
	}
	if c.Audit.BudgetAllocation != nil {
		ba := *c.Audit.BudgetAllocation
		out.Audit.BudgetAllocation = &ba
	}
	return out
}

// AgentIDs returns the prior output agent ids in sorted order.
func (c *CompiledContext) AgentIDs() []string {
	ids := make([]string, 0, len(c.PriorOutputs))
	for id := range c.PriorOutputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BudgetAllocation records the ceilings the enforcer applied.
type BudgetAllocation struct {
	MaxTokens           int `json:"max_tokens"`
	OriginalInputPct    int `json:"original_input_pct"`
	PriorOutputsPct     int `json:"prior_outputs_pct"`
	ObservationsPct     int `json:"observations_pct"`
	OriginalInputTokens int `json:"original_input_tokens"`
	PriorOutputsTokens  int `json:"prior_outputs_tokens"`
	ObservationsTokens  int `json:"observations_tokens"`
}

// ProcessorResult is the outcome of running one pipeline stage.
type ProcessorResult struct {
	ProcessorID   string         `json:"processor_id"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Success       bool           `json:"success"`
	Modifications map[string]int `json:"modifications,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// ContextCompilation is the immutable lineage record of one compilation.
type ContextCompilation struct {
	CompilationID            string            `json:"compilation_id"`
	SessionID                string            `json:"session_id"`
	AgentID                  string            `json:"agent_id"`
	FromAgentID              string            `json:"from_agent_id,omitempty"`
	Timestamp                time.Time         `json:"timestamp"`
	ProcessorsExecuted       []ProcessorResult `json:"processors_executed"`
	TokensBefore             int               `json:"tokens_before"`
	TokensAfter              int               `json:"tokens_after"`
	ComponentsBefore         map[string]int    `json:"components_before"`
	ComponentsAfter          map[string]int    `json:"components_after"`
	BudgetAllocation         *BudgetAllocation `json:"budget_allocation,omitempty"`
	BudgetUtilizationPercent float64           `json:"budget_utilization_percent"`
	TruncationApplied        bool              `json:"truncation_applied"`
	CompactionApplied        bool              `json:"compaction_applied"`
	MemoriesRetrieved        int               `json:"memories_retrieved"`
	ArtifactsResolved        int               `json:"artifacts_resolved"`
	HandoffApplied           bool              `json:"handoff_applied"`
	PassThrough              bool              `json:"pass_through,omitempty"`
	CacheKey                 string            `json:"cache_key,omitempty"`
	Error                    string            `json:"error,omitempty"`
}

// Lineage entry types.
const (
	EntryCompilation = "compilation"
	EntryHandoff     = "handoff"
)

// LineageEntry is one line of a session's lineage stream.
type LineageEntry struct {
	Type        string              `json:"type"`
	Compilation *ContextCompilation `json:"compilation,omitempty"`
	Handoff     *HandoffEvent       `json:"handoff,omitempty"`
}
