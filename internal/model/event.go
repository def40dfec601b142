package model

import "time"

// EventKind classifies a session history event.
type EventKind string

const (
	EventInput       EventKind = "input"
	EventAgentOutput EventKind = "agent_output"
	EventObservation EventKind = "observation"
	EventSummary     EventKind = "summary"
)

// Event is one entry of a session's history.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Kind      EventKind `json:"kind"`
	AgentID   string    `json:"agent_id,omitempty"`
	Content   Value     `json:"content"`
	Critical  bool      `json:"critical,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CompactionMethod selects how history is reduced.
type CompactionMethod string

const (
	CompactionRuleBased CompactionMethod = "rule_based"
	CompactionLLMBased  CompactionMethod = "llm_based"
)

// CompactionResult summarizes one compaction run.
type CompactionResult struct {
	SessionID         string           `json:"session_id"`
	EventsBeforeCount int              `json:"events_before_count"`
	EventsAfterCount  int              `json:"events_after_count"`
	TokensBefore      int              `json:"tokens_before"`
	TokensAfter       int              `json:"tokens_after"`
	CompressionRatio  float64          `json:"compression_ratio"`
	Method            CompactionMethod `json:"method"`
	FellBack          bool             `json:"fell_back,omitempty"`
	Applied           bool             `json:"applied"`
}
