// Package model defines the core data types shared by the context pipeline.
package model

import "time"

// Memory content bounds, in characters.
const (
	MinMemoryContent = 1
	MaxMemoryContent = 10000
)

// DefaultMemoryType is used when a store call omits the type.
const DefaultMemoryType = "semantic"

// Memory is a durable long-term record. Memories are never updated in place;
// a change is a delete followed by a new store.
type Memory struct {
	ID        string            `json:"memory_id"`
	Type      string            `json:"memory_type"`
	Content   string            `json:"content"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// Expired reports whether the memory is past its expiry at now.
func (m Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// HasTags reports whether the memory carries every tag in want.
func (m Memory) HasTags(want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range m.Tags {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ScoredMemory pairs a memory with its similarity to a query.
type ScoredMemory struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"similarity_score"`
}

// RetrievalMode distinguishes caller-initiated from pipeline-initiated retrieval.
type RetrievalMode string

const (
	RetrievalReactive  RetrievalMode = "reactive"
	RetrievalProactive RetrievalMode = "proactive"
)
