// Package store provides the durable memory, artifact and session-event
// stores and their SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/rcliao/agent-context/internal/model"
)

// StoreParams holds parameters for storing a memory.
type StoreParams struct {
	Type      string
	Content   string
	Tags      []string
	Metadata  map[string]string
	ExpiresAt *time.Time // nil applies the configured retention
}

// RetrieveParams holds parameters for similarity retrieval.
type RetrieveParams struct {
	Query    string
	Type     string
	Tags     []string
	Limit    int     // 0 means DefaultRetrieveLimit
	MinScore float64 // results scoring below are dropped
	Mode     model.RetrievalMode
}

// ListParams holds parameters for listing memories.
type ListParams struct {
	Type  string
	Tags  []string
	Limit int
}

// CreateVersionParams holds parameters for appending an artifact version.
type CreateVersionParams struct {
	ArtifactID string
	Content    []byte
	// ParentVersion, when set, must equal the current max version;
	// otherwise the write is stale.
	ParentVersion *int
	Metadata      map[string]string
}

// AppendEventParams holds parameters for recording a session event.
type AppendEventParams struct {
	SessionID string
	Kind      model.EventKind
	AgentID   string
	Content   model.Value
	Critical  bool
}

// MemoryStore stores and retrieves long-term memories.
type MemoryStore interface {
	// Store validates and persists a memory. Content must be 1..10000 chars.
	Store(ctx context.Context, p StoreParams) (*model.Memory, error)

	// Get returns a live memory or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Memory, error)

	// Delete removes a memory; false means it did not exist.
	Delete(ctx context.Context, id string) (bool, error)

	// Retrieve returns memories ordered by descending similarity.
	Retrieve(ctx context.Context, p RetrieveParams) ([]model.ScoredMemory, error)

	// SweepExpired physically removes expired memories.
	SweepExpired(ctx context.Context) (int, error)
}

// ArtifactStore keeps append-only version chains.
type ArtifactStore interface {
	CreateVersion(ctx context.Context, p CreateVersionParams) (*model.ArtifactVersion, error)
	GetVersion(ctx context.Context, artifactID string, version int) (*model.ArtifactVersion, error)
	ListVersions(ctx context.Context, artifactID string) (*model.ArtifactHistory, error)
	Resolve(ctx context.Context, h model.Handle) (*model.ArtifactVersion, error)
}

// EventStore keeps ordered session history.
type EventStore interface {
	AppendEvent(ctx context.Context, p AppendEventParams) (*model.Event, error)
	Events(ctx context.Context, sessionID string) ([]model.Event, error)
	// ReplaceEvents atomically swaps a session's history.
	ReplaceEvents(ctx context.Context, sessionID string, events []model.Event) error
}
