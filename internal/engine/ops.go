package engine

import (
	"context"

	"github.com/rcliao/agent-context/internal/handoff"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/pipeline"
	"github.com/rcliao/agent-context/internal/prefixcache"
	"github.com/rcliao/agent-context/internal/store"
)

// CompileContext runs the pipeline for one agent invocation.
func (e *Engine) CompileContext(ctx context.Context, req pipeline.Request) (*pipeline.Output, error) {
	return e.current().compiler.Compile(ctx, req)
}

// ScopeHandoff reduces a context for its next agent without compiling.
func (e *Engine) ScopeHandoff(ctx context.Context, req handoff.Request) *model.ScopedContext {
	return e.current().scoper.Scope(ctx, req)
}

// ResolveRule returns the governing rule for an agent pair.
func (e *Engine) ResolveRule(from, to string) (model.HandoffRule, bool) {
	return e.current().rules.Resolve(from, to)
}

// StoreMemory persists a memory.
func (e *Engine) StoreMemory(ctx context.Context, p store.StoreParams) (*model.Memory, error) {
	return e.store.Store(ctx, p)
}

// GetMemory returns a live memory.
func (e *Engine) GetMemory(ctx context.Context, id string) (*model.Memory, error) {
	return e.store.Get(ctx, id)
}

// DeleteMemory removes a memory. A second delete reports false.
func (e *Engine) DeleteMemory(ctx context.Context, id string) (bool, error) {
	return e.store.Delete(ctx, id)
}

// RetrieveMemories runs a caller-initiated similarity search.
func (e *Engine) RetrieveMemories(ctx context.Context, p store.RetrieveParams) ([]model.ScoredMemory, error) {
	if p.Mode == "" {
		p.Mode = model.RetrievalReactive
	}
	res, err := e.store.Retrieve(ctx, p)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveRetrieval(string(p.Mode), len(res))
	return res, nil
}

// SweepExpired removes expired memories now.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	n, err := e.store.SweepExpired(ctx)
	if err == nil {
		e.metrics.ObserveSweep(n)
	}
	return n, err
}

// CreateArtifactVersion appends to an artifact's version chain.
func (e *Engine) CreateArtifactVersion(ctx context.Context, p store.CreateVersionParams) (*model.ArtifactVersion, error) {
	v, err := e.store.CreateVersion(ctx, p)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveArtifactVersion()
	return v, nil
}

// GetArtifactVersion returns one version with its content.
func (e *Engine) GetArtifactVersion(ctx context.Context, artifactID string, version int) (*model.ArtifactVersion, error) {
	return e.store.GetVersion(ctx, artifactID, version)
}

// ListArtifactVersions returns the surviving versions, oldest first.
func (e *Engine) ListArtifactVersions(ctx context.Context, artifactID string) (*model.ArtifactHistory, error) {
	return e.store.ListVersions(ctx, artifactID)
}

// ResolveHandle dereferences an artifact:// handle string.
func (e *Engine) ResolveHandle(ctx context.Context, handle string) (*model.ArtifactVersion, error) {
	h, err := model.ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	return e.store.Resolve(ctx, h)
}

// AppendEvent records a session history event.
func (e *Engine) AppendEvent(ctx context.Context, p store.AppendEventParams) (*model.Event, error) {
	return e.store.AppendEvent(ctx, p)
}

// Events lists a session's history.
func (e *Engine) Events(ctx context.Context, sessionID string) ([]model.Event, error) {
	return e.store.Events(ctx, sessionID)
}

// Sessions lists the sessions with recorded history.
func (e *Engine) Sessions(ctx context.Context) ([]string, error) {
	return e.store.Sessions(ctx)
}

// TriggerCompaction compacts a session on demand. An empty method uses
// the configured one.
func (e *Engine) TriggerCompaction(ctx context.Context, sessionID string, method model.CompactionMethod, force bool) (*model.CompactionResult, error) {
	return e.current().compactor.Trigger(ctx, sessionID, method, force)
}

// GetLineage returns a session's compilation and handoff records.
func (e *Engine) GetLineage(ctx context.Context, sessionID string) ([]model.LineageEntry, error) {
	return e.lineage.Lineage(ctx, sessionID)
}

// GetCompilation returns one compilation record.
func (e *Engine) GetCompilation(ctx context.Context, sessionID, compilationID string) (*model.ContextCompilation, error) {
	return e.lineage.Compilation(ctx, sessionID, compilationID)
}

// LineageSessions lists the sessions with lineage.
func (e *Engine) LineageSessions() ([]string, error) {
	return e.lineage.Sessions()
}

// RecordCacheUsage accounts for the cache metrics a provider call reported.
func (e *Engine) RecordCacheUsage(agentID, cacheKey string, m prefixcache.CacheMetrics) prefixcache.Savings {
	return e.current().planner.RecordUsage(agentID, cacheKey, m)
}
