package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcliao/agent-context/internal/budget"
	"github.com/rcliao/agent-context/internal/compaction"
	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/handoff"
	"github.com/rcliao/agent-context/internal/lineage"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/prefixcache"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/tokenizer"
)

// LineageWriter persists compilation records.
type LineageWriter interface {
	RecordCompilation(ctx context.Context, c model.ContextCompilation) error
}

// Request asks for the context of one agent invocation. Nil inputs are
// loaded from the session's stored history.
type Request struct {
	SessionID     string
	AgentID       string
	FromAgentID   string
	System        string
	OriginalInput *model.Value
	PriorOutputs  map[string]model.Value
	Observations  []model.Value
	Metadata      map[string]model.Value
}

// Output is a compiled context with its lineage record.
type Output struct {
	Context     *model.CompiledContext   `json:"context"`
	Compilation model.ContextCompilation `json:"compilation"`
}

// Options wires a compiler. Config and Counter are required; any store
// left nil disables the stages that need it.
type Options struct {
	Config    *config.Config
	Counter   tokenizer.Counter
	Memories  store.MemoryStore
	Artifacts store.ArtifactStore
	Events    store.EventStore
	Compactor *compaction.Engine
	Scoper    *handoff.Scoper
	Planner   *prefixcache.Planner
	Lineage   LineageWriter
	Metrics   *metrics.Metrics
	Clock     model.Clock
	Logger    *slog.Logger
}

// Compiler runs the processor pipeline for one config snapshot.
type Compiler struct {
	cfg        *config.Config
	counter    tokenizer.Counter
	events     store.EventStore
	scoper     *handoff.Scoper
	lineage    LineageWriter
	metrics    *metrics.Metrics
	clock      model.Clock
	logger     *slog.Logger
	processors []Processor
}

// New builds the processor chain from o.Config.
func New(o Options) *Compiler {
	if o.Clock == nil {
		o.Clock = model.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	c := &Compiler{
		cfg:     o.Config,
		counter: o.Counter,
		events:  o.Events,
		scoper:  o.Scoper,
		lineage: o.Lineage,
		metrics: o.Metrics,
		clock:   o.Clock,
		logger:  o.Logger,
	}
	for _, pc := range ordered(o.Config) {
		if p := build(pc.ID, o); p != nil {
			c.processors = append(c.processors, p)
		}
	}
	return c
}

func build(id string, o Options) Processor {
	switch id {
	case config.ProcessorContentFilter:
		return newContentFilter(o.Config.Pipeline.FilterBlockedKeys)
	case config.ProcessorCompactionChecker:
		return &compactionChecker{compactor: o.Compactor, events: o.Events}
	case config.ProcessorMemoryRetriever:
		return &memoryRetriever{memories: o.Memories, cfg: o.Config, counter: o.Counter, metrics: o.Metrics}
	case config.ProcessorArtifactExternalizer:
		return &artifactExternalizer{
			artifacts:      o.Artifacts,
			thresholdBytes: o.Config.Artifacts.AutoExternalizeThresholdKB * 1024,
			metrics:        o.Metrics,
		}
	case config.ProcessorTransformer:
		return transformer{}
	case config.ProcessorTokenBudgetEnforcer:
		return &budgetEnforcer{enforcer: budget.New(o.Counter, o.Logger), cfg: o.Config}
	case config.ProcessorInjector:
		return &injector{planner: o.Planner}
	}
	return nil
}

// Processors returns the ids of the stages that will run, in order.
func (c *Compiler) Processors() []string {
	ids := make([]string, len(c.processors))
	for i, p := range c.processors {
		ids[i] = p.ID()
	}
	return ids
}

// Use replaces the processor chain. Tests use it to inject stages.
func (c *Compiler) Use(ps ...Processor) { c.processors = ps }

// Compile produces the context for req.AgentID. A lineage record is
// written for every compilation that gets past input validation,
// including failed ones.
func (c *Compiler) Compile(ctx context.Context, req Request) (*Output, error) {
	if req.AgentID == "" {
		return nil, model.Validationf("agent_id is required")
	}
	if err := lineage.ValidateSessionID(req.SessionID); err != nil {
		return nil, err
	}

	start := c.clock.Now()
	cc, err := c.load(ctx, req)
	if err != nil {
		return nil, err
	}

	rec := model.ContextCompilation{
		CompilationID: model.NewID(start),
		SessionID:     req.SessionID,
		AgentID:       req.AgentID,
		FromAgentID:   req.FromAgentID,
		Timestamp:     start.UTC(),
	}

	if !c.cfg.Enabled {
		return c.passThrough(ctx, cc, rec)
	}

	if req.FromAgentID != "" && len(cc.PriorOutputs) > 0 && c.scoper != nil && c.scoper.Enabled() {
		scoped := c.scoper.Scope(ctx, handoff.Request{
			SessionID:     req.SessionID,
			FromAgentID:   req.FromAgentID,
			ToAgentID:     req.AgentID,
			OriginalInput: cc.OriginalInput,
			PriorOutputs:  cc.PriorOutputs,
			Observations:  cc.Observations,
			Metadata:      cc.Metadata,
		})
		cc.OriginalInput = scoped.OriginalInput
		cc.PriorOutputs = scoped.PriorOutputs
		cc.Observations = scoped.Observations
		rec.HandoffApplied = scoped.Applied
	}

	rec.ComponentsBefore = tokenizer.SectionCounts(c.counter, cc)
	rec.TokensBefore = tokenizer.Total(rec.ComponentsBefore)
	rec.ProcessorsExecuted = make([]model.ProcessorResult, 0, len(c.processors))

	for _, p := range c.processors {
		t0 := time.Now()
		next, mods, err := runWithTimeout(ctx, c.cfg.Pipeline.ProcessorTimeout, p, cc)
		res := model.ProcessorResult{
			ProcessorID:   p.ID(),
			ExecutionTime: time.Since(t0),
			Success:       err == nil,
			Modifications: mods,
		}
		if err != nil {
			res.Error = err.Error()
		}
		rec.ProcessorsExecuted = append(rec.ProcessorsExecuted, res)
		c.metrics.ObserveProcessor(p.ID(), status(err), res.ExecutionTime)

		if err == nil {
			cc = next
			continue
		}
		if IsRequired(p.ID()) {
			c.logger.Error("required processor failed", "session_id", req.SessionID, "agent_id", req.AgentID,
				"processor", p.ID(), "error", err)
			rec.Error = err.Error()
			c.finish(&rec, cc)
			c.record(ctx, rec)
			c.metrics.ObserveCompilation("failed", c.clock.Now().Sub(start), rec.BudgetUtilizationPercent)
			return nil, &model.ProcessorError{ProcessorID: p.ID(), Err: err}
		}
		c.logger.Warn("processor failed, continuing", "session_id", req.SessionID, "agent_id", req.AgentID,
			"processor", p.ID(), "error", err)
	}

	c.finish(&rec, cc)
	if err := c.record(ctx, rec); err != nil {
		return nil, err
	}
	c.metrics.ObserveCompilation("ok", c.clock.Now().Sub(start), rec.BudgetUtilizationPercent)
	return &Output{Context: cc, Compilation: rec}, nil
}

// passThrough bundles the raw inputs into messages without running any
// stage.
func (c *Compiler) passThrough(ctx context.Context, cc *model.CompiledContext, rec model.ContextCompilation) (*Output, error) {
	cc.Messages = buildMessages(cc)
	rec.PassThrough = true
	rec.ProcessorsExecuted = []model.ProcessorResult{}
	rec.ComponentsBefore = tokenizer.SectionCounts(c.counter, cc)
	rec.TokensBefore = tokenizer.Total(rec.ComponentsBefore)
	c.finish(&rec, cc)
	if err := c.record(ctx, rec); err != nil {
		return nil, err
	}
	c.metrics.ObserveCompilation("pass_through", c.clock.Now().Sub(rec.Timestamp), 0)
	return &Output{Context: cc, Compilation: rec}, nil
}

func (c *Compiler) finish(rec *model.ContextCompilation, cc *model.CompiledContext) {
	rec.ComponentsAfter = tokenizer.SectionCounts(c.counter, cc)
	rec.TokensAfter = tokenizer.Total(rec.ComponentsAfter)
	rec.BudgetAllocation = cc.Audit.BudgetAllocation
	rec.BudgetUtilizationPercent = cc.Audit.BudgetUtilizationPercent
	rec.TruncationApplied = cc.Audit.TruncationApplied
	rec.CompactionApplied = cc.Audit.CompactionApplied
	rec.MemoriesRetrieved = cc.Audit.MemoriesRetrieved
	rec.ArtifactsResolved = cc.Audit.ArtifactsResolved
	if k, ok := cc.Metadata[prefixcache.MetaCacheKey]; ok {
		rec.CacheKey = k.Str()
	}
}

func (c *Compiler) record(ctx context.Context, rec model.ContextCompilation) error {
	if c.lineage == nil {
		return nil
	}
	// Lineage is written even when the caller has given up.
	if err := c.lineage.RecordCompilation(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Error("lineage write failed", "session_id", rec.SessionID, "compilation_id", rec.CompilationID, "error", err)
		return fmt.Errorf("record lineage: %w", err)
	}
	return nil
}

// load builds the raw context, filling any omitted input from the
// session's event history.
func (c *Compiler) load(ctx context.Context, req Request) (*model.CompiledContext, error) {
	cc := model.NewCompiledContext(req.SessionID, req.AgentID)
	cc.System = req.System
	for k, v := range req.Metadata {
		cc.Metadata[k] = v
	}

	needSession := req.OriginalInput == nil || req.PriorOutputs == nil || req.Observations == nil
	var (
		input    model.Value
		outputs  map[string]model.Value
		observed []model.Value
	)
	if needSession && c.events != nil {
		evs, err := c.events.Events(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", req.SessionID, err)
		}
		input, outputs, observed = fromEvents(evs)
	}

	if req.OriginalInput != nil {
		cc.OriginalInput = *req.OriginalInput
	} else {
		cc.OriginalInput = input
	}
	if req.PriorOutputs != nil {
		for k, v := range req.PriorOutputs {
			cc.PriorOutputs[k] = v
		}
	} else {
		for k, v := range outputs {
			cc.PriorOutputs[k] = v
		}
	}
	if req.Observations != nil {
		cc.Observations = append([]model.Value(nil), req.Observations...)
	} else {
		cc.Observations = observed
		cc.Audit.ObservationsFromSession = c.events != nil
	}
	return cc, nil
}

// fromEvents folds a session history into raw inputs: the first input
// event, the latest output per agent, and observations and summaries in
// order.
func fromEvents(evs []model.Event) (model.Value, map[string]model.Value, []model.Value) {
	var input model.Value
	outputs := map[string]model.Value{}
	var observed []model.Value
	for _, ev := range evs {
		switch ev.Kind {
		case model.EventInput:
			if input.IsNull() {
				input = ev.Content
			}
		case model.EventAgentOutput:
			if ev.AgentID != "" {
				outputs[ev.AgentID] = ev.Content
			}
		case model.EventObservation, model.EventSummary:
			observed = append(observed, ev.Content)
		}
	}
	return input, outputs, observed
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
