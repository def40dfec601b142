package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rcliao/agent-context/internal/governance"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/tokenizer"
)

// Recorder persists handoff events to the session lineage.
type Recorder interface {
	RecordHandoff(ctx context.Context, ev model.HandoffEvent) error
}

// Request is the context accumulated before control passes to ToAgentID.
type Request struct {
	SessionID     string
	FromAgentID   string
	ToAgentID     string
	OriginalInput model.Value
	PriorOutputs  map[string]model.Value
	Observations  []model.Value
	Metadata      map[string]model.Value
}

// Scoper applies the resolved governance rule to a handoff.
type Scoper struct {
	enabled       bool
	rules         *governance.Engine
	translator    *Translator
	counter       tokenizer.Counter
	minimalFields []string
	recorder      Recorder
	metrics       *metrics.Metrics
	clock         model.Clock
	logger        *slog.Logger
}

// Options wires a Scoper.
type Options struct {
	// Enabled is the system-wide handoff feature flag.
	Enabled bool
	Rules   *governance.Engine
	// Translator may be nil; translation configs are then ignored.
	Translator *Translator
	Counter    tokenizer.Counter
	// MinimalFields is used by minimal-mode rules that name no fields.
	MinimalFields []string
	Recorder      Recorder
	Metrics       *metrics.Metrics
	Clock         model.Clock
	Logger        *slog.Logger
}

// NewScoper creates a scoper.
func NewScoper(o Options) *Scoper {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = model.SystemClock{}
	}
	if o.Counter == nil {
		o.Counter = tokenizer.NewHeuristic()
	}
	return &Scoper{
		enabled:       o.Enabled,
		rules:         o.Rules,
		translator:    o.Translator,
		counter:       o.Counter,
		minimalFields: o.MinimalFields,
		recorder:      o.Recorder,
		metrics:       o.Metrics,
		clock:         o.Clock,
		logger:        o.Logger,
	}
}

// Enabled reports the feature flag.
func (s *Scoper) Enabled() bool { return s.enabled }

// Scope reduces req for its target agent. It never fails: any error, or
// panic, during scoping yields the original context in full mode.
func (s *Scoper) Scope(ctx context.Context, req Request) (out *model.ScopedContext) {
	original := unscoped(req)
	if !s.enabled {
		return original
	}

	ev := model.HandoffEvent{
		EventID:     model.NewID(s.clock.Now()),
		SessionID:   req.SessionID,
		FromAgentID: req.FromAgentID,
		ToAgentID:   req.ToAgentID,
		Mode:        model.HandoffFull,
		Timestamp:   s.clock.Now(),
	}
	ev.FieldsBefore = countFields(req.PriorOutputs)
	ev.TokensBefore = s.tokens(req.PriorOutputs, req.Observations)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handoff scoping panicked, passing full context",
				"session_id", req.SessionID, "from", req.FromAgentID, "to", req.ToAgentID, "panic", r)
			ev.Error = fmt.Sprint(r)
			out = original
		}
		s.finish(ctx, &ev, out)
	}()

	scoped, err := s.scope(ctx, req, &ev)
	if err != nil {
		s.logger.Warn("handoff scoping failed, passing full context",
			"session_id", req.SessionID, "from", req.FromAgentID, "to", req.ToAgentID, "error", err)
		ev.Error = err.Error()
		return original
	}
	return scoped
}

func (s *Scoper) scope(ctx context.Context, req Request, ev *model.HandoffEvent) (*model.ScopedContext, error) {
	var rule model.HandoffRule
	ok := false
	if s.rules != nil {
		rule, ok = s.rules.Resolve(req.FromAgentID, req.ToAgentID)
	}
	if !ok {
		return unscoped(req), nil
	}
	ev.RuleID = rule.RuleID
	ev.Mode = rule.Mode
	ev.AuditEnabled = rule.AuditEnabled

	out := &model.ScopedContext{
		OriginalInput: req.OriginalInput,
		PriorOutputs:  make(map[string]model.Value, len(req.PriorOutputs)),
		Observations:  req.Observations,
		Metadata:      req.Metadata,
		Mode:          rule.Mode,
		RuleID:        rule.RuleID,
		Applied:       true,
	}
	filtered := map[string]bool{}

	switch rule.Mode {
	case model.HandoffFull:
		for id, v := range req.PriorOutputs {
			out.PriorOutputs[id] = v
		}
		return out, nil

	case model.HandoffScoped:
		for id, v := range req.PriorOutputs {
			out.PriorOutputs[id] = restrict(v, rule.AllowedFields, rule.BlockedFields, filtered)
		}

	case model.HandoffMinimal:
		fields := rule.MinimalFields
		if len(fields) == 0 {
			fields = s.minimalFields
		}
		for id, v := range req.PriorOutputs {
			out.PriorOutputs[id] = restrict(v, fields, rule.BlockedFields, filtered)
		}
		out.Observations = nil

	default:
		return nil, fmt.Errorf("rule %s: unknown handoff mode %q", rule.RuleID, rule.Mode)
	}

	if rule.Translation != nil && s.translator != nil {
		strategies := map[string]bool{}
		for _, id := range sortedKeys(out.PriorOutputs) {
			tr, err := s.translator.Translate(ctx, id, out.PriorOutputs[id], rule.Translation)
			if err != nil {
				return nil, err
			}
			out.PriorOutputs[id] = tr.Output
			for _, st := range tr.Strategies {
				strategies[st] = true
			}
			for _, f := range tr.Removed {
				filtered[f] = true
			}
		}
		ev.StrategiesApplied = sortedKeys(strategies)
		out.TranslationApplied = len(strategies) > 0
	}

	out.FieldsFiltered = sortedKeys(filtered)
	return out, nil
}

func (s *Scoper) finish(ctx context.Context, ev *model.HandoffEvent, out *model.ScopedContext) {
	if out != nil {
		ev.FieldsAfter = countFields(out.PriorOutputs)
		ev.TokensAfter = s.tokens(out.PriorOutputs, out.Observations)
		if ev.Error == "" {
			ev.FieldsFiltered = out.FieldsFiltered
		}
	}
	if ev.TokensBefore > 0 {
		ev.TokensSavedPercentage = float64(ev.TokensBefore-ev.TokensAfter) / float64(ev.TokensBefore) * 100
	}
	s.metrics.ObserveHandoff(string(ev.Mode), ev.TokensBefore-ev.TokensAfter)

	if ev.AuditEnabled {
		s.logger.Info("handoff scoped",
			"session_id", ev.SessionID, "from", ev.FromAgentID, "to", ev.ToAgentID,
			"rule_id", ev.RuleID, "mode", ev.Mode, "fields_filtered", ev.FieldsFiltered,
			"tokens_saved_pct", ev.TokensSavedPercentage)
	}
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordHandoff(ctx, *ev); err != nil {
		s.logger.Warn("record handoff event failed", "session_id", ev.SessionID, "error", err)
	}
}

func (s *Scoper) tokens(outputs map[string]model.Value, observations []model.Value) int {
	return tokenizer.CountPriorOutputs(s.counter, outputs) + tokenizer.CountValues(s.counter, observations)
}

// restrict keeps allowed fields (all when allowed is empty) and then drops
// blocked ones, so blocked always wins. Non-map values pass through.
func restrict(v model.Value, allowed, blocked []string, filtered map[string]bool) model.Value {
	if v.Kind() != model.KindMap {
		return v
	}
	out := v
	if len(allowed) > 0 {
		out = out.Pick(allowed)
	}
	if len(blocked) > 0 {
		out = out.Omit(blocked)
	}
	for _, k := range missing(v.Keys(), out) {
		filtered[k] = true
	}
	return out
}

func unscoped(req Request) *model.ScopedContext {
	return &model.ScopedContext{
		OriginalInput: req.OriginalInput,
		PriorOutputs:  req.PriorOutputs,
		Observations:  req.Observations,
		Metadata:      req.Metadata,
		Mode:          model.HandoffFull,
	}
}

func countFields(outputs map[string]model.Value) int {
	n := 0
	for _, v := range outputs {
		if v.Kind() == model.KindMap {
			n += v.Len()
		} else {
			n++
		}
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
