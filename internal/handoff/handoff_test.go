package handoff

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-context/internal/governance"
	"github.com/rcliao/agent-context/internal/llm"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/tokenizer"
)

type memRecorder struct {
	mu     sync.Mutex
	events []model.HandoffEvent
}

func (r *memRecorder) RecordHandoff(_ context.Context, ev model.HandoffEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func fraudOutput() model.Value {
	return model.Map(map[string]model.Value{
		"fraud_score": model.Number(0.87),
		"risk_level":  model.String("high"),
		"ssn":         model.String("123-45-6789"),
		"notes":       model.String(strings.Repeat("long investigation notes ", 20)),
		"status":      model.String("complete"),
	})
}

func newScoper(t *testing.T, enabled bool, rules []model.HandoffRule, tr *Translator) (*Scoper, *memRecorder) {
	t.Helper()
	e, err := governance.NewEngine(rules)
	require.NoError(t, err)
	rec := &memRecorder{}
	return NewScoper(Options{
		Enabled:       enabled,
		Rules:         e,
		Translator:    tr,
		Counter:       tokenizer.NewHeuristic(),
		MinimalFields: []string{"status", "outcome"},
		Recorder:      rec,
	}), rec
}

func request() Request {
	return Request{
		SessionID:     "s1",
		FromAgentID:   "fraud_agent",
		ToAgentID:     "recommendation_agent",
		OriginalInput: model.String("claim 42"),
		PriorOutputs: map[string]model.Value{
			"fraud_agent": fraudOutput(),
			"intake":      model.String("plain text output"),
		},
		Observations: []model.Value{model.String("obs")},
	}
}

func TestScopedModeBlockedWins(t *testing.T) {
	s, rec := newScoper(t, true, []model.HandoffRule{
		{RuleID: "default", FromAgentID: "*", ToAgentID: "*", Mode: model.HandoffFull},
		{
			RuleID: "fraud", FromAgentID: "fraud_agent", ToAgentID: "recommendation_agent",
			Mode:          model.HandoffScoped,
			AllowedFields: []string{"fraud_score", "risk_level", "ssn"},
			BlockedFields: []string{"ssn"},
		},
	}, nil)

	out := s.Scope(context.Background(), request())

	assert.Equal(t, model.HandoffScoped, out.Mode)
	assert.Equal(t, "fraud", out.RuleID)
	assert.True(t, out.Applied)
	assert.Equal(t, []string{"fraud_score", "risk_level"}, out.PriorOutputs["fraud_agent"].Keys())
	assert.Equal(t, "plain text output", out.PriorOutputs["intake"].Str(), "non-map outputs pass through")
	assert.Equal(t, []string{"notes", "ssn", "status"}, out.FieldsFiltered)
	assert.Len(t, out.Observations, 1)

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, 6, ev.FieldsBefore)
	assert.Equal(t, 3, ev.FieldsAfter)
	assert.Greater(t, ev.TokensSavedPercentage, 0.0)
	assert.InDelta(t, float64(ev.TokensBefore-ev.TokensAfter)/float64(ev.TokensBefore)*100, ev.TokensSavedPercentage, 1e-9)
}

func TestMinimalModeUsesConfiguredFields(t *testing.T) {
	s, _ := newScoper(t, true, []model.HandoffRule{
		{RuleID: "min", FromAgentID: "*", ToAgentID: "*", Mode: model.HandoffMinimal},
		{RuleID: "min-custom", FromAgentID: "fraud_agent", ToAgentID: "*", Mode: model.HandoffMinimal, MinimalFields: []string{"risk_level"}},
	}, nil)

	out := s.Scope(context.Background(), request())
	assert.Equal(t, []string{"risk_level"}, out.PriorOutputs["fraud_agent"].Keys())
	assert.Empty(t, out.Observations)

	req := request()
	req.FromAgentID = "other"
	out = s.Scope(context.Background(), req)
	assert.Equal(t, []string{"status"}, out.PriorOutputs["fraud_agent"].Keys())
}

func TestFullModeAndNoRule(t *testing.T) {
	s, rec := newScoper(t, true, []model.HandoffRule{
		{RuleID: "only", FromAgentID: "x", ToAgentID: "y", Mode: model.HandoffScoped},
	}, nil)
	req := request()
	out := s.Scope(context.Background(), req)
	assert.Equal(t, model.HandoffFull, out.Mode)
	assert.True(t, out.PriorOutputs["fraud_agent"].Equal(req.PriorOutputs["fraud_agent"]))
	require.Len(t, rec.events, 1)
	assert.Equal(t, 0.0, rec.events[0].TokensSavedPercentage)
}

func TestDisabledFlagReturnsInputUnchanged(t *testing.T) {
	s, rec := newScoper(t, false, []model.HandoffRule{
		{RuleID: "min", FromAgentID: "*", ToAgentID: "*", Mode: model.HandoffMinimal},
	}, nil)
	req := request()
	out := s.Scope(context.Background(), req)

	assert.Equal(t, model.HandoffFull, out.Mode)
	assert.Len(t, out.PriorOutputs, 2)
	assert.True(t, out.PriorOutputs["fraud_agent"].Equal(fraudOutput()))
	assert.Empty(t, rec.events, "disabled scoping records nothing")
}

func TestTranslatorStrategies(t *testing.T) {
	calls := 0
	client := llm.ClientFunc(func(ctx context.Context, msgs []model.Message, p llm.Params) (*llm.Response, error) {
		calls++
		return &llm.Response{Content: "summary"}, nil
	})
	tr := NewTranslator(tokenizer.NewHeuristic(), client, time.Second, nil)

	res, err := tr.Translate(context.Background(), "fraud_agent", fraudOutput(), &model.TranslationConfig{
		ExtractFields:       []string{"fraud_score", "notes", "ssn"},
		BlockedFields:       []string{"ssn"},
		Summarize:           true,
		SummarizeOverTokens: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{StrategyExtraction, StrategyFiltering, StrategySummarization}, res.Strategies)
	assert.Equal(t, []string{"fraud_score", "notes"}, res.Output.Keys())
	notes, _ := res.Output.Get("notes")
	assert.Equal(t, "summary", notes.Str())
	assert.Equal(t, 1, calls)

	// Strategies that change nothing are not reported.
	res, err = tr.Translate(context.Background(), "a", fraudOutput(), &model.TranslationConfig{BlockedFields: []string{"absent"}})
	require.NoError(t, err)
	assert.Empty(t, res.Strategies)
}

func TestTranslationFailureFallsBackToOriginal(t *testing.T) {
	client := llm.ClientFunc(func(ctx context.Context, msgs []model.Message, p llm.Params) (*llm.Response, error) {
		return nil, errors.New("provider down")
	})
	tr := NewTranslator(tokenizer.NewHeuristic(), client, time.Second, nil)
	s, rec := newScoper(t, true, []model.HandoffRule{{
		RuleID: "sum", FromAgentID: "*", ToAgentID: "*", Mode: model.HandoffScoped,
		BlockedFields: []string{"ssn"},
		Translation:   &model.TranslationConfig{Summarize: true, SummarizeOverTokens: 10},
	}}, tr)

	req := request()
	out := s.Scope(context.Background(), req)

	assert.Equal(t, model.HandoffFull, out.Mode)
	assert.False(t, out.Applied, "fallback context is not a scoped handoff")
	_, hasSSN := out.PriorOutputs["fraud_agent"].Get("ssn")
	assert.True(t, hasSSN, "original context is returned on failure")
	require.Len(t, rec.events, 1)
	assert.Contains(t, rec.events[0].Error, "provider down")
}

func TestScopePanicIsRecovered(t *testing.T) {
	client := llm.ClientFunc(func(ctx context.Context, msgs []model.Message, p llm.Params) (*llm.Response, error) {
		panic("unexpected")
	})
	tr := NewTranslator(tokenizer.NewHeuristic(), client, 0, nil)
	s, rec := newScoper(t, true, []model.HandoffRule{{
		RuleID: "sum", FromAgentID: "*", ToAgentID: "*", Mode: model.HandoffScoped,
		Translation: &model.TranslationConfig{Summarize: true, SummarizeOverTokens: 10},
	}}, tr)

	var out *model.ScopedContext
	require.NotPanics(t, func() { out = s.Scope(context.Background(), request()) })
	assert.Equal(t, model.HandoffFull, out.Mode)
	assert.False(t, out.Applied)
	require.Len(t, rec.events, 1)
	assert.Equal(t, "unexpected", rec.events[0].Error)
}

func TestAuditFlagTravelsWithTheEvent(t *testing.T) {
	rules, err := governance.NewEngine([]model.HandoffRule{
		{RuleID: "default", FromAgentID: "*", ToAgentID: "*", Mode: model.HandoffFull},
		{RuleID: "fraud", FromAgentID: "fraud_agent", ToAgentID: "recommendation_agent",
			Mode: model.HandoffScoped, BlockedFields: []string{"ssn"}, AuditEnabled: true},
	})
	require.NoError(t, err)

	var logs bytes.Buffer
	rec := &memRecorder{}
	s := NewScoper(Options{
		Enabled:  true,
		Rules:    rules,
		Counter:  tokenizer.NewHeuristic(),
		Recorder: rec,
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	})

	s.Scope(context.Background(), request())
	req := request()
	req.ToAgentID = "coverage_agent"
	s.Scope(context.Background(), req)

	require.Len(t, rec.events, 2)
	assert.True(t, rec.events[0].AuditEnabled)
	assert.False(t, rec.events[1].AuditEnabled)
	assert.Equal(t, 1, strings.Count(logs.String(), "handoff scoped"))
	assert.Contains(t, logs.String(), "rule_id=fraud")
}

func TestNoMatchingRuleIsNotApplied(t *testing.T) {
	s, rec := newScoper(t, true, []model.HandoffRule{
		{RuleID: "only", FromAgentID: "a", ToAgentID: "b", Mode: model.HandoffMinimal},
	}, nil)
	out := s.Scope(context.Background(), request())
	assert.False(t, out.Applied)
	assert.Empty(t, out.RuleID)
	require.Len(t, rec.events, 1)
	assert.Empty(t, rec.events[0].Error)
}
