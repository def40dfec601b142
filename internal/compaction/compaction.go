// Package compaction reduces oversized session histories by rule-based
// filtering or LLM summarization.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rcliao/agent-context/internal/chunker"
	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/llm"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/tokenizer"
)

// SummaryAgentID marks synthetic summary events.
const SummaryAgentID = "compaction"

// summaryChunkTokens bounds each transcript piece sent for summarization.
const summaryChunkTokens = 2000

// Engine compacts session histories held in an EventStore.
type Engine struct {
	events  store.EventStore
	cfg     config.CompactionConfig
	counter tokenizer.Counter
	llm     llm.Client
	clock   model.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Options wires an Engine.
type Options struct {
	Events  store.EventStore
	Config  config.CompactionConfig
	Counter tokenizer.Counter
	// LLM may be nil; llm_based compaction then falls back to rule_based.
	LLM     llm.Client
	Clock   model.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(o Options) *Engine {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = model.SystemClock{}
	}
	if o.Counter == nil {
		o.Counter = tokenizer.NewHeuristic()
	}
	return &Engine{
		events:  o.Events,
		cfg:     o.Config,
		counter: o.Counter,
		llm:     o.LLM,
		clock:   o.Clock,
		metrics: o.Metrics,
		logger:  o.Logger,
	}
}

// Tokens returns the token total of a history.
func (e *Engine) Tokens(events []model.Event) int {
	n := 0
	for _, ev := range events {
		n += e.counter.Count(ev.Content)
	}
	return n
}

// ThresholdMet applies the trigger strategy. Under "both", either
// threshold trips compaction.
func (e *Engine) ThresholdMet(tokens, count int) bool {
	overTokens := tokens >= e.cfg.TokenThreshold
	overEvents := count >= e.cfg.EventCountThreshold
	switch e.cfg.TriggerStrategy {
	case config.TriggerTokens:
		return overTokens
	case config.TriggerEvents:
		return overEvents
	default:
		return overTokens || overEvents
	}
}

// MaybeCompact compacts a session when enabled and a threshold is met. It
// returns nil when nothing was attempted.
func (e *Engine) MaybeCompact(ctx context.Context, sessionID string) (*model.CompactionResult, error) {
	if !e.cfg.Enabled {
		return nil, nil
	}
	res, err := e.Trigger(ctx, sessionID, "", false)
	if errors.Is(err, model.ErrThresholdNotMet) || errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return res, err
}

// Trigger compacts a session's history. With force=false a session below
// its thresholds is rejected with model.ErrThresholdNotMet. An empty
// method uses the configured one. A failed summarization falls back to
// rule-based; if the history cannot be replaced it is left untouched.
func (e *Engine) Trigger(ctx context.Context, sessionID string, method model.CompactionMethod, force bool) (*model.CompactionResult, error) {
	if method == "" {
		method = e.cfg.Method
	}
	if method != model.CompactionRuleBased && method != model.CompactionLLMBased {
		return nil, model.Validationf("unknown compaction method %q", method)
	}

	before, err := e.events.Events(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if len(before) == 0 {
		return nil, model.NotFoundf("session %s", sessionID)
	}

	res := &model.CompactionResult{
		SessionID:         sessionID,
		EventsBeforeCount: len(before),
		TokensBefore:      e.Tokens(before),
		Method:            method,
	}
	if !force && !e.ThresholdMet(res.TokensBefore, len(before)) {
		return nil, fmt.Errorf("%w: session %s has %d tokens and %d events (thresholds %d, %d, strategy %s)",
			model.ErrThresholdNotMet, sessionID, res.TokensBefore, len(before),
			e.cfg.TokenThreshold, e.cfg.EventCountThreshold, e.cfg.TriggerStrategy)
	}

	var after []model.Event
	if method == model.CompactionLLMBased {
		after, err = e.summarize(ctx, before)
		if err != nil {
			e.logger.Warn("summarization failed, falling back to rule-based compaction",
				"session_id", sessionID, "error", err)
			res.Method = model.CompactionRuleBased
			res.FellBack = true
			after = nil
		}
	}
	if after == nil {
		after = RuleBased(before, e.cfg, e.clock.Now())
	}

	res.EventsAfterCount = len(after)
	res.TokensAfter = e.Tokens(after)
	if res.TokensBefore > 0 {
		res.CompressionRatio = float64(res.TokensBefore-res.TokensAfter) / float64(res.TokensBefore)
	}

	if !changed(before, after) {
		res.EventsAfterCount, res.TokensAfter, res.CompressionRatio = len(before), res.TokensBefore, 0
		e.metrics.ObserveCompaction(string(res.Method), "noop")
		return res, nil
	}
	if err := e.events.ReplaceEvents(ctx, sessionID, after); err != nil {
		e.metrics.ObserveCompaction(string(res.Method), "error")
		return nil, fmt.Errorf("replace session %s history: %w", sessionID, err)
	}
	res.Applied = true
	e.metrics.ObserveCompaction(string(res.Method), "applied")
	e.logger.Info("compacted session", "session_id", sessionID, "method", res.Method,
		"events_before", res.EventsBeforeCount, "events_after", res.EventsAfterCount,
		"tokens_before", res.TokensBefore, "tokens_after", res.TokensAfter)
	return res, nil
}

// WindowSize is the number of most recent events kept verbatim: the
// sliding window plus its overlap, rounded up.
func WindowSize(cfg config.CompactionConfig) int {
	n := cfg.SlidingWindowSize
	return n + (n*cfg.OverlapPercentage+99)/100
}

// RuleBased is the deterministic compaction: the recent window is kept
// verbatim; older events are dropped, except critical events when
// configured and the latest summary. Older events inside the retention
// window are also kept when a retention window is set.
func RuleBased(events []model.Event, cfg config.CompactionConfig, now time.Time) []model.Event {
	older, recent := split(events, WindowSize(cfg))
	if len(older) == 0 {
		return events
	}

	lastSummary := -1
	for i, ev := range older {
		if ev.Kind == model.EventSummary {
			lastSummary = i
		}
	}
	var cutoff time.Time
	if cfg.RetentionWindow > 0 {
		cutoff = now.Add(-cfg.RetentionWindow)
	}

	out := make([]model.Event, 0, len(events))
	for i, ev := range older {
		keep := i == lastSummary ||
			(cfg.PreserveCriticalEvents && ev.Critical) ||
			(!cutoff.IsZero() && !ev.CreatedAt.Before(cutoff))
		if keep {
			out = append(out, ev)
		}
	}
	return append(out, recent...)
}

// summarize replaces the older portion of history with one summary event.
// Critical events bypass summarization and follow the summary in their
// original order; the recent window is kept verbatim.
func (e *Engine) summarize(ctx context.Context, events []model.Event) ([]model.Event, error) {
	if e.llm == nil {
		return nil, errors.New("no summarization client configured")
	}
	older, recent := split(events, WindowSize(e.cfg))

	var critical, toSummarize []model.Event
	for _, ev := range older {
		if e.cfg.PreserveCriticalEvents && ev.Critical {
			critical = append(critical, ev)
		} else {
			toSummarize = append(toSummarize, ev)
		}
	}
	if len(toSummarize) == 0 {
		return events, nil
	}

	if e.cfg.SummarizationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SummarizationTimeout)
		defer cancel()
	}

	chunks := chunker.Split(transcript(toSummarize), chunker.TokenOptions(summaryChunkTokens, e.counter.CountText))
	partials := make([]string, 0, len(chunks))
	for _, c := range chunks {
		s, err := e.invoke(ctx, summarizePrompt, c.Text)
		if err != nil {
			return nil, err
		}
		partials = append(partials, s)
	}
	summary := strings.Join(partials, "\n\n")
	if len(partials) > 1 {
		var err error
		summary, err = e.invoke(ctx, combinePrompt, summary)
		if err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(summary) == "" {
		return nil, errors.New("summarization returned empty content")
	}

	last := toSummarize[len(toSummarize)-1]
	out := make([]model.Event, 0, 1+len(critical)+len(recent))
	out = append(out, model.Event{
		Kind:      model.EventSummary,
		AgentID:   SummaryAgentID,
		Content:   model.String(summary),
		CreatedAt: last.CreatedAt,
	})
	out = append(out, critical...)
	return append(out, recent...), nil
}

const (
	summarizePrompt = "You compact an agent session history. Summarize the events below so a later agent can continue the task. Keep decisions, numbers, identifiers and unresolved questions. Reply with the summary only."
	combinePrompt   = "Merge these partial summaries of one agent session into a single summary. Keep decisions, numbers, identifiers and unresolved questions. Reply with the summary only."
)

func (e *Engine) invoke(ctx context.Context, system, text string) (string, error) {
	resp, err := e.llm.Invoke(ctx, []model.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	}, llm.Params{MaxTokens: 1024})
	if err != nil {
		return "", fmt.Errorf("summarization call: %w", err)
	}
	return resp.Content, nil
}

func transcript(events []model.Event) string {
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "[%d] %s", ev.Seq, ev.Kind)
		if ev.AgentID != "" {
			fmt.Fprintf(&b, " (%s)", ev.AgentID)
		}
		b.WriteString(": ")
		b.WriteString(ev.Content.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func split(events []model.Event, window int) (older, recent []model.Event) {
	if len(events) <= window {
		return nil, events
	}
	cut := len(events) - window
	return events[:cut], events[cut:]
}

func changed(before, after []model.Event) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			return true
		}
	}
	return false
}
