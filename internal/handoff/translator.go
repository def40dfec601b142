// Package handoff reduces the context passed from one agent to the next
// according to governance rules.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcliao/agent-context/internal/llm"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/tokenizer"
)

// Translation strategies, reported only when they changed the output.
const (
	StrategyExtraction    = "field_extraction"
	StrategyFiltering     = "field_filtering"
	StrategySummarization = "summarization"
)

// Translation is the result of translating one agent's output.
type Translation struct {
	Output     model.Value
	Strategies []string
	Removed    []string
}

// Translator applies field extraction, blocked-field filtering and optional
// summarization to a single prior output.
type Translator struct {
	counter tokenizer.Counter
	llm     llm.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewTranslator creates a translator. client may be nil, which disables
// summarization.
func NewTranslator(counter tokenizer.Counter, client llm.Client, timeout time.Duration, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{counter: counter, llm: client, timeout: timeout, logger: logger}
}

// Translate applies cfg to output. Non-map outputs pass through unchanged.
func (t *Translator) Translate(ctx context.Context, agentID string, output model.Value, cfg *model.TranslationConfig) (Translation, error) {
	res := Translation{Output: output}
	if cfg == nil || output.Kind() != model.KindMap {
		return res, nil
	}

	before := output.Keys()
	v := output
	if len(cfg.ExtractFields) > 0 {
		v = v.Pick(cfg.ExtractFields)
		if v.Len() != output.Len() {
			res.Strategies = append(res.Strategies, StrategyExtraction)
		}
	}
	if len(cfg.BlockedFields) > 0 {
		n := v.Len()
		v = v.Omit(cfg.BlockedFields)
		if v.Len() != n {
			res.Strategies = append(res.Strategies, StrategyFiltering)
		}
	}
	res.Removed = missing(before, v)

	if cfg.Summarize && t.llm != nil {
		summarized, changed, err := t.summarizeFields(ctx, agentID, v, cfg.SummarizeOverTokens)
		if err != nil {
			return Translation{Output: output}, err
		}
		if changed {
			v = summarized
			res.Strategies = append(res.Strategies, StrategySummarization)
		}
	}
	res.Output = v
	return res, nil
}

func (t *Translator) summarizeFields(ctx context.Context, agentID string, v model.Value, over int) (model.Value, bool, error) {
	changed := false
	for _, k := range v.Keys() {
		f, _ := v.Get(k)
		if f.Kind() != model.KindString || t.counter.CountText(f.Str()) <= over {
			continue
		}
		summary, err := t.summarize(ctx, agentID, k, f.Str())
		if err != nil {
			return v, false, fmt.Errorf("summarize %s.%s: %w", agentID, k, err)
		}
		v = v.With(k, model.String(summary))
		changed = true
	}
	return v, changed, nil
}

func (t *Translator) summarize(ctx context.Context, agentID, field, text string) (string, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	resp, err := t.llm.Invoke(ctx, []model.Message{
		{Role: "system", Content: "Summarize the following agent output field for a downstream agent. Keep every number, identifier and decision. Reply with the summary only."},
		{Role: "user", Content: fmt.Sprintf("agent: %s\nfield: %s\n\n%s", agentID, field, text)},
	}, llm.Params{MaxTokens: 256})
	if err != nil {
		return "", err
	}
	t.logger.Debug("summarized handoff field", "agent_id", agentID, "field", field,
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)
	return resp.Content, nil
}

// missing returns the keys of before that are absent from v.
func missing(before []string, v model.Value) []string {
	var out []string
	for _, k := range before {
		if _, ok := v.Get(k); !ok {
			out = append(out, k)
		}
	}
	return out
}
