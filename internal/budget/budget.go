// Package budget fits a compiled context under its agent's token ceiling.
//
// The ceiling is split across original input, prior outputs and
// observations by percentage. Retrieved memories are charged to the
// observations share. The system prompt is not budgeted.
package budget

import (
	"log/slog"
	"sort"

	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/tokenizer"
)

// maxTrimRounds bounds the prior output trimming loop.
const maxTrimRounds = 64

// Enforcer truncates sections that exceed their share of the ceiling.
type Enforcer struct {
	counter tokenizer.Counter
	logger  *slog.Logger
}

// New creates an enforcer.
func New(counter tokenizer.Counter, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{counter: counter, logger: logger}
}

// Ceilings converts an allocation into per-section token limits.
func Ceilings(maxTokens int, a config.Allocation) model.BudgetAllocation {
	return model.BudgetAllocation{
		MaxTokens:           maxTokens,
		OriginalInputPct:    a.OriginalInput,
		PriorOutputsPct:     a.PriorOutputs,
		ObservationsPct:     a.Observations,
		OriginalInputTokens: maxTokens * a.OriginalInput / 100,
		PriorOutputsTokens:  maxTokens * a.PriorOutputs / 100,
		ObservationsTokens:  maxTokens * a.Observations / 100,
	}
}

// Enforce mutates cc in place and returns what it changed. When the
// budgeted total already fits, nothing is touched.
func (e *Enforcer) Enforce(cc *model.CompiledContext, maxTokens int, a config.Allocation) map[string]int {
	alloc := Ceilings(maxTokens, a)
	mods := map[string]int{}

	total := e.originalTokens(cc) + e.priorTokens(cc) + e.observationTokens(cc)
	if total > maxTokens {
		e.fitObservations(cc, alloc.ObservationsTokens, mods)
		e.fitPriorOutputs(cc, alloc.PriorOutputsTokens, mods)

		rest := e.priorTokens(cc) + e.observationTokens(cc)
		if e.originalTokens(cc)+rest > maxTokens {
			cc.OriginalInput = e.truncateValue(cc.OriginalInput, max(maxTokens-rest, 0))
			mods["original_input_truncated"] = 1
		}
		cc.Audit.TruncationApplied = len(mods) > 0
	}

	after := e.originalTokens(cc) + e.priorTokens(cc) + e.observationTokens(cc)
	cc.Audit.BudgetAllocation = &alloc
	if maxTokens > 0 {
		cc.Audit.BudgetUtilizationPercent = float64(after) / float64(maxTokens) * 100
	}
	if cc.Audit.TruncationApplied {
		e.logger.Debug("budget enforced", "agent_id", cc.AgentID, "max_tokens", maxTokens,
			"tokens_before", total, "tokens_after", after)
	}
	return mods
}

func (e *Enforcer) originalTokens(cc *model.CompiledContext) int {
	return e.counter.Count(cc.OriginalInput)
}

func (e *Enforcer) priorTokens(cc *model.CompiledContext) int {
	return tokenizer.CountPriorOutputs(e.counter, cc.PriorOutputs)
}

func (e *Enforcer) observationTokens(cc *model.CompiledContext) int {
	return tokenizer.CountValues(e.counter, cc.Observations) + tokenizer.CountMemories(e.counter, cc.Memories)
}

// fitObservations drops the oldest observations, then the lowest-scored
// memories. The newest observation is truncated rather than dropped.
func (e *Enforcer) fitObservations(cc *model.CompiledContext, ceiling int, mods map[string]int) {
	for e.observationTokens(cc) > ceiling && len(cc.Observations) > 1 {
		cc.Observations = cc.Observations[1:]
		mods["observations_dropped"]++
	}
	if e.observationTokens(cc) > ceiling && len(cc.Memories) > 0 {
		sort.SliceStable(cc.Memories, func(i, j int) bool {
			return cc.Memories[i].Score > cc.Memories[j].Score
		})
		for e.observationTokens(cc) > ceiling && len(cc.Memories) > 0 {
			cc.Memories = cc.Memories[:len(cc.Memories)-1]
			mods["memories_dropped"]++
		}
	}
	if n := e.observationTokens(cc); n > ceiling && len(cc.Observations) == 1 {
		last := cc.Observations[0]
		allowance := max(e.counter.Count(last)-(n-ceiling), 0)
		cc.Observations[0] = e.truncateValue(last, allowance)
		mods["observations_truncated"]++
	}
}

type leaf struct {
	agentID string
	field   string // empty for a string output
	tokens  int
}

// fitPriorOutputs shortens the largest string fields first. Outputs with
// no string fields left to cut are flattened to text and truncated.
func (e *Enforcer) fitPriorOutputs(cc *model.CompiledContext, ceiling int, mods map[string]int) {
	for round := 0; round < maxTrimRounds; round++ {
		n := e.priorTokens(cc)
		if n <= ceiling {
			return
		}
		l, ok := e.largestLeaf(cc)
		if !ok {
			break
		}
		keep := max(l.tokens-(n-ceiling), 0)
		out := cc.PriorOutputs[l.agentID]
		if l.field == "" {
			cc.PriorOutputs[l.agentID] = model.String(e.counter.TruncateText(out.Str(), keep))
		} else {
			f, _ := out.Get(l.field)
			cc.PriorOutputs[l.agentID] = out.With(l.field, model.String(e.counter.TruncateText(f.Str(), keep)))
		}
		mods["prior_output_fields_trimmed"]++
	}

	for _, id := range e.bySize(cc) {
		n := e.priorTokens(cc)
		if n <= ceiling {
			return
		}
		v := cc.PriorOutputs[id]
		cc.PriorOutputs[id] = e.truncateValue(v, max(e.counter.Count(v)-(n-ceiling), 0))
		mods["prior_outputs_flattened"]++
	}
}

func (e *Enforcer) largestLeaf(cc *model.CompiledContext) (leaf, bool) {
	var best leaf
	found := false
	consider := func(l leaf) {
		if l.tokens > 0 && (!found || l.tokens > best.tokens) {
			best, found = l, true
		}
	}
	for _, id := range cc.AgentIDs() {
		v := cc.PriorOutputs[id]
		switch v.Kind() {
		case model.KindString:
			consider(leaf{agentID: id, tokens: e.counter.CountText(v.Str())})
		case model.KindMap:
			for _, k := range v.Keys() {
				f, _ := v.Get(k)
				if f.Kind() == model.KindString {
					consider(leaf{agentID: id, field: k, tokens: e.counter.CountText(f.Str())})
				}
			}
		}
	}
	return best, found
}

func (e *Enforcer) bySize(cc *model.CompiledContext) []string {
	ids := cc.AgentIDs()
	sort.SliceStable(ids, func(i, j int) bool {
		return e.counter.Count(cc.PriorOutputs[ids[i]]) > e.counter.Count(cc.PriorOutputs[ids[j]])
	})
	return ids
}

// truncateValue renders v as text and cuts it to limit tokens. Values that
// already fit are returned unchanged.
func (e *Enforcer) truncateValue(v model.Value, limit int) model.Value {
	if e.counter.Count(v) <= limit {
		return v
	}
	return model.String(e.counter.TruncateText(v.Text(), limit))
}
