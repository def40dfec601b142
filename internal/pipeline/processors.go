package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rcliao/agent-context/internal/budget"
	"github.com/rcliao/agent-context/internal/compaction"
	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/prefixcache"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/tokenizer"
)

// contentFilter drops empty entries and strips blocked keys everywhere.
type contentFilter struct {
	blocked map[string]bool
}

func newContentFilter(keys []string) *contentFilter {
	f := &contentFilter{blocked: make(map[string]bool, len(keys))}
	for _, k := range keys {
		f.blocked[k] = true
	}
	return f
}

func (f *contentFilter) ID() string { return config.ProcessorContentFilter }

func (f *contentFilter) Process(_ context.Context, cc *model.CompiledContext) (map[string]int, error) {
	mods := map[string]int{}

	kept := cc.Observations[:0:0]
	for _, o := range cc.Observations {
		if o.IsEmpty() {
			mods["observations_dropped"]++
			continue
		}
		o, n := stripKeys(o, f.blocked)
		mods["keys_stripped"] += n
		kept = append(kept, o)
	}
	cc.Observations = kept

	for id, out := range cc.PriorOutputs {
		if out.IsEmpty() {
			delete(cc.PriorOutputs, id)
			mods["prior_outputs_dropped"]++
			continue
		}
		out, n := stripKeys(out, f.blocked)
		mods["keys_stripped"] += n
		cc.PriorOutputs[id] = out
	}

	in, n := stripKeys(cc.OriginalInput, f.blocked)
	cc.OriginalInput = in
	mods["keys_stripped"] += n
	return nonZero(mods), nil
}

// stripKeys removes blocked map keys at any depth.
func stripKeys(v model.Value, blocked map[string]bool) (model.Value, int) {
	if len(blocked) == 0 {
		return v, 0
	}
	switch v.Kind() {
	case model.KindMap:
		n := 0
		m := make(map[string]model.Value, v.Len())
		for k, f := range v.Fields() {
			if blocked[k] {
				n++
				continue
			}
			g, c := stripKeys(f, blocked)
			n += c
			m[k] = g
		}
		if n == 0 {
			return v, 0
		}
		return model.Map(m), n
	case model.KindList:
		n := 0
		items := make([]model.Value, len(v.Items()))
		for i, item := range v.Items() {
			g, c := stripKeys(item, blocked)
			n += c
			items[i] = g
		}
		if n == 0 {
			return v, 0
		}
		return model.List(items...), n
	}
	return v, 0
}

// compactionChecker compacts the stored session history when a
// threshold trips.
type compactionChecker struct {
	compactor *compaction.Engine
	events    store.EventStore
}

func (c *compactionChecker) ID() string { return config.ProcessorCompactionChecker }

func (c *compactionChecker) Process(ctx context.Context, cc *model.CompiledContext) (map[string]int, error) {
	if c.compactor == nil {
		return nil, nil
	}
	res, err := c.compactor.MaybeCompact(ctx, cc.SessionID)
	if err != nil {
		return nil, err
	}
	if res == nil || !res.Applied {
		return nil, nil
	}
	cc.Audit.CompactionApplied = true
	if cc.Audit.ObservationsFromSession && c.events != nil {
		evs, err := c.events.Events(ctx, cc.SessionID)
		if err != nil {
			return nil, fmt.Errorf("reload session: %w", err)
		}
		_, _, cc.Observations = fromEvents(evs)
	}
	return map[string]int{
		"events_before": res.EventsBeforeCount,
		"events_after":  res.EventsAfterCount,
		"tokens_saved":  res.TokensBefore - res.TokensAfter,
	}, nil
}

// memoryRetriever preloads memories relevant to the original input.
type memoryRetriever struct {
	memories store.MemoryStore
	cfg      *config.Config
	counter  tokenizer.Counter
	metrics  *metrics.Metrics
}

func (r *memoryRetriever) ID() string { return config.ProcessorMemoryRetriever }

func (r *memoryRetriever) Process(ctx context.Context, cc *model.CompiledContext) (map[string]int, error) {
	mc := r.cfg.Memory
	if r.memories == nil || !mc.Enabled || !mc.Proactive.Enabled {
		return nil, nil
	}
	query := strings.TrimSpace(cc.OriginalInput.Text())
	if query == "" {
		return nil, nil
	}
	found, err := r.memories.Retrieve(ctx, store.RetrieveParams{
		Query:    query,
		Limit:    mc.Proactive.MaxMemoriesToPreload,
		MinScore: mc.Proactive.SimilarityThreshold,
		Mode:     model.RetrievalProactive,
	})
	if err != nil {
		return nil, err
	}

	share := r.cfg.MaxTokensFor(cc.AgentID) * r.cfg.Budget.Allocation.Observations / 100
	room := share - tokenizer.CountValues(r.counter, cc.Observations) - tokenizer.CountMemories(r.counter, cc.Memories)
	packed := store.Pack(found, max(room, 0), r.counter.CountText, r.counter.TruncateText)

	have := make(map[string]bool, len(cc.Memories))
	for _, m := range cc.Memories {
		have[m.Memory.ID] = true
	}
	added := 0
	for _, m := range packed {
		if !have[m.Memory.ID] {
			cc.Memories = append(cc.Memories, m)
			added++
		}
	}
	cc.Audit.MemoriesRetrieved += added
	r.metrics.ObserveRetrieval(string(model.RetrievalProactive), added)
	return map[string]int{"candidates": len(found), "preloaded": added}, nil
}

// artifactExternalizer replaces oversized values with artifact references.
type artifactExternalizer struct {
	artifacts      store.ArtifactStore
	thresholdBytes int
	metrics        *metrics.Metrics
}

func (a *artifactExternalizer) ID() string { return config.ProcessorArtifactExternalizer }

func (a *artifactExternalizer) Process(ctx context.Context, cc *model.CompiledContext) (map[string]int, error) {
	if a.artifacts == nil {
		return nil, nil
	}
	mods := map[string]int{}
	put := func(section, key string, v model.Value) (model.Value, error) {
		if v.Kind() == model.KindRef {
			mods["refs"]++
			return v, nil
		}
		content, contentType, err := serialize(v)
		if err != nil {
			return v, err
		}
		if len(content) <= a.thresholdBytes {
			return v, nil
		}
		h, err := a.store(ctx, artifactID(cc.SessionID, section, key), content, map[string]string{
			"session_id":   cc.SessionID,
			"section":      section,
			"key":          key,
			"content_type": contentType,
		})
		if err != nil {
			return v, err
		}
		mods["externalized"]++
		mods["refs"]++
		return model.Ref(h), nil
	}

	var err error
	if cc.OriginalInput, err = put(model.SectionOriginalInput, "input", cc.OriginalInput); err != nil {
		return nil, err
	}
	for _, id := range cc.AgentIDs() {
		if cc.PriorOutputs[id], err = put(model.SectionPriorOutputs, id, cc.PriorOutputs[id]); err != nil {
			return nil, err
		}
	}
	for i := range cc.Observations {
		if cc.Observations[i], err = put(model.SectionObservations, strconv.Itoa(i), cc.Observations[i]); err != nil {
			return nil, err
		}
	}
	cc.Audit.ArtifactsResolved = mods["refs"]
	return nonZero(mods), nil
}

// store appends a version unless the current head already holds content.
func (a *artifactExternalizer) store(ctx context.Context, id string, content []byte, meta map[string]string) (model.Handle, error) {
	hist, err := a.artifacts.ListVersions(ctx, id)
	switch {
	case err == nil && hist.CurrentVersion > 0:
		head, err := a.artifacts.GetVersion(ctx, id, hist.CurrentVersion)
		if err == nil && bytes.Equal(head.Content, content) {
			return head.Ref(), nil
		}
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return model.Handle{}, err
	}
	v, err := a.artifacts.CreateVersion(ctx, store.CreateVersionParams{ArtifactID: id, Content: content, Metadata: meta})
	if err != nil {
		return model.Handle{}, err
	}
	a.metrics.ObserveArtifactVersion()
	return v.Ref(), nil
}

func serialize(v model.Value) ([]byte, string, error) {
	if v.Kind() == model.KindString {
		return []byte(v.Str()), "text/plain", nil
	}
	b, err := v.MarshalJSON()
	return b, "application/json", err
}

var idReplacer = strings.NewReplacer("@", "_", "/", "_", " ", "_", "\t", "_", "\n", "_")

func artifactID(sessionID, section, key string) string {
	return idReplacer.Replace(sessionID + "." + section + "." + key)
}

// transformer validates shape and normalizes memories.
type transformer struct{}

func (transformer) ID() string { return config.ProcessorTransformer }

func (transformer) Process(_ context.Context, cc *model.CompiledContext) (map[string]int, error) {
	if strings.TrimSpace(cc.AgentID) == "" {
		return nil, model.Validationf("compiled context has no agent_id")
	}
	if cc.PriorOutputs == nil {
		cc.PriorOutputs = map[string]model.Value{}
	}
	if cc.Metadata == nil {
		cc.Metadata = map[string]model.Value{}
	}
	for id, out := range cc.PriorOutputs {
		if strings.TrimSpace(id) == "" {
			return nil, model.Validationf("prior output with empty agent_id")
		}
		if err := checkRefs(out); err != nil {
			return nil, err
		}
	}
	for _, o := range cc.Observations {
		if err := checkRefs(o); err != nil {
			return nil, err
		}
	}

	best := make(map[string]int, len(cc.Memories))
	var mems []model.ScoredMemory
	for _, m := range cc.Memories {
		if i, ok := best[m.Memory.ID]; ok {
			if m.Score > mems[i].Score {
				mems[i] = m
			}
			continue
		}
		best[m.Memory.ID] = len(mems)
		mems = append(mems, m)
	}
	sort.SliceStable(mems, func(i, j int) bool { return mems[i].Score > mems[j].Score })
	dupes := len(cc.Memories) - len(mems)
	cc.Memories = mems

	return nonZero(map[string]int{"memories_deduplicated": dupes}), nil
}

func checkRefs(v model.Value) error {
	switch v.Kind() {
	case model.KindRef:
		h := v.Handle()
		if h.ArtifactID == "" || h.Version < 1 {
			return model.Validationf("malformed artifact reference %s", h)
		}
	case model.KindMap:
		for _, f := range v.Fields() {
			if err := checkRefs(f); err != nil {
				return err
			}
		}
	case model.KindList:
		for _, item := range v.Items() {
			if err := checkRefs(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// budgetEnforcer fits the context under the agent's ceiling.
type budgetEnforcer struct {
	enforcer *budget.Enforcer
	cfg      *config.Config
}

func (b *budgetEnforcer) ID() string { return config.ProcessorTokenBudgetEnforcer }

func (b *budgetEnforcer) Process(_ context.Context, cc *model.CompiledContext) (map[string]int, error) {
	return b.enforcer.Enforce(cc, b.cfg.MaxTokensFor(cc.AgentID), b.cfg.Budget.Allocation), nil
}

// injector renders messages and marks the cacheable prefix.
type injector struct {
	planner *prefixcache.Planner
}

func (i *injector) ID() string { return config.ProcessorInjector }

func (i *injector) Process(_ context.Context, cc *model.CompiledContext) (map[string]int, error) {
	cc.Messages = buildMessages(cc)
	mods := map[string]int{"messages": len(cc.Messages)}
	if i.planner != nil && i.planner.Enabled() {
		if _, err := i.planner.Mark(cc); err != nil {
			return nil, err
		}
		mods["prefix_planned"] = 1
	}
	return mods, nil
}

// buildMessages orders the stable sections first so provider-side prefix
// caching can match across calls.
func buildMessages(cc *model.CompiledContext) []model.Message {
	var msgs []model.Message
	if cc.System != "" {
		msgs = append(msgs, model.Message{Role: "system", Content: cc.System})
	}
	if !cc.OriginalInput.IsEmpty() {
		msgs = append(msgs, model.Message{Role: "user", Name: model.SectionOriginalInput, Content: cc.OriginalInput.Text()})
	}
	for _, id := range cc.AgentIDs() {
		msgs = append(msgs, model.Message{
			Role:    "user",
			Name:    id,
			Content: fmt.Sprintf("Output from %s:\n%s", id, cc.PriorOutputs[id].Text()),
		})
	}
	if len(cc.Memories) > 0 {
		var sb strings.Builder
		sb.WriteString("Relevant memories:")
		for _, m := range cc.Memories {
			sb.WriteString("\n- ")
			sb.WriteString(m.Memory.Content)
		}
		msgs = append(msgs, model.Message{Role: "user", Name: model.SectionMemories, Content: sb.String()})
	}
	if len(cc.Observations) > 0 {
		var sb strings.Builder
		sb.WriteString("Observations:")
		for _, o := range cc.Observations {
			sb.WriteString("\n- ")
			sb.WriteString(o.Text())
		}
		msgs = append(msgs, model.Message{Role: "user", Name: model.SectionObservations, Content: sb.String()})
	}
	return msgs
}

func nonZero(m map[string]int) map[string]int {
	for k, v := range m {
		if v == 0 {
			delete(m, k)
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
