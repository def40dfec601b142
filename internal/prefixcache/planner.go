// Package prefixcache splits a compiled context into a stable prefix and a
// variable suffix and derives a content-addressed cache key for the prefix.
package prefixcache

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/model"
)

// Metadata keys set on a planned context.
const (
	MetaReady    = "prefix_caching_ready"
	MetaCacheKey = "cache_key"
)

// encMode is core deterministic CBOR: sorted map keys and shortest
// encodings, so equal prefixes serialize to equal bytes.
var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Plan is the prefix/suffix partition of one context.
type Plan struct {
	Prefix   map[string]any
	Suffix   map[string]any
	CacheKey string
}

// CacheMetrics is what the provider reports for one call.
type CacheMetrics struct {
	WriteTokens int `json:"cache_write_tokens"`
	ReadTokens  int `json:"cache_read_tokens"`
}

// Savings is the cost accounting of one call, in pricing units.
type Savings struct {
	AgentID      string  `json:"agent_id"`
	CacheKey     string  `json:"cache_key,omitempty"`
	ReadTokens   int     `json:"cache_read_tokens"`
	WriteTokens  int     `json:"cache_write_tokens"`
	ReadSavings  float64 `json:"read_savings"`
	WritePremium float64 `json:"write_premium"`
	Net          float64 `json:"net_savings"`
}

// Planner partitions contexts by a fixed component split.
type Planner struct {
	enabled  bool
	stable   []string
	variable []string
	pricing  config.Pricing
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a planner from the prefix caching config.
func New(cfg config.PrefixCacheConfig, m *metrics.Metrics, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		enabled:  cfg.Enabled,
		stable:   cfg.StablePrefixComponents,
		variable: cfg.VariableSuffixComponents,
		pricing:  cfg.Pricing,
		metrics:  m,
		logger:   logger,
	}
}

// Enabled reports whether planning is on.
func (p *Planner) Enabled() bool { return p.enabled }

// Plan partitions cc. It works whether or not the planner is enabled.
func (p *Planner) Plan(cc *model.CompiledContext) (*Plan, error) {
	plan := &Plan{
		Prefix: map[string]any{"agent_id": cc.AgentID},
		Suffix: map[string]any{},
	}
	for _, c := range p.stable {
		plan.Prefix[c] = Component(cc, c)
	}
	for _, c := range p.variable {
		plan.Suffix[c] = Component(cc, c)
	}
	key, err := Key(cc.AgentID, plan.Prefix)
	if err != nil {
		return nil, err
	}
	plan.CacheKey = key
	return plan, nil
}

// Mark plans cc and records the key in its metadata. A disabled planner
// returns nil without doing any work.
func (p *Planner) Mark(cc *model.CompiledContext) (*Plan, error) {
	if !p.enabled {
		return nil, nil
	}
	plan, err := p.Plan(cc)
	if err != nil {
		return nil, err
	}
	cc.Metadata[MetaReady] = model.Bool(true)
	cc.Metadata[MetaCacheKey] = model.String(plan.CacheKey)
	return plan, nil
}

// RecordUsage computes the economics of one provider call and logs it.
func (p *Planner) RecordUsage(agentID, cacheKey string, m CacheMetrics) Savings {
	s := Savings{
		AgentID:      agentID,
		CacheKey:     cacheKey,
		ReadTokens:   m.ReadTokens,
		WriteTokens:  m.WriteTokens,
		ReadSavings:  float64(m.ReadTokens) * (p.pricing.RegularPerMTok - p.pricing.CacheReadPerMTok) / 1e6,
		WritePremium: float64(m.WriteTokens) * (p.pricing.CacheWritePerMTok - p.pricing.RegularPerMTok) / 1e6,
	}
	s.Net = s.ReadSavings - s.WritePremium
	p.metrics.ObserveCache(m.ReadTokens, m.WriteTokens, s.ReadSavings)

	kind := "miss"
	switch {
	case m.ReadTokens > 0:
		kind = "read"
	case m.WriteTokens > 0:
		kind = "write"
	}
	p.logger.Info("prefix cache usage", "agent_id", agentID, "cache_key", cacheKey, "kind", kind,
		"read_tokens", m.ReadTokens, "write_tokens", m.WriteTokens,
		"savings", s.ReadSavings, "write_premium", s.WritePremium)
	return s
}

// Key derives agentID + ":" + hex(blake3(cbor(prefix))).
func Key(agentID string, prefix map[string]any) (string, error) {
	b, err := encMode.Marshal(prefix)
	if err != nil {
		return "", fmt.Errorf("serialize prefix: %w", err)
	}
	sum := blake3.Sum256(b)
	return agentID + ":" + hex.EncodeToString(sum[:]), nil
}

// Component extracts a named section of cc as plain values.
func Component(cc *model.CompiledContext, name string) any {
	switch name {
	case model.SectionSystem:
		return cc.System
	case model.SectionOriginalInput:
		return cc.OriginalInput.ToAny()
	case model.SectionPriorOutputs:
		m := make(map[string]any, len(cc.PriorOutputs))
		for id, v := range cc.PriorOutputs {
			m[id] = v.ToAny()
		}
		return m
	case model.SectionObservations:
		l := make([]any, len(cc.Observations))
		for i, v := range cc.Observations {
			l[i] = v.ToAny()
		}
		return l
	case model.SectionMemories:
		l := make([]any, len(cc.Memories))
		for i, m := range cc.Memories {
			l[i] = map[string]any{"memory_id": m.Memory.ID, "content": m.Memory.Content}
		}
		return l
	}
	return nil
}
