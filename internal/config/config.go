// Package config loads and validates the pipeline configuration.
//
// A Config is an immutable snapshot. Reloading produces a new snapshot with
// a higher Version; components are re-constructed from it rather than
// mutated in place.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/agent-context/internal/model"
)

// Processor ids.
const (
	ProcessorContentFilter        = "content_filter"
	ProcessorCompactionChecker    = "compaction_checker"
	ProcessorMemoryRetriever      = "memory_retriever"
	ProcessorArtifactExternalizer = "artifact_externalizer"
	ProcessorTransformer          = "transformer"
	ProcessorTokenBudgetEnforcer  = "token_budget_enforcer"
	ProcessorInjector             = "injector"
)

// RequiredProcessors can never be disabled.
var RequiredProcessors = []string{ProcessorTransformer, ProcessorTokenBudgetEnforcer, ProcessorInjector}

// KnownProcessors lists every processor id the pipeline can build.
var KnownProcessors = []string{
	ProcessorContentFilter,
	ProcessorCompactionChecker,
	ProcessorMemoryRetriever,
	ProcessorArtifactExternalizer,
	ProcessorTransformer,
	ProcessorTokenBudgetEnforcer,
	ProcessorInjector,
}

// Trigger strategies for compaction.
const (
	TriggerTokens = "token_threshold"
	TriggerEvents = "event_threshold"
	TriggerBoth   = "both"
)

// Memory scoring strategies.
const (
	ScoringKeyword   = "keyword"
	ScoringEmbedding = "embedding"
)

// Config is the full pipeline configuration.
type Config struct {
	// Version increases with every load; zero means built from Default.
	Version int64 `yaml:"-"`

	// Enabled is the master toggle. When false the compiler bundles raw
	// inputs into messages without running any processor.
	Enabled bool `yaml:"enabled"`

	Storage     StorageConfig     `yaml:"storage"`
	Tokenizer   TokenizerConfig   `yaml:"tokenizer"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Budget      BudgetConfig      `yaml:"budget"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Memory      MemoryConfig      `yaml:"memory"`
	Artifacts   ArtifactConfig    `yaml:"artifacts"`
	Handoff     HandoffConfig     `yaml:"handoff"`
	PrefixCache PrefixCacheConfig `yaml:"prefix_caching"`
	LLM         LLMConfig         `yaml:"llm"`
}

type StorageConfig struct {
	DBPath     string `yaml:"db_path"`
	LineageDir string `yaml:"lineage_dir"`
}

type TokenizerConfig struct {
	Encoding string `yaml:"encoding"`
}

type PipelineConfig struct {
	ProcessorTimeout time.Duration     `yaml:"processor_timeout" validate:"gt=0"`
	Processors       []ProcessorConfig `yaml:"processors" validate:"dive"`
	// FilterBlockedKeys are map keys the content filter strips everywhere.
	FilterBlockedKeys []string `yaml:"filter_blocked_keys"`
}

type ProcessorConfig struct {
	ID      string `yaml:"id" validate:"required"`
	Enabled bool   `yaml:"enabled"`
	Order   int    `yaml:"order"`
}

type BudgetConfig struct {
	DefaultMaxTokens int            `yaml:"default_max_tokens" validate:"min=100"`
	AgentOverrides   map[string]int `yaml:"agent_overrides" validate:"dive,min=100"`
	Allocation       Allocation     `yaml:"allocation"`
}

// Allocation splits a token ceiling across sections. Must sum to 100.
type Allocation struct {
	OriginalInput int `yaml:"original_input" validate:"min=0,max=100"`
	PriorOutputs  int `yaml:"prior_outputs" validate:"min=0,max=100"`
	Observations  int `yaml:"observations" validate:"min=0,max=100"`
}

// Validate checks the sum rule on its own so callers can validate a triple
// before it is written.
func (a Allocation) Validate() error {
	if sum := a.OriginalInput + a.PriorOutputs + a.Observations; sum != 100 {
		return model.Validationf("budget allocation sums to %d, must be 100", sum)
	}
	return nil
}

type CompactionConfig struct {
	Enabled                bool                   `yaml:"enabled"`
	Method                 model.CompactionMethod `yaml:"method" validate:"oneof=rule_based llm_based"`
	TriggerStrategy        string                 `yaml:"trigger_strategy" validate:"oneof=token_threshold event_threshold both"`
	TokenThreshold         int                    `yaml:"token_threshold" validate:"min=100,max=50000"`
	EventCountThreshold    int                    `yaml:"event_count_threshold" validate:"min=10,max=1000"`
	RetentionWindow        time.Duration          `yaml:"retention_window" validate:"gte=0"`
	SlidingWindowSize      int                    `yaml:"sliding_window_size" validate:"min=1,max=1000"`
	OverlapPercentage      int                    `yaml:"overlap_percentage" validate:"min=0,max=90"`
	PreserveCriticalEvents bool                   `yaml:"preserve_critical_events"`
	SummarizationTimeout   time.Duration          `yaml:"summarization_timeout" validate:"gt=0"`
}

type MemoryConfig struct {
	Enabled       bool            `yaml:"enabled"`
	RetentionDays int             `yaml:"retention_days" validate:"min=1,max=365"`
	Scoring       string          `yaml:"scoring" validate:"oneof=keyword embedding"`
	SweepInterval time.Duration   `yaml:"sweep_interval" validate:"gt=0"`
	Proactive     ProactiveConfig `yaml:"proactive"`
	Embedding     EmbeddingConfig `yaml:"embedding"`
}

type ProactiveConfig struct {
	Enabled              bool    `yaml:"enabled"`
	MaxMemoriesToPreload int     `yaml:"max_memories_to_preload" validate:"min=1,max=20"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold" validate:"min=0,max=1"`
}

type EmbeddingConfig struct {
	Provider string `yaml:"provider" validate:"omitempty,oneof=ollama openai"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

type ArtifactConfig struct {
	MaxVersionsPerArtifact     int  `yaml:"max_versions_per_artifact" validate:"min=1,max=100"`
	AutoExternalizeThresholdKB int  `yaml:"auto_externalize_threshold_kb" validate:"min=1,max=10000"`
	CompressContent            bool `yaml:"compress_content"`
}

type HandoffConfig struct {
	Enabled              bool                `yaml:"enabled"`
	RulesFile            string              `yaml:"rules_file"`
	Rules                []model.HandoffRule `yaml:"rules"`
	DefaultMinimalFields []string            `yaml:"default_minimal_fields"`
}

type PrefixCacheConfig struct {
	Enabled                  bool     `yaml:"enabled"`
	StablePrefixComponents   []string `yaml:"stable_prefix_components"`
	VariableSuffixComponents []string `yaml:"variable_suffix_components"`
	Pricing                  Pricing  `yaml:"pricing"`
}

// Pricing is in currency units per million tokens.
type Pricing struct {
	RegularPerMTok    float64 `yaml:"regular_per_mtok" validate:"gte=0"`
	CacheReadPerMTok  float64 `yaml:"cache_read_per_mtok" validate:"gte=0"`
	CacheWritePerMTok float64 `yaml:"cache_write_per_mtok" validate:"gte=0"`
}

type LLMConfig struct {
	Provider  string        `yaml:"provider" validate:"omitempty,oneof=none openai"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Enabled:   true,
		Tokenizer: TokenizerConfig{Encoding: "cl100k_base"},
		Pipeline: PipelineConfig{
			ProcessorTimeout: 30 * time.Second,
			Processors: []ProcessorConfig{
				{ID: ProcessorContentFilter, Enabled: true, Order: 10},
				{ID: ProcessorCompactionChecker, Enabled: true, Order: 20},
				{ID: ProcessorMemoryRetriever, Enabled: true, Order: 30},
				{ID: ProcessorArtifactExternalizer, Enabled: true, Order: 40},
				{ID: ProcessorTransformer, Enabled: true, Order: 50},
				{ID: ProcessorTokenBudgetEnforcer, Enabled: true, Order: 60},
				{ID: ProcessorInjector, Enabled: true, Order: 70},
			},
		},
		Budget: BudgetConfig{
			DefaultMaxTokens: 8000,
			AgentOverrides:   map[string]int{},
			Allocation:       Allocation{OriginalInput: 30, PriorOutputs: 50, Observations: 20},
		},
		Compaction: CompactionConfig{
			Enabled:                true,
			Method:                 model.CompactionRuleBased,
			TriggerStrategy:        TriggerBoth,
			TokenThreshold:         4000,
			EventCountThreshold:    50,
			SlidingWindowSize:      20,
			OverlapPercentage:      10,
			PreserveCriticalEvents: true,
			SummarizationTimeout:   20 * time.Second,
		},
		Memory: MemoryConfig{
			Enabled:       true,
			RetentionDays: 30,
			Scoring:       ScoringKeyword,
			SweepInterval: time.Hour,
			Proactive: ProactiveConfig{
				Enabled:              true,
				MaxMemoriesToPreload: 5,
				SimilarityThreshold:  0.3,
			},
		},
		Artifacts: ArtifactConfig{
			MaxVersionsPerArtifact:     10,
			AutoExternalizeThresholdKB: 100,
			CompressContent:            true,
		},
		Handoff: HandoffConfig{
			Enabled:              true,
			DefaultMinimalFields: []string{"status", "outcome"},
		},
		PrefixCache: PrefixCacheConfig{
			StablePrefixComponents:   []string{model.SectionSystem, model.SectionOriginalInput},
			VariableSuffixComponents: []string{model.SectionPriorOutputs, model.SectionObservations, model.SectionMemories},
			Pricing:                  Pricing{RegularPerMTok: 3.0, CacheReadPerMTok: 0.3, CacheWritePerMTok: 3.75},
		},
		LLM: LLMConfig{
			Provider:  "none",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   30 * time.Second,
		},
	}
}

var loads atomic.Int64

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config %s: %v", model.ErrValidation, path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Version = loads.Add(1)
	return cfg, nil
}

// Parse decodes and validates a YAML document without touching the
// environment. It is what a config write path calls before persisting.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", model.ErrValidation, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Version = loads.Add(1)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENT_CONTEXT_DB"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("AGENT_CONTEXT_LINEAGE_DIR"); v != "" {
		cfg.Storage.LineageDir = v
	}
}

// MaxTokensFor returns the agent's override or the system default.
func (c *Config) MaxTokensFor(agentID string) int {
	if n, ok := c.Budget.AgentOverrides[agentID]; ok && n > 0 {
		return n
	}
	return c.Budget.DefaultMaxTokens
}

// ProcessorEnabled reports whether id is configured and enabled.
func (c *Config) ProcessorEnabled(id string) bool {
	for _, p := range c.Pipeline.Processors {
		if p.ID == id {
			return p.Enabled
		}
	}
	return false
}
