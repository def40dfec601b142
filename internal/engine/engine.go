// Package engine wires the context pipeline's components together and
// exposes the operations the agent loop and CLI call.
//
// Components are built from one immutable config snapshot. Reload builds
// a fresh set from a new snapshot and swaps it in atomically; calls in
// flight finish on the snapshot they started with.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcliao/agent-context/internal/compaction"
	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/embedding"
	"github.com/rcliao/agent-context/internal/governance"
	"github.com/rcliao/agent-context/internal/handoff"
	"github.com/rcliao/agent-context/internal/lineage"
	"github.com/rcliao/agent-context/internal/llm"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/pipeline"
	"github.com/rcliao/agent-context/internal/prefixcache"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/tokenizer"
)

// Options configures Open.
type Options struct {
	// ConfigPath is loaded with config.Load and watched by Watch. When
	// empty, Config (or the defaults) is used and Reload is a no-op.
	ConfigPath string
	Config     *config.Config

	Registerer prometheus.Registerer
	Clock      model.Clock
	Logger     *slog.Logger

	// LLM and Embedder replace the clients the config would build.
	LLM      llm.Client
	Embedder embedding.Embedder
}

// runtime is everything built from one config snapshot.
type runtime struct {
	cfg       *config.Config
	counter   tokenizer.Counter
	rules     *governance.Engine
	scoper    *handoff.Scoper
	compactor *compaction.Engine
	planner   *prefixcache.Planner
	compiler  *pipeline.Compiler
	settings  store.Settings
}

// Engine is the process-wide entry point.
type Engine struct {
	store   *store.SQLiteStore
	lineage *lineage.Recorder
	metrics *metrics.Metrics
	clock   model.Clock
	logger  *slog.Logger

	configPath string
	llm        llm.Client
	embedder   embedding.Embedder

	rt atomic.Pointer[runtime]

	reloadMu sync.Mutex
	sweepMu  sync.Mutex
	sweeper  *store.Sweeper
	sweepCtx context.Context
}

// DefaultDBPath is used when neither config nor environment names one.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-context", "context.db")
}

// Open loads configuration, opens the stores and builds the pipeline.
func Open(o Options) (*Engine, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = model.SystemClock{}
	}

	cfg := o.Config
	if o.ConfigPath != "" || cfg == nil {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return nil, err
		}
	}

	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		dbPath = DefaultDBPath()
	}
	lineageDir := cfg.Storage.LineageDir
	if lineageDir == "" {
		lineageDir = filepath.Join(filepath.Dir(dbPath), "lineage")
	}

	e := &Engine{
		metrics:    metrics.New(o.Registerer),
		clock:      o.Clock,
		logger:     o.Logger,
		configPath: o.ConfigPath,
		llm:        o.LLM,
		embedder:   o.Embedder,
	}

	s, err := store.NewSQLiteStore(dbPath, store.WithClock(o.Clock), store.WithLogger(o.Logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e.store = s

	if e.lineage, err = lineage.New(lineageDir, o.Logger); err != nil {
		s.Close()
		return nil, err
	}

	rt, err := e.build(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	e.install(rt)
	return e, nil
}

func (e *Engine) build(cfg *config.Config) (*runtime, error) {
	counter := tokenizer.New(cfg.Tokenizer.Encoding, e.logger)

	client := e.llm
	if client == nil {
		var err error
		client, err = llm.New(cfg.LLM.Provider, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.APIKeyEnv, e.logger)
		if err != nil {
			return nil, fmt.Errorf("llm client: %w", err)
		}
	}

	var emb embedding.Embedder
	if cfg.Memory.Scoring == config.ScoringEmbedding {
		emb = e.embedder
		if emb == nil {
			var err error
			ec := cfg.Memory.Embedding
			emb, err = embedding.New(ec.Provider, ec.Model, ec.BaseURL, os.Getenv(cfg.LLM.APIKeyEnv))
			if err != nil {
				return nil, fmt.Errorf("embedder: %w", err)
			}
		}
	}

	rules := append([]model.HandoffRule(nil), cfg.Handoff.Rules...)
	if cfg.Handoff.RulesFile != "" {
		loaded, err := governance.LoadRules(cfg.Handoff.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, loaded...)
	}
	gov, err := governance.NewEngine(rules)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		counter: counter,
		rules:   gov,
		settings: store.Settings{
			Embedder:      emb,
			RetentionDays: cfg.Memory.RetentionDays,
			MaxVersions:   cfg.Artifacts.MaxVersionsPerArtifact,
			Compress:      cfg.Artifacts.CompressContent,
		},
	}
	rt.scoper = handoff.NewScoper(handoff.Options{
		Enabled:       cfg.Handoff.Enabled,
		Rules:         gov,
		Translator:    handoff.NewTranslator(counter, client, cfg.LLM.Timeout, e.logger),
		Counter:       counter,
		MinimalFields: cfg.Handoff.DefaultMinimalFields,
		Recorder:      e.lineage,
		Metrics:       e.metrics,
		Clock:         e.clock,
		Logger:        e.logger,
	})
	rt.compactor = compaction.New(compaction.Options{
		Events:  e.store,
		Config:  cfg.Compaction,
		Counter: counter,
		LLM:     client,
		Clock:   e.clock,
		Metrics: e.metrics,
		Logger:  e.logger,
	})
	rt.planner = prefixcache.New(cfg.PrefixCache, e.metrics, e.logger)
	rt.compiler = pipeline.New(pipeline.Options{
		Config:    cfg,
		Counter:   counter,
		Memories:  e.store,
		Artifacts: e.store,
		Events:    e.store,
		Compactor: rt.compactor,
		Scoper:    rt.scoper,
		Planner:   rt.planner,
		Lineage:   e.lineage,
		Metrics:   e.metrics,
		Clock:     e.clock,
		Logger:    e.logger,
	})
	return rt, nil
}

func (e *Engine) install(rt *runtime) {
	e.store.Apply(rt.settings)
	e.rt.Store(rt)
}

func (e *Engine) current() *runtime { return e.rt.Load() }

// Config returns the active snapshot.
func (e *Engine) Config() *config.Config { return e.current().cfg }

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Store exposes the underlying store for administrative commands.
func (e *Engine) Store() *store.SQLiteStore { return e.store }

// Reload re-reads the config file and swaps in freshly built components.
// On error the running snapshot stays in place.
func (e *Engine) Reload() error {
	if e.configPath == "" {
		return nil
	}
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	cfg, err := config.Load(e.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	rt, err := e.build(cfg)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	prev := e.current()
	e.install(rt)
	e.logger.Info("config reloaded", "version", cfg.Version)

	if prev.cfg.Memory.SweepInterval != cfg.Memory.SweepInterval {
		e.restartSweeper()
	}
	return nil
}

// Watch reloads on changes to the config and rules files until ctx is
// done.
func (e *Engine) Watch(ctx context.Context) error {
	if e.configPath == "" {
		return nil
	}
	paths := []string{e.configPath, e.Config().Handoff.RulesFile}
	return config.Watch(ctx, paths, func() {
		if err := e.Reload(); err != nil {
			e.logger.Warn("config reload rejected", "error", err)
		}
	}, e.logger)
}

// StartSweeper runs the expiry sweep in the background until ctx is
// done or Close is called.
func (e *Engine) StartSweeper(ctx context.Context) {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	if e.sweeper != nil {
		return
	}
	e.sweepCtx = ctx
	e.sweeper = store.NewSweeper(e.store, e.Config().Memory.SweepInterval, e.logger, e.metrics.ObserveSweep)
	e.sweeper.Start(ctx)
}

func (e *Engine) restartSweeper() {
	e.sweepMu.Lock()
	if e.sweeper == nil {
		e.sweepMu.Unlock()
		return
	}
	e.sweeper.Stop()
	e.sweeper = nil
	ctx := e.sweepCtx
	e.sweepMu.Unlock()
	e.StartSweeper(ctx)
}

// Close stops background work and closes the store.
func (e *Engine) Close() error {
	e.sweepMu.Lock()
	if e.sweeper != nil {
		e.sweeper.Stop()
		e.sweeper = nil
	}
	e.sweepMu.Unlock()
	return e.store.Close()
}
