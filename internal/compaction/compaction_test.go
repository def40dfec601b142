package compaction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/llm"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/tokenizer"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func testConfig() config.CompactionConfig {
	cfg := config.Default().Compaction
	cfg.SlidingWindowSize = 3
	cfg.OverlapPercentage = 0
	cfg.TokenThreshold = 4000
	cfg.EventCountThreshold = 50
	return cfg
}

func seed(t *testing.T, s *store.SQLiteStore, session string, n int, critical ...int) {
	t.Helper()
	isCritical := map[int]bool{}
	for _, i := range critical {
		isCritical[i] = true
	}
	for i := 0; i < n; i++ {
		_, err := s.AppendEvent(context.Background(), store.AppendEventParams{
			SessionID: session,
			Kind:      model.EventObservation,
			AgentID:   "agent",
			Content:   model.String(fmt.Sprintf("observation %d %s", i, strings.Repeat("detail ", 20))),
			Critical:  isCritical[i],
		})
		require.NoError(t, err)
	}
}

func newEngine(t *testing.T, cfg config.CompactionConfig, client llm.Client) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), store.WithClock(fixedClock(t0)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(Options{
		Events:  s,
		Config:  cfg,
		Counter: tokenizer.NewHeuristic(),
		LLM:     client,
		Clock:   fixedClock(t0),
	}), s
}

func TestWindowSize(t *testing.T) {
	cfg := config.Default().Compaction
	assert.Equal(t, 22, WindowSize(cfg))
	cfg.SlidingWindowSize, cfg.OverlapPercentage = 5, 0
	assert.Equal(t, 5, WindowSize(cfg))
	cfg.SlidingWindowSize, cfg.OverlapPercentage = 3, 34
	assert.Equal(t, 5, WindowSize(cfg))
}

func events(n int) []model.Event {
	out := make([]model.Event, n)
	for i := range out {
		out[i] = model.Event{
			ID:        fmt.Sprintf("e%d", i),
			Seq:       int64(i + 1),
			Kind:      model.EventObservation,
			Content:   model.String(fmt.Sprintf("event %d", i)),
			CreatedAt: t0.Add(time.Duration(i-n) * time.Hour),
		}
	}
	return out
}

func ids(evs []model.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

func TestRuleBased(t *testing.T) {
	cfg := testConfig()
	in := events(10)
	in[1].Critical = true
	in[4].Kind = model.EventSummary

	out := RuleBased(in, cfg, t0)
	assert.Equal(t, []string{"e1", "e4", "e7", "e8", "e9"}, ids(out))

	cfg.PreserveCriticalEvents = false
	out = RuleBased(in, cfg, t0)
	assert.Equal(t, []string{"e4", "e7", "e8", "e9"}, ids(out))

	// Events within the retention window survive.
	cfg.RetentionWindow = 5*time.Hour + time.Minute
	out = RuleBased(in, cfg, t0)
	assert.Equal(t, []string{"e4", "e5", "e6", "e7", "e8", "e9"}, ids(out))

	// Short histories are untouched.
	assert.Equal(t, ids(in[:3]), ids(RuleBased(in[:3], cfg, t0)))
}

func TestTriggerRejectsBelowThresholds(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t, testConfig(), nil)
	seed(t, s, "s1", 8)

	_, err := e.Trigger(ctx, "s1", model.CompactionRuleBased, false)
	require.ErrorIs(t, err, model.ErrThresholdNotMet)

	evs, _ := s.Events(ctx, "s1")
	assert.Len(t, evs, 8, "rejected compaction leaves history untouched")

	res, err := e.Trigger(ctx, "s1", model.CompactionRuleBased, true)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 8, res.EventsBeforeCount)
	assert.Equal(t, 3, res.EventsAfterCount)
	assert.Greater(t, res.CompressionRatio, 0.0)
	assert.InDelta(t, float64(res.TokensBefore-res.TokensAfter)/float64(res.TokensBefore), res.CompressionRatio, 1e-9)

	evs, _ = s.Events(ctx, "s1")
	assert.Len(t, evs, 3)
}

func TestTriggerStrategies(t *testing.T) {
	cfg := testConfig()
	cfg.EventCountThreshold = 10
	cfg.TokenThreshold = 100000

	for _, tc := range []struct {
		strategy string
		want     bool
	}{
		{config.TriggerEvents, true},
		{config.TriggerTokens, false},
		{config.TriggerBoth, true},
	} {
		cfg.TriggerStrategy = tc.strategy
		e := New(Options{Config: cfg})
		assert.Equal(t, tc.want, e.ThresholdMet(50, 12), tc.strategy)
	}
}

func TestTriggerUnknownSession(t *testing.T) {
	e, _ := newEngine(t, testConfig(), nil)
	_, err := e.Trigger(context.Background(), "missing", "", true)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLLMCompaction(t *testing.T) {
	ctx := context.Background()
	var prompts []string
	client := llm.ClientFunc(func(ctx context.Context, msgs []model.Message, p llm.Params) (*llm.Response, error) {
		prompts = append(prompts, msgs[1].Content)
		return &llm.Response{Content: "the agent gathered six observations"}, nil
	})
	e, s := newEngine(t, testConfig(), client)
	seed(t, s, "s1", 10, 2)

	res, err := e.Trigger(ctx, "s1", model.CompactionLLMBased, true)
	require.NoError(t, err)
	assert.Equal(t, model.CompactionLLMBased, res.Method)
	assert.False(t, res.FellBack)

	evs, _ := s.Events(ctx, "s1")
	require.Len(t, evs, 5)
	assert.Equal(t, model.EventSummary, evs[0].Kind)
	assert.Equal(t, "the agent gathered six observations", evs[0].Content.Str())
	assert.True(t, evs[1].Critical)
	assert.Contains(t, evs[1].Content.Str(), "observation 2 ")
	assert.Contains(t, evs[4].Content.Str(), "observation 9 ")

	require.Len(t, prompts, 1)
	assert.NotContains(t, prompts[0], "observation 2 ", "critical events bypass summarization")
	assert.NotContains(t, prompts[0], "observation 7 ", "recent window is not summarized")
}

func TestLLMFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	client := llm.ClientFunc(func(ctx context.Context, msgs []model.Message, p llm.Params) (*llm.Response, error) {
		return nil, errors.New("rate limited")
	})
	e, s := newEngine(t, testConfig(), client)
	seed(t, s, "s1", 10)

	res, err := e.Trigger(ctx, "s1", model.CompactionLLMBased, true)
	require.NoError(t, err)
	assert.True(t, res.FellBack)
	assert.Equal(t, model.CompactionRuleBased, res.Method)
	assert.Equal(t, 3, res.EventsAfterCount)
}

func TestMaybeCompact(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.EventCountThreshold = 10
	e, s := newEngine(t, cfg, nil)

	seed(t, s, "s1", 5)
	res, err := e.MaybeCompact(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, res, "below thresholds")

	seed(t, s, "s1", 5)
	res, err = e.MaybeCompact(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Applied)

	cfg.Enabled = false
	disabled := New(Options{Events: s, Config: cfg})
	res, err = disabled.MaybeCompact(ctx, "s1")
	assert.NoError(t, err)
	assert.Nil(t, res)
}
