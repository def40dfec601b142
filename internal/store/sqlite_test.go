package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/agent-context/internal/model"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) (*SQLiteStore, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock)}, opts...)
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), opts...)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestStoreAndGet(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	mem, err := s.Store(ctx, StoreParams{
		Content:  "customer prefers email contact",
		Tags:     []string{"prefs"},
		Metadata: map[string]string{"source": "crm"},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if mem.ID == "" {
		t.Error("expected non-empty ID")
	}
	if mem.Type != model.DefaultMemoryType {
		t.Errorf("expected default type, got %q", mem.Type)
	}
	if mem.ExpiresAt == nil || !mem.ExpiresAt.Equal(clock.Now().AddDate(0, 0, 30)) {
		t.Errorf("expected 30 day retention, got %v", mem.ExpiresAt)
	}

	got, err := s.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != mem.Content {
		t.Errorf("expected %q, got %q", mem.Content, got.Content)
	}
	if got.Metadata["source"] != "crm" {
		t.Errorf("metadata not round-tripped: %v", got.Metadata)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "prefs" {
		t.Errorf("tags not round-tripped: %v", got.Tags)
	}
}

func TestStoreValidation(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	past := clock.Now().Add(-time.Hour)
	tests := []struct {
		name string
		p    StoreParams
	}{
		{"empty", StoreParams{Content: ""}},
		{"blank", StoreParams{Content: "   "}},
		{"too long", StoreParams{Content: strings.Repeat("x", model.MaxMemoryContent+1)}},
		{"past expiry", StoreParams{Content: "x", ExpiresAt: &past}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Store(ctx, tt.p)
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	if _, err := s.Store(ctx, StoreParams{Content: strings.Repeat("é", model.MaxMemoryContent)}); err != nil {
		t.Errorf("max length in characters should be accepted: %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	mem, _ := s.Store(ctx, StoreParams{Content: "to be removed"})

	ok, err := s.Delete(ctx, mem.ID)
	if err != nil || !ok {
		t.Fatalf("first delete: ok=%v err=%v", ok, err)
	}
	ok, err = s.Delete(ctx, mem.ID)
	if err != nil || ok {
		t.Fatalf("second delete should report not found: ok=%v err=%v", ok, err)
	}
	if _, err := s.Get(ctx, mem.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestExpiredMemoriesAreInvisible(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, WithRetentionDays(1))

	short, _ := s.Store(ctx, StoreParams{Content: "refund policy changed"})
	later := clock.Now().AddDate(0, 0, 10)
	long, _ := s.Store(ctx, StoreParams{Content: "refund window is 30 days", ExpiresAt: &later})

	clock.Advance(48 * time.Hour)

	if _, err := s.Get(ctx, short.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expired memory should not be readable, got %v", err)
	}
	results, err := s.Retrieve(ctx, RetrieveParams{Query: "refund"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 || results[0].Memory.ID != long.ID {
		t.Fatalf("expected only the live memory, got %+v", results)
	}

	n, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}
	st, _ := s.Stats(ctx)
	if st.TotalMemories != 1 {
		t.Errorf("expected 1 memory left, got %d", st.TotalMemories)
	}
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	for _, c := range []string{"one", "two", "three"} {
		s.Store(ctx, StoreParams{Content: c, Type: "episodic"})
		clock.Advance(time.Second)
	}
	s.Store(ctx, StoreParams{Content: "other", Type: "semantic"})

	got, err := s.List(ctx, ListParams{Type: "episodic", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Content != "three" || got[1].Content != "two" {
		t.Errorf("unexpected list: %+v", got)
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src, _ := newTestStore(t)
	src.Store(ctx, StoreParams{Content: "alpha", Tags: []string{"a"}})
	src.Store(ctx, StoreParams{Content: "beta", Type: "procedural"})

	all, err := src.ExportAll(ctx, "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 exported, got %d", len(all))
	}

	dst, _ := newTestStore(t)
	n, err := dst.Import(ctx, all)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 imported, got %d", n)
	}
	got, _ := dst.ExportAll(ctx, "procedural")
	if len(got) != 1 || got[0].Content != "beta" {
		t.Errorf("unexpected import result: %+v", got)
	}
}

func TestEventsAppendAndReplace(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for i, kind := range []model.EventKind{model.EventInput, model.EventAgentOutput, model.EventObservation} {
		ev, err := s.AppendEvent(ctx, AppendEventParams{
			SessionID: "s1",
			Kind:      kind,
			AgentID:   "agent",
			Content:   model.Map(map[string]model.Value{"n": model.Number(float64(i))}),
			Critical:  i == 1,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.Seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, ev.Seq)
		}
	}

	if _, err := s.AppendEvent(ctx, AppendEventParams{SessionID: "s1", Kind: "bogus"}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for bad kind, got %v", err)
	}

	events, err := s.Events(ctx, "s1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 || !events[1].Critical || events[2].Kind != model.EventObservation {
		t.Fatalf("unexpected events: %+v", events)
	}
	if n, _ := events[2].Content.Get("n"); n.Num() != 2 {
		t.Errorf("content not round-tripped: %v", events[2].Content)
	}

	summary := model.Event{Kind: model.EventSummary, Content: model.String("summary")}
	if err := s.ReplaceEvents(ctx, "s1", []model.Event{summary, events[2]}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	events, _ = s.Events(ctx, "s1")
	if len(events) != 2 || events[0].Kind != model.EventSummary || events[1].Seq != 2 {
		t.Errorf("unexpected history after replace: %+v", events)
	}

	empty, err := s.Events(ctx, "unknown")
	if err != nil || len(empty) != 0 {
		t.Errorf("unknown session should be empty, got %v %v", empty, err)
	}
}

func TestCorruptStoredJSONIsReported(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	mem, err := s.Store(ctx, StoreParams{Content: "prefers phone", Tags: []string{"prefs"}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE memories SET tags = '["prefs"' WHERE id = ?`, mem.ID); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	_, err = s.Get(ctx, mem.ID)
	if err == nil || errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected a decode error, got %v", err)
	}
	if !strings.Contains(err.Error(), "decode tags") {
		t.Errorf("error should name the field, got %v", err)
	}

	v, err := s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "doc", Content: []byte("x"), Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE artifact_versions SET metadata = '{' WHERE artifact_id = 'doc'`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}
	if _, err := s.GetVersion(ctx, "doc", v.Version); err == nil || !strings.Contains(err.Error(), "decode metadata") {
		t.Errorf("expected metadata decode error, got %v", err)
	}
}

func TestSessionsListsDistinctIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	ids, err := s.Sessions(ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no sessions, got %v %v", ids, err)
	}
	for _, id := range []string{"s2", "s1", "s2"} {
		if _, err := s.AppendEvent(ctx, AppendEventParams{SessionID: id, Kind: model.EventObservation, Content: model.String("x")}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	ids, err = s.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if strings.Join(ids, ",") != "s1,s2" {
		t.Errorf("expected s1,s2, got %v", ids)
	}
}
