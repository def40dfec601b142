package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rcliao/agent-context/internal/embedding"
	"github.com/rcliao/agent-context/internal/model"
)

// axisEmbedder maps text onto fixed axes by keyword presence.
type axisEmbedder struct {
	axes  []string
	calls int
	fail  bool
}

func (e *axisEmbedder) Embed(_ context.Context, text string) (embedding.Vector, error) {
	e.calls++
	if e.fail {
		return nil, errors.New("provider down")
	}
	v := make(embedding.Vector, len(e.axes))
	lower := strings.ToLower(text)
	for i, a := range e.axes {
		if strings.Contains(lower, a) {
			v[i] = 1
		}
	}
	return v, nil
}

func (e *axisEmbedder) Dims() int { return len(e.axes) }

func TestRetrieveKeywordOverlap(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	s.Store(ctx, StoreParams{Content: "Fraud alerts require manual review", Type: "procedural"})
	s.Store(ctx, StoreParams{Content: "Manual review queue is staffed weekdays", Tags: []string{"ops"}})
	s.Store(ctx, StoreParams{Content: "Lunch menu for Friday"})

	results, err := s.Retrieve(ctx, RetrieveParams{Query: "fraud manual review"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !strings.HasPrefix(results[0].Memory.Content, "Fraud") || results[0].Score != 1 {
		t.Errorf("expected full match first, got %+v", results[0])
	}
	if results[1].Score >= results[0].Score {
		t.Errorf("results not ordered by score: %v >= %v", results[1].Score, results[0].Score)
	}

	typed, _ := s.Retrieve(ctx, RetrieveParams{Query: "manual review", Type: "procedural"})
	if len(typed) != 1 {
		t.Errorf("type filter: expected 1, got %d", len(typed))
	}
	tagged, _ := s.Retrieve(ctx, RetrieveParams{Query: "manual review", Tags: []string{"ops"}})
	if len(tagged) != 1 || tagged[0].Memory.Tags[0] != "ops" {
		t.Errorf("tag filter: unexpected %+v", tagged)
	}
	limited, _ := s.Retrieve(ctx, RetrieveParams{Query: "manual review", Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit: expected 1, got %d", len(limited))
	}
	strict, _ := s.Retrieve(ctx, RetrieveParams{Query: "fraud manual review", MinScore: 0.9})
	if len(strict) != 1 {
		t.Errorf("min score: expected 1, got %d", len(strict))
	}

	if _, err := s.Retrieve(ctx, RetrieveParams{Query: "  "}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for empty query, got %v", err)
	}
}

func TestRetrieveEmbeddingCachesChunkVectors(t *testing.T) {
	ctx := context.Background()
	emb := &axisEmbedder{axes: []string{"invoice", "shipping", "refund"}}
	s, _ := newTestStore(t, WithEmbedder(emb))

	s.Store(ctx, StoreParams{Content: "Invoice numbers start with INV"})
	s.Store(ctx, StoreParams{Content: "Shipping takes three days"})

	results, err := s.Retrieve(ctx, RetrieveParams{Query: "where is my invoice"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 || !strings.HasPrefix(results[0].Memory.Content, "Invoice") {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Score != 1 {
		t.Errorf("expected cosine 1, got %v", results[0].Score)
	}

	st, _ := s.Stats(ctx)
	if st.EmbeddedChunks != 2 {
		t.Errorf("expected 2 cached vectors, got %d", st.EmbeddedChunks)
	}
	calls := emb.calls
	s.Retrieve(ctx, RetrieveParams{Query: "invoice"})
	if emb.calls != calls+1 {
		t.Errorf("expected only the query to be embedded, got %d calls", emb.calls-calls)
	}
}

func TestRetrieveEmbeddingFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithEmbedder(&axisEmbedder{fail: true}))

	s.Store(ctx, StoreParams{Content: "refund window is 30 days"})
	results, err := s.Retrieve(ctx, RetrieveParams{Query: "refund window"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected keyword fallback result, got %d", len(results))
	}
}

func TestPack(t *testing.T) {
	count := func(s string) int { return len(s) }
	truncate := func(s string, n int) string { return s[:n] }
	mk := func(content string, score float64) model.ScoredMemory {
		return model.ScoredMemory{Memory: model.Memory{Content: content}, Score: score}
	}
	in := []model.ScoredMemory{
		mk(strings.Repeat("a", 40), 0.9),
		mk(strings.Repeat("b", 40), 0.8),
		mk(strings.Repeat("c", 40), 0.7),
	}

	out := Pack(in, 100, count, truncate)
	if len(out) != 3 {
		t.Fatalf("expected 2 whole and 1 excerpt, got %d", len(out))
	}
	if len(out[2].Memory.Content) != 20 {
		t.Errorf("expected 20 char excerpt, got %d", len(out[2].Memory.Content))
	}
	if len(in[2].Memory.Content) != 40 {
		t.Error("input must not be modified")
	}

	out = Pack(in, 90, count, truncate)
	if len(out) != 2 {
		t.Errorf("remaining 10 is below excerpt minimum, got %d", len(out))
	}
}
