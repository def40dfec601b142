package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/rcliao/agent-context/internal/embedding"
	"github.com/rcliao/agent-context/internal/model"
)

func (s *SQLiteStore) Retrieve(ctx context.Context, p RetrieveParams) ([]model.ScoredMemory, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, model.Validationf("query is required")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}

	memories, err := s.candidates(ctx, p.Type, p.Tags)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	if len(memories) == 0 {
		return []model.ScoredMemory{}, nil
	}

	scores, err := s.embeddingScores(ctx, p.Query, memories)
	if err != nil {
		s.logger.Warn("embedding retrieval failed, using keyword overlap", "error", err)
		scores = nil
	}
	if scores == nil {
		scores = keywordScores(p.Query, memories)
	}

	results := make([]model.ScoredMemory, 0, len(memories))
	for i, m := range memories {
		sc := scores[i]
		if sc <= 0 || sc < p.MinScore {
			continue
		}
		results = append(results, model.ScoredMemory{Memory: m, Score: math.Round(sc*1e4) / 1e4})
	}

	// candidates are newest first; stable sort keeps that for equal scores.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// keywordScores is the fraction of distinct query terms present in each
// memory's content or tags.
func keywordScores(query string, memories []model.Memory) []float64 {
	q := terms(query)
	scores := make([]float64, len(memories))
	if len(q) == 0 {
		return scores
	}
	for i, m := range memories {
		doc := terms(m.Content + " " + strings.Join(m.Tags, " "))
		hit := 0
		for t := range q {
			if doc[t] {
				hit++
			}
		}
		scores[i] = float64(hit) / float64(len(q))
	}
	return scores
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"was": true, "with": true,
}

func terms(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out[f] = true
	}
	return out
}

// embeddingScores scores each memory by its best-matching chunk. It returns
// nil without error when no embedder is configured.
func (s *SQLiteStore) embeddingScores(ctx context.Context, query string, memories []model.Memory) ([]float64, error) {
	emb := s.current().Embedder
	if emb == nil {
		return nil, nil
	}
	qv, err := emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	scores := make([]float64, len(memories))
	for i, m := range memories {
		vecs, err := s.chunkVectors(ctx, emb, m.ID)
		if err != nil {
			return nil, err
		}
		best := 0.0
		for _, v := range vecs {
			if sim := embedding.CosineSimilarity(qv, v); sim > best {
				best = sim
			}
		}
		scores[i] = math.Min(best, 1)
	}
	return scores, nil
}

// chunkVectors returns the embedding of every chunk of a memory, computing
// and caching the ones not yet embedded.
func (s *SQLiteStore) chunkVectors(ctx context.Context, emb embedding.Embedder, memoryID string) ([]embedding.Vector, error) {
	type chunkRow struct {
		seq  int
		text string
		vec  []byte
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, text, vector FROM chunks WHERE memory_id = ? ORDER BY seq`, memoryID)
	if err != nil {
		return nil, err
	}
	var chunks []chunkRow
	for rows.Next() {
		var c chunkRow
		if err := rows.Scan(&c.seq, &c.text, &c.vec); err != nil {
			rows.Close()
			return nil, err
		}
		chunks = append(chunks, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]embedding.Vector, 0, len(chunks))
	for _, c := range chunks {
		if len(c.vec) > 0 {
			out = append(out, decodeVector(c.vec))
			continue
		}
		v, err := emb.Embed(ctx, c.text)
		if err != nil {
			return nil, fmt.Errorf("embed chunk %s/%d: %w", memoryID, c.seq, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE chunks SET vector = ? WHERE memory_id = ? AND seq = ?`,
			encodeVector(v), memoryID, c.seq); err != nil {
			return nil, fmt.Errorf("cache chunk vector: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func encodeVector(v embedding.Vector) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) embedding.Vector {
	v := make(embedding.Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// Pack greedily fits scored memories into a token budget, highest score
// first. A memory that does not fit whole is excerpted when at least
// minExcerptTokens remain; packing stops at the first miss.
func Pack(memories []model.ScoredMemory, budget int, count func(string) int, truncate func(string, int) string) []model.ScoredMemory {
	const minExcerptTokens = 25
	out := make([]model.ScoredMemory, 0, len(memories))
	used := 0
	for _, m := range memories {
		n := count(m.Memory.Content)
		if used+n <= budget {
			out = append(out, m)
			used += n
			continue
		}
		if remaining := budget - used; remaining >= minExcerptTokens {
			m.Memory.Content = truncate(m.Memory.Content, remaining)
			out = append(out, m)
		}
		break
	}
	return out
}
