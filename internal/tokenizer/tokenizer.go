// Package tokenizer counts tokens for strings and nested values.
//
// The default encoding is cl100k_base via tiktoken. When the encoding cannot
// be loaded the counter falls back to the 4-characters-per-token estimate.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rcliao/agent-context/internal/model"
)

const (
	// DefaultEncoding is the BPE encoding used when none is configured.
	DefaultEncoding = "cl100k_base"

	// Heuristic selects the character-count estimate explicitly.
	Heuristic = "heuristic"

	// CharsPerToken is the fallback ratio.
	CharsPerToken = 4
)

// Counter counts tokens.
type Counter interface {
	// CountText returns the token count of s.
	CountText(s string) int
	// Count returns the token count of an arbitrary value: strings count
	// directly, everything else counts its JSON encoding.
	Count(v any) int
	// TruncateText cuts s to at most max tokens.
	TruncateText(s string, max int) string
}

// Tokenizer implements Counter.
type Tokenizer struct {
	enc      *tiktoken.Tiktoken
	encoding string
}

// New loads the named encoding, falling back to the heuristic on failure.
func New(encoding string, logger *slog.Logger) *Tokenizer {
	if logger == nil {
		logger = slog.Default()
	}
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if encoding == Heuristic {
		return NewHeuristic()
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn("tokenizer encoding unavailable, using character estimate",
			"encoding", encoding, "error", err)
		return NewHeuristic()
	}
	return &Tokenizer{enc: enc, encoding: encoding}
}

// NewHeuristic returns a tokenizer that never loads an encoding.
func NewHeuristic() *Tokenizer {
	return &Tokenizer{encoding: Heuristic}
}

// Encoding names the active scheme.
func (t *Tokenizer) Encoding() string { return t.encoding }

func (t *Tokenizer) CountText(s string) int {
	if s == "" {
		return 0
	}
	if t.enc != nil {
		return len(t.enc.Encode(s, nil, nil))
	}
	return (utf8.RuneCountInString(s) + CharsPerToken - 1) / CharsPerToken
}

func (t *Tokenizer) Count(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return t.CountText(x)
	case model.Value:
		if x.Kind() == model.KindString {
			return t.CountText(x.Str())
		}
		if x.IsNull() {
			return 0
		}
		return t.CountText(x.Text())
	case fmt.Stringer:
		return t.CountText(x.String())
	}
	b, err := json.Marshal(v)
	if err != nil {
		return t.CountText(fmt.Sprint(v))
	}
	return t.CountText(string(b))
}

// TruncateText cuts s so that it counts at most max tokens. The result is
// cut on a rune boundary and marked with an ellipsis when shortened.
func (t *Tokenizer) TruncateText(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if t.CountText(s) <= max {
		return s
	}
	if t.enc != nil {
		ids := t.enc.Encode(s, nil, nil)
		if len(ids) > max {
			ids = ids[:max]
		}
		out := t.enc.Decode(ids)
		// A cut inside a multi-byte rune decodes to U+FFFD; trim it.
		for len(out) > 0 && !utf8.ValidString(out) {
			out = out[:len(out)-1]
		}
		return out
	}
	runes := []rune(s)
	keep := max*CharsPerToken - 3
	if keep <= 0 {
		return string(runes[:min(len(runes), max*CharsPerToken)])
	}
	if keep > len(runes) {
		keep = len(runes)
	}
	return string(runes[:keep]) + "..."
}

// SectionCounts returns the token count per section of a compiled context.
func SectionCounts(c Counter, cc *model.CompiledContext) map[string]int {
	counts := map[string]int{
		model.SectionOriginalInput: c.Count(cc.OriginalInput),
		model.SectionPriorOutputs:  CountPriorOutputs(c, cc.PriorOutputs),
		model.SectionObservations:  CountValues(c, cc.Observations),
		model.SectionMemories:      CountMemories(c, cc.Memories),
	}
	if cc.System != "" {
		counts[model.SectionSystem] = c.CountText(cc.System)
	}
	return counts
}

// Total sums section counts.
func Total(counts map[string]int) int {
	n := 0
	for _, v := range counts {
		n += v
	}
	return n
}

// CountPriorOutputs counts every agent output.
func CountPriorOutputs(c Counter, outputs map[string]model.Value) int {
	n := 0
	for _, v := range outputs {
		n += c.Count(v)
	}
	return n
}

// CountValues counts a sequence of values.
func CountValues(c Counter, values []model.Value) int {
	n := 0
	for _, v := range values {
		n += c.Count(v)
	}
	return n
}

// CountMemories counts retrieved memory content.
func CountMemories(c Counter, mems []model.ScoredMemory) int {
	n := 0
	for _, m := range mems {
		n += c.CountText(m.Memory.Content)
	}
	return n
}
