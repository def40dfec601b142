package tokenizer

import (
	"strings"
	"testing"

	"github.com/rcliao/agent-context/internal/model"
)

func TestHeuristicCount(t *testing.T) {
	tk := NewHeuristic()
	tests := []struct {
		name string
		in   any
		want int
	}{
		{"empty", "", 0},
		{"nil", nil, 0},
		{"four chars", "abcd", 1},
		{"five chars", "abcde", 2},
		{"value string", model.String("abcdefgh"), 2},
		{"null value", model.Null(), 0},
		{"map value", model.Map(map[string]model.Value{"a": model.Number(1)}), 2}, // {"a":1}
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tk.Count(tt.in); got != tt.want {
				t.Errorf("Count(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestHeuristicTruncate(t *testing.T) {
	tk := NewHeuristic()
	s := strings.Repeat("x", 400) // 100 tokens
	out := tk.TruncateText(s, 10)
	if got := tk.CountText(out); got > 10 {
		t.Errorf("truncated to %d tokens, want <= 10", got)
	}
	if !strings.HasSuffix(out, "...") {
		t.Errorf("expected ellipsis, got %q", out)
	}
	if tk.TruncateText("short", 10) != "short" {
		t.Error("text under the limit must be unchanged")
	}
	if tk.TruncateText(s, 0) != "" {
		t.Error("zero budget must produce empty text")
	}
}

func TestSectionCounts(t *testing.T) {
	tk := NewHeuristic()
	cc := model.NewCompiledContext("s", "a")
	cc.OriginalInput = model.String(strings.Repeat("i", 40))
	cc.PriorOutputs["x"] = model.String(strings.Repeat("p", 80))
	cc.Observations = []model.Value{model.String(strings.Repeat("o", 8)), model.String(strings.Repeat("o", 8))}

	counts := SectionCounts(tk, cc)
	if counts[model.SectionOriginalInput] != 10 || counts[model.SectionPriorOutputs] != 20 || counts[model.SectionObservations] != 4 {
		t.Errorf("unexpected counts: %v", counts)
	}
	if Total(counts) != 34 {
		t.Errorf("Total = %d, want 34", Total(counts))
	}
}
