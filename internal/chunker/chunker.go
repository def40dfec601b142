// Package chunker cuts text into pieces small enough to embed or summarize.
//
// Boundaries are preferred in order: markdown headings, blank lines, line
// breaks, spaces. Adjacent paragraphs are packed together up to Target. A
// piece is larger than Max only if a single rune is.
package chunker

import (
	"strings"
)

// Measure sizes a string in whatever unit the caller budgets in.
type Measure func(string) int

// Bytes measures strings by their length in bytes.
func Bytes(s string) int { return len(s) }

// Options bounds the pieces. Target is the packing goal; Max is the hard
// ceiling that forces paragraphs, lines and words to be split.
type Options struct {
	Target  int
	Max     int
	Measure Measure
}

// ByteOptions suits embedding memory content.
func ByteOptions() Options {
	return Options{Target: 400, Max: 600, Measure: Bytes}
}

// TokenOptions sizes pieces by a token counter.
func TokenOptions(target int, m Measure) Options {
	return Options{Target: target, Max: target + target/2, Measure: m}
}

func (o Options) normalize() Options {
	d := ByteOptions()
	if o.Measure == nil {
		o.Measure = d.Measure
	}
	if o.Target <= 0 {
		o.Target = d.Target
	}
	if o.Max < o.Target {
		o.Max = o.Target
	}
	return o
}

// Piece is one chunk with the 1-based line span it came from. Lines are
// counted after surrounding whitespace is trimmed from the input.
type Piece struct {
	Text      string
	StartLine int
	EndLine   int
}

// Split cuts text into pieces. Text that already fits in Max is returned
// whole; empty text yields nil.
func Split(text string, o Options) []Piece {
	o = o.normalize()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if o.Measure(text) <= o.Max {
		return []Piece{{Text: text, StartLine: 1, EndLine: len(lines)}}
	}

	var (
		out []Piece
		cur paragraph
	)
	for _, p := range paragraphs(lines) {
		if cur.text == "" {
			cur = p
			continue
		}
		if joined := cur.text + "\n\n" + p.text; o.Measure(joined) <= o.Target {
			cur.text, cur.end = joined, p.end
			continue
		}
		out = o.emit(out, cur)
		cur = p
	}
	return o.emit(out, cur)
}

type paragraph struct {
	text       string
	start, end int
}

// paragraphs groups lines. A heading opens a new paragraph and blank lines
// close one.
func paragraphs(lines []string) []paragraph {
	var (
		out   []paragraph
		buf   []string
		start int
	)
	closeAt := func(end int) {
		if len(buf) == 0 {
			return
		}
		out = append(out, paragraph{text: strings.Join(buf, "\n"), start: start, end: end})
		buf = nil
	}
	for i, line := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			closeAt(n - 1)
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			closeAt(n - 1)
		}
		if len(buf) == 0 {
			start = n
		}
		buf = append(buf, line)
	}
	closeAt(len(lines))
	return out
}

// emit appends p, splitting it by lines when it is over Max. Packed
// paragraphs never exceed Target, so only a single paragraph reaches the
// line split and its lines map one to one onto the source.
func (o Options) emit(out []Piece, p paragraph) []Piece {
	if p.text == "" {
		return out
	}
	if o.Measure(p.text) <= o.Max {
		return append(out, Piece{Text: p.text, StartLine: p.start, EndLine: p.end})
	}

	var (
		buf   string
		first int
	)
	flush := func(last int) {
		if t := strings.TrimSpace(buf); t != "" {
			out = append(out, Piece{Text: t, StartLine: first, EndLine: last})
		}
		buf = ""
	}
	for j, line := range strings.Split(p.text, "\n") {
		n := p.start + j
		if o.Measure(line) > o.Max {
			flush(n - 1)
			for _, w := range o.words(line) {
				out = append(out, Piece{Text: w, StartLine: n, EndLine: n})
			}
			continue
		}
		if buf != "" && o.Measure(buf+"\n"+line) > o.Target {
			flush(n - 1)
		}
		if buf == "" {
			first, buf = n, line
		} else {
			buf += "\n" + line
		}
	}
	flush(p.end)
	return out
}

// words packs the space-separated words of an oversized line.
func (o Options) words(line string) []string {
	var (
		out []string
		buf string
	)
	for _, w := range strings.Fields(line) {
		if o.Measure(w) > o.Max {
			if buf != "" {
				out = append(out, buf)
				buf = ""
			}
			out = append(out, o.cut(w)...)
			continue
		}
		if buf != "" && o.Measure(buf+" "+w) > o.Target {
			out = append(out, buf)
			buf = ""
		}
		if buf == "" {
			buf = w
		} else {
			buf += " " + w
		}
	}
	if buf != "" {
		out = append(out, buf)
	}
	return out
}

// cut splits a single word at rune boundaries into runs no larger than Max.
func (o Options) cut(w string) []string {
	var out []string
	r := []rune(w)
	for len(r) > 0 {
		n := 1
		for n < len(r) && o.Measure(string(r[:n+1])) <= o.Max {
			n++
		}
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	return out
}
