package chunking

import (
	"strings"
	"unicode"
)

// Config controls passage size. Sizes count runes, not bytes.
type Config struct {
	// MaxChars is the longest passage produced
	MaxChars int

	// Overlap repeats the tail of one passage at the start of the next
	Overlap int

	// Lookback is how far before MaxChars a paragraph, sentence or word
	// boundary is searched for
	Lookback int
}

func DefaultConfig() Config {
	return Config{
		MaxChars: 1200,
		Overlap:  150,
		Lookback: 200,
	}
}

// Passage is one slice of a source document.
type Passage struct {
	Index int
	Text  string

	// Start and End are rune offsets into the source
	Start int
	End   int
}

// Splitter cuts capability documents into passages small enough to serve
// as knowledge snippets.
type Splitter struct {
	cfg Config
}

// NewSplitter clamps cfg so every passage advances: Overlap stays below
// MaxChars and Lookback within it.
func NewSplitter(cfg Config) *Splitter {
	def := DefaultConfig()
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.MaxChars {
		cfg.Overlap = cfg.MaxChars / 4
	}
	if cfg.Lookback <= 0 || cfg.Lookback > cfg.MaxChars {
		cfg.Lookback = min(def.Lookback, cfg.MaxChars)
	}
	return &Splitter{cfg: cfg}
}

// Split returns the passages of text in order. Blank text yields none.
func (s *Splitter) Split(text string) []Passage {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= s.cfg.MaxChars {
		return []Passage{{Text: string(runes), End: len(runes)}}
	}

	var out []Passage
	start := 0
	for start < len(runes) {
		end := min(start+s.cfg.MaxChars, len(runes))
		if end < len(runes) {
			end = s.breakBefore(runes, start, end)
		}
		if body := strings.TrimSpace(string(runes[start:end])); body != "" {
			out = append(out, Passage{Index: len(out), Text: body, Start: start, End: end})
		}
		if end == len(runes) {
			break
		}
		next := max(end-s.cfg.Overlap, start+1)
		for next < end && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		start = next
	}
	return out
}

// breakBefore picks the last paragraph, sentence or word boundary in the
// lookback window, or limit itself when there is none.
func (s *Splitter) breakBefore(runes []rune, start, limit int) int {
	from := max(limit-s.cfg.Lookback, start+1)
	window := string(runes[from:limit])

	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return from + len([]rune(window[:i])) + 2
	}
	best := -1
	for _, end := range []string{". ", "? ", "! ", ".\n", "?\n", "!\n"} {
		if i := strings.LastIndex(window, end); i >= 0 {
			best = max(best, len([]rune(window[:i]))+len(end))
		}
	}
	if best > 0 {
		return from + best
	}
	for i := limit - 1; i >= from; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return limit
}
