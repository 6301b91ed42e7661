package normalisers

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	stripPolicy    = bluemonday.StrictPolicy()
	blockTagRegex  = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\s*/?>`)
	scriptRegex    = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	horizontalGaps = regexp.MustCompile(`[ \t\x{00a0}]+`)
)

// HTMLNormaliser extracts readable text from HTML documents.
type HTMLNormaliser struct{}

func (n *HTMLNormaliser) Normalise(content []byte, mimeType string) (string, error) {
	return StripHTML(string(content)), nil
}

func (n *HTMLNormaliser) SupportedTypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (n *HTMLNormaliser) Priority() int {
	return 50
}

// StripHTML removes all markup, keeping block boundaries as line breaks.
// Plain text passes through with whitespace normalized.
func StripHTML(s string) string {
	s = scriptRegex.ReplaceAllString(s, "")
	s = blockTagRegex.ReplaceAllString(s, "\n")
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(horizontalGaps.ReplaceAllString(line, " "))
	}
	return cleanText(strings.Join(lines, "\n"))
}
