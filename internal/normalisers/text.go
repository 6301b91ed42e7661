package normalisers

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// maxControlRatio is the share of control characters above which content
// is treated as binary.
const maxControlRatio = 0.10

// TextNormaliser decodes text as UTF-8, falling back to ISO-8859-1.
// It is the catch-all for any MIME type.
type TextNormaliser struct{}

func (n *TextNormaliser) Normalise(content []byte, mimeType string) (string, error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))

	var text string
	if utf8.Valid(content) {
		text = string(content)
	} else {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(content)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrUndecodableContent, err)
		}
		text = string(decoded)
	}

	if looksBinary(text) {
		return "", domain.ErrUndecodableContent
	}
	return cleanText(text), nil
}

func (n *TextNormaliser) SupportedTypes() []string {
	return []string{"text/*", "application/json", "application/xml", "*/*"}
}

func (n *TextNormaliser) Priority() int {
	return 1
}

// looksBinary reports whether text carries NUL bytes or too many control characters.
func looksBinary(text string) bool {
	if strings.ContainsRune(text, 0) {
		return true
	}
	total, control := 0, 0
	for _, r := range text {
		total++
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' && r != '\f' {
			control++
		}
	}
	return total > 0 && float64(control)/float64(total) > maxControlRatio
}

// cleanText normalizes line endings and collapses runs of blank lines.
func cleanText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	for strings.Contains(content, "\n\n\n") {
		content = strings.ReplaceAll(content, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(content)
}
