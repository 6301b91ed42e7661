package normalisers

import (
	"bytes"
	"fmt"
	"strings"

	rpdf "rsc.io/pdf"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// PDFNormaliser extracts the text layer of PDF documents.
type PDFNormaliser struct{}

func (n *PDFNormaliser) Normalise(content []byte, mimeType string) (string, error) {
	text, err := extractPDFText(content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUndecodableContent, err)
	}
	text = cleanText(text)
	if text == "" {
		return "", fmt.Errorf("%w: pdf has no text layer", domain.ErrUndecodableContent)
	}
	return text, nil
}

func (n *PDFNormaliser) SupportedTypes() []string {
	return []string{"application/pdf"}
}

func (n *PDFNormaliser) Priority() int {
	return 60
}

// extractPDFText reads text fragments page by page.
// The parser panics on some malformed files; that is reported as an error.
func extractPDFText(content []byte) (text string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pdf parser panic: %v", recovered)
			text = ""
		}
	}()

	reader, err := rpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		for _, fragment := range page.Content().Text {
			b.WriteString(fragment.S)
			b.WriteString(" ")
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}
