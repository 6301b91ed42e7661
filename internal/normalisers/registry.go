package normalisers

import (
	"mime"
	"net/http"
	"path"
	"slices"
	"strings"

	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

var _ driven.NormaliserRegistry = (*Registry)(nil)

// Registry is a fixed set of normalisers ordered by priority.
// It is built once and safe for concurrent lookups.
type Registry struct {
	ordered []driven.Normaliser
}

// NewRegistry orders the given normalisers by descending priority.
// Normalisers with equal priority keep their argument order.
func NewRegistry(ns ...driven.Normaliser) *Registry {
	ordered := slices.Clone(ns)
	slices.SortStableFunc(ordered, func(a, b driven.Normaliser) int {
		return b.Priority() - a.Priority()
	})
	return &Registry{ordered: ordered}
}

// DefaultRegistry holds the PDF, HTML and plain text decoders used for attachments.
func DefaultRegistry() *Registry {
	return NewRegistry(&PDFNormaliser{}, &HTMLNormaliser{}, &TextNormaliser{})
}

func (r *Registry) Candidates(mimeType string) []driven.Normaliser {
	base := baseType(mimeType)
	var out []driven.Normaliser
	for _, n := range r.ordered {
		if accepts(n.SupportedTypes(), base) {
			out = append(out, n)
		}
	}
	return out
}

func baseType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func accepts(patterns []string, base string) bool {
	for _, p := range patterns {
		p = strings.ToLower(p)
		if p == base || p == "*/*" {
			return true
		}
		if family, ok := strings.CutSuffix(p, "*"); ok && strings.HasSuffix(family, "/") && strings.HasPrefix(base, family) {
			return true
		}
	}
	return false
}

// DetectMIMEType guesses an attachment's MIME type from its file extension,
// falling back to content sniffing.
func DetectMIMEType(name string, content []byte) string {
	if ext := strings.ToLower(path.Ext(name)); ext != "" {
		switch ext {
		case ".md", ".markdown":
			return "text/markdown"
		case ".txt", ".csv", ".log":
			return "text/plain"
		}
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return http.DetectContentType(content)
}
