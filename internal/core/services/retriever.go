package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Retrieval query bounds.
const (
	DefaultMaxQueryChars    = 1000
	DefaultMaxQuerySkills   = 10
	DefaultMaxRetrievalHits = 10
)

// KnowledgeRetriever queries the company knowledge base for capability
// evidence relevant to an extraction.
type KnowledgeRetriever struct {
	kb              driven.KnowledgeBase
	knowledgeBaseID string
	retrier         *Retrier
	maxResults      int
	observer        driven.PipelineObserver
	logger          *slog.Logger
}

// KnowledgeRetrieverConfig holds dependencies for KnowledgeRetriever.
type KnowledgeRetrieverConfig struct {
	// KnowledgeBase may be nil; retrieval is then a no-op
	KnowledgeBase driven.KnowledgeBase

	// KnowledgeBaseID selects the company knowledge base; empty disables retrieval
	KnowledgeBaseID string

	Retrier    *Retrier
	MaxResults int
	Observer   driven.PipelineObserver
	Logger     *slog.Logger
}

// NewKnowledgeRetriever creates a new KnowledgeRetriever.
func NewKnowledgeRetriever(cfg KnowledgeRetrieverConfig) *KnowledgeRetriever {
	r := &KnowledgeRetriever{
		kb:              cfg.KnowledgeBase,
		knowledgeBaseID: cfg.KnowledgeBaseID,
		retrier:         cfg.Retrier,
		maxResults:      cfg.MaxResults,
		observer:        cfg.Observer,
		logger:          cfg.Logger,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.retrier == nil {
		r.retrier = NewRetrier(RetrierConfig{Policy: DefaultRetryPolicy(), Logger: r.logger})
	}
	if r.maxResults <= 0 {
		r.maxResults = DefaultMaxRetrievalHits
	}
	if r.observer == nil {
		r.observer = driven.NopObserver{}
	}
	return r
}

// Enabled reports whether a knowledge base is configured.
func (r *KnowledgeRetriever) Enabled() bool {
	return r.kb != nil && r.knowledgeBaseID != ""
}

// Retrieve returns ranked snippets for the extraction. Throttling and
// unavailability are retried; any remaining failure yields an empty result
// together with a classified knowledge_base error.
func (r *KnowledgeRetriever) Retrieve(ctx context.Context, extraction domain.ExtractionResult) ([]domain.KnowledgeSnippet, error) {
	if !r.Enabled() {
		r.logger.Debug("knowledge base not configured, skipping retrieval")
		return []domain.KnowledgeSnippet{}, nil
	}

	query := BuildRetrievalQuery(extraction)
	var snippets []domain.KnowledgeSnippet
	err := r.retrier.Do(ctx, "retrieve", func(ctx context.Context) error {
		out, err := r.kb.Retrieve(ctx, driven.RetrieveRequest{
			KnowledgeBaseID: r.knowledgeBaseID,
			Query:           query,
			MaxResults:      r.maxResults,
		})
		if err != nil {
			return err
		}
		snippets = out
		return nil
	})
	if err != nil {
		return []domain.KnowledgeSnippet{}, domain.NewClassifiedError(domain.ErrorKindKnowledgeBase, domain.IsRetryable(err),
			fmt.Errorf("knowledge base retrieve: %w", err)).WithStage(domain.StageRetrieve)
	}

	snippets = nonEmptySnippets(snippets)
	if len(snippets) > r.maxResults {
		snippets = snippets[:r.maxResults]
	}
	r.observer.SnippetsRetrieved(len(snippets))
	r.logger.Debug("knowledge retrieved", "snippets", len(snippets), "query_chars", len([]rune(query)))
	return snippets, nil
}

// BuildRetrievalQuery joins the truncated description with up to ten skills.
// The manual-review marker is not a capability and is left out.
func BuildRetrievalQuery(extraction domain.ExtractionResult) string {
	var b strings.Builder
	b.WriteString(truncateRunes(strings.TrimSpace(extraction.EnhancedDescription), DefaultMaxQueryChars))

	var skills []string
	for _, s := range extraction.RequiredSkills {
		if s == domain.ManualReviewSkill {
			continue
		}
		skills = append(skills, s)
		if len(skills) == DefaultMaxQuerySkills {
			break
		}
	}
	if len(skills) > 0 {
		b.WriteString("\n\nRequired skills: ")
		b.WriteString(strings.Join(skills, ", "))
	}
	return b.String()
}

func nonEmptySnippets(in []domain.KnowledgeSnippet) []domain.KnowledgeSnippet {
	out := make([]domain.KnowledgeSnippet, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s.Content) != "" {
			out = append(out, s)
		}
	}
	return out
}
