package services

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

//go:embed prompts/scoring.md
var scoringPrompt string

// Scoring defaults.
const (
	DefaultMatchThreshold           = 0.7
	DefaultCitationOverlapThreshold = 0.30
	DefaultMaxScoringSnippets       = 5
	backfillCitations               = 3
	backfillExcerptChars            = 200
	promptSnippetChars              = 1500
)

// Rationales for verdicts reached without a usable model score.
const (
	NoEvidenceRationale = "No company capability information was found in the knowledge base for this opportunity. " +
		"No match can be asserted without evidence; manual review is recommended."
	ScoringFailedRationale = "Automated scoring failed; manual review is required."
)

// ScoreInput is everything the scorer needs for one item.
type ScoreInput struct {
	ItemID     string
	Record     *domain.OpportunityRecord
	Extraction domain.ExtractionResult
	Snippets   []domain.KnowledgeSnippet
}

// MatchScorer produces the match verdict. It never asserts capability
// without retrieved evidence: with no snippets the model is not called and
// the verdict is the zero-evidence state.
type MatchScorer struct {
	caller           *llmCaller
	model            string
	threshold        float64
	overlapThreshold float64
	maxSnippets      int
	logger           *slog.Logger
	now              func() time.Time
}

// MatchScorerConfig holds dependencies for MatchScorer.
type MatchScorerConfig struct {
	LLM     driven.LLMService
	Retrier *Retrier

	// Model overrides the LLM service's default model
	Model string

	// InterCallDelay is slept before every model invocation
	InterCallDelay time.Duration

	// MatchThreshold is the minimum score for a match. Zero selects 0.7;
	// config validation rejects an explicit zero.
	MatchThreshold float64

	// CitationOverlapThreshold is the minimum word overlap anchoring a
	// model citation to a snippet (default 0.30)
	CitationOverlapThreshold float64

	// MaxSnippets bounds the evidence in the prompt (default 5)
	MaxSnippets int

	Logger *slog.Logger
}

// NewMatchScorer creates a new MatchScorer.
func NewMatchScorer(cfg MatchScorerConfig) *MatchScorer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retrier := cfg.Retrier
	if retrier == nil {
		retrier = NewRetrier(RetrierConfig{Policy: DefaultRetryPolicy(), Logger: logger})
	}
	s := &MatchScorer{
		caller:           newLLMCaller(cfg.LLM, retrier, cfg.InterCallDelay),
		model:            cfg.Model,
		threshold:        cfg.MatchThreshold,
		overlapThreshold: cfg.CitationOverlapThreshold,
		maxSnippets:      cfg.MaxSnippets,
		logger:           logger,
		now:              time.Now,
	}
	if s.threshold <= 0 {
		s.threshold = DefaultMatchThreshold
	}
	if s.overlapThreshold <= 0 {
		s.overlapThreshold = DefaultCitationOverlapThreshold
	}
	if s.maxSnippets <= 0 {
		s.maxSnippets = DefaultMaxScoringSnippets
	}
	return s
}

// Score returns the verdict for one item. The returned error is a
// classified llm_processing error when the model call failed after
// retries; the result is still valid (score 0) in that case.
func (s *MatchScorer) Score(ctx context.Context, in ScoreInput) (domain.MatchResult, error) {
	result := s.baseResult(in)

	if len(in.Snippets) == 0 {
		result.ClearEvidence()
		result.Rationale = NoEvidenceRationale
		result.Category = domain.Categorize(0, s.threshold)
		return result, nil
	}

	evidence := in.Snippets
	if len(evidence) > s.maxSnippets {
		evidence = evidence[:s.maxSnippets]
	}

	raw, err := s.caller.invoke(ctx, "score", driven.LLMRequest{
		Model:       s.model,
		Prompt:      s.buildPrompt(in, evidence),
		MaxTokens:   2048,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		result.ClearEvidence()
		result.KnowledgeResults = in.Snippets
		result.Rationale = ScoringFailedRationale
		result.Category = domain.Categorize(0, s.threshold)
		return result, domain.NewClassifiedError(domain.ErrorKindLLMProcessing, domain.IsRetryable(err),
			fmt.Errorf("scoring model call: %w", err)).WithStage(domain.StageScore)
	}

	parsed := ParseScoringResponse(raw)
	if !parsed.Valid {
		s.logger.Warn("scoring response format invalid", "item_id", in.ItemID, "response_chars", len(raw))
		result.Degradations = append(result.Degradations, domain.Degradation{
			Stage:     domain.StageScore,
			ErrorKind: domain.ErrorKindLLMProcessing,
			Message:   "scoring response format was invalid",
		})
	}

	result.Score = parsed.Score
	result.Rationale = parsed.Rationale
	result.CompanySkills = parsed.CompanySkills
	result.PastPerformance = parsed.PastPerformance
	if len(parsed.OpportunityRequiredSkills) > 0 {
		result.OpportunityRequiredSkills = parsed.OpportunityRequiredSkills
	}
	result.Citations = s.anchorCitations(parsed.Citations, evidence)
	result.Evidenced = true

	// The verdict is only as good as its evidence.
	if len(result.KnowledgeResults) == 0 {
		result.ClearEvidence()
	}

	result.IsMatch = result.Score >= s.threshold
	result.Category = domain.Categorize(result.Score, s.threshold)
	return result, nil
}

func (s *MatchScorer) baseResult(in ScoreInput) domain.MatchResult {
	requiredSkills := in.Extraction.RequiredSkills
	if requiredSkills == nil {
		requiredSkills = []string{}
	}
	snippets := in.Snippets
	if snippets == nil {
		snippets = []domain.KnowledgeSnippet{}
	}
	r := domain.MatchResult{
		ItemID:                    in.ItemID,
		OpportunityRequiredSkills: requiredSkills,
		CompanySkills:             []string{},
		PastPerformance:           []string{},
		Citations:                 []domain.Citation{},
		KnowledgeResults:          snippets,
		EnhancedDescription:       in.Extraction.EnhancedDescription,
		ProcessedAt:               s.now().UTC(),
	}
	if in.Record != nil {
		r.Title = in.Record.Title
		r.SolicitationNumber = in.Record.SolicitationNumber
	}
	return r
}

func (s *MatchScorer) buildPrompt(in ScoreInput, evidence []domain.KnowledgeSnippet) string {
	var ev strings.Builder
	for i, snip := range evidence {
		fmt.Fprintf(&ev, "[%d] Source: %s", i+1, snippetName(snip))
		if snip.SourceLocation != "" {
			fmt.Fprintf(&ev, " (%s)", snip.SourceLocation)
		}
		fmt.Fprintf(&ev, "\nRelevance: %.2f\nExcerpt: %s\n\n", snip.RelevanceScore, truncateRunes(snip.Content, promptSnippetChars))
	}

	title := ""
	if in.Record != nil {
		title = in.Record.Title
	}
	r := strings.NewReplacer(
		"{{TITLE}}", title,
		"{{DESCRIPTION}}", in.Extraction.EnhancedDescription,
		"{{SKILLS}}", "- "+strings.Join(in.Extraction.RequiredSkills, "\n- "),
		"{{EVIDENCE}}", strings.TrimSpace(ev.String()),
	)
	return r.Replace(scoringPrompt)
}

// anchorCitations keeps only model citations that overlap a retrieved
// snippet; each kept citation takes that snippet's identity. A snippet is
// cited at most once, by the first claim anchored to it. With nothing
// anchored, citations are backfilled from the top snippets.
func (s *MatchScorer) anchorCitations(cited []domain.Citation, evidence []domain.KnowledgeSnippet) []domain.Citation {
	out := make([]domain.Citation, 0, len(cited))
	anchored := make(map[int]struct{}, len(evidence))
	for _, c := range cited {
		text := c.Excerpt
		if strings.TrimSpace(text) == "" {
			text = c.Source
		}
		best, bestScore := -1, 0.0
		for i, snip := range evidence {
			if o := LexicalOverlap(text, snip.Title+" "+snip.Content); o > bestScore {
				best, bestScore = i, o
			}
		}
		if best == -1 || bestScore < s.overlapThreshold {
			continue
		}
		if _, dup := anchored[best]; dup {
			continue
		}
		anchored[best] = struct{}{}
		snip := evidence[best]
		out = append(out, domain.Citation{
			Source:         snippetName(snip),
			Location:       snip.SourceLocation,
			Excerpt:        c.Excerpt,
			RelevanceScore: snip.RelevanceScore,
		})
	}
	if len(out) > 0 {
		return out
	}
	return BackfillCitations(evidence)
}

// BackfillCitations builds citations from the top-ranked snippets.
func BackfillCitations(snippets []domain.KnowledgeSnippet) []domain.Citation {
	n := min(len(snippets), backfillCitations)
	out := make([]domain.Citation, 0, n)
	for _, snip := range snippets[:n] {
		out = append(out, domain.Citation{
			Source:         snippetName(snip),
			Location:       snip.SourceLocation,
			Excerpt:        truncateRunes(strings.Join(strings.Fields(snip.Content), " "), backfillExcerptChars),
			RelevanceScore: snip.RelevanceScore,
			Backfilled:     true,
		})
	}
	return out
}

// LexicalOverlap is the share of the claim's distinct words that also
// appear in the evidence. Words shorter than three letters are ignored.
func LexicalOverlap(claim, evidence string) float64 {
	claimWords := wordSet(claim)
	if len(claimWords) == 0 {
		return 0
	}
	evidenceWords := wordSet(evidence)
	shared := 0
	for w := range claimWords {
		if _, ok := evidenceWords[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(claimWords))
}

func wordSet(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len([]rune(w)) >= 3 {
			set[w] = struct{}{}
		}
	}
	return set
}

// snippetName is the snippet's file name, falling back to its title.
func snippetName(s domain.KnowledgeSnippet) string {
	if s.SourceLocation != "" {
		if base := path.Base(s.SourceLocation); base != "." && base != "/" {
			return base
		}
	}
	if s.Title != "" {
		return s.Title
	}
	return "knowledge base"
}
