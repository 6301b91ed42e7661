package services

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
	"github.com/custodia-labs/bidmatch/internal/normalisers"
)

//go:embed prompts/extraction.md
var extractionPrompt string

// DefaultMaxDescriptionChars caps the description embedded in the extraction prompt.
const DefaultMaxDescriptionChars = 10000

const (
	notSpecified       = "Not specified in the source record."
	fallbackSummaryLen = 600
)

// InformationExtractor turns an opportunity record and its attachments
// into an enhanced description and a required-skills list.
type InformationExtractor struct {
	caller       *llmCaller
	model        string
	maxDescChars int
	logger       *slog.Logger
}

// InformationExtractorConfig holds dependencies for InformationExtractor.
type InformationExtractorConfig struct {
	LLM     driven.LLMService
	Retrier *Retrier

	// Model overrides the LLM service's default model
	Model string

	// InterCallDelay is slept before every model invocation
	InterCallDelay time.Duration

	// MaxDescriptionChars caps the description in the prompt (default 10000)
	MaxDescriptionChars int

	Logger *slog.Logger
}

// NewInformationExtractor creates a new InformationExtractor.
func NewInformationExtractor(cfg InformationExtractorConfig) *InformationExtractor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retrier := cfg.Retrier
	if retrier == nil {
		retrier = NewRetrier(RetrierConfig{Policy: DefaultRetryPolicy(), Logger: logger})
	}
	maxDesc := cfg.MaxDescriptionChars
	if maxDesc <= 0 {
		maxDesc = DefaultMaxDescriptionChars
	}
	return &InformationExtractor{
		caller:       newLLMCaller(cfg.LLM, retrier, cfg.InterCallDelay),
		model:        cfg.Model,
		maxDescChars: maxDesc,
		logger:       logger,
	}
}

// Extract always returns a result carrying every section marker.
// When the model call fails after retries the result is the deterministic
// fallback with the manual-review skill, and the returned error is a
// classified llm_processing error. When the model replies without the
// required layout the fallback description is used with the parsed skills
// and Degraded is set.
func (e *InformationExtractor) Extract(ctx context.Context, record *domain.OpportunityRecord, attachments domain.AttachmentBundle) (domain.ExtractionResult, error) {
	prompt := e.buildPrompt(record, attachments)

	raw, err := e.caller.invoke(ctx, "extract", driven.LLMRequest{
		Model:       e.model,
		Prompt:      prompt,
		MaxTokens:   4096,
		Temperature: 0.1,
	})
	if err != nil {
		result := domain.ExtractionResult{
			EnhancedDescription: FallbackDescription(record),
			RequiredSkills:      []string{domain.ManualReviewSkill},
			Degraded:            true,
		}
		return result, domain.NewClassifiedError(domain.ErrorKindLLMProcessing, domain.IsRetryable(err),
			fmt.Errorf("extraction model call: %w", err)).WithStage(domain.StageExtract)
	}

	description, skillsText := splitSkillsMarker(raw)
	skills := ParseSkills(skillsText)
	if len(skills) == 0 {
		skills = []string{domain.ManualReviewSkill}
	}

	if missing := domain.MissingSectionMarkers(description); len(missing) > 0 {
		e.logger.Warn("extraction response missing section markers, using structured fallback",
			"title", record.Title,
			"missing", missing)
		return domain.ExtractionResult{
			EnhancedDescription: FallbackDescription(record),
			RequiredSkills:      skills,
			Degraded:            true,
		}, nil
	}

	return domain.ExtractionResult{
		EnhancedDescription: fromFirstHeader(description),
		RequiredSkills:      skills,
	}, nil
}

func (e *InformationExtractor) buildPrompt(record *domain.OpportunityRecord, attachments domain.AttachmentBundle) string {
	description := truncateRunes(normalisers.StripHTML(record.Description), e.maxDescChars)
	if description == "" {
		description = "(no description provided)"
	}

	var att strings.Builder
	for _, a := range attachments {
		fmt.Fprintf(&att, "--- %s ---\n%s\n\n", a.Name, a.Content)
	}
	attText := strings.TrimSpace(att.String())
	if attText == "" {
		attText = "(none)"
	}

	r := strings.NewReplacer(
		"{{METADATA}}", recordMetadata(record),
		"{{TITLE}}", record.Title,
		"{{DESCRIPTION}}", description,
		"{{ATTACHMENTS}}", attText,
	)
	return r.Replace(extractionPrompt)
}

// splitSkillsMarker separates the description from the text after the last
// skills marker. Without a marker the whole text is the description.
func splitSkillsMarker(raw string) (description, skills string) {
	idx := strings.LastIndex(raw, domain.SkillsMarker)
	if idx == -1 {
		return strings.TrimSpace(raw), ""
	}
	return strings.TrimSpace(raw[:idx]), raw[idx+len(domain.SkillsMarker):]
}

// fromFirstHeader drops any preamble before the business summary header.
func fromFirstHeader(text string) string {
	if idx := strings.Index(text, domain.BusinessSummaryHeader); idx > 0 {
		return strings.TrimSpace(text[idx:])
	}
	return text
}

// FallbackDescription synthesizes the structured description from the raw
// record alone. The output is deterministic and carries every marker.
func FallbackDescription(record *domain.OpportunityRecord) string {
	desc := normalisers.StripHTML(record.Description)
	summary := notSpecified
	if desc != "" {
		summary = strings.Join(strings.Fields(truncateRunes(desc, fallbackSummaryLen)), " ")
	}

	purpose := record.Title
	if record.SolicitationNumber != "" {
		purpose = fmt.Sprintf("%s (solicitation %s)", record.Title, record.SolicitationNumber)
	}

	whoShouldBid := notSpecified
	switch {
	case record.NAICSCode != "" && record.Agency != "":
		whoShouldBid = fmt.Sprintf("Vendors under NAICS %s able to support %s.", record.NAICSCode, record.Agency)
	case record.NAICSCode != "":
		whoShouldBid = fmt.Sprintf("Vendors under NAICS %s.", record.NAICSCode)
	case record.Agency != "":
		whoShouldBid = fmt.Sprintf("Vendors able to support %s.", record.Agency)
	}

	var dates []string
	if record.PostedDate != "" {
		dates = append(dates, "Posted "+record.PostedDate)
	}
	if record.ResponseDeadline != "" {
		dates = append(dates, "Responses due "+record.ResponseDeadline)
	}
	keyDates := notSpecified
	if len(dates) > 0 {
		keyDates = strings.Join(dates, "; ") + "."
	}

	whyItMatters := notSpecified
	if record.Agency != "" {
		whyItMatters = fmt.Sprintf("Requirement issued by %s.", record.Agency)
	}

	b := domain.BusinessSubsections
	n := domain.NonTechnicalSubsections
	lines := []string{
		domain.BusinessSummaryHeader,
		b[0] + " " + purpose,
		b[1] + " " + summary,
		b[2] + " " + domain.ManualReviewSkill + "; automated extraction was unavailable.",
		b[3] + " " + notSpecified,
		"",
		domain.NonTechnicalSummaryHeader,
		n[0] + " " + record.Title,
		n[1] + " " + whoShouldBid,
		n[2] + " " + keyDates,
		n[3] + " " + whyItMatters,
	}
	return strings.Join(lines, "\n")
}

func recordMetadata(record *domain.OpportunityRecord) string {
	var b strings.Builder
	write := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	write("Notice ID", record.NoticeID)
	write("Solicitation Number", record.SolicitationNumber)
	write("Agency", record.Agency)
	write("NAICS", record.NAICSCode)
	write("Posted", record.PostedDate)
	write("Response Deadline", record.ResponseDeadline)
	for _, c := range record.PointOfContact {
		write("Point of Contact", strings.TrimSpace(c.FullName+" "+c.Email))
	}
	if b.Len() == 0 {
		return "(none)"
	}
	return strings.TrimSpace(b.String())
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
