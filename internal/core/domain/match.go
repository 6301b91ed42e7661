package domain

import (
	"strings"
	"time"
)

// Enhanced description layout. The extraction prompt asks for exactly these
// headers and every persisted description carries all of them.
const (
	BusinessSummaryHeader     = "BUSINESS SUMMARY:"
	NonTechnicalSummaryHeader = "NON-TECHNICAL SUMMARY:"

	// SkillsMarker precedes the machine-parsable skills list
	SkillsMarker = "REQUIRED_SKILLS:"

	// ManualReviewSkill marks an extraction produced without the model
	ManualReviewSkill = "Manual review required"
)

// BusinessSubsections are the four named subsections of the business summary.
var BusinessSubsections = []string{
	"Purpose of the Solicitation:",
	"Scope of Work:",
	"Key Requirements:",
	"Evaluation Criteria:",
}

// NonTechnicalSubsections are the four named subsections of the plain-language summary.
var NonTechnicalSubsections = []string{
	"What Is Being Bought:",
	"Who Should Bid:",
	"Key Dates and Deadlines:",
	"Why It Matters:",
}

// RequiredSectionMarkers returns the eight subsection markers in document order.
func RequiredSectionMarkers() []string {
	markers := make([]string, 0, len(BusinessSubsections)+len(NonTechnicalSubsections))
	markers = append(markers, BusinessSubsections...)
	markers = append(markers, NonTechnicalSubsections...)
	return markers
}

// MissingSectionMarkers lists block headers and subsection markers absent from text.
func MissingSectionMarkers(text string) []string {
	var missing []string
	for _, m := range append([]string{BusinessSummaryHeader, NonTechnicalSummaryHeader}, RequiredSectionMarkers()...) {
		if !strings.Contains(text, m) {
			missing = append(missing, m)
		}
	}
	return missing
}

// ExtractionResult is the structured output of the extraction step.
type ExtractionResult struct {
	// EnhancedDescription always contains every required section marker
	EnhancedDescription string `json:"enhancedDescription"`

	// RequiredSkills holds at most 20 entries of 3-200 characters
	RequiredSkills []string `json:"requiredSkills"`

	// Degraded is true when the description was synthesized without the model
	Degraded bool `json:"degraded,omitempty"`
}

// KnowledgeSnippet is one ranked excerpt of company capability documentation.
type KnowledgeSnippet struct {
	Title          string  `json:"title"`
	SourceLocation string  `json:"sourceLocation"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevanceScore"`
}

// Citation ties a claim in the rationale to retrieved evidence.
type Citation struct {
	// Source is the document name of the supporting snippet
	Source string `json:"source"`

	// Location is the snippet's source location (URI or path)
	Location string `json:"location,omitempty"`

	// Excerpt is the cited text
	Excerpt string `json:"excerpt"`

	// RelevanceScore is the snippet's retrieval score
	RelevanceScore float64 `json:"relevanceScore,omitempty"`

	// Backfilled is true when the citation was built from a snippet
	// rather than anchored from the model's own citation
	Backfilled bool `json:"backfilled,omitempty"`
}

// Category is the persisted result folder.
type Category string

const (
	CategoryMatches   Category = "matches"
	CategoryNoMatches Category = "no_matches"
	CategoryErrors    Category = "errors"
)

// Categorize maps a score to matches when score >= threshold, else no_matches.
func Categorize(score, threshold float64) Category {
	if score >= threshold {
		return CategoryMatches
	}
	return CategoryNoMatches
}

// Degradation records a stage that failed but was recovered from.
type Degradation struct {
	Stage     Stage     `json:"stage"`
	ErrorKind ErrorKind `json:"errorKind"`
	Message   string    `json:"message"`
}

// MatchResult is the verdict for one opportunity.
//
// If KnowledgeResults is empty then Score is 0, CompanySkills is empty and
// Citations is empty.
type MatchResult struct {
	ItemID                    string             `json:"itemId"`
	Title                     string             `json:"title"`
	SolicitationNumber        string             `json:"solicitationNumber,omitempty"`
	Score                     float64            `json:"score"`
	IsMatch                   bool               `json:"isMatch"`
	Rationale                 string             `json:"rationale"`
	OpportunityRequiredSkills []string           `json:"opportunityRequiredSkills"`
	CompanySkills             []string           `json:"companySkills"`
	PastPerformance           []string           `json:"pastPerformance"`
	Citations                 []Citation         `json:"citations"`
	KnowledgeResults          []KnowledgeSnippet `json:"knowledgeResults"`
	EnhancedDescription       string             `json:"enhancedDescription"`
	Evidenced                 bool               `json:"evidenced"`
	Category                  Category           `json:"category"`
	Degradations              []Degradation      `json:"degradations,omitempty"`
	ProcessedAt               time.Time          `json:"processedAt"`
	ProcessingDurationMs      int64              `json:"processingDurationMs"`
}

// ClearEvidence puts the result into the zero-evidence state.
func (r *MatchResult) ClearEvidence() {
	r.Score = 0
	r.IsMatch = false
	r.Evidenced = false
	r.CompanySkills = []string{}
	r.Citations = []Citation{}
	r.PastPerformance = []string{}
	r.KnowledgeResults = []KnowledgeSnippet{}
}

// ErrorRecord stands in for a MatchResult when an item could not be completed.
type ErrorRecord struct {
	ItemID               string    `json:"itemId"`
	Stage                Stage     `json:"stage"`
	ErrorKind            ErrorKind `json:"errorKind"`
	Message              string    `json:"message"`
	Retryable            bool      `json:"retryable"`
	ProcessingDurationMs int64     `json:"processingDurationMs"`
	OccurredAt           time.Time `json:"occurredAt"`
}

// RunStatus is the per-item status recorded in the run index.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusDegraded  RunStatus = "degraded"
	RunStatusFailed    RunStatus = "failed"
)

// RunSummary is the compact run-index entry written per processed item.
type RunSummary struct {
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	ItemID    string    `json:"itemId"`
	Category  Category  `json:"category"`
	Score     float64   `json:"score"`
	Title     string    `json:"title"`
	Status    RunStatus `json:"status"`
}

// ItemOutcome is the per-item entry of a batch response.
type ItemOutcome struct {
	ItemID     string   `json:"itemId"`
	MessageID  string   `json:"messageId,omitempty"`
	Success    bool     `json:"success"`
	Error      string   `json:"error,omitempty"`
	Retryable  bool     `json:"retryable,omitempty"`
	Category   Category `json:"category,omitempty"`
	Score      float64  `json:"score"`
	DurationMs int64    `json:"durationMs"`
}

// Batch status codes reported to the invoking runtime.
const (
	BatchStatusOK          = 200
	BatchStatusMultiStatus = 207
)

// BatchResult aggregates item outcomes for one invocation.
type BatchResult struct {
	RunID      string        `json:"runId"`
	StatusCode int           `json:"statusCode"`
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Items      []ItemOutcome `json:"items"`
}

// Add appends an outcome and updates the counters.
func (b *BatchResult) Add(o ItemOutcome) {
	b.Items = append(b.Items, o)
	b.Total++
	if o.Success {
		b.Successful++
	} else {
		b.Failed++
	}
	if b.Failed > 0 {
		b.StatusCode = BatchStatusMultiStatus
	} else {
		b.StatusCode = BatchStatusOK
	}
}
