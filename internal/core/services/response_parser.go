package services

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// Rationale placeholders used when the model output cannot supply one.
const (
	NoRationaleProvided    = "No rationale provided"
	InvalidFormatRationale = "Model response format was invalid; manual review recommended."
)

// Marker-mode field labels, one per line in the model output.
const (
	markerScore          = "SCORE:"
	markerRationale      = "RATIONALE:"
	markerCompanySkills  = "COMPANY_SKILLS:"
	markerPastPerf       = "PAST_PERFORMANCE:"
	markerCitations      = "CITATIONS:"
	markerRequiredSkills = "OPPORTUNITY_REQUIRED_SKILLS:"
)

var scoringMarkers = []string{
	markerScore,
	markerRationale,
	markerCompanySkills,
	markerPastPerf,
	markerCitations,
	markerRequiredSkills,
}

// ScoringResponse is the validated content of a scoring reply.
// Lists are never nil.
type ScoringResponse struct {
	Score                     float64
	Rationale                 string
	OpportunityRequiredSkills []string
	CompanySkills             []string
	PastPerformance           []string
	Citations                 []domain.Citation

	// Valid is false when the reply could not be parsed at all
	Valid bool
}

func defaultScoringResponse() ScoringResponse {
	return ScoringResponse{
		Score:                     0,
		Rationale:                 InvalidFormatRationale,
		OpportunityRequiredSkills: []string{},
		CompanySkills:             []string{},
		PastPerformance:           []string{},
		Citations:                 []domain.Citation{},
	}
}

// ParseScoringResponse extracts a ScoringResponse from model text.
// JSON embedded in prose is located by the first '{' and the last '}' and
// parsed once. Without a JSON span, labelled marker lines are read instead.
// Malformed output yields a defaulted response, never an error.
func ParseScoringResponse(raw string) ScoringResponse {
	text := stripCodeFence(raw)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		var data map[string]any
		if err := json.Unmarshal([]byte(text[start:end+1]), &data); err != nil {
			return defaultScoringResponse()
		}
		return scoringFromJSON(data)
	}

	return scoringFromMarkers(text)
}

func scoringFromJSON(data map[string]any) ScoringResponse {
	resp := ScoringResponse{
		Score:                     ValidateScore(coerceFloat(field(data, "score"))),
		Rationale:                 coerceString(field(data, "rationale")),
		OpportunityRequiredSkills: coerceSkills(field(data, "opportunity_required_skills", "opportunityRequiredSkills", "required_skills")),
		CompanySkills:             coerceSkills(field(data, "company_skills", "companySkills")),
		PastPerformance:           nonEmpty(coerceStringList(field(data, "past_performance", "pastPerformance"))),
		Citations:                 coerceCitations(field(data, "citations")),
		Valid:                     true,
	}
	if strings.TrimSpace(resp.Rationale) == "" {
		resp.Rationale = NoRationaleProvided
	}
	return resp
}

func scoringFromMarkers(text string) ScoringResponse {
	sections := splitMarkers(text, scoringMarkers)
	if _, hasScore := sections[markerScore]; !hasScore {
		if _, hasRationale := sections[markerRationale]; !hasRationale {
			return defaultScoringResponse()
		}
	}

	resp := ScoringResponse{
		Score:                     ValidateScore(coerceFloat(firstLine(sections[markerScore]))),
		Rationale:                 strings.TrimSpace(sections[markerRationale]),
		OpportunityRequiredSkills: ParseSkills(sections[markerRequiredSkills]),
		CompanySkills:             ParseSkills(sections[markerCompanySkills]),
		PastPerformance:           nonEmpty(splitList(sections[markerPastPerf])),
		Citations:                 []domain.Citation{},
		Valid:                     true,
	}
	for _, c := range splitList(sections[markerCitations]) {
		resp.Citations = append(resp.Citations, parseCitationLine(c))
	}
	if resp.Rationale == "" {
		resp.Rationale = NoRationaleProvided
	}
	return resp
}

// ValidateScore accepts a score in [0,1]; anything else becomes 0.
// Percentages above 1 are not rescaled.
func ValidateScore(score float64) float64 {
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > 1 {
		return 0
	}
	return score
}

// splitMarkers returns the text following each marker up to the next marker.
// Markers must start a line (after optional whitespace and markdown bold).
func splitMarkers(text string, markers []string) map[string]string {
	sections := make(map[string]string)
	current := ""
	var buf strings.Builder

	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(buf.String())
		}
		buf.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeft(strings.TrimSpace(line), "*#- ")
		matched := ""
		for _, m := range markers {
			if strings.HasPrefix(strings.ToUpper(trimmed), m) {
				matched = m
				break
			}
		}
		if matched != "" {
			flush()
			current = matched
			buf.WriteString(strings.TrimLeft(trimmed[len(matched):], "* "))
			buf.WriteString("\n")
			continue
		}
		if current != "" {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()
	return sections
}

// parseCitationLine reads "source: excerpt" or "source - excerpt".
func parseCitationLine(line string) domain.Citation {
	for _, sep := range []string{": ", " - "} {
		if idx := strings.Index(line, sep); idx > 0 {
			return domain.Citation{
				Source:  strings.TrimSpace(line[:idx]),
				Excerpt: strings.Trim(strings.TrimSpace(line[idx+len(sep):]), `"`),
			}
		}
	}
	return domain.Citation{Excerpt: strings.Trim(line, `"`)}
}

func coerceCitations(v any) []domain.Citation {
	out := []domain.Citation{}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		switch val := item.(type) {
		case string:
			if strings.TrimSpace(val) != "" {
				out = append(out, parseCitationLine(val))
			}
		case map[string]any:
			c := domain.Citation{
				Source:  coerceString(field(val, "source", "document", "title", "file")),
				Excerpt: coerceString(field(val, "excerpt", "quote", "text", "content")),
			}
			if c.Source != "" || c.Excerpt != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

// field returns the first present key.
func field(data map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			return v
		}
	}
	return nil
}

func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	return strings.TrimSpace(raw)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, "\r\n"); idx != -1 {
		return s[:idx]
	}
	return s
}

func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		trimmed := strings.TrimSpace(val)
		trimmed = strings.TrimSuffix(trimmed, "%")
		if trimmed == "" {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// coerceStringList accepts a JSON array of strings or a delimited string.
func coerceStringList(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return splitList(val)
	default:
		return []string{}
	}
}

// coerceSkills accepts a JSON array or a delimited string of skills.
func coerceSkills(v any) []string {
	if s, ok := v.(string); ok {
		return ParseSkills(s)
	}
	return SanitizeSkills(coerceStringList(v))
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
