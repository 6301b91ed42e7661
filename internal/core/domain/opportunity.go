package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OpportunityRecord is a parsed government solicitation.
// Loaded fresh per run and never mutated by the pipeline.
type OpportunityRecord struct {
	// NoticeID is the publisher's identifier, if present
	NoticeID string `json:"noticeId,omitempty"`

	// Title is the solicitation title (required)
	Title string `json:"title"`

	// Description is the solicitation body, possibly HTML
	Description string `json:"description"`

	SolicitationNumber string           `json:"solicitationNumber,omitempty"`
	Agency             string           `json:"agency,omitempty"`
	NAICSCode          string           `json:"naicsCode,omitempty"`
	PostedDate         string           `json:"postedDate,omitempty"`
	ResponseDeadline   string           `json:"responseDeadline,omitempty"`
	PointOfContact     []Contact        `json:"pointOfContact,omitempty"`
	PlaceOfPerformance *json.RawMessage `json:"placeOfPerformance,omitempty"`
	ResourceLinks      []string         `json:"resourceLinks,omitempty"`
}

// Contact is a solicitation point of contact.
type Contact struct {
	Type     string `json:"type,omitempty"`
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// Validate checks the fields the pipeline cannot work without.
func (r *OpportunityRecord) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrMalformedRecord)
	}
	return nil
}

// Attachment is one supporting document collected for an opportunity.
type Attachment struct {
	// Name is the display file name
	Name string `json:"name"`

	// Key is the storage key the attachment was read from
	Key string `json:"key"`

	// Content is the decoded text, or a placeholder for undecodable content
	Content string `json:"content"`

	// Placeholder is true when Content stands in for undecodable bytes
	Placeholder bool `json:"placeholder,omitempty"`

	// OriginalBytes is the size of the stored object
	OriginalBytes int `json:"originalBytes"`

	// Truncated is true when Content was cut to fit a size budget
	Truncated bool `json:"truncated,omitempty"`
}

// AttachmentBundle is the ordered set of attachments for one run.
type AttachmentBundle []Attachment

// TotalChars returns the number of characters across all attachments.
func (b AttachmentBundle) TotalChars() int {
	total := 0
	for _, a := range b {
		total += len([]rune(a.Content))
	}
	return total
}
