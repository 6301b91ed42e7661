package domain

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// GenerateID creates a unique random ID.
func GenerateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DeliveryStatus represents the current state of a queued work item
type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusProcessing DeliveryStatus = "processing"
	DeliveryStatusCompleted  DeliveryStatus = "completed"
	DeliveryStatusDead       DeliveryStatus = "dead"
)

// DefaultMaxDeliveryAttempts is how many times a work item is delivered
// before it is dead-lettered.
const DefaultMaxDeliveryAttempts = 3

// maxRedeliveryBackoff caps the delay between redeliveries
const maxRedeliveryBackoff = 5 * time.Minute

// Delivery is the queue envelope around one WorkItemMessage.
// The queue transport owns it; the pipeline only sees the message.
type Delivery struct {
	// ID is the unique identifier for this delivery
	ID string `json:"id"`

	// Message is the work item being delivered
	Message WorkItemMessage `json:"message"`

	// Status is the current state of the delivery
	Status DeliveryStatus `json:"status"`

	// Attempts is how many times this item has been delivered
	Attempts int `json:"attempts"`

	// MaxAttempts is the delivery count after which the item is dead-lettered
	MaxAttempts int `json:"max_attempts"`

	// Error contains the last failure reason
	Error string `json:"error,omitempty"`

	// CreatedAt is when the item was enqueued
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the delivery was last modified
	UpdatedAt time.Time `json:"updated_at"`

	// StartedAt is when the latest attempt began (nil if not started)
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when processing finished (nil if not complete)
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ScheduledFor is when the item becomes visible again
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewDelivery wraps a message in a pending delivery.
func NewDelivery(msg WorkItemMessage) *Delivery {
	now := time.Now()
	id := GenerateID()
	if msg.MessageID == "" {
		msg.MessageID = id
	}
	return &Delivery{
		ID:           id,
		Message:      msg,
		Status:       DeliveryStatusPending,
		MaxAttempts:  DefaultMaxDeliveryAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
		ScheduledFor: now,
	}
}

// CanRetry returns true if the item can be redelivered
func (d *Delivery) CanRetry() bool {
	return d.Attempts < d.MaxAttempts
}

// IsReady returns true if the item is ready to be delivered
func (d *Delivery) IsReady() bool {
	return d.Status == DeliveryStatusPending && !time.Now().Before(d.ScheduledFor)
}

// MarkProcessing updates the delivery to processing state
func (d *Delivery) MarkProcessing() {
	now := time.Now()
	d.Status = DeliveryStatusProcessing
	d.StartedAt = &now
	d.UpdatedAt = now
	d.Attempts++
}

// MarkCompleted updates the delivery to completed state
func (d *Delivery) MarkCompleted() {
	now := time.Now()
	d.Status = DeliveryStatusCompleted
	d.CompletedAt = &now
	d.UpdatedAt = now
	d.Error = ""
}

// MarkDead moves the delivery to the dead-letter state
func (d *Delivery) MarkDead(reason string) {
	now := time.Now()
	d.Status = DeliveryStatusDead
	d.UpdatedAt = now
	d.Error = reason
}

// Retry resets the delivery for redelivery with exponential backoff
func (d *Delivery) Retry(reason string) {
	now := time.Now()
	d.Status = DeliveryStatusPending
	d.UpdatedAt = now
	d.Error = reason

	// Exponential backoff: 2s, 4s, 8s, etc.
	backoff := time.Duration(1<<d.Attempts) * time.Second
	if backoff > maxRedeliveryBackoff {
		backoff = maxRedeliveryBackoff
	}
	d.ScheduledFor = now.Add(backoff)
}
