package domain

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// EventKind names the storage event that produced a work item.
type EventKind string

const (
	// EventKindObjectCreated is the canonical creation event kind
	EventKindObjectCreated EventKind = "ObjectCreated:Put"
)

// IsCreation returns true for object creation events.
// Accepts the "ObjectCreated:*" family and the bare "created" kind.
func (k EventKind) IsCreation() bool {
	lower := strings.ToLower(strings.TrimSpace(string(k)))
	return strings.HasPrefix(lower, "objectcreated") || lower == "created"
}

// StorageRef locates a stored object.
type StorageRef struct {
	// Container is the bucket-equivalent namespace
	Container string `json:"container" validate:"required"`

	// Key is the object key within the container
	Key string `json:"key" validate:"required"`
}

// String renders the reference as container/key.
func (r StorageRef) String() string {
	return r.Container + "/" + r.Key
}

// WorkItemMessage is a reference to one newly stored opportunity object.
// It is immutable once built by the queue transport.
type WorkItemMessage struct {
	// StorageRef points at the opportunity JSON object
	StorageRef *StorageRef `json:"storageRef" validate:"required"`

	// EventKind must indicate object creation
	EventKind EventKind `json:"eventKind" validate:"required"`

	// ReceivedAt is when the transport received the event
	ReceivedAt time.Time `json:"receivedAt"`

	// MessageID is the transport's identifier, if any
	MessageID string `json:"messageId,omitempty"`
}

// NewWorkItemMessage creates a creation-event message for container/key.
func NewWorkItemMessage(container, key string) WorkItemMessage {
	return WorkItemMessage{
		StorageRef: &StorageRef{Container: container, Key: key},
		EventKind:  EventKindObjectCreated,
		ReceivedAt: time.Now().UTC(),
	}
}

// ItemID derives the item identifier from the object key's base name.
func (m WorkItemMessage) ItemID() string {
	if m.StorageRef == nil {
		return ""
	}
	return strings.TrimSuffix(path.Base(m.StorageRef.Key), ".json")
}

// Validate checks required fields and the domain acceptance rules:
// creation events only, and only .json keys.
func (m WorkItemMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s is required", jsonFieldName(verrs[0].Namespace()))
		}
		return err
	}
	if !m.EventKind.IsCreation() {
		return fmt.Errorf("eventKind %q is not a creation event", m.EventKind)
	}
	if !strings.HasSuffix(strings.ToLower(m.StorageRef.Key), ".json") {
		return fmt.Errorf("key %q is not a .json object", m.StorageRef.Key)
	}
	return nil
}

// ValidateBatch validates a whole batch before any item runs.
// Returns an error wrapping ErrMalformedBatch on the first violation.
func ValidateBatch(items []WorkItemMessage) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: batch is empty", ErrMalformedBatch)
	}
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("%w: item %d: %v", ErrMalformedBatch, i, err)
		}
	}
	return nil
}

// jsonFieldName maps a validator namespace like
// "WorkItemMessage.StorageRef.Key" to the wire name "storageRef.key".
func jsonFieldName(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToLower(p[:1]) + p[1:]
	}
	return strings.Join(parts, ".")
}
