package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates authentication failed or missing
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidToken indicates a service token failed verification
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired indicates a service token is past its expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrMalformedBatch indicates a batch failed structural validation.
	// It is never retryable: redelivering the same batch cannot fix it.
	ErrMalformedBatch = errors.New("malformed batch")

	// ErrObjectNotFound indicates a storage object does not exist
	ErrObjectNotFound = errors.New("object not found")

	// ErrAccessDenied indicates storage refused access to an object
	ErrAccessDenied = errors.New("access denied")

	// ErrMalformedRecord indicates an object could not be decoded as an opportunity
	ErrMalformedRecord = errors.New("malformed record")

	// ErrThrottled indicates a downstream service rejected the call due to rate limits
	ErrThrottled = errors.New("throttled")

	// ErrServiceUnavailable indicates the AI service could not be reached
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrTimeout indicates a downstream call timed out
	ErrTimeout = errors.New("timeout")

	// ErrInvalidProvider indicates an unknown AI provider was specified
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrEmptyResponse indicates a model returned no text
	ErrEmptyResponse = errors.New("empty model response")

	// ErrUndecodableContent indicates attachment bytes could not be decoded as text
	ErrUndecodableContent = errors.New("undecodable content")

	// ErrItemLocked indicates another worker is processing the same item
	ErrItemLocked = errors.New("item is locked by another worker")
)

// ErrorKind is the fixed failure taxonomy of the matching pipeline.
type ErrorKind string

const (
	ErrorKindDataAccess    ErrorKind = "data_access"
	ErrorKindLLMProcessing ErrorKind = "llm_processing"
	ErrorKindKnowledgeBase ErrorKind = "knowledge_base"
	ErrorKindSystem        ErrorKind = "system_error"
)

// Stage identifies a pipeline step for logging and error records.
type Stage string

const (
	StageValidate        Stage = "validate"
	StageLoadRecord      Stage = "load_record"
	StageLoadAttachments Stage = "load_attachments"
	StageExtract         Stage = "extract"
	StageRetrieve        Stage = "retrieve"
	StageScore           Stage = "score"
	StagePersist         Stage = "persist"
)

// ClassifiedError carries its kind and retryability with the error value,
// so callers never infer retry behaviour from the concrete type.
type ClassifiedError struct {
	// Kind is the taxonomy bucket
	Kind ErrorKind

	// Stage is where the error surfaced (may be empty when raised by an adapter)
	Stage Stage

	// Code is a transport-specific code such as an HTTP status or provider status string
	Code string

	// Retryable is true for transient and throttling failures
	Retryable bool

	// Err is the underlying cause
	Err error
}

// NewClassifiedError wraps err with a kind and retry flag.
func NewClassifiedError(kind ErrorKind, retryable bool, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Retryable: retryable, Err: err}
}

func (e *ClassifiedError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" at ")
		b.WriteString(string(e.Stage))
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (code %s)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// WithStage returns a copy tagged with the given stage.
func (e *ClassifiedError) WithStage(stage Stage) *ClassifiedError {
	cp := *e
	cp.Stage = stage
	return &cp
}

// WithCode returns a copy tagged with a transport code.
func (e *ClassifiedError) WithCode(code string) *ClassifiedError {
	cp := *e
	cp.Code = code
	return &cp
}

// retryableHints are message fragments produced by throttled or briefly
// unavailable services across the providers we talk to.
var retryableHints = []string{
	"429",
	"resource_exhausted",
	"rate limit",
	"ratelimit",
	"too many requests",
	"throttl",
	"503",
	"temporarily unavailable",
	"service unavailable",
	"overloaded",
}

// IsRetryable reports whether err is a transient failure worth retrying.
// Validation and malformed-data errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedBatch) || errors.Is(err, ErrMalformedRecord) || errors.Is(err, ErrInvalidInput) {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}

	if errors.Is(err, ErrThrottled) || errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrTimeout) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range retryableHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsThrottled reports whether err signals rate limiting specifically.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrThrottled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "throttl") ||
		strings.Contains(msg, "rate limit")
}
