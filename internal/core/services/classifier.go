package services

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// Classify maps any error to the pipeline's failure taxonomy.
// A ClassifiedError in the chain wins, then sentinel errors, then message
// substrings. Everything else is a system error.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return ""
	}

	var ce *domain.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	switch {
	case errors.Is(err, domain.ErrObjectNotFound),
		errors.Is(err, domain.ErrAccessDenied),
		errors.Is(err, domain.ErrMalformedRecord):
		return domain.ErrorKindDataAccess
	case errors.Is(err, domain.ErrThrottled),
		errors.Is(err, domain.ErrServiceUnavailable),
		errors.Is(err, domain.ErrEmptyResponse):
		return domain.ErrorKindLLMProcessing
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "nosuchkey", "no such key", "access denied", "accessdenied", "bucket", "object store", "storage"):
		return domain.ErrorKindDataAccess
	case containsAny(msg, "knowledge base", "knowledgebase", "retrieve", "vespa", "pgvector", "embedding"):
		return domain.ErrorKindKnowledgeBase
	case containsAny(msg, "model", "bedrock", "gemini", "anthropic", "ollama", "llm", "throttl", "429"):
		return domain.ErrorKindLLMProcessing
	}
	return domain.ErrorKindSystem
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// classify wraps err as a ClassifiedError tagged with stage.
// An existing ClassifiedError keeps its kind and retry flag.
func classify(stage domain.Stage, err error) *domain.ClassifiedError {
	var ce *domain.ClassifiedError
	if errors.As(err, &ce) {
		if ce.Stage == "" {
			return ce.WithStage(stage)
		}
		return ce
	}
	return domain.NewClassifiedError(Classify(err), domain.IsRetryable(err), err).WithStage(stage)
}

// PartialResult is what an item can still produce after a stage failed.
type PartialResult struct {
	// Extraction is set for recovered llm_processing failures
	Extraction *domain.ExtractionResult

	// Record feeds the fallback description when Extraction is missing
	Record *domain.OpportunityRecord

	// Snippets is empty for recovered knowledge_base failures
	Snippets []domain.KnowledgeSnippet

	// Degradation describes the recovered failure (nil when unprocessable)
	Degradation *domain.Degradation

	// ErrorRecord is set when the item cannot produce a MatchResult
	ErrorRecord *domain.ErrorRecord
}

// Processable reports whether the item can still produce a MatchResult.
func (p PartialResult) Processable() bool {
	return p.ErrorRecord == nil
}

// DegradationHandler logs classified failures and decides how an item
// degrades.
type DegradationHandler struct {
	verbose bool
	logger  *slog.Logger
	now     func() time.Time
}

// DegradationHandlerConfig holds dependencies for DegradationHandler.
type DegradationHandlerConfig struct {
	// Verbose adds stack traces to failure logs
	Verbose bool
	Logger  *slog.Logger
}

// NewDegradationHandler creates a new DegradationHandler.
func NewDegradationHandler(cfg DegradationHandlerConfig) *DegradationHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DegradationHandler{
		verbose: cfg.Verbose,
		logger:  logger,
		now:     time.Now,
	}
}

// Record classifies err, logs it with stage and item context and returns
// the classified error.
func (h *DegradationHandler) Record(ctx context.Context, stage domain.Stage, itemID string, err error) *domain.ClassifiedError {
	ce := classify(stage, err)

	attrs := []any{
		"item_id", itemID,
		"stage", stage,
		"error_kind", ce.Kind,
		"retryable", ce.Retryable,
		"error", ce.Err,
	}
	if ce.Code != "" {
		attrs = append(attrs, "code", ce.Code)
	}
	if h.verbose {
		attrs = append(attrs, "stack", string(debug.Stack()))
	}
	h.logger.ErrorContext(ctx, "pipeline stage failed", attrs...)
	return ce
}

// Degrade decides what an item can still produce after ce.
// llm_processing and knowledge_base failures are recoverable; data_access
// and system errors make the item unprocessable.
func (h *DegradationHandler) Degrade(itemID string, ce *domain.ClassifiedError, partial PartialResult, elapsed time.Duration) PartialResult {
	switch ce.Kind {
	case domain.ErrorKindLLMProcessing:
		if partial.Extraction == nil || partial.Extraction.EnhancedDescription == "" {
			record := partial.Record
			if record == nil {
				record = &domain.OpportunityRecord{}
			}
			partial.Extraction = &domain.ExtractionResult{
				EnhancedDescription: FallbackDescription(record),
				RequiredSkills:      []string{domain.ManualReviewSkill},
				Degraded:            true,
			}
		}
		partial.Degradation = degradationFor(ce)
		return partial
	case domain.ErrorKindKnowledgeBase:
		partial.Snippets = []domain.KnowledgeSnippet{}
		partial.Degradation = degradationFor(ce)
		return partial
	default:
		partial.ErrorRecord = &domain.ErrorRecord{
			ItemID:               itemID,
			Stage:                ce.Stage,
			ErrorKind:            ce.Kind,
			Message:              errorMessage(ce),
			Retryable:            ce.Retryable,
			ProcessingDurationMs: elapsed.Milliseconds(),
			OccurredAt:           h.now().UTC(),
		}
		return partial
	}
}

func degradationFor(ce *domain.ClassifiedError) *domain.Degradation {
	return &domain.Degradation{
		Stage:     ce.Stage,
		ErrorKind: ce.Kind,
		Message:   errorMessage(ce),
	}
}

func errorMessage(ce *domain.ClassifiedError) string {
	if ce.Err != nil {
		return ce.Err.Error()
	}
	return ce.Error()
}
