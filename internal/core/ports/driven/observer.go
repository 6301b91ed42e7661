package driven

import (
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// PipelineObserver receives pipeline telemetry.
// One pipeline runs with or without instrumentation; the observer is optional.
type PipelineObserver interface {
	// StageCompleted records one stage run. kind is empty on success.
	StageCompleted(stage domain.Stage, duration time.Duration, kind domain.ErrorKind)

	// ItemCompleted records one finished item.
	ItemCompleted(category domain.Category, success bool, duration time.Duration)

	// CallRetried records a retry of an external call.
	CallRetried(operation string)

	// SnippetsRetrieved records how many snippets a retrieval returned.
	SnippetsRetrieved(count int)
}

// NopObserver discards all observations.
type NopObserver struct{}

func (NopObserver) StageCompleted(domain.Stage, time.Duration, domain.ErrorKind) {}
func (NopObserver) ItemCompleted(domain.Category, bool, time.Duration)           {}
func (NopObserver) CallRetried(string)                                           {}
func (NopObserver) SnippetsRetrieved(int)                                        {}
