package runtime

import (
	"log/slog"

	"github.com/custodia-labs/bidmatch/internal/config"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
	"github.com/custodia-labs/bidmatch/internal/core/services"
	"github.com/custodia-labs/bidmatch/internal/normalisers"
)

// PipelineDeps are the driven ports the matching pipeline runs against.
type PipelineDeps struct {
	Store driven.ObjectStore
	LLM   driven.LLMService

	// KnowledgeBase may be nil; retrieval is then skipped
	KnowledgeBase driven.KnowledgeBase

	// Lock may be nil; items then run unguarded
	Lock driven.DistributedLock

	Observer driven.PipelineObserver
	Logger   *slog.Logger
}

// NewPipeline wires the pipeline services in stage order and returns the
// coordinator that drives them.
func NewPipeline(cfg *config.Config, deps PipelineDeps) *services.BatchCoordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = driven.NopObserver{}
	}
	p := cfg.Pipeline

	retrier := services.NewRetrier(services.RetrierConfig{
		Policy:   p.Retry,
		Observer: observer,
		Logger:   logger,
	})

	loader := services.NewRecordLoader(services.RecordLoaderConfig{
		Store:                deps.Store,
		Registry:             normalisers.DefaultRegistry(),
		MaxAttachmentChars:   p.MaxAttachmentChars,
		MaxConcurrentFetches: p.MaxConcurrentFetches,
		Logger:               logger.With("component", "loader"),
	})

	extractor := services.NewInformationExtractor(services.InformationExtractorConfig{
		LLM:                 deps.LLM,
		Retrier:             retrier,
		Model:               cfg.LLM.ExtractionModel,
		InterCallDelay:      p.InterCallDelay,
		MaxDescriptionChars: p.MaxDescriptionChars,
		Logger:              logger.With("component", "extractor"),
	})

	retrieverCfg := services.KnowledgeRetrieverConfig{
		Retrier:    retrier,
		MaxResults: p.MaxRetrievalResults,
		Observer:   observer,
		Logger:     logger.With("component", "retriever"),
	}
	if deps.KnowledgeBase != nil {
		retrieverCfg.KnowledgeBase = deps.KnowledgeBase
		retrieverCfg.KnowledgeBaseID = cfg.KnowledgeBase.ID
	}
	retriever := services.NewKnowledgeRetriever(retrieverCfg)

	scorer := services.NewMatchScorer(services.MatchScorerConfig{
		LLM:                      deps.LLM,
		Retrier:                  retrier,
		Model:                    cfg.LLM.ScoringModel,
		InterCallDelay:           p.InterCallDelay,
		MatchThreshold:           p.MatchThreshold,
		CitationOverlapThreshold: p.CitationOverlapThreshold,
		MaxSnippets:              p.MaxSnippets,
		Logger:                   logger.With("component", "scorer"),
	})

	persister := services.NewResultPersister(services.ResultPersisterConfig{
		Store:          deps.Store,
		Container:      cfg.Storage.ResultsContainer,
		MatchThreshold: p.MatchThreshold,
		Logger:         logger.With("component", "persister"),
	})

	handler := services.NewDegradationHandler(services.DegradationHandlerConfig{
		Verbose: p.VerboseErrors,
		Logger:  logger.With("component", "errors"),
	})

	return services.NewBatchCoordinator(services.BatchCoordinatorConfig{
		Loader:                  loader,
		Extractor:               extractor,
		Retriever:               retriever,
		Scorer:                  scorer,
		Persister:               persister,
		Handler:                 handler,
		Lock:                    deps.Lock,
		LockTTL:                 cfg.Lock.TTL,
		Observer:                observer,
		MaxAttachmentFiles:      p.MaxAttachmentFiles,
		MaxTotalAttachmentChars: p.MaxTotalAttachmentChars,
		Logger:                  logger.With("component", "coordinator"),
	})
}
