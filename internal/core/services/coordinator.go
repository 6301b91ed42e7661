package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driving"
)

// Verify interface compliance
var _ driving.BatchProcessor = (*BatchCoordinator)(nil)

// DefaultItemLockTTL bounds how long one item may hold its lock.
const DefaultItemLockTTL = 15 * time.Minute

// BatchCoordinator runs the matching pipeline over a batch of work items.
// Items run sequentially in input order:
//  1. Load the opportunity record
//  2. Load attachments
//  3. Extract the enhanced description and required skills
//  4. Retrieve capability evidence
//  5. Score against the evidence
//  6. Persist the result (or an error record) and the run summary
type BatchCoordinator struct {
	loader    *RecordLoader
	extractor *InformationExtractor
	retriever *KnowledgeRetriever
	scorer    *MatchScorer
	persister *ResultPersister
	handler   *DegradationHandler
	lock      driven.DistributedLock
	lockTTL   time.Duration
	observer  driven.PipelineObserver
	logger    *slog.Logger
	now       func() time.Time

	maxAttachmentFiles int
	maxAttachmentChars int
}

// BatchCoordinatorConfig holds dependencies for BatchCoordinator.
type BatchCoordinatorConfig struct {
	Loader    *RecordLoader
	Extractor *InformationExtractor
	Retriever *KnowledgeRetriever
	Scorer    *MatchScorer
	Persister *ResultPersister
	Handler   *DegradationHandler

	// Lock guards each item against concurrent redelivery (optional)
	Lock    driven.DistributedLock
	LockTTL time.Duration

	// Observer receives stage and item telemetry (optional)
	Observer driven.PipelineObserver

	// MaxAttachmentFiles caps attachment candidates per item (default 10)
	MaxAttachmentFiles int

	// MaxTotalAttachmentChars caps attachment text per item (default 50000)
	MaxTotalAttachmentChars int

	Logger *slog.Logger
}

// NewBatchCoordinator creates a new BatchCoordinator.
func NewBatchCoordinator(cfg BatchCoordinatorConfig) *BatchCoordinator {
	c := &BatchCoordinator{
		loader:             cfg.Loader,
		extractor:          cfg.Extractor,
		retriever:          cfg.Retriever,
		scorer:             cfg.Scorer,
		persister:          cfg.Persister,
		handler:            cfg.Handler,
		lock:               cfg.Lock,
		lockTTL:            cfg.LockTTL,
		observer:           cfg.Observer,
		logger:             cfg.Logger,
		now:                time.Now,
		maxAttachmentFiles: cfg.MaxAttachmentFiles,
		maxAttachmentChars: cfg.MaxTotalAttachmentChars,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.handler == nil {
		c.handler = NewDegradationHandler(DegradationHandlerConfig{Logger: c.logger})
	}
	if c.retriever == nil {
		c.retriever = NewKnowledgeRetriever(KnowledgeRetrieverConfig{Logger: c.logger})
	}
	if c.observer == nil {
		c.observer = driven.NopObserver{}
	}
	if c.lockTTL <= 0 {
		c.lockTTL = DefaultItemLockTTL
	}
	return c
}

// ProcessBatch validates the whole batch, then runs every item.
// Only a malformed batch returns an error; nothing is processed then.
func (c *BatchCoordinator) ProcessBatch(ctx context.Context, items []domain.WorkItemMessage) (*domain.BatchResult, error) {
	if err := domain.ValidateBatch(items); err != nil {
		c.logger.Error("rejecting malformed batch", "items", len(items), "error", err)
		return nil, err
	}

	runID := uuid.NewString()
	start := c.now()
	result := &domain.BatchResult{
		RunID:      runID,
		StatusCode: domain.BatchStatusOK,
		Items:      make([]domain.ItemOutcome, 0, len(items)),
	}

	c.logger.Info("batch started", "run_id", runID, "items", len(items))
	for _, msg := range items {
		if err := ctx.Err(); err != nil {
			result.Add(domain.ItemOutcome{
				ItemID:    msg.ItemID(),
				MessageID: msg.MessageID,
				Error:     fmt.Sprintf("not processed: %v", err),
				Retryable: true,
			})
			continue
		}
		result.Add(c.processItem(ctx, runID, msg))
	}

	c.logger.Info("batch completed",
		"run_id", runID,
		"total", result.Total,
		"successful", result.Successful,
		"failed", result.Failed,
		"status", result.StatusCode,
		"duration", c.now().Sub(start))
	return result, nil
}

// itemRun carries one item through the pipeline.
type itemRun struct {
	runID        string
	msg          domain.WorkItemMessage
	itemID       string
	start        time.Time
	title        string
	stage        domain.Stage
	degradations []domain.Degradation

	// lockName is set while this run holds the item lock
	lockName string
}

// renewLock pushes the item lock expiry out before the scoring call, which
// is the longest stage. A failed renewal is logged and processing goes on.
func (c *BatchCoordinator) renewLock(ctx context.Context, run *itemRun, logger *slog.Logger) {
	if run.lockName == "" {
		return
	}
	if err := c.lock.Extend(ctx, run.lockName, c.lockTTL); err != nil {
		logger.Warn("failed to renew item lock", "error", err)
	}
}

func (c *BatchCoordinator) processItem(ctx context.Context, runID string, msg domain.WorkItemMessage) (outcome domain.ItemOutcome) {
	run := &itemRun{
		runID:  runID,
		msg:    msg,
		itemID: msg.ItemID(),
		start:  c.now(),
		stage:  domain.StageLoadRecord,
	}
	logger := c.logger.With("run_id", runID, "item_id", run.itemID)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			outcome = c.fail(ctx, run, domain.NewClassifiedError(domain.ErrorKindSystem, false, err).WithStage(run.stage))
		}
		c.observer.ItemCompleted(outcome.Category, outcome.Success, c.now().Sub(run.start))
	}()

	if c.lock != nil {
		lockName := "item:" + run.itemID
		acquired, err := c.lock.Acquire(ctx, lockName, c.lockTTL)
		switch {
		case err != nil:
			logger.Warn("item lock unavailable, processing without it", "error", err)
		case !acquired:
			logger.Info("item is being processed by another worker")
			return c.outcome(run, domain.ItemOutcome{Error: domain.ErrItemLocked.Error(), Retryable: true})
		default:
			run.lockName = lockName
			defer func() {
				if err := c.lock.Release(context.WithoutCancel(ctx), lockName); err != nil {
					logger.Warn("failed to release item lock", "error", err)
				}
			}()
		}
	}

	// Stage 1: record
	stageStart := c.now()
	record, err := c.loader.Load(ctx, *msg.StorageRef)
	c.stageDone(domain.StageLoadRecord, stageStart, err)
	if err != nil {
		return c.fail(ctx, run, c.handler.Record(ctx, domain.StageLoadRecord, run.itemID, err))
	}
	run.title = record.Title

	// Stage 2: attachments
	run.stage = domain.StageLoadAttachments
	stageStart = c.now()
	attachments := c.loader.LoadAttachments(ctx, *msg.StorageRef, c.maxAttachmentFiles, c.maxAttachmentChars)
	c.stageDone(domain.StageLoadAttachments, stageStart, nil)
	if err := ctx.Err(); err != nil {
		return c.abort(run, domain.StageLoadAttachments, err)
	}

	// Stage 3: extraction
	run.stage = domain.StageExtract
	stageStart = c.now()
	extraction, err := c.extractor.Extract(ctx, record, attachments)
	c.stageDone(domain.StageExtract, stageStart, err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return c.abort(run, domain.StageExtract, ctxErr)
	}
	if err != nil {
		partial := c.handler.Degrade(run.itemID, c.handler.Record(ctx, domain.StageExtract, run.itemID, err),
			PartialResult{Extraction: &extraction, Record: record}, c.now().Sub(run.start))
		if !partial.Processable() {
			return c.failRecord(ctx, run, partial.ErrorRecord)
		}
		extraction = *partial.Extraction
		run.degradations = append(run.degradations, *partial.Degradation)
	} else if extraction.Degraded {
		run.degradations = append(run.degradations, domain.Degradation{
			Stage:     domain.StageExtract,
			ErrorKind: domain.ErrorKindLLMProcessing,
			Message:   "extraction response missing required section markers; structured fallback used",
		})
	}

	// Stage 4: retrieval
	run.stage = domain.StageRetrieve
	stageStart = c.now()
	snippets, err := c.retriever.Retrieve(ctx, extraction)
	c.stageDone(domain.StageRetrieve, stageStart, err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return c.abort(run, domain.StageRetrieve, ctxErr)
	}
	if err != nil {
		partial := c.handler.Degrade(run.itemID, c.handler.Record(ctx, domain.StageRetrieve, run.itemID, err),
			PartialResult{Snippets: snippets}, c.now().Sub(run.start))
		if !partial.Processable() {
			return c.failRecord(ctx, run, partial.ErrorRecord)
		}
		snippets = partial.Snippets
		run.degradations = append(run.degradations, *partial.Degradation)
	}

	c.renewLock(ctx, run, logger)

	// Stage 5: scoring
	run.stage = domain.StageScore
	stageStart = c.now()
	result, err := c.scorer.Score(ctx, ScoreInput{
		ItemID:     run.itemID,
		Record:     record,
		Extraction: extraction,
		Snippets:   snippets,
	})
	c.stageDone(domain.StageScore, stageStart, err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return c.abort(run, domain.StageScore, ctxErr)
	}
	if err != nil {
		partial := c.handler.Degrade(run.itemID, c.handler.Record(ctx, domain.StageScore, run.itemID, err),
			PartialResult{}, c.now().Sub(run.start))
		if !partial.Processable() {
			return c.failRecord(ctx, run, partial.ErrorRecord)
		}
		run.degradations = append(run.degradations, *partial.Degradation)
	}

	result.Degradations = append(run.degradations, result.Degradations...)
	result.ProcessingDurationMs = c.now().Sub(run.start).Milliseconds()

	// Stage 6: persistence
	run.stage = domain.StagePersist
	stageStart = c.now()
	key, err := c.persister.SaveResult(ctx, runID, &result)
	c.stageDone(domain.StagePersist, stageStart, err)
	if err != nil {
		ce := c.handler.Record(ctx, domain.StagePersist, run.itemID, err)
		return c.outcome(run, domain.ItemOutcome{Error: ce.Error(), Retryable: true})
	}

	logger.Info("item processed",
		"key", key,
		"category", result.Category,
		"score", result.Score,
		"evidenced", result.Evidenced,
		"degradations", len(result.Degradations))
	return c.outcome(run, domain.ItemOutcome{
		Success:  true,
		Category: result.Category,
		Score:    result.Score,
	})
}

// fail turns a classified error into an error record.
func (c *BatchCoordinator) fail(ctx context.Context, run *itemRun, ce *domain.ClassifiedError) domain.ItemOutcome {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return c.abort(run, ce.Stage, ctxErr)
	}
	partial := c.handler.Degrade(run.itemID, ce, PartialResult{}, c.now().Sub(run.start))
	if partial.ErrorRecord == nil {
		partial.ErrorRecord = &domain.ErrorRecord{
			ItemID:     run.itemID,
			Stage:      ce.Stage,
			ErrorKind:  ce.Kind,
			Message:    errorMessage(ce),
			Retryable:  ce.Retryable,
			OccurredAt: c.now().UTC(),
		}
	}
	return c.failRecord(ctx, run, partial.ErrorRecord)
}

// failRecord persists the error record and reports the item failed.
func (c *BatchCoordinator) failRecord(ctx context.Context, run *itemRun, rec *domain.ErrorRecord) domain.ItemOutcome {
	retryable := rec.Retryable
	if _, err := c.persister.SaveError(ctx, run.runID, run.title, rec); err != nil {
		c.logger.Error("failed to persist error record", "item_id", run.itemID, "error", err)
		retryable = true
	}
	return c.outcome(run, domain.ItemOutcome{
		Error:     fmt.Sprintf("%s at %s: %s", rec.ErrorKind, rec.Stage, rec.Message),
		Retryable: retryable,
		Category:  domain.CategoryErrors,
	})
}

// abort reports an item cut short by cancellation; nothing is written.
func (c *BatchCoordinator) abort(run *itemRun, stage domain.Stage, err error) domain.ItemOutcome {
	c.logger.Warn("item aborted", "item_id", run.itemID, "stage", stage, "error", err)
	msg := fmt.Sprintf("aborted at %s: %v", stage, err)
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("deadline exceeded at %s", stage)
	}
	return c.outcome(run, domain.ItemOutcome{Error: msg, Retryable: true})
}

func (c *BatchCoordinator) outcome(run *itemRun, o domain.ItemOutcome) domain.ItemOutcome {
	o.ItemID = run.itemID
	o.MessageID = run.msg.MessageID
	o.DurationMs = c.now().Sub(run.start).Milliseconds()
	return o
}

func (c *BatchCoordinator) stageDone(stage domain.Stage, start time.Time, err error) {
	var kind domain.ErrorKind
	if err != nil {
		kind = Classify(err)
	}
	c.observer.StageCompleted(stage, c.now().Sub(start), kind)
}
