package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

const (
	resultContentType = "application/json"
	runIndexPrefix    = "runs"
	runStampLayout    = "20060102t1504Z"
)

// ResultPersister writes categorized results and the run index.
type ResultPersister struct {
	store     driven.ObjectStore
	container string
	threshold float64
	logger    *slog.Logger
}

// ResultPersisterConfig holds dependencies for ResultPersister.
type ResultPersisterConfig struct {
	Store driven.ObjectStore

	// Container is the results container
	Container string

	// MatchThreshold is the minimum score for the matches folder. Zero
	// selects 0.7; config validation rejects an explicit zero.
	MatchThreshold float64

	Logger *slog.Logger
}

// NewResultPersister creates a new ResultPersister.
func NewResultPersister(cfg ResultPersisterConfig) *ResultPersister {
	p := &ResultPersister{
		store:     cfg.Store,
		container: cfg.Container,
		threshold: cfg.MatchThreshold,
		logger:    cfg.Logger,
	}
	if p.threshold <= 0 {
		p.threshold = DefaultMatchThreshold
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// ResultKey is "{YYYY-MM-DD}/{category}/{itemId}.json" in UTC.
func ResultKey(at time.Time, category domain.Category, itemID string) string {
	return fmt.Sprintf("%s/%s/%s.json", at.UTC().Format("2006-01-02"), category, itemID)
}

// RunSummaryKey is "runs/{YYYYMMDDtHHMMZ}_{itemId}.json" in UTC.
func RunSummaryKey(at time.Time, itemID string) string {
	return fmt.Sprintf("%s/%s_%s.json", runIndexPrefix, at.UTC().Format(runStampLayout), itemID)
}

// SaveResult categorizes and writes a match result, then its run summary.
// Only the categorized write can fail the call.
func (p *ResultPersister) SaveResult(ctx context.Context, runID string, result *domain.MatchResult) (string, error) {
	result.Category = domain.Categorize(result.Score, p.threshold)
	result.IsMatch = result.Category == domain.CategoryMatches

	key := ResultKey(result.ProcessedAt, result.Category, result.ItemID)
	if err := p.putJSON(ctx, key, result); err != nil {
		return "", domain.NewClassifiedError(domain.ErrorKindDataAccess, true,
			fmt.Errorf("write result %s: %w", key, err)).WithStage(domain.StagePersist)
	}

	status := domain.RunStatusCompleted
	if len(result.Degradations) > 0 {
		status = domain.RunStatusDegraded
	}
	p.saveSummary(ctx, domain.RunSummary{
		RunID:     runID,
		Timestamp: result.ProcessedAt.UTC(),
		ItemID:    result.ItemID,
		Category:  result.Category,
		Score:     result.Score,
		Title:     result.Title,
		Status:    status,
	})
	return key, nil
}

// SaveError writes an error record to the errors folder, then its run summary.
func (p *ResultPersister) SaveError(ctx context.Context, runID, title string, rec *domain.ErrorRecord) (string, error) {
	key := ResultKey(rec.OccurredAt, domain.CategoryErrors, rec.ItemID)
	if err := p.putJSON(ctx, key, rec); err != nil {
		return "", domain.NewClassifiedError(domain.ErrorKindDataAccess, true,
			fmt.Errorf("write error record %s: %w", key, err)).WithStage(domain.StagePersist)
	}

	p.saveSummary(ctx, domain.RunSummary{
		RunID:     runID,
		Timestamp: rec.OccurredAt.UTC(),
		ItemID:    rec.ItemID,
		Category:  domain.CategoryErrors,
		Title:     title,
		Status:    domain.RunStatusFailed,
	})
	return key, nil
}

// saveSummary is best-effort; failures are logged only.
func (p *ResultPersister) saveSummary(ctx context.Context, summary domain.RunSummary) {
	key := RunSummaryKey(summary.Timestamp, summary.ItemID)
	if err := p.putJSON(ctx, key, summary); err != nil {
		p.logger.Warn("failed to write run summary", "key", key, "item_id", summary.ItemID, "error", err)
	}
}

func (p *ResultPersister) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return p.store.Put(ctx, p.container, key, data, resultContentType)
}
