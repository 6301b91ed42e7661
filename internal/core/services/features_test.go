package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cucumber/godog"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

// matchingFeature holds the state of one scenario.
type matchingFeature struct {
	t        *testing.T
	pipeline *testPipeline
	batch    []domain.WorkItemMessage
	score    func() (string, error)

	mu           sync.Mutex
	scoringCalls int

	result *domain.BatchResult
	err    error
	stored domain.MatchResult
}

func (f *matchingFeature) reset() {
	f.pipeline = newTestPipeline(f.t)
	f.batch = nil
	f.score = nil
	f.scoringCalls = 0
	f.result = nil
	f.err = nil
	f.stored = domain.MatchResult{}
}

func (f *matchingFeature) anOpportunityStoredAt(title, key string) error {
	record := testRecord()
	record.Title = title
	putRecord(f.t, f.pipeline.store, key, record)
	f.batch = append(f.batch, domain.NewWorkItemMessage(testContainer, key))
	return nil
}

func (f *matchingFeature) aBatchItemWithoutAStorageReference() error {
	f.batch = append(f.batch, domain.WorkItemMessage{EventKind: domain.EventKindObjectCreated})
	return nil
}

func (f *matchingFeature) aBatchItemForAnEvent(kind, key string) error {
	f.batch = append(f.batch, domain.WorkItemMessage{
		StorageRef: &domain.StorageRef{Container: testContainer, Key: key},
		EventKind:  domain.EventKind(kind),
	})
	return nil
}

func (f *matchingFeature) theKnowledgeBaseReturnsSnippets(n int) error {
	snippets := testSnippets()
	if n > len(snippets) {
		return fmt.Errorf("only %d fixture snippets exist", len(snippets))
	}
	f.pipeline.kb.SetSnippets(snippets[:n]...)
	return nil
}

func (f *matchingFeature) countScoring(fn func() (string, error)) func() (string, error) {
	return func() (string, error) {
		f.mu.Lock()
		f.scoringCalls++
		f.mu.Unlock()
		return fn()
	}
}

func (f *matchingFeature) theScoringModelRepliesWithScore(score float64) error {
	f.score = f.countScoring(reply(scoringReply(score, "We migrated 40 DHS workloads to AWS GovCloud")))
	return nil
}

func (f *matchingFeature) theScoringModelRepliesCitingEverySnippet(score float64) error {
	var citations []map[string]string
	for _, s := range testSnippets() {
		citations = append(citations, map[string]string{"source": snippetName(s), "excerpt": s.Content})
	}
	data, err := json.Marshal(map[string]any{
		"score":          score,
		"rationale":      "Every requirement is backed by capability evidence.",
		"company_skills": []string{"AWS GovCloud"},
		"citations":      citations,
	})
	if err != nil {
		return err
	}
	f.score = f.countScoring(reply(string(data)))
	return nil
}

func (f *matchingFeature) theScoringModelIsThrottledBeforeReplying(failures int, score float64) error {
	calls := 0
	f.score = f.countScoring(func() (string, error) {
		calls++
		if calls <= failures {
			return "", fmt.Errorf("scoring: %w", domain.ErrThrottled)
		}
		return scoringReply(score, "We migrated 40 DHS workloads to AWS GovCloud"), nil
	})
	return nil
}

func (f *matchingFeature) theBatchIsProcessed() error {
	score := f.score
	if score == nil {
		score = f.countScoring(reply(scoringReply(0.5, "AWS GovCloud")))
	}
	f.pipeline.scriptLLM(reply(wellFormedExtraction("Security auditing", "FISMA compliance")), score)
	f.result, f.err = f.pipeline.coordinator.ProcessBatch(context.Background(), f.batch)
	return nil
}

func (f *matchingFeature) theResultIsStoredUnder(itemID, category string) error {
	if f.err != nil {
		return fmt.Errorf("batch failed: %w", f.err)
	}
	keys := f.pipeline.resultObjects("/" + category + "/" + itemID + ".json")
	if len(keys) != 1 {
		return fmt.Errorf("expected one %s result for %s, got %v", category, itemID, f.pipeline.store.PutKeys())
	}
	data, _ := f.pipeline.store.Object(testResultsContainer, keys[0])
	return json.Unmarshal(data, &f.stored)
}

func (f *matchingFeature) theStoredScoreIs(score float64) error {
	if f.stored.Score != score {
		return fmt.Errorf("expected score %v, got %v", score, f.stored.Score)
	}
	return nil
}

func (f *matchingFeature) theStoredResultHasNoCitations() error {
	if len(f.stored.Citations) != 0 || len(f.stored.CompanySkills) != 0 {
		return fmt.Errorf("expected no citations or company skills, got %d and %d",
			len(f.stored.Citations), len(f.stored.CompanySkills))
	}
	return nil
}

func (f *matchingFeature) theStoredRationaleMentions(text string) error {
	if !strings.Contains(strings.ToLower(f.stored.Rationale), strings.ToLower(text)) {
		return fmt.Errorf("rationale %q does not mention %q", f.stored.Rationale, text)
	}
	return nil
}

func (f *matchingFeature) theStoredResultCitesSnippets(n int) error {
	if len(f.stored.Citations) != n {
		return fmt.Errorf("expected %d citations, got %d", n, len(f.stored.Citations))
	}
	for _, c := range f.stored.Citations {
		if c.Backfilled {
			return fmt.Errorf("citation %s was backfilled, expected anchored", c.Source)
		}
	}
	return nil
}

func (f *matchingFeature) theScoringModelWasCalled(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scoringCalls != n {
		return fmt.Errorf("expected %d scoring calls, got %d", n, f.scoringCalls)
	}
	return nil
}

func (f *matchingFeature) exactlyResultIsWrittenFor(n int, itemID string) error {
	written := 0
	for _, k := range f.pipeline.store.PutKeys() {
		if strings.HasSuffix(k, "/"+itemID+".json") {
			written++
		}
	}
	if written != n {
		return fmt.Errorf("expected %d result writes for %s, got %d", n, itemID, written)
	}
	return nil
}

func (f *matchingFeature) theBatchIsRejectedAsMalformed() error {
	if !errors.Is(f.err, domain.ErrMalformedBatch) {
		return fmt.Errorf("expected malformed batch error, got %v", f.err)
	}
	if f.result != nil {
		return fmt.Errorf("expected no batch result, got %+v", f.result)
	}
	return nil
}

func (f *matchingFeature) noObjectsAreWritten() error {
	if keys := f.pipeline.store.PutKeys(); len(keys) != 0 {
		return fmt.Errorf("expected no writes, got %v", keys)
	}
	return nil
}

func (f *matchingFeature) noRecordsAreRead() error {
	if n := f.pipeline.store.GetCalls(); n != 0 {
		return fmt.Errorf("expected no reads, got %d", n)
	}
	return nil
}

func TestFeatures(t *testing.T) {
	f := &matchingFeature{t: t}

	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				f.reset()
				return ctx, nil
			})

			sc.Step(`^an opportunity titled "([^"]*)" stored at "([^"]*)"$`, f.anOpportunityStoredAt)
			sc.Step(`^a batch item without a storage reference$`, f.aBatchItemWithoutAStorageReference)
			sc.Step(`^a batch item for a "([^"]*)" event on "([^"]*)"$`, f.aBatchItemForAnEvent)
			sc.Step(`^the knowledge base returns (\d+) snippets$`, f.theKnowledgeBaseReturnsSnippets)
			sc.Step(`^the scoring model replies with score ([\d.]+)$`, f.theScoringModelRepliesWithScore)
			sc.Step(`^the scoring model replies with score ([\d.]+) citing every snippet$`, f.theScoringModelRepliesCitingEverySnippet)
			sc.Step(`^the scoring model is throttled (\d+) times before replying with score ([\d.]+)$`, f.theScoringModelIsThrottledBeforeReplying)
			sc.Step(`^the batch is processed$`, f.theBatchIsProcessed)
			sc.Step(`^the result for "([^"]*)" is stored under "([^"]*)"$`, f.theResultIsStoredUnder)
			sc.Step(`^the stored score is ([\d.]+)$`, f.theStoredScoreIs)
			sc.Step(`^the stored result has no citations$`, f.theStoredResultHasNoCitations)
			sc.Step(`^the stored rationale mentions "([^"]*)"$`, f.theStoredRationaleMentions)
			sc.Step(`^the stored result cites (\d+) snippets$`, f.theStoredResultCitesSnippets)
			sc.Step(`^the scoring model was called (\d+) times$`, f.theScoringModelWasCalled)
			sc.Step(`^exactly (\d+) result is written for "([^"]*)"$`, f.exactlyResultIsWrittenFor)
			sc.Step(`^the batch is rejected as malformed$`, f.theBatchIsRejectedAsMalformed)
			sc.Step(`^no objects are written$`, f.noObjectsAreWritten)
			sc.Step(`^no records are read$`, f.noRecordsAreRead)
		},
		Options: &godog.Options{
			Format:   "progress",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
