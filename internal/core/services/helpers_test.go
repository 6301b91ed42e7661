package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven/mocks"
)

const (
	testContainer        = "opportunities"
	testResultsContainer = "results"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sleepRecorder replaces real sleeps and records requested durations.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

// newTestRetrier returns a default-policy retrier that never really sleeps.
func newTestRetrier(rec *sleepRecorder) *Retrier {
	if rec == nil {
		rec = &sleepRecorder{}
	}
	return NewRetrier(RetrierConfig{
		Policy: DefaultRetryPolicy(),
		Sleep:  rec.sleep,
		Random: func() float64 { return 0.5 },
		Logger: discardLogger(),
	})
}

// wellFormedExtraction is a model reply carrying every section marker.
func wellFormedExtraction(skills ...string) string {
	var b strings.Builder
	b.WriteString("Here is the brief.\n\n")
	b.WriteString(domain.BusinessSummaryHeader + "\n")
	for _, m := range domain.BusinessSubsections {
		b.WriteString(m + " Cloud migration services for the agency.\n")
	}
	b.WriteString("\n" + domain.NonTechnicalSummaryHeader + "\n")
	for _, m := range domain.NonTechnicalSubsections {
		b.WriteString(m + " Moving systems to the cloud.\n")
	}
	data, _ := json.Marshal(skills)
	b.WriteString("\n" + domain.SkillsMarker + " " + string(data) + "\n")
	return b.String()
}

func scoringReply(score float64, excerpt string) string {
	reply := map[string]any{
		"score":                       score,
		"rationale":                   "The company has delivered comparable cloud migrations.",
		"opportunity_required_skills": []string{"Cloud migration", "AWS GovCloud"},
		"company_skills":              []string{"AWS GovCloud", "Kubernetes"},
		"past_performance":            []string{"DHS data center consolidation"},
		"citations":                   []map[string]string{{"source": "capabilities.pdf", "excerpt": excerpt}},
	}
	data, _ := json.Marshal(reply)
	return "```json\n" + string(data) + "\n```"
}

func testSnippets() []domain.KnowledgeSnippet {
	return []domain.KnowledgeSnippet{
		{
			Title:          "Capabilities Statement",
			SourceLocation: "s3://kb/docs/capabilities.pdf",
			Content:        "We migrated 40 DHS workloads to AWS GovCloud using Kubernetes and Terraform pipelines.",
			RelevanceScore: 0.91,
		},
		{
			Title:          "Past Performance",
			SourceLocation: "s3://kb/docs/past-performance.docx",
			Content:        "Data center consolidation for a federal civilian agency, FedRAMP moderate.",
			RelevanceScore: 0.84,
		},
		{
			Title:          "Team Resumes",
			SourceLocation: "s3://kb/docs/resumes.pdf",
			Content:        "Certified AWS solutions architects with active secret clearances.",
			RelevanceScore: 0.62,
		},
	}
}

func putRecord(t *testing.T, store *mocks.MockObjectStore, key string, record any) {
	t.Helper()
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	store.SetObject(testContainer, key, data)
}

func testRecord() domain.OpportunityRecord {
	return domain.OpportunityRecord{
		NoticeID:           "abc123",
		Title:              "Cloud Migration Support Services",
		Description:        "<p>The agency requires <b>cloud migration</b> services.</p>",
		SolicitationNumber: "70T01026Q0001",
		Agency:             "Department of Homeland Security",
		NAICSCode:          "541512",
		PostedDate:         "2026-10-01",
		ResponseDeadline:   "2026-11-01",
	}
}

// testPipeline wires a coordinator over in-memory mocks.
type testPipeline struct {
	store       *mocks.MockObjectStore
	llm         *mocks.MockLLMService
	kb          *mocks.MockKnowledgeBase
	observer    *mocks.MockObserver
	lock        *mocks.MockDistributedLock
	coordinator *BatchCoordinator
}

type pipelineOption func(*BatchCoordinatorConfig, *testPipeline)

func withLock() pipelineOption {
	return func(cfg *BatchCoordinatorConfig, p *testPipeline) {
		p.lock = mocks.NewMockDistributedLock()
		cfg.Lock = p.lock
	}
}

func withoutKnowledgeBase() pipelineOption {
	return func(cfg *BatchCoordinatorConfig, p *testPipeline) {
		cfg.Retriever = NewKnowledgeRetriever(KnowledgeRetrieverConfig{Logger: discardLogger()})
	}
}

func newTestPipeline(t *testing.T, opts ...pipelineOption) *testPipeline {
	t.Helper()
	logger := discardLogger()
	p := &testPipeline{
		store:    mocks.NewMockObjectStore(),
		llm:      mocks.NewMockLLMService(),
		kb:       mocks.NewMockKnowledgeBase(testSnippets()...),
		observer: mocks.NewMockObserver(),
	}
	retrier := newTestRetrier(nil)

	cfg := BatchCoordinatorConfig{
		Loader: NewRecordLoader(RecordLoaderConfig{Store: p.store, Logger: logger}),
		Extractor: NewInformationExtractor(InformationExtractorConfig{
			LLM: p.llm, Retrier: retrier, Logger: logger,
		}),
		Retriever: NewKnowledgeRetriever(KnowledgeRetrieverConfig{
			KnowledgeBase: p.kb, KnowledgeBaseID: "kb-1", Retrier: retrier, Observer: p.observer, Logger: logger,
		}),
		Scorer: NewMatchScorer(MatchScorerConfig{
			LLM: p.llm, Retrier: retrier, MatchThreshold: 0.7, Logger: logger,
		}),
		Persister: NewResultPersister(ResultPersisterConfig{
			Store: p.store, Container: testResultsContainer, MatchThreshold: 0.7, Logger: logger,
		}),
		Handler:  NewDegradationHandler(DegradationHandlerConfig{Logger: logger}),
		Observer: p.observer,
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(&cfg, p)
	}
	p.coordinator = NewBatchCoordinator(cfg)
	return p
}

// resultObjects returns persisted objects under the results container
// whose key contains fragment.
func (p *testPipeline) resultObjects(fragment string) []string {
	var keys []string
	for _, k := range p.store.PutKeys() {
		if strings.Contains(k, fragment) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (p *testPipeline) decodeResult(t *testing.T, key string) domain.MatchResult {
	t.Helper()
	data, ok := p.store.Object(testResultsContainer, key)
	if !ok {
		t.Fatalf("expected object %s", key)
	}
	var r domain.MatchResult
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return r
}

var _ driven.ObjectStore = (*mocks.MockObjectStore)(nil)
var _ driven.LLMService = (*mocks.MockLLMService)(nil)
var _ driven.KnowledgeBase = (*mocks.MockKnowledgeBase)(nil)
var _ driven.PipelineObserver = (*mocks.MockObserver)(nil)
var _ driven.DistributedLock = (*mocks.MockDistributedLock)(nil)
