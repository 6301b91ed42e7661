package http

import (
	"context"
	"encoding/json"
	"errors"
	"go/ast"
	"go/parser"
	"go/token"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/bidmatch/internal/core/services"
)

// fakeProcessor implements driving.BatchProcessor
type fakeProcessor struct {
	items []domain.WorkItemMessage
	fn    func([]domain.WorkItemMessage) (*domain.BatchResult, error)
}

func (p *fakeProcessor) ProcessBatch(ctx context.Context, items []domain.WorkItemMessage) (*domain.BatchResult, error) {
	p.items = items
	if p.fn != nil {
		return p.fn(items)
	}
	if err := domain.ValidateBatch(items); err != nil {
		return nil, err
	}
	result := &domain.BatchResult{RunID: "run-1"}
	for _, m := range items {
		result.Add(domain.ItemOutcome{ItemID: m.ItemID(), Success: true, Category: domain.CategoryMatches, Score: 0.8})
	}
	return result, nil
}

type testServer struct {
	server    *Server
	processor *fakeProcessor
	queue     *mocks.MockWorkQueue
}

func newTestServer(t *testing.T, withAuth bool, checks map[string]Pinger) *testServer {
	t.Helper()
	proc := &fakeProcessor{}
	queue := mocks.NewMockWorkQueue()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bidmatch_items_total 0\n"))
	})
	deps := Deps{
		Processor: proc,
		Intake:    services.NewIntakeService(queue, 0, discardLogger()),
		Queue:     queue,
		Checks:    checks,
		Metrics:   metrics,
		Logger:    discardLogger(),
	}
	if withAuth {
		deps.Tokens = newFakeTokens()
	}
	cfg := DefaultConfig()
	cfg.Version = "1.2.3"
	cfg.MaxBodyBytes = 4096
	return &testServer{server: NewServer(cfg, deps), processor: proc, queue: queue}
}

func (ts *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	return rr
}

const validBatch = `{"items":[
	{"storageRef":{"container":"opportunities","key":"2026/abc.json"},"eventKind":"ObjectCreated:Put"},
	{"storageRef":{"container":"opportunities","key":"2026/def.json"},"eventKind":"created"}
]}`

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t, true, nil)

	rr := ts.do("GET", "/health", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("health: %d %s", rr.Code, rr.Body.String())
	}

	rr = ts.do("GET", "/version", "", "")
	if !strings.Contains(rr.Body.String(), "1.2.3") {
		t.Errorf("expected version in body, got %s", rr.Body.String())
	}

	rr = ts.do("GET", "/metrics", "", "")
	if !strings.Contains(rr.Body.String(), "bidmatch_items_total") {
		t.Errorf("expected metrics body, got %s", rr.Body.String())
	}
}

func TestReady(t *testing.T) {
	ts := newTestServer(t, false, map[string]Pinger{
		"queue": PingFunc(func(ctx context.Context) error { return nil }),
	})
	rr := ts.do("GET", "/ready", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	ts = newTestServer(t, false, map[string]Pinger{
		"queue":   PingFunc(func(ctx context.Context) error { return nil }),
		"storage": PingFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
	})
	rr = ts.do("GET", "/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var resp ReadyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Checks["queue"] != "ok" || resp.Checks["storage"] != "connection refused" {
		t.Errorf("unexpected checks: %v", resp.Checks)
	}
}

func TestProcessBatch_AllSucceed(t *testing.T) {
	ts := newTestServer(t, true, nil)

	rr := ts.do("POST", "/api/v1/batches", "invoker", validBatch)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var result domain.BatchResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Total != 2 || result.Successful != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(ts.processor.items) != 2 || ts.processor.items[1].StorageRef.Key != "2026/def.json" {
		t.Errorf("processor did not receive items in order: %+v", ts.processor.items)
	}
}

func TestProcessBatch_MultiStatus(t *testing.T) {
	ts := newTestServer(t, false, nil)
	ts.processor.fn = func(items []domain.WorkItemMessage) (*domain.BatchResult, error) {
		result := &domain.BatchResult{}
		result.Add(domain.ItemOutcome{ItemID: "abc", Success: true})
		result.Add(domain.ItemOutcome{ItemID: "def", Error: "throttled", Retryable: true})
		return result, nil
	}

	rr := ts.do("POST", "/api/v1/batches", "", validBatch)
	if rr.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d", rr.Code)
	}
}

func TestProcessBatch_Errors(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		body       string
		fn         func([]domain.WorkItemMessage) (*domain.BatchResult, error)
		wantStatus int
	}{
		{"unauthenticated", "", validBatch, nil, http.StatusUnauthorized},
		{"wrong scope", "submitter", validBatch, nil, http.StatusForbidden},
		{"invalid json", "invoker", `{"items":`, nil, http.StatusBadRequest},
		{"malformed batch", "invoker", `{"items":[{"eventKind":"ObjectCreated:Put"}]}`, nil, http.StatusBadRequest},
		{"empty batch", "invoker", `{"items":[]}`, nil, http.StatusBadRequest},
		{"too large", "invoker", `{"items":[` + strings.Repeat(" ", 5000) + `]}`, nil, http.StatusRequestEntityTooLarge},
		{
			"processor failure", "invoker", validBatch,
			func([]domain.WorkItemMessage) (*domain.BatchResult, error) { return nil, errors.New("boom") },
			http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, true, nil)
			ts.processor.fn = tt.fn
			rr := ts.do("POST", "/api/v1/batches", tt.token, tt.body)
			if rr.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSubmitWorkItems(t *testing.T) {
	ts := newTestServer(t, true, nil)

	rr := ts.do("POST", "/api/v1/work-items", "submitter", validBatch)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp SubmitResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	queued := ts.queue.Enqueued()
	if len(resp.DeliveryIDs) != 2 || len(queued) != 2 {
		t.Fatalf("expected 2 queued deliveries, got %v / %d", resp.DeliveryIDs, len(queued))
	}
	if queued[0].ID != resp.DeliveryIDs[0] || queued[0].Message.StorageRef.Key != "2026/abc.json" {
		t.Errorf("unexpected first delivery: %+v", queued[0])
	}
}

func TestSubmitWorkItems_Rejected(t *testing.T) {
	ts := newTestServer(t, true, nil)

	rr := ts.do("POST", "/api/v1/work-items", "submitter",
		`{"items":[{"storageRef":{"container":"c","key":"notes.txt"},"eventKind":"ObjectCreated:Put"}]}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if len(ts.queue.Enqueued()) != 0 {
		t.Error("nothing should be queued for a malformed batch")
	}

	ts.queue.EnqueueBatchFn = func([]*domain.Delivery) error { return errors.New("redis down") }
	rr = ts.do("POST", "/api/v1/work-items", "submitter", validBatch)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
}

func TestQueueStats(t *testing.T) {
	ts := newTestServer(t, true, nil)
	ts.do("POST", "/api/v1/work-items", "submitter", validBatch)

	rr := ts.do("GET", "/api/v1/queue/stats", "submitter", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"pending_count":2`) {
		t.Errorf("unexpected stats body: %s", rr.Body.String())
	}
}

func TestRoutesDisabledWithoutServices(t *testing.T) {
	s := NewServer(DefaultConfig(), Deps{Logger: discardLogger()})
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/batches", strings.NewReader(validBatch)))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a processor, got %d", rr.Code)
	}
}

func TestHandlersCarryAPIDocs(t *testing.T) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "handlers.go", nil, parser.ParseComments)
	if err != nil {
		t.Fatalf("parse handlers.go: %v", err)
	}

	routes := make(map[string]bool)
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv == nil || !strings.HasPrefix(fn.Name.Name, "handle") {
			continue
		}
		doc := fn.Doc.Text()
		if !strings.HasPrefix(doc, fn.Name.Name+" godoc") {
			t.Errorf("%s: missing godoc block", fn.Name.Name)
		}
		for _, tag := range []string{"@Summary", "@Tags", "@Produce", "@Success", "@Router"} {
			if !strings.Contains(doc, tag) {
				t.Errorf("%s: missing %s", fn.Name.Name, tag)
			}
		}
		for _, line := range strings.Split(doc, "\n") {
			if fields := strings.Fields(line); len(fields) == 3 && fields[0] == "@Router" {
				routes[strings.ToUpper(strings.Trim(fields[2], "[]"))+" "+fields[1]] = true
			}
		}
	}

	for _, want := range []string{
		"GET /health",
		"GET /ready",
		"GET /version",
		"POST /api/v1/batches",
		"POST /api/v1/work-items",
		"GET /api/v1/queue/stats",
	} {
		if !routes[want] {
			t.Errorf("no handler documents %s", want)
		}
	}
}
