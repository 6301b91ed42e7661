package vespa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
	"github.com/custodia-labs/bidmatch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.KnowledgeBase = (*KnowledgeBase)(nil)

// Ranking profiles deployed with the capability schema
const (
	profileBM25   = "bm25"
	profileHybrid = "hybrid"
)

// KnowledgeBase implements driven.KnowledgeBase over a Vespa "capability"
// document type. Each knowledge base is a kb_id partition of that type.
type KnowledgeBase struct {
	baseURL    string
	docType    string
	targetHits int
	embedder   driven.EmbeddingService
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds Vespa connection configuration
type Config struct {
	// BaseURL is the Vespa query endpoint (e.g., http://localhost:8080)
	BaseURL string

	// DocumentType is the schema holding capability snippets (default "capability")
	DocumentType string

	// TargetHits bounds nearest neighbour candidates (default 100)
	TargetHits int

	// Timeout for HTTP requests
	Timeout time.Duration

	// Embedder enables hybrid ranking; nil falls back to BM25
	Embedder driven.EmbeddingService

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		DocumentType: "capability",
		TargetHits:   100,
		Timeout:      30 * time.Second,
	}
}

// NewKnowledgeBase creates a new Vespa-backed KnowledgeBase
func NewKnowledgeBase(cfg Config) *KnowledgeBase {
	if cfg.DocumentType == "" {
		cfg.DocumentType = "capability"
	}
	if cfg.TargetHits <= 0 {
		cfg.TargetHits = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeBase{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		docType:    cfg.DocumentType,
		targetHits: cfg.TargetHits,
		embedder:   cfg.Embedder,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type capabilityFields struct {
	KnowledgeBaseID string `json:"kb_id"`
	Title           string `json:"title"`
	SourceLocation  string `json:"source_location"`
	Content         string `json:"content"`
}

// searchResponse represents Vespa's search response format
type searchResponse struct {
	Root struct {
		Fields struct {
			TotalCount int64 `json:"totalCount"`
		} `json:"fields"`
		Errors []struct {
			Code    int    `json:"code"`
			Summary string `json:"summary"`
			Message string `json:"message"`
		} `json:"errors"`
		Children []struct {
			Relevance float64          `json:"relevance"`
			Fields    capabilityFields `json:"fields"`
		} `json:"children"`
	} `json:"root"`
}

// Retrieve runs a hybrid (or BM25) query scoped to one knowledge base
func (k *KnowledgeBase) Retrieve(ctx context.Context, req driven.RetrieveRequest) ([]domain.KnowledgeSnippet, error) {
	if strings.TrimSpace(req.Query) == "" {
		return []domain.KnowledgeSnippet{}, nil
	}

	var embedding []float32
	if k.embedder != nil {
		vec, err := k.embedder.EmbedQuery(ctx, req.Query)
		if err != nil {
			return nil, fmt.Errorf("vespa query embedding failed: %w", err)
		}
		embedding = vec
	}

	hits := req.MaxResults
	if hits <= 0 {
		hits = 10
	}
	searchReq := map[string]any{
		"yql":   k.buildYQL(req.KnowledgeBaseID, len(embedding) > 0),
		"query": req.Query,
		"hits":  hits,
	}
	if len(embedding) > 0 {
		searchReq["input.query(embedding)"] = embedding
		searchReq["ranking.profile"] = profileHybrid
	} else {
		searchReq["ranking.profile"] = profileBM25
	}

	var resp searchResponse
	if err := k.post(ctx, "/search/", searchReq, &resp); err != nil {
		return nil, err
	}
	if len(resp.Root.Errors) > 0 && len(resp.Root.Children) == 0 {
		e := resp.Root.Errors[0]
		return nil, fmt.Errorf("vespa search error %d: %s %s", e.Code, e.Summary, e.Message)
	}

	snippets := make([]domain.KnowledgeSnippet, 0, len(resp.Root.Children))
	for _, hit := range resp.Root.Children {
		snippets = append(snippets, domain.KnowledgeSnippet{
			Title:          hit.Fields.Title,
			SourceLocation: hit.Fields.SourceLocation,
			Content:        hit.Fields.Content,
			RelevanceScore: hit.Relevance,
		})
	}

	k.logger.Debug("vespa retrieve",
		"kb_id", req.KnowledgeBaseID,
		"profile", searchReq["ranking.profile"],
		"hits", len(snippets),
		"total", resp.Root.Fields.TotalCount)

	return snippets, nil
}

func (k *KnowledgeBase) buildYQL(kbID string, semantic bool) string {
	match := "userQuery()"
	if semantic {
		match = fmt.Sprintf("(userQuery() or ({targetHits:%d}nearestNeighbor(embedding,embedding)))", k.targetHits)
	}
	escapedID := strings.ReplaceAll(kbID, "\"", "\\\"")
	return fmt.Sprintf("select * from %s where %s and kb_id contains \"%s\"", k.docType, match, escapedID)
}

func (k *KnowledgeBase) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vespa request failed: %w: %v", domain.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vespa search failed: %s - %s: %w", resp.Status, string(respBody), statusSentinel(resp.StatusCode))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func statusSentinel(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.ErrThrottled
	case status == http.StatusGatewayTimeout:
		return domain.ErrTimeout
	case status >= 500:
		return domain.ErrServiceUnavailable
	default:
		return domain.ErrInvalidInput
	}
}

// HealthCheck verifies the container cluster is up
func (k *KnowledgeBase) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/state/v1/health", k.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vespa health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vespa unhealthy: %s", resp.Status)
	}

	return nil
}
