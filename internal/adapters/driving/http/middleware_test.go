package http

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTokens implements driven.TokenService with a fixed token table
type fakeTokens struct {
	claims map[string]*domain.ServiceClaims
}

func (f *fakeTokens) GenerateToken(claims *domain.ServiceClaims) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeTokens) ParseToken(token string) (*domain.ServiceClaims, error) {
	if token == "expired" {
		return nil, domain.ErrTokenExpired
	}
	if c, ok := f.claims[token]; ok {
		return c, nil
	}
	return nil, domain.ErrInvalidToken
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{claims: map[string]*domain.ServiceClaims{
		"invoker":   {Subject: "scheduler", Scopes: []domain.Scope{domain.ScopeInvoke}},
		"submitter": {Subject: "ingest-job", Scopes: []domain.Scope{domain.ScopeSubmit}},
	}}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{
			name:     "valid bearer token",
			header:   "Bearer abc123",
			expected: "abc123",
		},
		{
			name:     "bearer with extra spaces",
			header:   "Bearer   token-with-spaces   ",
			expected: "token-with-spaces",
		},
		{
			name:     "lowercase bearer",
			header:   "bearer token123",
			expected: "token123",
		},
		{
			name:     "empty header",
			header:   "",
			expected: "",
		},
		{
			name:     "no bearer prefix",
			header:   "token123",
			expected: "",
		},
		{
			name:     "basic auth",
			header:   "Basic dXNlcjpwYXNz",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			result := extractBearerToken(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestGetClaims(t *testing.T) {
	if GetClaims(context.TODO()) != nil {
		t.Error("expected nil for empty context")
	}

	claims := &domain.ServiceClaims{Subject: "scheduler"}
	ctx := context.WithValue(context.Background(), claimsContextKey, claims)
	if got := GetClaims(ctx); got != claims {
		t.Errorf("expected stored claims, got %v", got)
	}

	ctx = context.WithValue(context.Background(), claimsContextKey, "wrong type")
	if GetClaims(ctx) != nil {
		t.Error("expected nil for wrong type")
	}
}

func TestAuthMiddleware_RequireScope(t *testing.T) {
	m := NewAuthMiddleware(newFakeTokens())
	var seen *domain.ServiceClaims
	handler := m.RequireScope(domain.ScopeInvoke, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"missing token", "", http.StatusUnauthorized, "missing authorization token"},
		{"expired token", "Bearer expired", http.StatusUnauthorized, "token expired"},
		{"unknown token", "Bearer bogus", http.StatusUnauthorized, "invalid token"},
		{"wrong scope", "Bearer submitter", http.StatusForbidden, "batches:invoke"},
		{"granted", "Bearer invoker", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest("POST", "/api/v1/batches", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantBody != "" && !strings.Contains(rr.Body.String(), tt.wantBody) {
				t.Errorf("expected body to contain %q, got %s", tt.wantBody, rr.Body.String())
			}
			if tt.wantStatus == http.StatusOK && (seen == nil || seen.Subject != "scheduler") {
				t.Errorf("expected claims in context, got %v", seen)
			}
		})
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	m := NewAuthMiddleware(nil)
	if m.Enabled() {
		t.Error("expected auth disabled without a token service")
	}

	called := false
	handler := m.RequireScope(domain.ScopeInvoke, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/", nil))
	if !called {
		t.Error("expected handler to run without authentication")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/version", nil))

	out := buf.String()
	for _, want := range []string{"http request", "method=GET", "path=/version", "status=418"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log to contain %q, got %s", want, out)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := NewRecoveryMiddleware(discardLogger()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal server error") {
		t.Errorf("unexpected body: %s", rr.Body.String())
	}
}

func TestResponseWriter(t *testing.T) {
	rr := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rr, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.statusCode != http.StatusNotFound {
		t.Errorf("expected captured status 404, got %d", rw.statusCode)
	}
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected underlying status 404, got %d", rr.Code)
	}
}
