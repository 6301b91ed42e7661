package domain

import (
	"slices"
	"time"
)

// Scope is a permission carried by a service token.
type Scope string

const (
	// ScopeInvoke allows synchronous batch invocation
	ScopeInvoke Scope = "batches:invoke"

	// ScopeSubmit allows queueing work items
	ScopeSubmit Scope = "work-items:submit"
)

// ServiceClaims is the payload of a service token presented to the API.
// Callers are other services, not users.
type ServiceClaims struct {
	Subject   string  `json:"sub"`
	Scopes    []Scope `json:"scopes"`
	IssuedAt  int64   `json:"iat"`
	ExpiresAt int64   `json:"exp"`
}

// NewServiceClaims builds claims for subject valid for ttl from now.
func NewServiceClaims(subject string, ttl time.Duration, scopes ...Scope) *ServiceClaims {
	now := time.Now()
	return &ServiceClaims{
		Subject:   subject,
		Scopes:    scopes,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
}

// HasScope checks whether the claims grant scope
func (c *ServiceClaims) HasScope(scope Scope) bool {
	return slices.Contains(c.Scopes, scope)
}
