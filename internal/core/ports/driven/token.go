package driven

import "github.com/custodia-labs/bidmatch/internal/core/domain"

// TokenService signs and verifies service tokens for the API.
type TokenService interface {
	// GenerateToken signs claims into a token string.
	GenerateToken(claims *domain.ServiceClaims) (string, error)

	// ParseToken verifies a token and returns its claims.
	// Returns domain.ErrTokenExpired or domain.ErrInvalidToken (possibly wrapped).
	ParseToken(token string) (*domain.ServiceClaims, error)
}
