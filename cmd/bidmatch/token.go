package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/bidmatch/internal/adapters/driven/auth"
	"github.com/custodia-labs/bidmatch/internal/core/domain"
)

var (
	tokenSubject string
	tokenScopes  []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a service token for the HTTP API",
	Long: `Signs a JWT with JWT_SECRET for a calling service. Scopes are
batches:invoke (synchronous batches) and work-items:submit (queue submission).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("JWT_SECRET is not set")
		}

		scopes := make([]domain.Scope, 0, len(tokenScopes))
		for _, s := range tokenScopes {
			scope := domain.Scope(s)
			if scope != domain.ScopeInvoke && scope != domain.ScopeSubmit {
				return fmt.Errorf("%w: unknown scope %q", domain.ErrInvalidInput, s)
			}
			scopes = append(scopes, scope)
		}

		claims := domain.NewServiceClaims(tokenSubject, cfg.Auth.TokenTTL, scopes...)
		token, err := auth.NewAdapter(cfg.Auth.JWTSecret).GenerateToken(claims)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "bidmatch-client", "calling service name")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope",
		[]string{string(domain.ScopeInvoke), string(domain.ScopeSubmit)}, "granted scopes")
}
