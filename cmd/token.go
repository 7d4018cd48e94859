package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/cardscan/internal/auth"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var (
		subject string
		scope   string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the rebuild endpoint",
		Example: `  curl -X POST -H "Authorization: Bearer $(cardscan token)" localhost:8080/update_db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.cfg.Auth.JWTSecret == "" {
				return errors.New("missing JWT secret: set CARDSCAN_JWT_SECRET or auth.jwt_secret")
			}
			if scope == "" {
				scope = root.cfg.Auth.RebuildScope
			}
			token, err := auth.IssueToken(root.cfg.Auth.JWTSecret, subject, root.cfg.Auth.Audience, scope, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "cardscan-cli", "Token subject")
	cmd.Flags().StringVar(&scope, "scope", "", "Granted scope (default auth.rebuild_scope)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	return cmd
}
