package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/auth"
	"github.com/knoguchi/medrag/internal/config"
)

func newTokenCommand() *cobra.Command {
	var (
		admin bool
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			if ttl <= 0 {
				ttl = cfg.JWTExpiry
			}

			role := auth.RoleUser
			if admin {
				role = auth.RoleAdmin
			}
			token, err := auth.NewJWTManager(auth.DefaultJWTConfig(cfg.JWTSecret)).
				GenerateTokenWithExpiry(args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_EXPIRY)")
	return cmd
}
