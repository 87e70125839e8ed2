package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stevecastle/lowkey-grid/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the mutating API routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokenService(cfg.JWTSecret)
			if err != nil {
				return err
			}
			tok, err := tokens.Issue(subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "viewer", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime; zero means one year")
	return cmd
}
