package main

import (
	"fmt"
	"time"

	"apex-codegen/internal/auth"

	"github.com/spf13/cobra"
)

var (
	tokenRole     string
	tokenProjects []string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an API bearer token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is not set")
		}
		token, err := auth.NewTokenService(cfg.Auth.JWTSecret, tokenTTL).Issue(args[0], tokenRole, tokenProjects...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleUser, "token role (user or admin)")
	tokenCmd.Flags().StringSliceVar(&tokenProjects, "project", nil, "restrict the token to these project ids")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTokenExpiry, "token lifetime")
}
