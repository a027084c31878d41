package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-governance/internal/domain"
	"github.com/xela07ax/spaceai-governance/internal/infra/auth"
	"github.com/xela07ax/spaceai-governance/internal/policy"
	"github.com/xela07ax/spaceai-governance/internal/repository/postgres"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply embedded database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is required for migrate")
		}
		if err := postgres.Migrate(cfg.Database.URL); err != nil {
			return err
		}
		logger.Info("migrations applied")
		return nil
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Governance rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a YAML rules file without starting the service",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Governance.RulesFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no rules file: pass a path or set governance.rules_file")
		}
		rules, err := policy.LoadRulesFile(path)
		if err != nil {
			return err
		}
		if rules == nil {
			return fmt.Errorf("rules file %s not found", path)
		}
		for _, r := range rules {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-8s %-8s %v\n", r.ID, r.Mode, r.Severity, r.ActionTypes)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d rules OK\n", len(rules))
		return nil
	},
}

var (
	tokenScopes []string
	tokenActor  string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue an RS256 console token (local development)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
		if err != nil {
			return err
		}
		actorType := domain.ActorType(tokenActor)
		if !actorType.Valid() {
			return fmt.Errorf("unknown actor type %q", tokenActor)
		}
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL
		}
		signed, err := auth.NewIssuer(key, ttl).Issue(args[0], actorType, tokenScopes...)
		if err != nil {
			return err
		}
		logger.Debug("token issued", zap.String("user_id", args[0]), zap.Strings("scopes", tokenScopes))
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "scopes, e.g. governance.admin,governance.approver")
	tokenCmd.Flags().StringVar(&tokenActor, "actor-type", string(domain.ActorUser), "user or agent")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
}
