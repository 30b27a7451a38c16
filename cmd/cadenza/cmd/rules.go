package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cadenza-automation/cadenza/internal/core/db"
	"github.com/cadenza-automation/cadenza/internal/engine"
	"github.com/cadenza-automation/cadenza/internal/listener"
	"github.com/cadenza-automation/cadenza/internal/rules"
	"github.com/cadenza-automation/cadenza/internal/store"
	"github.com/cadenza-automation/cadenza/internal/types"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Validate and import rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate YAML or JSON rule files against the configured platforms",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRulesValidate,
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a rule file into the database",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesImport,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd, rulesImportCmd)
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	validator := rules.NewValidator(reg, listener.ValidateTrigger)

	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		rs, err := store.LoadFile(path)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", path, err)
			failed++
			continue
		}
		bad := 0
		for i, r := range rs {
			err := validator.Validate(r)
			var verr *types.ValidationError
			switch {
			case err == nil:
				continue
			case errors.As(err, &verr):
				for _, p := range verr.Problems {
					fmt.Fprintf(out, "%s: rules[%d] %q: %s: %s\n", path, i, r.Name, p.Field, p.Message)
				}
			default:
				fmt.Fprintf(out, "%s: rules[%d] %q: %v\n", path, i, r.Name, err)
			}
			bad++
		}
		failed += bad
		if bad == 0 {
			fmt.Fprintf(out, "%s: %d rules ok\n", path, len(rs))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d invalid rules", failed)
	}
	return nil
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url or --db-url required")
	}
	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	rs, err := store.LoadFile(args[0])
	if err != nil {
		return err
	}

	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()
	if err := requireMigrated(ctx, database); err != nil {
		return err
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}

	// No engine here: a running server sees the rules after a restart.
	mgr := engine.NewManager(store.NewSQLStore(queries), rules.NewValidator(reg, listener.ValidateTrigger), nil, nil, logger)
	res, err := mgr.Import(ctx, rs)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d\n", len(res.Created), len(res.Updated))
	return nil
}
