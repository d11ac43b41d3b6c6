package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/csmclient/adapters/schemafile"
	"github.com/artpar/csmclient/adapters/sqlite"
	"github.com/artpar/csmclient/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the csmctl configuration file.

Checks:
  - YAML syntax is valid
  - Values are in range
  - Schema file parses (optional)
  - Database is writable (optional)

Examples:
  csmctl validate
  csmctl validate --check-schema --check-database
  csmctl validate --config /etc/csm/csm.yaml`,
	RunE: runValidate,
}

var (
	validateCheckSchema   bool
	validateCheckDatabase bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckSchema, "check-schema", false, "check that the schema loads")
	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check that the database is writable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config syntax valid\n", checkMark)

	fmt.Fprintf(out, "  %s Backend: %s\n", checkMark, describeBackend(cfg.Backend))
	fmt.Fprintf(out, "  %s Schema: %s\n", checkMark, describeSchema(cfg.Schema.File))
	fmt.Fprintf(out, "  %s Server: %s\n", checkMark, cfg.Server.Addr())
	if cfg.Signing.Secret == "" {
		fmt.Fprintf(out, "  %s Signing secret not set, a random one is used per process\n", crossMark)
	}

	failed := false
	if validateCheckSchema {
		if err := checkSchema(cfg.Schema.File); err != nil {
			fmt.Fprintf(out, "  %s Schema loads\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
			failed = true
		} else {
			fmt.Fprintf(out, "  %s Schema loads\n", checkMark)
		}
	}

	if validateCheckDatabase && cfg.Backend.Driver == "sqlite" {
		if err := checkDatabaseWritable(cfg.Backend.DSN); err != nil {
			fmt.Fprintf(out, "  %s Database writable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
			failed = true
		} else {
			fmt.Fprintf(out, "  %s Database writable\n", checkMark)
		}
	}

	fmt.Fprintln(out)
	if failed {
		return fmt.Errorf("configuration checks failed")
	}
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

func describeBackend(b config.BackendConfig) string {
	if b.Driver == "sqlite" {
		return fmt.Sprintf("%s (%s)", b.DSN, b.Driver)
	}
	return b.Driver
}

func describeSchema(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}

func checkSchema(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := schemafile.Source(path).Load(ctx)
	return err
}

func checkDatabaseWritable(dsn string) error {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate()
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
