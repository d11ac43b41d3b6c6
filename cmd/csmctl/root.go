package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/csmclient/bootstrap"
	"github.com/artpar/csmclient/config"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "csmctl",
	Short: "Inspect and publish services in a Commotion service registry",
	Long: `csmctl is a typed client for the Commotion service registry.

Every value is checked against the registry schema before it is sent to
the backend, and the backend validates whole services again on commit.

Quick start:
  csmctl schema list                       # Show the service schema
  csmctl services create name=chat uri=http://10.0.0.1 ttl=5 lifetime=3600
  csmctl services list                     # List local and remote services
  csmctl serve                             # Start the inspection API

Configuration comes from csm.yaml (or --config), falling back to CSM_*
environment variables when the file does not exist.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "csm.yaml", "config file path")
}

// openApp loads configuration and opens the schema catalog and service
// collection. Callers must Close the app.
func openApp(ctx context.Context) (*bootstrap.App, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := bootstrap.New(cfg, bootstrap.WithVersion(version))
	if err != nil {
		return nil, err
	}
	if err := app.Open(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}
