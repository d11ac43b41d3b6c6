package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/csmclient/bootstrap"
	"github.com/artpar/csmclient/config"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the inspection API server",
	Long: `Start the registry inspection API.

The server will:
  - Load configuration from csm.yaml (or --config)
  - Or load configuration from CSM_* environment variables
  - Open the service store and fetch the schema
  - Serve /schema, /services and /metrics over HTTP

Signals:
  SIGHUP    reload configuration (with --hot-reload)
  SIGUSR1   write a service dump to dump.file (stdout when unset)
  SIGINT    graceful shutdown

Environment variables:
  CSM_BACKEND_DRIVER   - memory or sqlite (default: sqlite)
  CSM_BACKEND_DSN      - Database path (default: csm.db)
  CSM_SCHEMA_FILE      - Schema YAML (default: built-in)
  CSM_SIGNING_SECRET   - Service signing secret
  CSM_SERVER_PORT      - Server port (default: 8642)
  CSM_LOG_LEVEL        - Log level: debug, info, warn, error

Examples:
  csmctl serve
  csmctl serve --config /etc/csm/csm.yaml
  csmctl serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	var (
		cfg    *config.Config
		holder *config.Holder
		err    error
	)
	if hasConfigFile && hotReload {
		// Hot reload only works with a config file.
		holder, err = config.NewHolder(cfgFile, bootstrap.SetupLogger(config.LoggingConfig{}, os.Stderr))
		if err != nil {
			return err
		}
		defer holder.Stop()
		cfg = holder.Get()
	} else {
		cfg, err = config.LoadWithFallback(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	app, err := bootstrap.New(cfg, bootstrap.WithVersion(version))
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer app.Close()

	if holder != nil {
		app.WatchConfig(holder)
		if err := holder.Watch(); err != nil {
			app.Logger.Warn().Err(err).Msg("config watch disabled")
		}
	}

	return app.Serve(cmd.Context())
}
