// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/csmclient/adapters/backend"
	"github.com/artpar/csmclient/adapters/clock"
	apihttp "github.com/artpar/csmclient/adapters/http"
	"github.com/artpar/csmclient/adapters/idgen"
	"github.com/artpar/csmclient/adapters/memory"
	"github.com/artpar/csmclient/adapters/metrics"
	"github.com/artpar/csmclient/adapters/random"
	"github.com/artpar/csmclient/adapters/schemafile"
	"github.com/artpar/csmclient/adapters/signer"
	"github.com/artpar/csmclient/adapters/sqlite"
	"github.com/artpar/csmclient/config"
	"github.com/artpar/csmclient/core/record"
	"github.com/artpar/csmclient/core/registry"
	"github.com/artpar/csmclient/core/schema"
	"github.com/artpar/csmclient/ports"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 30 * time.Second

// App represents the running application.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Version string

	DB      *sqlite.DB
	Store   ports.ServiceStore
	Engine  *backend.Engine
	Backend ports.Backend
	Signer  *signer.Blake2b

	Metrics  *metrics.Collector
	Registry *prometheus.Registry

	// Set by Open.
	Catalog    *schema.Catalog
	Collection *registry.Collection

	// Set by Serve.
	HTTPServer *http.Server

	ids      ports.IDGenerator
	mu       sync.Mutex
	dumpFile string
	handler  *apihttp.ServiceHandler
}

// Option configures an App.
type Option func(*App)

// WithLogger replaces the logger built from the logging config.
func WithLogger(l zerolog.Logger) Option {
	return func(a *App) { a.Logger = l }
}

// WithVersion sets the version reported by GET /version.
func WithVersion(v string) Option {
	return func(a *App) { a.Version = v }
}

// WithIDGenerator replaces the random service key generator.
func WithIDGenerator(g ports.IDGenerator) Option {
	return func(a *App) { a.ids = g }
}

// New builds the store, backend and metrics described by cfg. Call Open
// before using Catalog or Collection.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   SetupLogger(cfg.Logging, os.Stderr),
		Version:  "dev",
		dumpFile: cfg.Dump.File,
		ids:      idgen.Hex{},
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.initStore(); err != nil {
		return nil, err
	}

	sign, err := a.initSigner()
	if err != nil {
		a.closeDB()
		return nil, err
	}
	a.Signer = sign

	a.Engine = backend.New(
		schemafile.Source(cfg.Schema.File),
		a.Store,
		backend.WithIDGenerator(a.ids),
		backend.WithSigner(sign),
		backend.WithClock(clock.Real{}),
		backend.WithLogger(a.Logger),
	)
	a.Backend = a.Engine

	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Metrics = metrics.NewWithRegistry(a.Registry)
		a.Backend = metrics.Instrument(a.Engine, a.Metrics)
	}

	a.Logger.Debug().
		Str("driver", cfg.Backend.Driver).
		Str("schema", schemaName(cfg.Schema.File)).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("application initialized")
	return a, nil
}

func (a *App) initStore() error {
	switch a.Config.Backend.Driver {
	case "memory":
		a.Store = memory.NewServiceStore()
	case "sqlite":
		db, err := sqlite.Open(a.Config.Backend.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("migrate database: %w", err)
		}
		a.DB = db
		a.Store = sqlite.NewServiceStore(db)
	default:
		return fmt.Errorf("unknown backend driver %q", a.Config.Backend.Driver)
	}
	return nil
}

func (a *App) initSigner() (*signer.Blake2b, error) {
	if a.Config.Signing.Secret != "" {
		s, err := signer.New([]byte(a.Config.Signing.Secret))
		if err != nil {
			return nil, fmt.Errorf("signing secret: %w", err)
		}
		return s, nil
	}
	a.Logger.Warn().Msg("no signing secret configured, signatures will not survive a restart")
	s, err := signer.Ephemeral(random.Real{})
	if err != nil {
		return nil, fmt.Errorf("generate signing secret: %w", err)
	}
	return s, nil
}

// Open fetches the schema catalog and a snapshot of the registry.
func (a *App) Open(ctx context.Context) error {
	catalog, err := schema.Fetch(ctx, a.Backend, a.Logger)
	if err != nil {
		return err
	}
	coll, err := registry.New(ctx, a.Backend,
		registry.WithLogger(a.Logger),
		registry.WithRecordOptions(record.WithCatalog(catalog), record.WithLogger(a.Logger)),
	)
	if err != nil {
		catalog.Close()
		return err
	}
	a.Catalog = catalog
	a.Collection = coll
	return nil
}

// NewRecord creates a local service record checked against the catalog.
func (a *App) NewRecord(ctx context.Context) (*record.Record, error) {
	return record.CreateNew(ctx, a.Backend, record.WithCatalog(a.Catalog), record.WithLogger(a.Logger))
}

// Verify reports whether r carries a signature made with this process's
// signing secret.
func (a *App) Verify(r *record.Record) bool {
	v, err := r.Get(ports.SignatureField)
	if err != nil {
		return false
	}
	sig, ok := v.AsString()
	return ok && a.Signer.Verify(r.Fields(), sig)
}

// Handler builds the inspection API router over the open catalog and
// collection.
func (a *App) Handler() http.Handler {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.handler == nil {
		a.handler = apihttp.NewServiceHandler(a.Backend, a.Catalog, a.Collection, a.Logger)
	}
	cfg := apihttp.RouterConfig{
		Version:     a.Version,
		MetricsPath: a.Config.Metrics.Path,
		Timeout:     a.Config.Server.WriteTimeout,
	}
	if a.Metrics != nil {
		cfg.Metrics = a.Metrics
		cfg.Gatherer = a.Registry
	}
	return apihttp.NewRouter(a.handler, a.Logger, cfg)
}

// Serve runs the inspection API until ctx is done or SIGINT/SIGTERM
// arrives. SIGUSR1 writes a service dump to the configured dump file.
func (a *App) Serve(ctx context.Context) error {
	if a.Collection == nil {
		if err := a.Open(ctx); err != nil {
			return err
		}
	}

	a.HTTPServer = &http.Server{
		Addr:         a.Config.Server.Addr(),
		Handler:      a.Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	dump := make(chan os.Signal, 1)
	signal.Notify(dump, syscall.SIGUSR1)
	defer signal.Stop(dump)

	for {
		select {
		case err := <-errCh:
			return fmt.Errorf("server error: %w", err)
		case <-dump:
			path := a.DumpFile()
			if err := a.Dump(ctx, path); err != nil {
				a.Logger.Error().Err(err).Str("file", path).Msg("service dump failed")
			} else {
				a.Logger.Info().Str("file", path).Msg("service dump written")
			}
		case sig := <-quit:
			a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
			return a.stopServer()
		case <-ctx.Done():
			a.Logger.Info().Msg("context done, shutting down")
			return a.stopServer()
		}
	}
}

func (a *App) stopServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// Dump writes the service listing to path, or to standard output when
// path is empty. The collection is refreshed first.
func (a *App) Dump(ctx context.Context, path string) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create dump file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return a.DumpTo(ctx, w)
}

// DumpTo refreshes the collection and writes its listing to w.
func (a *App) DumpTo(ctx context.Context, w io.Writer) error {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()

	// While serving, the handler owns the collection lock.
	if h != nil {
		return h.Dump(ctx, w)
	}
	if err := a.Collection.Refresh(ctx); err != nil {
		return err
	}
	return a.Collection.Dump(w)
}

// DumpFile returns the current dump destination; empty means stdout.
func (a *App) DumpFile() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dumpFile
}

// WatchConfig applies reloadable settings from h and counts reloads.
func (a *App) WatchConfig(h *config.Holder) {
	h.OnChange(func(cfg *config.Config) {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
		a.mu.Lock()
		a.dumpFile = cfg.Dump.File
		a.mu.Unlock()

		if a.Metrics != nil {
			a.Metrics.ConfigReloads.Inc()
			a.Metrics.ConfigLastReload.SetToCurrentTime()
		}
	})
	h.OnError(func(err error) {
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
	})
}

// Close releases the collection, the catalog and the database.
func (a *App) Close() error {
	var errList []error
	if a.Collection != nil {
		errList = append(errList, a.Collection.Close())
	}
	if a.Catalog != nil {
		errList = append(errList, a.Catalog.Close())
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close database: %w", err))
		}
		a.DB = nil
	}
	return errors.Join(errList...)
}

func (a *App) closeDB() {
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
		a.DB = nil
	}
}

// SetupLogger builds the process logger and sets the global level.
// Unknown levels fall back to info.
func SetupLogger(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func schemaName(path string) string {
	if path == "" {
		return "default"
	}
	return path
}
