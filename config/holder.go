package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
)

// DefaultDebounce is how long Watch waits after the last file event
// before reloading.
const DefaultDebounce = 100 * time.Millisecond

// Holder provides thread-safe access to configuration with hot reload
// from file changes and SIGHUP.
type Holder struct {
	mu       sync.RWMutex
	config   *Config
	digest   [blake2b.Size256]byte
	path     string
	debounce time.Duration
	logger   zerolog.Logger
	onChange []func(*Config)
	onError  []func(error)
	stopCh   chan struct{}
	stopOnce sync.Once
}

// HolderOption configures a Holder.
type HolderOption func(*Holder)

// WithDebounce sets the quiet period Watch waits for before reloading.
func WithDebounce(d time.Duration) HolderOption {
	return func(h *Holder) { h.debounce = d }
}

// NewHolder loads the configuration at path.
func NewHolder(path string, logger zerolog.Logger, opts ...HolderOption) (*Holder, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	cfg, digest, err := loadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	h := &Holder{
		config:   cfg,
		digest:   digest,
		path:     absPath,
		debounce: DefaultDebounce,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func loadFile(path string) (*Config, [blake2b.Size256]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, [blake2b.Size256]byte{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, [blake2b.Size256]byte{}, err
	}
	return cfg, blake2b.Sum256(data), nil
}

// Get returns the current configuration.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Reload reads the file again and applies it even when its content has
// not changed. On failure the old configuration is kept.
func (h *Holder) Reload() error {
	return h.reload(true)
}

func (h *Holder) reload(force bool) error {
	cfg, digest, err := loadFile(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("path", h.path).Msg("config reload failed, keeping old config")
		h.mu.RLock()
		listeners := h.onError
		h.mu.RUnlock()
		for _, fn := range listeners {
			fn(err)
		}
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	if !force && digest == h.digest {
		h.mu.Unlock()
		h.logger.Debug().Str("path", h.path).Msg("config file unchanged")
		return nil
	}
	old := h.config
	h.config = cfg
	h.digest = digest
	listeners := h.onChange
	h.mu.Unlock()

	h.logChanges(old, cfg)
	for _, fn := range listeners {
		fn(cfg)
	}
	h.logger.Info().Str("path", h.path).Msg("configuration reloaded")
	return nil
}

// OnChange registers a callback run after every successful reload.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// OnError registers a callback run when a reload fails.
func (h *Holder) OnError(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onError = append(h.onError, fn)
}

// Watch reloads on SIGHUP and when the config file changes. Bursts of
// file events are collapsed, and a file whose content is unchanged is not
// applied again. Watch returns once the watcher is running.
func (h *Holder) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so atomic saves (rename over) are seen.
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go h.watchLoop(watcher, sigCh)

	h.logger.Info().Str("path", h.path).Msg("watching config file and SIGHUP for changes")
	return nil
}

// Stop ends Watch. It is safe to call more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *Holder) watchLoop(watcher *fsnotify.Watcher, sigCh chan os.Signal) {
	defer watcher.Close()
	defer signal.Stop(sigCh)

	filename := filepath.Base(h.path)
	timer := time.NewTimer(h.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.logger.Debug().
					Str("event", event.Op.String()).
					Str("file", event.Name).
					Msg("config file changed")
				timer.Reset(h.debounce)
			}

		case <-timer.C:
			h.reload(false)

		case <-sigCh:
			h.logger.Info().Msg("received SIGHUP, reloading config")
			h.reload(true)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("file watcher error")

		case <-h.stopCh:
			return
		}
	}
}

func (h *Holder) logChanges(old, new *Config) {
	for _, name := range Changed(old, new) {
		f := settingByName[name]
		ev := h.logger.Info()
		msg := "setting changed"
		if !f.reloadable {
			ev = h.logger.Warn()
			msg = "setting changed, restart to apply"
		}
		if f.secret {
			ev.Str("setting", name).Msg(msg)
			continue
		}
		ev.Str("setting", name).
			Interface("old", f.get(old)).
			Interface("new", f.get(new)).
			Msg(msg)
	}
}

type setting struct {
	name       string
	reloadable bool
	secret     bool
	get        func(*Config) any
}

var settings = []setting{
	{name: "logging.level", reloadable: true, get: func(c *Config) any { return c.Logging.Level }},
	{name: "dump.file", reloadable: true, get: func(c *Config) any { return c.Dump.File }},
	{name: "backend.driver", get: func(c *Config) any { return c.Backend.Driver }},
	{name: "backend.dsn", get: func(c *Config) any { return c.Backend.DSN }},
	{name: "schema.file", get: func(c *Config) any { return c.Schema.File }},
	{name: "signing.secret", secret: true, get: func(c *Config) any { return c.Signing.Secret }},
	{name: "logging.format", get: func(c *Config) any { return c.Logging.Format }},
	{name: "metrics.enabled", get: func(c *Config) any { return c.Metrics.Enabled }},
	{name: "metrics.path", get: func(c *Config) any { return c.Metrics.Path }},
	{name: "server.host", get: func(c *Config) any { return c.Server.Host }},
	{name: "server.port", get: func(c *Config) any { return c.Server.Port }},
	{name: "server.read_timeout", get: func(c *Config) any { return c.Server.ReadTimeout }},
	{name: "server.write_timeout", get: func(c *Config) any { return c.Server.WriteTimeout }},
}

var settingByName = func() map[string]setting {
	m := make(map[string]setting, len(settings))
	for _, s := range settings {
		m[s.name] = s
	}
	return m
}()

// Changed lists the settings that differ between old and new.
// This is a PURE function.
func Changed(old, new *Config) []string {
	var out []string
	for _, s := range settings {
		if s.get(old) != s.get(new) {
			out = append(out, s.name)
		}
	}
	return out
}

// ReloadableFields returns which fields can be changed without restart.
func ReloadableFields() []string {
	return fieldNames(true)
}

// NonReloadableFields returns which fields require a restart.
func NonReloadableFields() []string {
	return fieldNames(false)
}

func fieldNames(reloadable bool) []string {
	var out []string
	for _, s := range settings {
		if s.reloadable == reloadable {
			out = append(out, s.name)
		}
	}
	return out
}
