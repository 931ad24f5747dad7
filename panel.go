// Package panel wires the registry, the systemd bridge, backups and
// history into one application object. The CLI and the HTTP server are
// thin layers over it; programs embedding panel can use it directly.
package panel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/panel/internal/auth"
	"github.com/loykin/panel/internal/backup"
	"github.com/loykin/panel/internal/config"
	"github.com/loykin/panel/internal/detector"
	"github.com/loykin/panel/internal/history"
	"github.com/loykin/panel/internal/history/factory"
	"github.com/loykin/panel/internal/logger"
	"github.com/loykin/panel/internal/metrics"
	"github.com/loykin/panel/internal/registry"
	"github.com/loykin/panel/internal/server"
	"github.com/loykin/panel/internal/store"
	"github.com/loykin/panel/internal/supervisor"
)

// Re-exported for embedders.
type (
	Config          = config.Config
	ServiceView     = registry.ServiceView
	RegisterRequest = registry.RegisterRequest
	EditRequest     = registry.EditRequest
)

// App holds every long-lived component of a panel process.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *store.Store
	Bridge   supervisor.Bridge
	Registry *registry.Registry
	Backup   *backup.Manager
	History  *history.Recorder

	closers []io.Closer
}

type openOptions struct {
	bridge     supervisor.Bridge
	detector   registry.PortDetector
	console    io.Writer
	registerer prometheus.Registerer
}

type Option func(*openOptions)

// WithBridge replaces the systemd bridge, typically with supervisor.Fake.
func WithBridge(b supervisor.Bridge) Option { return func(o *openOptions) { o.bridge = b } }

// WithDetector replaces the gopsutil based port detector.
func WithDetector(d registry.PortDetector) Option {
	return func(o *openOptions) { o.detector = d }
}

// WithConsole sets where console logs go; stderr by default.
func WithConsole(w io.Writer) Option { return func(o *openOptions) { o.console = w } }

// WithRegisterer sets where metrics are registered when enabled.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *openOptions) { o.registerer = r }
}

// Open builds an App from cfg. Close releases the log file and history
// sinks.
func Open(cfg *config.Config, opts ...Option) (*App, error) {
	o := openOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	log, logCloser, err := logger.New(cfg.Log, o.console)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: log, closers: []io.Closer{logCloser}}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sinks, err := factory.NewSinksFromDSNs(cfg.History.DSNs, factory.Options{
		Breaker: history.BreakerConfig{
			FailureThreshold: cfg.History.FailureThreshold,
			OpenTimeout:      cfg.History.OpenTimeout,
		},
		Logger: log,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	var sink history.Sink
	if len(sinks) > 0 {
		sink = sinks
	}
	app.History = history.NewRecorder(sink, log.With("component", "history"))
	app.closers = append(app.closers, app.History)

	app.Bridge = o.bridge
	if app.Bridge == nil {
		app.Bridge = supervisor.NewSystemd(supervisor.SystemdConfig{
			UnitTemplate: cfg.Supervisor.UnitTemplate,
			User:         cfg.Supervisor.User,
			EnvDir:       cfg.Paths.EnvDir,
			UnitDir:      cfg.Paths.UnitDir,
			HomeDir:      cfg.Home,
			Timeout:      cfg.Supervisor.Timeout,
			Logger:       log.With("component", "supervisor"),
		})
	}
	det := o.detector
	if det == nil {
		det = detector.New(app.Bridge)
	}

	app.Store = store.New(cfg.Paths.RegistryFile,
		store.WithLockTimeout(cfg.Supervisor.LockTimeout),
		store.WithLogger(log.With("component", "store")))
	app.Backup = backup.New(app.Store, backup.Config{
		BackupDir:     cfg.Paths.BackupDir,
		LastKnownGood: cfg.Paths.LastKnownGood,
		EnvDir:        cfg.Paths.EnvDir,
		Keep:          cfg.Backup.Keep,
		Units:         app.Bridge,
		History:       app.History,
		Logger:        log.With("component", "backup"),
	})
	app.Store.AddHook(app.Backup)

	app.Registry = registry.New(app.Store, app.Bridge,
		registry.WithDetector(det),
		registry.WithHistory(app.History),
		registry.WithLogger(log.With("component", "registry")),
		registry.WithHome(cfg.Home),
		registry.WithReconcile(cfg.Supervisor.ReconcileOnStart, cfg.Supervisor.SettleDelay),
		registry.WithStartTime(detector.StartTime),
	)
	return app, nil
}

// Auth returns the token service, or nil when no JWT secret is configured
// and the API runs unauthenticated.
func (a *App) Auth() (*auth.Service, error) {
	if a.Config.Server.JWTSecret == "" {
		return nil, nil
	}
	return auth.NewService(a.Config.Server.JWTSecret, a.Config.Server.TokenTTL)
}

// Handler returns the HTTP API. /metrics is mounted on it when metrics are
// enabled without a dedicated listen address.
func (a *App) Handler() (http.Handler, error) {
	authSvc, err := a.Auth()
	if err != nil {
		return nil, err
	}
	if authSvc == nil {
		a.Logger.Warn("server.jwt_secret is empty; the API accepts unauthenticated requests")
	}
	r := server.NewRouter(a.Registry, a.Backup, server.Options{
		BasePath: a.Config.Server.BasePath,
		Auth:     authSvc,
		Metrics:  a.Config.Metrics.Enabled && a.Config.Metrics.Listen == "",
		Logger:   a.Logger.With("component", "http"),
	})
	return r.Handler(), nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
