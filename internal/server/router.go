// Package server exposes the registry and snapshot operations over HTTP.
//
// Endpoints, relative to the base path:
//
//	GET    /services                  list services with live status
//	POST   /services                  register
//	GET    /services/:name            one service
//	PATCH  /services/:name            edit
//	DELETE /services/:name            unregister
//	POST   /services/:name/:action    start, stop, restart, enable, disable, auto
//	GET    /services/:name/logs       ?lines=N
//	GET    /ranges                    list ranges
//	POST   /ranges                    add a range
//	PUT    /ranges/:name              resize
//	DELETE /ranges/:name              remove
//	GET    /backup/export             ?format=json|yaml
//	POST   /backup/import             ?mode=overwrite|merge, body is the snapshot
//	POST   /backup/restore            restore the last-known-good checkpoint
//	POST   /backup/recover            rebuild from env files of active units
//	GET    /backup/files              list backup files
//
// /healthz and the optional /metrics live outside the base path and are
// never authenticated.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/panel/internal/auth"
	"github.com/loykin/panel/internal/backup"
	"github.com/loykin/panel/internal/metrics"
	"github.com/loykin/panel/internal/model"
	"github.com/loykin/panel/internal/registry"
)

// Services is the registry contract served by the router.
// *registry.Registry satisfies it.
type Services interface {
	Register(ctx context.Context, req registry.RegisterRequest) (model.ServiceRecord, error)
	Edit(ctx context.Context, name string, req registry.EditRequest) (model.ServiceRecord, error)
	Unregister(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (registry.ServiceView, error)
	List(ctx context.Context) ([]registry.ServiceView, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Auto(ctx context.Context, name string) error
	Logs(ctx context.Context, name string, lines int) ([]string, error)
	AddRange(ctx context.Context, name string, start, end int) (model.PortRange, error)
	ResizeRange(ctx context.Context, name string, start, end int) (model.PortRange, error)
	RemoveRange(ctx context.Context, name string) error
	Ranges(ctx context.Context) ([]registry.RangeView, error)
}

// Snapshots is the backup contract served by the router.
// *backup.Manager satisfies it.
type Snapshots interface {
	Export(ctx context.Context, format backup.Format) ([]byte, error)
	Import(ctx context.Context, data []byte, mode backup.Mode) (backup.ImportResult, error)
	Restore(ctx context.Context) (backup.ImportResult, error)
	Recover(ctx context.Context) (backup.RecoverResult, error)
	ListBackups() ([]backup.BackupFile, error)
}

type Options struct {
	BasePath string
	// Auth enables bearer authentication when non-nil.
	Auth *auth.Service
	// Metrics mounts the Prometheus handler at /metrics.
	Metrics bool
	Logger  *slog.Logger
}

// Router provides embeddable HTTP handlers for the registry.
type Router struct {
	svc      Services
	snaps    Snapshots
	basePath string
	opts     Options
	log      *slog.Logger
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/services, /api/ranges and so on.
func NewRouter(svc Services, snaps Snapshots, opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{svc: svc, snaps: snaps, basePath: sanitizeBase(opts.BasePath), opts: opts, log: log}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.opts.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	api := g.Group(r.basePath)
	api.Use(auth.GinAuth(r.opts.Auth))

	api.GET("/services", r.handleList)
	api.POST("/services", r.handleRegister)
	api.GET("/services/:name", r.handleGet)
	api.PATCH("/services/:name", r.handleEdit)
	api.DELETE("/services/:name", r.handleUnregister)
	api.POST("/services/:name/:action", r.handleAction)
	api.GET("/services/:name/logs", r.handleLogs)

	api.GET("/ranges", r.handleRanges)
	api.POST("/ranges", r.handleAddRange)
	api.PUT("/ranges/:name", r.handleResizeRange)
	api.DELETE("/ranges/:name", r.handleRemoveRange)

	if r.snaps != nil {
		api.GET("/backup/export", r.handleExport)
		api.POST("/backup/import", r.handleImport)
		api.POST("/backup/restore", r.handleRestore)
		api.POST("/backup/recover", r.handleRecover)
		api.GET("/backup/files", r.handleBackupFiles)
	}
	return g
}

// NewServer returns an http.Server for handler with the timeouts used by
// `panel serve`. Supervisor calls are bounded separately, so the write
// timeout only needs to cover a few of them plus settle delays.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
