package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loykin/panel/internal/auth"
	"github.com/loykin/panel/internal/backup"
	"github.com/loykin/panel/internal/config"
	"github.com/loykin/panel/internal/history/factory"
	"github.com/loykin/panel/internal/history/sqlite"
	"github.com/loykin/panel/internal/metrics"
	"github.com/loykin/panel/internal/server"
	ptls "github.com/loykin/panel/internal/tls"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the HTTP API until ctx is cancelled, together with the backup
// schedule and the optional dedicated metrics listener.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	app, err := openApp(c.global, c.opts...)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	cfg := app.Config
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}

	handler, err := app.Handler()
	if err != nil {
		return err
	}
	srv := server.NewServer(cfg.Server.Listen, handler)
	tlsConfig, err := ptls.Setup(cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv.TLSConfig = tlsConfig

	servers := []*http.Server{srv}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, server.NewServer(cfg.Metrics.Listen, mux))
	}

	if cfg.Backup.Schedule != "" {
		sched, err := backup.NewScheduler(app.Backup, cfg.Backup.Schedule)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
		app.Logger.Info("backup schedule active", "schedule", cfg.Backup.Schedule, "next", sched.Next())
	}

	errCh := make(chan error, len(servers))
	for i, s := range servers {
		go func(s *http.Server, api bool) {
			var err error
			if api && s.TLSConfig != nil {
				err = s.ListenAndServeTLS("", "")
			} else {
				err = s.ListenAndServe()
			}
			if !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(s, i == 0)
	}
	scheme := "http"
	if tlsConfig != nil {
		scheme = "https"
	}
	app.Logger.Info("panel server listening", "addr", cfg.Server.Listen, "scheme", scheme, "base_path", cfg.Server.BasePath)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	app.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	return serveErr
}

// Token issues a bearer token signed with server.jwt_secret.
func (c *command) Token(f TokenFlags) error {
	app, err := openApp(c.global, c.opts...)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	ttl := f.TTL
	if ttl <= 0 {
		ttl = app.Config.Server.TokenTTL
	}
	svc, err := auth.NewService(app.Config.Server.JWTSecret, ttl)
	if err != nil {
		return err
	}
	tok, err := svc.Issue(f.Subject, f.Scope)
	if err != nil {
		return err
	}
	return c.emit(tok, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, tok.Value)
		return err
	})
}

// History prints recent events from the first SQLite history sink.
func (c *command) History(ctx context.Context, f HistoryFlags) error {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dsn := ""
	for _, d := range cfg.History.DSNs {
		if factory.IsSQLite(d) {
			dsn = d
			break
		}
	}
	if dsn == "" {
		return errors.New("history needs a SQLite DSN in history.dsns")
	}
	sink, err := sqlite.New(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()
	events, err := sink.Recent(ctx, f.Service, f.Limit)
	if err != nil {
		return err
	}
	return c.emit(events, func(w io.Writer) error {
		tw := newTable(w)
		_, _ = fmt.Fprintln(tw, "TIME\tTYPE\tSERVICE\tPORT\tDETAIL")
		for _, e := range events {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.OccurredAt.Local().Format(time.DateTime), e.Type, dash(e.Service), portString(e.Port), e.Detail)
		}
		return tw.Flush()
	})
}
