package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/loykin/panel"
	"github.com/loykin/panel/internal/backup"
	"github.com/loykin/panel/internal/config"
	"github.com/loykin/panel/internal/registry"
	"github.com/loykin/panel/internal/server"
	"github.com/loykin/panel/internal/store"
	"github.com/loykin/panel/pkg/client"
)

// backend is what every registry command runs against: the local registry
// or a remote `panel serve`.
type backend interface {
	server.Services
	Export(ctx context.Context, format backup.Format) ([]byte, error)
	Import(ctx context.Context, data []byte, mode backup.Mode) (backup.ImportResult, error)
	Restore(ctx context.Context) (backup.ImportResult, error)
	RestoreFile(ctx context.Context, path string) (backup.ImportResult, error)
	Recover(ctx context.Context) (backup.RecoverResult, error)
	Snapshot(ctx context.Context, path string) (string, error)
	Backups(ctx context.Context) ([]backup.BackupFile, error)
}

type localBackend struct {
	*registry.Registry
	snaps *backup.Manager
}

func newLocalBackend(app *panel.App) localBackend {
	return localBackend{Registry: app.Registry, snaps: app.Backup}
}

func (l localBackend) Export(ctx context.Context, format backup.Format) ([]byte, error) {
	return l.snaps.Export(ctx, format)
}

func (l localBackend) Import(ctx context.Context, data []byte, mode backup.Mode) (backup.ImportResult, error) {
	return l.snaps.Import(ctx, data, mode)
}

func (l localBackend) Restore(ctx context.Context) (backup.ImportResult, error) {
	return l.snaps.Restore(ctx)
}

func (l localBackend) RestoreFile(ctx context.Context, path string) (backup.ImportResult, error) {
	return l.snaps.RestoreFile(ctx, path)
}

func (l localBackend) Recover(ctx context.Context) (backup.RecoverResult, error) {
	return l.snaps.Recover(ctx)
}

func (l localBackend) Snapshot(ctx context.Context, path string) (string, error) {
	return l.snaps.SnapshotTo(ctx, path)
}

func (l localBackend) Backups(context.Context) ([]backup.BackupFile, error) {
	return l.snaps.ListBackups()
}

type remoteBackend struct {
	*client.Client
}

// RestoreFile uploads a local snapshot file as an overwrite import.
func (r remoteBackend) RestoreFile(ctx context.Context, path string) (backup.ImportResult, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return backup.ImportResult{}, fmt.Errorf("read snapshot: %w", err)
	}
	return r.Import(ctx, data, backup.ModeOverwrite)
}

// Snapshot exports from the server into a local file.
func (r remoteBackend) Snapshot(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", errors.New("a destination path is required when talking to a remote server")
	}
	data, err := r.Export(ctx, backup.FormatJSON)
	if err != nil {
		return "", err
	}
	if err := store.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// openBackend picks the remote client when an API URL is given and the
// local registry otherwise.
func openBackend(g *GlobalFlags, opts ...panel.Option) (backend, io.Closer, error) {
	if g.APIUrl != "" {
		cfg := client.Config{BaseURL: g.APIUrl, Timeout: g.APITimeout, Token: g.Token}
		if g.CACert != "" || g.Insecure {
			cfg.TLS = &client.TLSClientConfig{CACert: g.CACert, SkipVerify: g.Insecure}
		}
		c, err := client.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		return remoteBackend{c}, nopCloser{}, nil
	}
	app, err := openApp(g, opts...)
	if err != nil {
		return nil, nil, err
	}
	return newLocalBackend(app), app, nil
}

func openApp(g *GlobalFlags, opts ...panel.Option) (*panel.App, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return panel.Open(cfg, opts...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
