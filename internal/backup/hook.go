package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/panel/internal/model"
	"github.com/loykin/panel/internal/store"
)

const autoPrefix = "auto-backup-"

// BeforeSave copies the document about to be replaced into the backup dir
// and prunes old copies. Empty registries are not backed up.
func (m *Manager) BeforeSave(_ context.Context, prev, _ *model.Document) error {
	if prev == nil || len(prev.Services) == 0 || m.cfg.BackupDir == "" {
		return nil
	}
	data, err := store.Encode(prev)
	if err != nil {
		return err
	}
	path := filepath.Join(m.cfg.BackupDir, autoPrefix+stamp(m.now())+".json")
	if err := store.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("auto backup: %w", err)
	}
	m.log.Debug("auto backup written", "path", path)
	if err := m.prune(); err != nil {
		m.log.Warn("auto backup rotation failed", "dir", m.cfg.BackupDir, "error", err)
	}
	return nil
}

// AfterSave refreshes the last-known-good checkpoint. An empty registry
// never replaces an existing checkpoint, so bootstrapping a wiped config
// dir leaves the previous state restorable.
func (m *Manager) AfterSave(_ context.Context, doc *model.Document) error {
	if m.cfg.LastKnownGood == "" {
		return nil
	}
	if len(doc.Services) == 0 {
		if _, err := os.Stat(m.cfg.LastKnownGood); err == nil {
			return nil
		}
	}
	data, err := store.Encode(doc)
	if err != nil {
		return err
	}
	if err := store.WriteFileAtomic(m.cfg.LastKnownGood, data, 0o600); err != nil {
		return fmt.Errorf("last known good: %w", err)
	}
	return nil
}

// prune removes the oldest automatic backups beyond Keep.
func (m *Manager) prune() error {
	if m.cfg.Keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(m.cfg.BackupDir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), autoPrefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= m.cfg.Keep {
		return nil
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names[:len(names)-m.cfg.Keep] {
		if err := os.Remove(filepath.Join(m.cfg.BackupDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ store.Hook = (*Manager)(nil)
