// Package backup exports, imports and restores whole-registry snapshots,
// keeps rotated automatic backups and the last-known-good checkpoint, and
// rebuilds a lost registry from the environment files of running units.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/loykin/panel/internal/history"
	"github.com/loykin/panel/internal/metrics"
	"github.com/loykin/panel/internal/model"
	"github.com/loykin/panel/internal/store"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat maps a user supplied name to a Format; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported snapshot format %q", s)
	}
}

// Mode selects how Import combines a snapshot with the current registry.
type Mode string

const (
	// ModeOverwrite replaces the whole registry.
	ModeOverwrite Mode = "overwrite"
	// ModeMerge adds what is absent locally and fails on any collision.
	ModeMerge Mode = "merge"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeOverwrite:
		return ModeOverwrite, nil
	case ModeMerge:
		return ModeMerge, nil
	default:
		return "", fmt.Errorf("unsupported import mode %q", s)
	}
}

// DocumentStore is the subset of *store.Store the manager needs.
type DocumentStore interface {
	Load(ctx context.Context) (*model.Document, error)
	Update(ctx context.Context, fn func(doc *model.Document) error) (*model.Document, error)
}

// Materializer refreshes the unit of an imported service, tears down units
// an overwrite dropped and reports unit state for recovery.
// supervisor.Bridge satisfies it.
type Materializer interface {
	Materialize(ctx context.Context, name string, rec model.ServiceRecord) error
	Remove(ctx context.Context, name string) error
	Status(ctx context.Context, name string) model.Status
}

type Config struct {
	// BackupDir receives auto-backup-<timestamp>.json files and scheduled
	// snapshots.
	BackupDir string
	// LastKnownGood is refreshed after every save and read by Restore.
	LastKnownGood string
	// EnvDir holds the <name>.env files scanned by Recover.
	EnvDir string
	// Keep bounds the number of automatic backups; 0 keeps all.
	Keep int

	Units   Materializer
	History *history.Recorder
	Logger  *slog.Logger
}

// Manager implements snapshots over a DocumentStore. It also implements
// store.Hook and must be registered on the store to keep automatic backups
// and the checkpoint current.
type Manager struct {
	store DocumentStore
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

func New(st DocumentStore, cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: st, cfg: cfg, log: log, now: time.Now}
}

// ImportResult reports what an import changed.
type ImportResult struct {
	Mode     Mode     `json:"mode"`
	Services []string `json:"services"`
	Ranges   []string `json:"ranges"`
	// Removed lists services an overwrite dropped; their units are removed.
	Removed []string `json:"removed,omitempty"`
}

// Export serializes the current registry.
func (m *Manager) Export(ctx context.Context, format Format) ([]byte, error) {
	doc, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Encode(doc, format)
}

// Encode renders doc as a snapshot in format.
func Encode(doc *model.Document, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatJSON, "":
		return store.Encode(doc)
	default:
		return nil, fmt.Errorf("unsupported snapshot format %q", format)
	}
}

// Parse decodes a JSON, JSONC or YAML snapshot and checks every invariant.
// Problems are reported together in a *model.InvalidSnapshotError.
func Parse(data []byte) (*model.Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &model.InvalidSnapshotError{Problems: []string{"snapshot is empty"}}
	}
	var doc model.Document
	if stripped := bytes.TrimSpace(jsonc.ToJSON(trimmed)); len(stripped) > 0 && stripped[0] == '{' {
		if err := json.Unmarshal(stripped, &doc); err != nil {
			return nil, &model.InvalidSnapshotError{Problems: []string{"decode json: " + err.Error()}}
		}
	} else if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, &model.InvalidSnapshotError{Problems: []string{"decode yaml: " + err.Error()}}
	}
	doc.Normalize()
	if problems := doc.Problems(); len(problems) > 0 {
		return nil, &model.InvalidSnapshotError{Problems: problems}
	}
	return &doc, nil
}

// Import applies a snapshot. Nothing is written unless the whole snapshot
// can be applied. Merge collisions are all reported at once, joined from
// *model.DuplicateServiceError, *model.DuplicateRangeError and one
// *model.PortConflictError per colliding port.
func (m *Manager) Import(ctx context.Context, data []byte, mode Mode) (ImportResult, error) {
	res, err := m.importData(ctx, data, mode, history.EventImport)
	metrics.ObserveOperation("import", err)
	return res, err
}

func (m *Manager) importData(ctx context.Context, data []byte, mode Mode, event history.EventType) (ImportResult, error) {
	incoming, err := Parse(data)
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{Mode: mode}
	switch mode {
	case ModeOverwrite:
		_, err = m.store.Update(ctx, func(doc *model.Document) error {
			res.Removed = nil
			for _, name := range doc.ServiceNames() {
				if _, kept := incoming.Services[name]; !kept {
					res.Removed = append(res.Removed, name)
				}
			}
			*doc = *incoming.Clone()
			return nil
		})
		res.Services = incoming.ServiceNames()
		res.Ranges = incoming.RangeNames()
	case ModeMerge:
		_, err = m.store.Update(ctx, func(doc *model.Document) error {
			services, ranges, err := merge(doc, incoming)
			res.Services, res.Ranges = services, ranges
			return err
		})
	default:
		return ImportResult{}, fmt.Errorf("unsupported import mode %q", mode)
	}
	if err != nil {
		return ImportResult{}, err
	}
	m.log.Info("snapshot imported", "mode", mode, "services", len(res.Services), "ranges", len(res.Ranges), "removed", len(res.Removed))
	m.cfg.History.Record(ctx, history.New(event, "", 0, fmt.Sprintf("%s: %d services, %d ranges", mode, len(res.Services), len(res.Ranges))))
	for _, name := range res.Removed {
		m.cfg.History.Record(ctx, history.New(history.EventUnregister, name, 0, string(event)))
	}
	return res, errors.Join(m.teardown(ctx, res.Removed), m.materialize(ctx, incoming, res.Services))
}

// teardown removes the units of services an overwrite dropped, so their
// processes release ports the registry now treats as free.
func (m *Manager) teardown(ctx context.Context, names []string) error {
	if m.cfg.Units == nil {
		return nil
	}
	var errs []error
	for _, name := range names {
		if err := m.cfg.Units.Remove(ctx, name); err != nil {
			m.log.Warn("unit teardown after import failed", "service", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// merge adds the services and ranges of in that doc lacks. Ranges with
// identical bounds on both sides are not collisions.
func merge(doc, in *model.Document) (services, ranges []string, err error) {
	var (
		dupServices []string
		dupRanges   []string
		errs        []error
	)
	for _, name := range in.RangeNames() {
		local, exists := doc.PortRanges[name]
		switch {
		case !exists:
			ranges = append(ranges, name)
		case local != in.PortRanges[name]:
			dupRanges = append(dupRanges, name)
		}
	}
	used := make(map[int]string, len(doc.Services))
	for _, name := range doc.ServiceNames() {
		if rec := doc.Services[name]; rec.HasPort() {
			used[rec.Port] = name
		}
	}
	for _, name := range in.ServiceNames() {
		if _, exists := doc.Services[name]; exists {
			dupServices = append(dupServices, name)
			continue
		}
		rec := in.Services[name]
		if owner, taken := used[rec.Port]; rec.HasPort() && taken {
			errs = append(errs, &model.PortConflictError{Port: rec.Port, Service: owner, Requested: name})
			continue
		}
		services = append(services, name)
	}
	if len(dupServices) > 0 {
		errs = append([]error{&model.DuplicateServiceError{Names: dupServices}}, errs...)
	}
	if len(dupRanges) > 0 {
		errs = append(errs, &model.DuplicateRangeError{Names: dupRanges})
	}
	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	for _, name := range ranges {
		doc.PortRanges[name] = in.PortRanges[name]
	}
	for _, name := range services {
		doc.Services[name] = in.Services[name].Clone()
	}
	return services, ranges, nil
}

func (m *Manager) materialize(ctx context.Context, doc *model.Document, names []string) error {
	if m.cfg.Units == nil {
		return nil
	}
	var errs []error
	for _, name := range names {
		if err := m.cfg.Units.Materialize(ctx, name, doc.Services[name]); err != nil {
			m.log.Warn("unit refresh after import failed", "service", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore overwrites the registry with the last-known-good checkpoint.
func (m *Manager) Restore(ctx context.Context) (ImportResult, error) {
	res, err := m.restoreFile(ctx, m.cfg.LastKnownGood)
	metrics.ObserveOperation("restore", err)
	return res, err
}

// RestoreFile overwrites the registry with the snapshot stored at path.
func (m *Manager) RestoreFile(ctx context.Context, path string) (ImportResult, error) {
	res, err := m.restoreFile(ctx, path)
	metrics.ObserveOperation("restore", err)
	return res, err
}

func (m *Manager) restoreFile(ctx context.Context, path string) (ImportResult, error) {
	if path == "" {
		return ImportResult{}, errors.New("no snapshot location configured")
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return ImportResult{}, fmt.Errorf("read snapshot: %w", err)
	}
	return m.importData(ctx, data, ModeOverwrite, history.EventRestore)
}

// SnapshotTo writes the current registry as JSON to path, or to a
// timestamped file in the backup dir when path is empty. It returns the
// path written.
func (m *Manager) SnapshotTo(ctx context.Context, path string) (string, error) {
	data, err := m.Export(ctx, FormatJSON)
	if err != nil {
		return "", err
	}
	if path == "" {
		path = filepath.Join(m.cfg.BackupDir, "snapshot-"+stamp(m.now())+".json")
	}
	if err := store.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	m.log.Info("snapshot written", "path", path)
	return path, nil
}

// BackupFile describes one file in the backup dir.
type BackupFile struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListBackups returns the JSON files of the backup dir, newest first.
func (m *Manager) ListBackups() ([]BackupFile, error) {
	entries, err := os.ReadDir(m.cfg.BackupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []BackupFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, BackupFile{
			Name:    e.Name(),
			Path:    filepath.Join(m.cfg.BackupDir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// stamp formats t for file names; lexical order is chronological.
func stamp(t time.Time) string {
	return t.UTC().Format("20060102-150405.000000")
}
