// Package store persists the registry document as a single JSON file.
//
// Every mutation is a read-modify-write performed under an exclusive
// flock(2) on a sibling lock file, so independent processes (the CLI and a
// long running `panel serve`) never interleave writes. The document itself
// is replaced atomically: readers see either the previous or the next
// version, never a partial write. Nothing is cached between calls.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/loykin/panel/internal/model"
)

const (
	DefaultLockTimeout = 5 * time.Second
	lockPollInterval   = 10 * time.Millisecond
)

// Hook observes saves. BeforeSave runs under the lock with the document
// about to be replaced (nil on bootstrap); an error aborts the save.
// AfterSave runs once the new document is durable.
type Hook interface {
	BeforeSave(ctx context.Context, prev, next *model.Document) error
	AfterSave(ctx context.Context, doc *model.Document) error
}

// Store is the file-backed ConfigStore.
type Store struct {
	path        string
	lockTimeout time.Duration
	hooks       []Hook
	logger      *slog.Logger
}

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithHooks(h ...Hook) Option {
	return func(s *Store) { s.hooks = append(s.hooks, h...) }
}

// New returns a store for the document at path. The file and its parent
// directory are created lazily on first use.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, lockTimeout: DefaultLockTimeout, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// AddHook registers h after construction.
func (s *Store) AddHook(h Hook) { s.hooks = append(s.hooks, h) }

// Load reads the current document. A missing file is bootstrapped with the
// default document; unparsable content yields *model.CorruptDocumentError
// and the file is left untouched.
func (s *Store) Load(ctx context.Context) (*model.Document, error) {
	doc, err := s.read()
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return doc, err
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.loadOrBootstrap(ctx)
}

// Update performs a locked read-modify-write. fn receives a private copy
// of the document; if it returns an error nothing is written. The update
// fails with *model.InvalidDocumentError when it introduces an invariant
// violation; violations already on disk do not block it.
func (s *Store) Update(ctx context.Context, fn func(doc *model.Document) error) (*model.Document, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prev, err := s.loadOrBootstrap(ctx)
	if err != nil {
		return nil, err
	}
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Normalize()
	if err := next.ValidateSince(prev); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, prev, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Save replaces the document wholesale under the lock.
func (s *Store) Save(ctx context.Context, doc *model.Document) error {
	_, err := s.Update(ctx, func(d *model.Document) error {
		*d = *doc.Clone()
		return nil
	})
	return err
}

func (s *Store) loadOrBootstrap(ctx context.Context) (*model.Document, error) {
	doc, err := s.read()
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	doc = model.NewDocument()
	if err := s.commit(ctx, nil, doc); err != nil {
		return nil, fmt.Errorf("bootstrap registry: %w", err)
	}
	s.logger.Info("registry bootstrapped", "path", s.path)
	return doc, nil
}

func (s *Store) commit(ctx context.Context, prev, next *model.Document) error {
	for _, h := range s.hooks {
		if err := h.BeforeSave(ctx, prev, next); err != nil {
			return fmt.Errorf("before save: %w", err)
		}
	}
	data, err := Encode(next)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(s.path, data, 0o644); err != nil {
		return err
	}
	for _, h := range s.hooks {
		if err := h.AfterSave(ctx, next); err != nil {
			s.logger.Warn("after save hook failed", "path", s.path, "error", err)
		}
	}
	return nil
}

func (s *Store) read() (*model.Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, &model.CorruptDocumentError{Path: s.path, Err: err}
	}
	if len(doc.PortRanges) == 0 {
		doc.PortRanges = model.NewDocument().PortRanges
	}
	return doc, nil
}

// Encode renders doc the way it is stored on disk.
func Encode(doc *model.Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode registry: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a stored document and normalizes it.
func Decode(data []byte) (*model.Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("document is not a JSON object")
	}
	var doc model.Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	doc.Normalize()
	return &doc, nil
}

// WriteFileAtomic writes data to a temporary file next to path, syncs it and
// renames it into place, then syncs the parent directory.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
