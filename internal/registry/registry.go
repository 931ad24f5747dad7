// Package registry implements the service registry: CRUD over service
// records and port ranges persisted through the store, and the lifecycle
// verbs that drive the host supervisor.
//
// Every mutation is a read-modify-write under the store lock. Supervisor
// calls happen after the mutation is persisted and never roll it back; a
// failing call is returned to the caller alongside the persisted result.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/panel/internal/history"
	"github.com/loykin/panel/internal/metrics"
	"github.com/loykin/panel/internal/model"
	"github.com/loykin/panel/internal/supervisor"
)

// DefaultLogLines is the number of journal lines Logs returns when the
// caller asks for none.
const DefaultLogLines = 50

// DocumentStore persists the registry document. *store.Store satisfies it.
type DocumentStore interface {
	Load(ctx context.Context) (*model.Document, error)
	Update(ctx context.Context, fn func(doc *model.Document) error) (*model.Document, error)
}

// PortDetector reports the port a running service listens on.
// *detector.Detector satisfies it.
type PortDetector interface {
	Detect(ctx context.Context, name string) (port int, found bool, err error)
}

// errUnchanged aborts an Update whose mutation turned out to be a no-op.
var errUnchanged = errors.New("unchanged")

// Registry is the entry point for every service and range operation.
type Registry struct {
	store    DocumentStore
	bridge   supervisor.Bridge
	detector PortDetector
	history  *history.Recorder
	log      *slog.Logger

	home        string
	reconcile   bool
	settleDelay time.Duration
	startTime   func(pid int) time.Time
}

type Option func(*Registry)

// WithDetector enables port detection for Edit and start reconciliation.
func WithDetector(d PortDetector) Option {
	return func(r *Registry) { r.detector = d }
}

func WithHistory(rec *history.Recorder) Option {
	return func(r *Registry) { r.history = rec }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithHome sets the working directory used for services that declare none.
func WithHome(dir string) Option {
	return func(r *Registry) { r.home = dir }
}

// WithReconcile makes Start, Restart and Auto wait delay and then persist
// the port the service was found listening on when it drifted.
func WithReconcile(enabled bool, delay time.Duration) Option {
	return func(r *Registry) {
		r.reconcile = enabled
		r.settleDelay = delay
	}
}

// WithStartTime supplies the process start time shown for active services.
func WithStartTime(fn func(pid int) time.Time) Option {
	return func(r *Registry) { r.startTime = fn }
}

func New(st DocumentStore, bridge supervisor.Bridge, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		bridge: bridge,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ServiceView is a service record enriched with live supervisor state.
// Status, Enabled and Since are observed on every read and never persisted.
type ServiceView struct {
	Name    string              `json:"name"`
	Record  model.ServiceRecord `json:"record"`
	Status  model.Status        `json:"status"`
	Enabled bool                `json:"enabled"`
	Since   *time.Time          `json:"since,omitempty"`
}

// RangeView describes a port range and how much of it is in use.
type RangeView struct {
	Name  string `json:"name"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Used  int    `json:"used"`
	Free  int    `json:"free"`
}

func (r *Registry) record(ctx context.Context, t history.EventType, service string, port int, detail string) {
	r.history.Record(ctx, history.New(t, service, port, detail))
}

// lookup loads the document and returns the record of name.
func (r *Registry) lookup(ctx context.Context, name string) (model.ServiceRecord, error) {
	doc, err := r.store.Load(ctx)
	if err != nil {
		return model.ServiceRecord{}, err
	}
	rec, ok := doc.Services[name]
	if !ok {
		return model.ServiceRecord{}, &model.ServiceNotFoundError{Name: name}
	}
	return rec.Clone(), nil
}

func (r *Registry) view(ctx context.Context, name string, rec model.ServiceRecord) ServiceView {
	v := ServiceView{
		Name:    name,
		Record:  rec.Clone(),
		Status:  r.bridge.Status(ctx, name),
		Enabled: r.bridge.Enabled(ctx, name),
	}
	if v.Status == model.StatusActive && r.startTime != nil {
		if pid, err := r.bridge.MainPID(ctx, name); err == nil && pid > 0 {
			if t := r.startTime(pid); !t.IsZero() {
				v.Since = &t
			}
		}
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func observe(op string, err error) error {
	metrics.ObserveOperation(op, err)
	return err
}
