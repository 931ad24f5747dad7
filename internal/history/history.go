package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of registry event.
type EventType string

const (
	EventRegister    EventType = "register"
	EventUnregister  EventType = "unregister"
	EventEdit        EventType = "edit"
	EventPortDrift   EventType = "port_drift"
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventRestart     EventType = "restart"
	EventEnable      EventType = "enable"
	EventDisable     EventType = "disable"
	EventImport      EventType = "import"
	EventRestore     EventType = "restore"
	EventRecover     EventType = "recover"
	EventRangeAdd    EventType = "range_add"
	EventRangeResize EventType = "range_resize"
	EventRangeRemove EventType = "range_remove"
)

// Event is one audited registry change exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Service    string    `json:"service,omitempty"`
	Port       int       `json:"port,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New stamps an event with a fresh ID and the current time.
func New(t EventType, service string, port int, detail string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Service:    service,
		Port:       port,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink is a destination for history events (audit or analytics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that can be closed.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Recorder delivers events without ever failing the caller: delivery
// errors are logged and dropped.
type Recorder struct {
	sink Sink
	log  *slog.Logger
}

// NewRecorder returns a recorder for sink; a nil sink records nothing.
func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, log: log}
}

// Record sends e. It is safe to call on a nil Recorder.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || r.sink == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := r.sink.Send(ctx, e); err != nil {
		r.log.Warn("history event dropped", "type", e.Type, "service", e.Service, "error", err)
	}
}

// Close closes the underlying sink when it supports it.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	if c, ok := r.sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
