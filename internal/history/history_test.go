package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestNewStampsEvent(t *testing.T) {
	e := New(EventRegister, "web", 8000, "")
	if e.ID == "" || e.OccurredAt.IsZero() {
		t.Fatalf("event not stamped: %+v", e)
	}
	if other := New(EventRegister, "web", 8000, ""); other.ID == e.ID {
		t.Fatalf("ids must be unique")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &memSink{}
	bad := &memSink{err: errors.New("down")}
	m := Multi{ok, bad}
	err := m.Send(context.Background(), New(EventStart, "web", 0, ""))
	if err == nil || len(ok.events) != 1 {
		t.Fatalf("err=%v delivered=%d", err, len(ok.events))
	}
	if err := m.Close(); err != nil || !ok.closed || !bad.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestRecorderNeverFails(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	r := NewRecorder(&memSink{err: errors.New("down")}, log)
	r.Record(context.Background(), Event{Type: EventStop, Service: "web"})
	if !bytes.Contains(buf.Bytes(), []byte("history event dropped")) {
		t.Fatalf("expected warning, got %q", buf.String())
	}

	var nilRec *Recorder
	nilRec.Record(context.Background(), Event{})
	if err := nilRec.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestRecorderFillsIDAndTime(t *testing.T) {
	sink := &memSink{}
	NewRecorder(sink, nil).Record(context.Background(), Event{Type: EventEdit})
	if len(sink.events) != 1 || sink.events[0].ID == "" || sink.events[0].OccurredAt.IsZero() {
		t.Fatalf("unexpected events: %+v", sink.events)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	sink := &memSink{err: errors.New("down")}
	b := NewBreaker("test", sink, BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := b.Send(ctx, New(EventStart, "web", 0, "")); err == nil {
			t.Fatalf("expected sink error")
		}
	}
	if b.State() != "open" {
		t.Fatalf("state = %s", b.State())
	}
	sink.err = nil
	if err := b.Send(ctx, New(EventStart, "web", 0, "")); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if len(sink.events) != 0 {
		t.Fatalf("open breaker must not call the sink")
	}
}
