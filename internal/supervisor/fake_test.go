package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/loykin/panel/internal/model"
)

func TestFakeLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	if err := f.Start(ctx, "web"); err == nil {
		t.Fatalf("start before materialize must fail")
	}
	if err := f.Materialize(ctx, "web", model.ServiceRecord{Command: "x", Port: 8000}); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	f.SetPID("web", 77)
	if err := f.Start(ctx, "web"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if st := f.Status(ctx, "web"); st != model.StatusActive {
		t.Fatalf("status = %s", st)
	}
	if pid, _ := f.MainPID(ctx, "web"); pid != 77 {
		t.Fatalf("pid = %d", pid)
	}
	if err := f.Stop(ctx, "web"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if pid, _ := f.MainPID(ctx, "web"); pid != 0 {
		t.Fatalf("stopped unit has pid %d", pid)
	}
	if err := f.Remove(ctx, "web"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := f.Unit("web"); ok {
		t.Fatalf("unit survived remove")
	}
}

func TestFakeFailures(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	_ = f.Materialize(ctx, "web", model.ServiceRecord{Command: "x"})
	f.FailOn("start:web", errors.New("boom"))
	var se *model.SupervisorError
	if err := f.Start(ctx, "web"); !errors.As(err, &se) || se.Op != OpStart {
		t.Fatalf("expected supervisor error, got %v", err)
	}
	f.FailOn("start:web", nil)
	if err := f.Start(ctx, "web"); err != nil {
		t.Fatalf("start after clearing failure: %v", err)
	}

	f.SetUnreachable(true)
	if st := f.Status(ctx, "web"); st != model.StatusUnknown {
		t.Fatalf("unreachable status = %s", st)
	}
	if f.Enabled(ctx, "web") {
		t.Fatalf("unreachable must report not enabled")
	}
}

func TestFakeTailLogs(t *testing.T) {
	f := NewFake()
	f.SetLogs("web", []string{"a", "b", "c"})
	lines, err := f.TailLogs(context.Background(), "web", 2)
	if err != nil || len(lines) != 2 || lines[0] != "b" {
		t.Fatalf("lines=%v err=%v", lines, err)
	}
}
