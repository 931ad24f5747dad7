package registry

import (
	"context"
	"errors"

	"github.com/loykin/panel/internal/history"
	"github.com/loykin/panel/internal/metrics"
	"github.com/loykin/panel/internal/model"
)

// Start starts the unit of name and, when reconciliation is enabled,
// persists the port it actually listens on.
func (r *Registry) Start(ctx context.Context, name string) error {
	return observe("start", r.start(ctx, name, "start"))
}

func (r *Registry) start(ctx context.Context, name, op string) error {
	rec, err := r.lookup(ctx, name)
	if err != nil {
		return err
	}
	call, event := r.bridge.Start, history.EventStart
	if op == "restart" {
		call, event = r.bridge.Restart, history.EventRestart
	}
	if err := call(ctx, name); err != nil {
		r.log.Warn("service "+op+" failed", "service", name, "error", err)
		return err
	}
	r.log.Info("service "+op+"ed", "service", name)
	r.record(ctx, event, name, rec.Port, "")
	if r.reconcile {
		r.reconcilePort(ctx, name)
	}
	return nil
}

func (r *Registry) Stop(ctx context.Context, name string) error {
	rec, err := r.lookup(ctx, name)
	if err != nil {
		return observe("stop", err)
	}
	if err := r.bridge.Stop(ctx, name); err != nil {
		r.log.Warn("service stop failed", "service", name, "error", err)
		return observe("stop", err)
	}
	r.log.Info("service stopped", "service", name)
	r.record(ctx, history.EventStop, name, rec.Port, "")
	return observe("stop", nil)
}

func (r *Registry) Restart(ctx context.Context, name string) error {
	return observe("restart", r.start(ctx, name, "restart"))
}

// Enable marks the service for start-on-boot, in the registry and with the
// supervisor.
func (r *Registry) Enable(ctx context.Context, name string) error {
	return observe("enable", r.setAutoStart(ctx, name, true))
}

// Disable clears the start-on-boot mark.
func (r *Registry) Disable(ctx context.Context, name string) error {
	return observe("disable", r.setAutoStart(ctx, name, false))
}

// Auto enables the service and starts it.
func (r *Registry) Auto(ctx context.Context, name string) error {
	if err := r.setAutoStart(ctx, name, true); err != nil {
		return observe("auto", err)
	}
	return observe("auto", r.start(ctx, name, "start"))
}

func (r *Registry) setAutoStart(ctx context.Context, name string, on bool) error {
	_, err := r.store.Update(ctx, func(doc *model.Document) error {
		rec, ok := doc.Services[name]
		if !ok {
			return &model.ServiceNotFoundError{Name: name}
		}
		if rec.AutoStart == on {
			return errUnchanged
		}
		rec.AutoStart = on
		doc.Services[name] = rec
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return err
	}
	return r.applyAutoStart(ctx, name, on)
}

func (r *Registry) applyAutoStart(ctx context.Context, name string, on bool) error {
	call, event, verb := r.bridge.Disable, history.EventDisable, "disabled"
	if on {
		call, event, verb = r.bridge.Enable, history.EventEnable, "enabled"
	}
	if err := call(ctx, name); err != nil {
		r.log.Warn("service auto-start change failed", "service", name, "enable", on, "error", err)
		return err
	}
	r.log.Info("service "+verb, "service", name)
	r.record(ctx, event, name, 0, "")
	return nil
}

// Logs returns the last lines of the service's journal.
func (r *Registry) Logs(ctx context.Context, name string, lines int) ([]string, error) {
	if _, err := r.lookup(ctx, name); err != nil {
		return nil, err
	}
	if lines <= 0 {
		lines = DefaultLogLines
	}
	return r.bridge.TailLogs(ctx, name, lines)
}

// reconcilePort waits for the service to settle, detects its port and
// persists it when it differs from the stored one and is not held by
// another service. Every failure leaves the registry as it was.
func (r *Registry) reconcilePort(ctx context.Context, name string) {
	if r.detector == nil {
		return
	}
	if err := sleepCtx(ctx, r.settleDelay); err != nil {
		return
	}
	port, found, err := r.detector.Detect(ctx, name)
	if err != nil {
		r.log.Debug("port reconciliation skipped", "service", name, "error", err)
		return
	}
	if !found {
		r.log.Debug("port reconciliation found no listening port", "service", name)
		return
	}
	var (
		prev int
		rec  model.ServiceRecord
	)
	_, err = r.store.Update(ctx, func(doc *model.Document) error {
		cur, ok := doc.Services[name]
		if !ok || cur.Port == port {
			return errUnchanged
		}
		if owner, taken := doc.PortOwner(port, name); taken {
			r.log.Warn("detected port is held by another service", "service", name, "port", port, "owner", owner)
			return errUnchanged
		}
		prev = cur.Port
		cur.Port = port
		cur.SyncPortEnv()
		doc.Services[name] = cur
		rec = cur.Clone()
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return
	}
	if err != nil {
		r.log.Warn("port reconciliation failed", "service", name, "error", err)
		return
	}
	metrics.IncDrift(name)
	r.log.Info("port drift reconciled", "service", name, "from", prev, "to", port)
	r.record(ctx, history.EventPortDrift, name, port, driftDetail(prev, port))
	if err := r.bridge.Materialize(ctx, name, rec); err != nil {
		r.log.Warn("unit refresh after drift failed", "service", name, "error", err)
	}
}
