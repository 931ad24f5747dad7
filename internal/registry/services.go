package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/loykin/panel/internal/allocator"
	"github.com/loykin/panel/internal/env"
	"github.com/loykin/panel/internal/history"
	"github.com/loykin/panel/internal/metrics"
	"github.com/loykin/panel/internal/model"
)

// RegisterRequest describes a new service. A zero Port asks for automatic
// assignment from RangeName, which defaults to the default range.
type RegisterRequest struct {
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Port       int               `json:"port,omitempty"`
	RangeName  string            `json:"range_name,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	AutoStart  bool              `json:"auto_start,omitempty"`
	// Start starts the unit right after registration.
	Start bool `json:"start,omitempty"`
}

// EditRequest is a partial update; nil fields are left as they are.
type EditRequest struct {
	Command    *string `json:"command,omitempty"`
	WorkingDir *string `json:"working_dir,omitempty"`
	Port       *int    `json:"port,omitempty"`
	// DetectPort replaces the stored port with the one the running process
	// listens on. Failure keeps the prior port.
	DetectPort bool              `json:"detect_port,omitempty"`
	SetEnv     map[string]string `json:"set_env,omitempty"`
	UnsetEnv   []string          `json:"unset_env,omitempty"`
	AutoStart  *bool             `json:"auto_start,omitempty"`
}

// Register persists a new service and materializes its unit. The unit is
// enabled and started when AutoStart is set and started when Start is set.
// A supervisor failure is returned together with the persisted record.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (model.ServiceRecord, error) {
	rec, err := r.register(ctx, req)
	if err != nil {
		return rec, observe("register", err)
	}
	metrics.ObserveOperation("register", nil)

	if err := r.bridge.Materialize(ctx, req.Name, rec); err != nil {
		r.log.Warn("unit materialization failed", "service", req.Name, "error", err)
		return rec, err
	}
	var errs []error
	if rec.AutoStart {
		if err := r.bridge.Enable(ctx, req.Name); err != nil {
			errs = append(errs, err)
		}
	}
	if rec.AutoStart || req.Start {
		if err := r.bridge.Start(ctx, req.Name); err != nil {
			errs = append(errs, err)
		} else {
			r.record(ctx, history.EventStart, req.Name, rec.Port, "")
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Warn("service registered but supervisor calls failed", "service", req.Name, "error", err)
		return rec, err
	}
	return rec, nil
}

func (r *Registry) register(ctx context.Context, req RegisterRequest) (model.ServiceRecord, error) {
	if err := model.ValidateName(req.Name); err != nil {
		return model.ServiceRecord{}, &model.InvalidServiceError{Name: req.Name, Reason: err.Error()}
	}
	vars, err := env.Apply(nil, req.Env, nil)
	if err != nil {
		return model.ServiceRecord{}, &model.InvalidServiceError{Name: req.Name, Reason: err.Error()}
	}
	rangeName := req.RangeName
	if req.Port <= 0 && rangeName == "" {
		rangeName = model.DefaultRange
	}
	workDir := req.WorkingDir
	if workDir == "" {
		workDir = r.home
	}

	var rec model.ServiceRecord
	doc, err := r.store.Update(ctx, func(doc *model.Document) error {
		if _, exists := doc.Services[req.Name]; exists {
			return &model.DuplicateServiceError{Names: []string{req.Name}}
		}
		if rangeName != "" {
			if _, ok := doc.PortRanges[rangeName]; !ok {
				err := &model.UnknownRangeError{Range: rangeName}
				metrics.ObserveAllocation(rangeName, err)
				return err
			}
		}
		allocRange := rangeName
		if req.Port > 0 {
			allocRange = ""
		}
		port, err := allocator.Allocate(doc, allocRange, req.Port)
		metrics.ObserveAllocation(allocRange, err)
		if err != nil {
			var pc *model.PortConflictError
			if errors.As(err, &pc) {
				pc.Requested = req.Name
			}
			return err
		}
		rec = model.ServiceRecord{
			Command:    req.Command,
			Port:       port,
			WorkingDir: workDir,
			Env:        vars,
			AutoStart:  req.AutoStart,
			RangeName:  rangeName,
		}
		rec.SyncPortEnv()
		if err := model.ValidateRecord(req.Name, rec); err != nil {
			return err
		}
		doc.Services[req.Name] = rec
		return nil
	})
	if err != nil {
		return model.ServiceRecord{}, err
	}
	metrics.SetServices(len(doc.Services))
	r.log.Info("service registered", "service", req.Name, "port", rec.Port, "range", rec.RangeName)
	r.record(ctx, history.EventRegister, req.Name, rec.Port, rec.Command)
	return doc.Services[req.Name].Clone(), nil
}

// Edit applies a partial update and refreshes the unit's environment file.
// When DetectPort is set and nothing is found, the edit still succeeds and
// a *model.PortDetectionFailedError is returned with the stored record.
func (r *Registry) Edit(ctx context.Context, name string, req EditRequest) (model.ServiceRecord, error) {
	if req.Port != nil && req.DetectPort {
		return model.ServiceRecord{}, observe("edit", &model.InvalidServiceError{Name: name, Reason: "port and detect_port are mutually exclusive"})
	}
	if req.Port != nil && (*req.Port < 1 || *req.Port > 65535) {
		return model.ServiceRecord{}, observe("edit", &model.InvalidServiceError{Name: name, Reason: fmt.Sprintf("port %d out of range 1-65535", *req.Port)})
	}
	if req.Command != nil && *req.Command == "" {
		return model.ServiceRecord{}, observe("edit", &model.InvalidServiceError{Name: name, Reason: "command is required"})
	}
	if _, err := r.lookup(ctx, name); err != nil {
		return model.ServiceRecord{}, observe("edit", err)
	}

	// Detection talks to the supervisor and the kernel, so it runs before
	// the lock is taken.
	detected := 0
	var detectErr error
	if req.DetectPort {
		detected, detectErr = r.detect(ctx, name)
	}

	var (
		prev model.ServiceRecord
		rec  model.ServiceRecord
	)
	_, err := r.store.Update(ctx, func(doc *model.Document) error {
		cur, ok := doc.Services[name]
		if !ok {
			return &model.ServiceNotFoundError{Name: name}
		}
		prev = cur.Clone()
		next := cur.Clone()
		if req.Command != nil {
			next.Command = *req.Command
		}
		if req.WorkingDir != nil {
			next.WorkingDir = *req.WorkingDir
			if next.WorkingDir == "" {
				next.WorkingDir = r.home
			}
		}
		if req.AutoStart != nil {
			next.AutoStart = *req.AutoStart
		}
		vars, err := env.Apply(next.Env, req.SetEnv, req.UnsetEnv)
		if err != nil {
			return &model.InvalidServiceError{Name: name, Reason: err.Error()}
		}
		next.Env = vars

		if req.Port != nil && *req.Port != cur.Port {
			port, err := allocator.AllocateExcept(doc, "", *req.Port, name)
			metrics.ObserveAllocation("", err)
			if err != nil {
				return err
			}
			next.Port = port
		}
		if detectErr == nil && detected > 0 && detected != cur.Port {
			if owner, taken := doc.PortOwner(detected, name); taken {
				detectErr = &model.PortDetectionFailedError{
					Name: name,
					Err:  &model.PortConflictError{Port: detected, Service: owner, Requested: name},
				}
			} else {
				next.Port = detected
			}
		}
		next.SyncPortEnv()
		if err := model.ValidateRecord(name, next); err != nil {
			return err
		}
		doc.Services[name] = next
		rec = next
		return nil
	})
	if err != nil {
		return model.ServiceRecord{}, observe("edit", err)
	}
	metrics.ObserveOperation("edit", nil)
	r.log.Info("service edited", "service", name, "port", rec.Port)
	r.record(ctx, history.EventEdit, name, rec.Port, "")
	if rec.Port != prev.Port && req.DetectPort {
		metrics.IncDrift(name)
		r.record(ctx, history.EventPortDrift, name, rec.Port, driftDetail(prev.Port, rec.Port))
	}

	errs := []error{detectErr}
	if err := r.bridge.Materialize(ctx, name, rec); err != nil {
		errs = append(errs, err)
	}
	if rec.AutoStart != prev.AutoStart {
		if err := r.applyAutoStart(ctx, name, rec.AutoStart); err != nil {
			errs = append(errs, err)
		}
	}
	return rec, errors.Join(errs...)
}

// detect returns the listening port of name or a
// *model.PortDetectionFailedError.
func (r *Registry) detect(ctx context.Context, name string) (int, error) {
	if r.detector == nil {
		return 0, &model.PortDetectionFailedError{Name: name, Err: errors.New("port detection is not configured")}
	}
	port, found, err := r.detector.Detect(ctx, name)
	if err != nil {
		return 0, &model.PortDetectionFailedError{Name: name, Err: err}
	}
	if !found {
		return 0, &model.PortDetectionFailedError{Name: name}
	}
	return port, nil
}

// Unregister deletes the record and tears down its unit. The port is free
// for allocation as soon as the record is gone, even if teardown fails.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	var port int
	doc, err := r.store.Update(ctx, func(doc *model.Document) error {
		rec, ok := doc.Services[name]
		if !ok {
			return &model.ServiceNotFoundError{Name: name}
		}
		port = rec.Port
		delete(doc.Services, name)
		return nil
	})
	if err != nil {
		return observe("unregister", err)
	}
	metrics.ObserveOperation("unregister", nil)
	metrics.SetServices(len(doc.Services))
	r.log.Info("service unregistered", "service", name, "port", port)
	r.record(ctx, history.EventUnregister, name, port, "")

	if err := r.bridge.Remove(ctx, name); err != nil {
		r.log.Warn("unit teardown failed", "service", name, "error", err)
		return err
	}
	return nil
}

// Get returns a snapshot of one service with its live state.
func (r *Registry) Get(ctx context.Context, name string) (ServiceView, error) {
	rec, err := r.lookup(ctx, name)
	if err != nil {
		return ServiceView{}, err
	}
	return r.view(ctx, name, rec), nil
}

// List returns snapshots of every service ordered by name. Supervisor
// problems show up as unknown status, never as an error.
func (r *Registry) List(ctx context.Context) ([]ServiceView, error) {
	doc, err := r.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ServiceView, 0, len(doc.Services))
	for _, name := range doc.ServiceNames() {
		out = append(out, r.view(ctx, name, doc.Services[name]))
	}
	return out, nil
}

func driftDetail(from, to int) string {
	return strconv.Itoa(from) + " -> " + strconv.Itoa(to)
}
