package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/panel/internal/model"
)

// FakeUnit is the in-memory state of one unit held by Fake.
type FakeUnit struct {
	Record  model.ServiceRecord
	Active  bool
	Enabled bool
	PID     int
	Logs    []string
}

// Fake is an in-memory Bridge for tests and dry runs. Failures can be
// injected per operation ("start") or per operation and service
// ("start:web").
type Fake struct {
	mu          sync.Mutex
	units       map[string]*FakeUnit
	calls       []string
	failures    map[string]error
	pids        map[string]int
	unreachable bool
	nextPID     int
}

func NewFake() *Fake {
	return &Fake{
		units:    make(map[string]*FakeUnit),
		failures: make(map[string]error),
		pids:     make(map[string]int),
		nextPID:  1000,
	}
}

// FailOn makes op (optionally "op:name") return err until cleared with a nil err.
func (f *Fake) FailOn(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, key)
		return
	}
	f.failures[key] = err
}

// SetUnreachable simulates a supervisor that cannot be contacted.
func (f *Fake) SetUnreachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = v
}

// SetPID pins the main PID reported for name while it is active.
func (f *Fake) SetPID(name string, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids[name] = pid
}

// SetLogs replaces the journal lines of name.
func (f *Fake) SetLogs(name string, lines []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unit(name).Logs = append([]string(nil), lines...)
}

// Calls returns the "op:name" log of every call made so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Unit returns a copy of the state of name and whether it exists.
func (f *Fake) Unit(name string) (FakeUnit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[name]
	if !ok {
		return FakeUnit{}, false
	}
	out := *u
	out.Record = u.Record.Clone()
	out.Logs = append([]string(nil), u.Logs...)
	return out, true
}

// Units lists the names of materialized units.
func (f *Fake) Units() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.units))
	for n := range f.units {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *Fake) unit(name string) *FakeUnit {
	u, ok := f.units[name]
	if !ok {
		u = &FakeUnit{}
		f.units[name] = u
	}
	return u
}

// enter records the call and returns the injected failure, if any. The
// caller must hold f.mu.
func (f *Fake) enter(op, name string) error {
	f.calls = append(f.calls, op+":"+name)
	if f.unreachable {
		return &model.SupervisorError{Op: op, Name: name, Detail: "supervisor unreachable"}
	}
	for _, key := range []string{op + ":" + name, op} {
		if err, ok := f.failures[key]; ok {
			return &model.SupervisorError{Op: op, Name: name, Detail: err.Error(), Err: err}
		}
	}
	return nil
}

func (f *Fake) Materialize(_ context.Context, name string, rec model.ServiceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpMaterialize, name); err != nil {
		return err
	}
	f.unit(name).Record = rec.Clone()
	return nil
}

func (f *Fake) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpRemove, name); err != nil {
		return err
	}
	delete(f.units, name)
	return nil
}

func (f *Fake) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpStart, name); err != nil {
		return err
	}
	u, ok := f.units[name]
	if !ok {
		return &model.SupervisorError{Op: OpStart, Name: name, Detail: fmt.Sprintf("unit for %q not found", name)}
	}
	if !u.Active {
		u.Active = true
		u.PID = f.pids[name]
		if u.PID == 0 {
			f.nextPID++
			u.PID = f.nextPID
		}
	}
	return nil
}

func (f *Fake) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpStop, name); err != nil {
		return err
	}
	if u, ok := f.units[name]; ok {
		u.Active = false
		u.PID = 0
	}
	return nil
}

func (f *Fake) Restart(_ context.Context, name string) error {
	f.mu.Lock()
	if err := f.enter(OpRestart, name); err != nil {
		f.mu.Unlock()
		return err
	}
	if u, ok := f.units[name]; ok {
		u.Active = false
	}
	f.mu.Unlock()
	return f.startQuiet(name)
}

func (f *Fake) startQuiet(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[name]
	if !ok {
		return &model.SupervisorError{Op: OpRestart, Name: name, Detail: fmt.Sprintf("unit for %q not found", name)}
	}
	u.Active = true
	u.PID = f.pids[name]
	if u.PID == 0 {
		f.nextPID++
		u.PID = f.nextPID
	}
	return nil
}

func (f *Fake) Enable(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpEnable, name); err != nil {
		return err
	}
	f.unit(name).Enabled = true
	return nil
}

func (f *Fake) Disable(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpDisable, name); err != nil {
		return err
	}
	if u, ok := f.units[name]; ok {
		u.Enabled = false
	}
	return nil
}

func (f *Fake) Status(_ context.Context, name string) model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enter(OpStatus, name) != nil {
		return model.StatusUnknown
	}
	if u, ok := f.units[name]; ok && u.Active {
		return model.StatusActive
	}
	return model.StatusInactive
}

func (f *Fake) Enabled(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enter(OpStatus, name) != nil {
		return false
	}
	u, ok := f.units[name]
	return ok && u.Enabled
}

func (f *Fake) TailLogs(_ context.Context, name string, lines int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpLogs, name); err != nil {
		return nil, err
	}
	u, ok := f.units[name]
	if !ok {
		return []string{}, nil
	}
	logs := u.Logs
	if lines > 0 && len(logs) > lines {
		logs = logs[len(logs)-lines:]
	}
	return append([]string{}, logs...), nil
}

func (f *Fake) MainPID(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpMainPID, name); err != nil {
		return 0, err
	}
	if u, ok := f.units[name]; ok && u.Active {
		return u.PID, nil
	}
	return 0, nil
}

var _ Bridge = (*Fake)(nil)
