// Package model holds the registry document persisted by panel: service
// records, named port ranges, the invariants tying them together and the
// error kinds every other package reports.
package model

import (
	"sort"
	"strconv"

	json "github.com/goccy/go-json"
)

// DefaultRange is the range every document carries and that auto-assignment
// falls back to when the caller names none.
const DefaultRange = "default"

// Bootstrap bounds of the default range.
const (
	DefaultRangeStart = 8000
	DefaultRangeEnd   = 9000
)

// PortEnv is the environment variable always injected with the resolved port.
const PortEnv = "PORT"

// ServiceRecord is the persisted description of one managed service.
// The record's name is the key it is stored under in Document.Services.
type ServiceRecord struct {
	Command    string            `json:"command" yaml:"command" validate:"required"`
	Port       int               `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	WorkingDir string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	AutoStart  bool              `json:"auto_start" yaml:"auto_start"`
	RangeName  string            `json:"range_name,omitempty" yaml:"range_name,omitempty"`
}

// UnmarshalJSON accepts documents written by older releases, which stored
// the start-on-boot flag under "enabled".
func (r *ServiceRecord) UnmarshalJSON(b []byte) error {
	type plain ServiceRecord
	var rec plain
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
	}
	var flags struct {
		AutoStart *bool `json:"auto_start"`
		Enabled   *bool `json:"enabled"`
	}
	if err := json.Unmarshal(b, &flags); err != nil {
		return err
	}
	*r = ServiceRecord(rec)
	if flags.AutoStart == nil && flags.Enabled != nil {
		r.AutoStart = *flags.Enabled
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r ServiceRecord) Clone() ServiceRecord {
	out := r
	if r.Env != nil {
		out.Env = make(map[string]string, len(r.Env))
		for k, v := range r.Env {
			out.Env[k] = v
		}
	}
	return out
}

// HasPort reports whether a port has been resolved for the record.
func (r ServiceRecord) HasPort() bool { return r.Port > 0 }

// SyncPortEnv rewrites Env[PORT] from Port. Records without a port drop it.
func (r *ServiceRecord) SyncPortEnv() {
	if !r.HasPort() {
		delete(r.Env, PortEnv)
		return
	}
	if r.Env == nil {
		r.Env = make(map[string]string, 1)
	}
	r.Env[PortEnv] = strconv.Itoa(r.Port)
}

// PortRange is a named inclusive interval used for automatic assignment.
type PortRange struct {
	Start int `json:"start" yaml:"start" validate:"min=1,max=65535"`
	End   int `json:"end" yaml:"end" validate:"min=1,max=65535,gtefield=Start"`
}

// Contains reports whether port lies in [Start, End].
func (pr PortRange) Contains(port int) bool { return port >= pr.Start && port <= pr.End }

// Size is the number of ports in the range.
func (pr PortRange) Size() int { return pr.End - pr.Start + 1 }

// Document is the whole registry as persisted on disk.
type Document struct {
	Services   map[string]ServiceRecord `json:"services" yaml:"services"`
	PortRanges map[string]PortRange     `json:"port_ranges" yaml:"port_ranges"`
}

// NewDocument returns the bootstrap document: no services and the default range.
func NewDocument() *Document {
	return &Document{
		Services: map[string]ServiceRecord{},
		PortRanges: map[string]PortRange{
			DefaultRange: {Start: DefaultRangeStart, End: DefaultRangeEnd},
		},
	}
}

// Normalize fills nil maps and re-derives Env[PORT] for every record.
func (d *Document) Normalize() {
	if d.Services == nil {
		d.Services = map[string]ServiceRecord{}
	}
	if d.PortRanges == nil {
		d.PortRanges = map[string]PortRange{}
	}
	for name, rec := range d.Services {
		rec.SyncPortEnv()
		d.Services[name] = rec
	}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := &Document{
		Services:   make(map[string]ServiceRecord, len(d.Services)),
		PortRanges: make(map[string]PortRange, len(d.PortRanges)),
	}
	for k, v := range d.Services {
		out.Services[k] = v.Clone()
	}
	for k, v := range d.PortRanges {
		out.PortRanges[k] = v
	}
	return out
}

// ServiceNames returns the service names in ascending order.
func (d *Document) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for n := range d.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RangeNames returns the range names in ascending order.
func (d *Document) RangeNames() []string {
	names := make([]string, 0, len(d.PortRanges))
	for n := range d.PortRanges {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PortOwner returns the service using port, skipping the service named except.
func (d *Document) PortOwner(port int, except string) (string, bool) {
	if port <= 0 {
		return "", false
	}
	for _, name := range d.ServiceNames() {
		if name == except {
			continue
		}
		if d.Services[name].Port == port {
			return name, true
		}
	}
	return "", false
}

// RangeUsers lists the services whose range_name is rangeName.
func (d *Document) RangeUsers(rangeName string) []string {
	var users []string
	for _, name := range d.ServiceNames() {
		if d.Services[name].RangeName == rangeName {
			users = append(users, name)
		}
	}
	return users
}

// Status is the live state of a unit as reported by the host supervisor.
// It is never persisted.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusUnknown  Status = "unknown"
)
