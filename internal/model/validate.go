package model

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// MaxNameLength bounds service and range names; systemd instance names
// become part of file names on disk.
const MaxNameLength = 64

var unitNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the "unitname" rule registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("unitname", func(fl validator.FieldLevel) bool {
			return unitNameRe.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidateName checks that name can be used as a service or range name.
func ValidateName(name string) error {
	if err := Validator().Var(name, fmt.Sprintf("required,max=%d,unitname", MaxNameLength)); err != nil {
		switch {
		case name == "":
			return errors.New("name must not be empty")
		case len(name) > MaxNameLength:
			return fmt.Errorf("name is longer than %d characters", MaxNameLength)
		default:
			return errors.New("name may only contain letters, digits, '-' and '_'")
		}
	}
	return nil
}

// ValidateRecord checks the field constraints of a single record.
func ValidateRecord(name string, rec ServiceRecord) error {
	if err := ValidateName(name); err != nil {
		return &InvalidServiceError{Name: name, Reason: err.Error()}
	}
	if err := Validator().Struct(rec); err != nil {
		return &InvalidServiceError{Name: name, Reason: describe(err)}
	}
	return nil
}

// ValidateRange checks the bounds of a single range.
func ValidateRange(name string, pr PortRange) error {
	if err := ValidateName(name); err != nil {
		return &InvalidRangeError{Name: name, Start: pr.Start, End: pr.End, Reason: err.Error()}
	}
	if err := Validator().Struct(pr); err != nil {
		return &InvalidRangeError{Name: name, Start: pr.Start, End: pr.End, Reason: describe(err)}
	}
	return nil
}

// Problems returns every invariant the document violates, in a stable order.
// An empty result means the document may be persisted.
func (d *Document) Problems() []string {
	var out []string
	if len(d.PortRanges) == 0 {
		out = append(out, "port_ranges must not be empty")
	}
	if _, ok := d.PortRanges[DefaultRange]; !ok {
		out = append(out, fmt.Sprintf("port range %q is missing", DefaultRange))
	}
	for _, name := range d.RangeNames() {
		if err := ValidateRange(name, d.PortRanges[name]); err != nil {
			out = append(out, err.Error())
		}
	}
	owners := make(map[int]string, len(d.Services))
	for _, name := range d.ServiceNames() {
		rec := d.Services[name]
		if err := ValidateRecord(name, rec); err != nil {
			out = append(out, err.Error())
		}
		if !rec.HasPort() {
			continue
		}
		if prev, dup := owners[rec.Port]; dup {
			out = append(out, (&PortConflictError{Port: rec.Port, Service: prev, Requested: name}).Error())
			continue
		}
		owners[rec.Port] = name
	}
	return out
}

// Validate returns nil when the document satisfies every invariant, and an
// *InvalidDocumentError listing all problems otherwise.
func (d *Document) Validate() error {
	if p := d.Problems(); len(p) > 0 {
		return &InvalidDocumentError{Problems: p}
	}
	return nil
}

// ValidateSince is Validate relative to prev, the document d was derived
// from. Problems prev already had are tolerated so records written by older
// releases do not block unrelated changes. A change that only removes
// entries is always accepted as long as the default range survives.
func (d *Document) ValidateSince(prev *Document) error {
	if prev == nil {
		return d.Validate()
	}
	if d.removesOnly(prev) {
		_, had := prev.PortRanges[DefaultRange]
		if _, has := d.PortRanges[DefaultRange]; had && !has {
			return &InvalidDocumentError{Problems: []string{fmt.Sprintf("port range %q is missing", DefaultRange)}}
		}
		return nil
	}
	known := make(map[string]bool)
	for _, p := range prev.Problems() {
		known[p] = true
	}
	var introduced []string
	for _, p := range d.Problems() {
		if !known[p] {
			introduced = append(introduced, p)
		}
	}
	if len(introduced) > 0 {
		return &InvalidDocumentError{Problems: introduced}
	}
	return nil
}

// removesOnly reports whether every service and range of d is present and
// unchanged in prev.
func (d *Document) removesOnly(prev *Document) bool {
	for name, rec := range d.Services {
		old, ok := prev.Services[name]
		if !ok || !reflect.DeepEqual(old, rec) {
			return false
		}
	}
	for name, pr := range d.PortRanges {
		if old, ok := prev.PortRanges[name]; !ok || old != pr {
			return false
		}
	}
	return true
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "gtefield":
			msgs = append(msgs, fmt.Sprintf("%s must not be below %s", field, strings.ToLower(fe.Param())))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, ", ")
}
