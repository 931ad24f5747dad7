package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels grouping the error kinds below, for errors.Is checks.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid")
	ErrCorrupt  = errors.New("corrupt registry document")
)

// CorruptDocumentError reports a persisted document that cannot be parsed.
// It is never repaired automatically.
type CorruptDocumentError struct {
	Path string
	Err  error
}

func (e *CorruptDocumentError) Error() string {
	return fmt.Sprintf("registry document %s is corrupt: %v", e.Path, e.Err)
}
func (e *CorruptDocumentError) Unwrap() error        { return e.Err }
func (e *CorruptDocumentError) Is(target error) bool { return target == ErrCorrupt }

// DuplicateServiceError lists every service name that already exists.
type DuplicateServiceError struct {
	Names []string
}

func (e *DuplicateServiceError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("service %q already exists", e.Names[0])
	}
	return fmt.Sprintf("services already exist: %s", strings.Join(e.Names, ", "))
}
func (e *DuplicateServiceError) Is(target error) bool { return target == ErrConflict }

// DuplicateRangeError lists every port range name that already exists.
type DuplicateRangeError struct {
	Names []string
}

func (e *DuplicateRangeError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("port range %q already exists", e.Names[0])
	}
	return fmt.Sprintf("port ranges already exist: %s", strings.Join(e.Names, ", "))
}
func (e *DuplicateRangeError) Is(target error) bool { return target == ErrConflict }

// ServiceNotFoundError reports a reference to an unregistered service.
type ServiceNotFoundError struct {
	Name string
}

func (e *ServiceNotFoundError) Error() string        { return fmt.Sprintf("service %q not found", e.Name) }
func (e *ServiceNotFoundError) Is(target error) bool { return target == ErrNotFound }

// UnknownRangeError reports a reference to an undefined port range.
type UnknownRangeError struct {
	Range string
}

func (e *UnknownRangeError) Error() string        { return fmt.Sprintf("port range %q not defined", e.Range) }
func (e *UnknownRangeError) Is(target error) bool { return target == ErrNotFound }

// PortConflictError reports a requested port already held by another service.
type PortConflictError struct {
	Port      int
	Service   string // current owner of Port
	Requested string // service that asked for Port, may be empty
}

func (e *PortConflictError) Error() string {
	if e.Requested == "" {
		return fmt.Sprintf("port %d is already used by service %q", e.Port, e.Service)
	}
	return fmt.Sprintf("port %d requested for service %q is already used by service %q", e.Port, e.Requested, e.Service)
}
func (e *PortConflictError) Is(target error) bool { return target == ErrConflict }

// RangeExhaustedError reports that every port of a range is taken.
type RangeExhaustedError struct {
	Range      string
	Start, End int
}

func (e *RangeExhaustedError) Error() string {
	return fmt.Sprintf("no available ports in range %q (%d-%d)", e.Range, e.Start, e.End)
}
func (e *RangeExhaustedError) Is(target error) bool { return target == ErrConflict }

// RangeInUseError refuses removal of a range that services still reference.
type RangeInUseError struct {
	Range    string
	Services []string
}

func (e *RangeInUseError) Error() string {
	return fmt.Sprintf("port range %q is used by services: %s", e.Range, strings.Join(e.Services, ", "))
}
func (e *RangeInUseError) Is(target error) bool { return target == ErrConflict }

// PortDetectionFailedError is advisory: the live port of a service could not
// be observed. Operations that return it have still completed.
type PortDetectionFailedError struct {
	Name string
	Err  error // nil when the service simply has no listening socket
}

func (e *PortDetectionFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("could not detect port of service %q: not running or not listening", e.Name)
	}
	return fmt.Sprintf("could not detect port of service %q: %v", e.Name, e.Err)
}
func (e *PortDetectionFailedError) Unwrap() error { return e.Err }

// SupervisorError reports a failed or timed out host supervisor call.
type SupervisorError struct {
	Op     string
	Name   string
	Detail string
	Err    error
}

func (e *SupervisorError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "supervisor %s %q failed", e.Op, e.Name)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	return b.String()
}
func (e *SupervisorError) Unwrap() error { return e.Err }

// InvalidSnapshotError lists every invariant an imported snapshot violates.
type InvalidSnapshotError struct {
	Problems []string
}

func (e *InvalidSnapshotError) Error() string {
	return "invalid snapshot: " + strings.Join(e.Problems, "; ")
}
func (e *InvalidSnapshotError) Is(target error) bool { return target == ErrInvalid }

// InvalidServiceError rejects a malformed service definition.
type InvalidServiceError struct {
	Name   string
	Reason string
}

func (e *InvalidServiceError) Error() string {
	return fmt.Sprintf("invalid service %q: %s", e.Name, e.Reason)
}
func (e *InvalidServiceError) Is(target error) bool { return target == ErrInvalid }

// InvalidRangeError rejects malformed port range bounds.
type InvalidRangeError struct {
	Name       string
	Start, End int
	Reason     string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid port range %q (%d-%d): %s", e.Name, e.Start, e.End, e.Reason)
}
func (e *InvalidRangeError) Is(target error) bool { return target == ErrInvalid }

// InvalidDocumentError lists the invariants a registry mutation would break.
type InvalidDocumentError struct {
	Problems []string
}

func (e *InvalidDocumentError) Error() string {
	return "invalid registry: " + strings.Join(e.Problems, "; ")
}
func (e *InvalidDocumentError) Is(target error) bool { return target == ErrInvalid }

// Kind returns a short machine-readable name for err, used on the wire by
// the HTTP API. Unknown errors map to "internal".
func Kind(err error) string {
	var (
		corrupt   *CorruptDocumentError
		dupSvc    *DuplicateServiceError
		dupRange  *DuplicateRangeError
		notFound  *ServiceNotFoundError
		unknownRg *UnknownRangeError
		conflict  *PortConflictError
		exhausted *RangeExhaustedError
		inUse     *RangeInUseError
		detect    *PortDetectionFailedError
		sup       *SupervisorError
		snapshot  *InvalidSnapshotError
		badSvc    *InvalidServiceError
		badRange  *InvalidRangeError
		badDoc    *InvalidDocumentError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &corrupt):
		return "corrupt_document"
	case errors.As(err, &dupSvc):
		return "duplicate_service"
	case errors.As(err, &dupRange):
		return "duplicate_range"
	case errors.As(err, &notFound):
		return "service_not_found"
	case errors.As(err, &unknownRg):
		return "unknown_range"
	case errors.As(err, &detect):
		// before conflict: a detected port held by another service is
		// wrapped in a detection failure
		return "port_detection_failed"
	case errors.As(err, &conflict):
		return "port_conflict"
	case errors.As(err, &exhausted):
		return "range_exhausted"
	case errors.As(err, &inUse):
		return "range_in_use"
	case errors.As(err, &sup):
		return "supervisor"
	case errors.As(err, &snapshot):
		return "invalid_snapshot"
	case errors.As(err, &badSvc):
		return "invalid_service"
	case errors.As(err, &badRange):
		return "invalid_range"
	case errors.As(err, &badDoc):
		return "invalid_document"
	default:
		return "internal"
	}
}
