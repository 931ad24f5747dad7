// Package allocator hands out TCP ports from the named ranges of a
// registry document. It is pure: it never mutates the document.
package allocator

import (
	"github.com/loykin/panel/internal/model"
)

// Allocate resolves the port for a new service.
//
// An explicit port (> 0) is returned unchanged unless another service
// already uses it; range bounds are not enforced for explicit ports.
// Otherwise the named range is scanned in ascending order and the lowest
// free port is returned.
func Allocate(doc *model.Document, rangeName string, explicitPort int) (int, error) {
	return AllocateExcept(doc, rangeName, explicitPort, "")
}

// AllocateExcept is Allocate ignoring the ports held by the service named
// exclude, used when an existing service changes its port.
func AllocateExcept(doc *model.Document, rangeName string, explicitPort int, exclude string) (int, error) {
	used := UsedPorts(doc)
	if exclude != "" {
		if rec, ok := doc.Services[exclude]; ok && rec.HasPort() {
			delete(used, rec.Port)
		}
	}
	if explicitPort > 0 {
		if owner, taken := used[explicitPort]; taken {
			return 0, &model.PortConflictError{Port: explicitPort, Service: owner, Requested: exclude}
		}
		return explicitPort, nil
	}
	pr, ok := doc.PortRanges[rangeName]
	if !ok {
		return 0, &model.UnknownRangeError{Range: rangeName}
	}
	for port := pr.Start; port <= pr.End; port++ {
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}
	return 0, &model.RangeExhaustedError{Range: rangeName, Start: pr.Start, End: pr.End}
}

// UsedPorts maps every assigned port to the service holding it.
func UsedPorts(doc *model.Document) map[int]string {
	used := make(map[int]string, len(doc.Services))
	for _, name := range doc.ServiceNames() {
		if rec := doc.Services[name]; rec.HasPort() {
			used[rec.Port] = name
		}
	}
	return used
}

// Free counts the unassigned ports of a range.
func Free(doc *model.Document, rangeName string) (int, error) {
	pr, ok := doc.PortRanges[rangeName]
	if !ok {
		return 0, &model.UnknownRangeError{Range: rangeName}
	}
	n := pr.Size()
	for port := range UsedPorts(doc) {
		if pr.Contains(port) {
			n--
		}
	}
	return n, nil
}
