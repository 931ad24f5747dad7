// Package detector observes which TCP port a running service is actually
// listening on.
//
// Detection is best-effort and racy: a process may open or close sockets
// between two calls, and the main PID reported by the supervisor may exit
// right after it was read. Results are advisory input for reconciling the
// stored port, never an authoritative source.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// maxDescendants bounds the process tree walk below the main PID.
const maxDescendants = 64

// ErrProcessGone reports a PID that no longer exists.
var ErrProcessGone = errors.New("process not running")

// PIDResolver returns the main PID of a service's unit, 0 when it is not
// running. supervisor.Bridge satisfies it.
type PIDResolver interface {
	MainPID(ctx context.Context, name string) (int, error)
}

// SocketLister returns the sockets of pid and its descendants, one group
// per process with the main process first.
type SocketLister func(ctx context.Context, pid int) ([][]gopsnet.ConnectionStat, error)

// Detector implements port detection on top of a PIDResolver.
type Detector struct {
	pids    PIDResolver
	sockets SocketLister
}

type Option func(*Detector)

// WithSocketLister replaces the gopsutil backed socket lister.
func WithSocketLister(l SocketLister) Option {
	return func(d *Detector) { d.sockets = l }
}

func New(pids PIDResolver, opts ...Option) *Detector {
	d := &Detector{pids: pids, sockets: ProcessTreeSockets}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect returns the port the service named name listens on. found is
// false, with a nil error, when the service is not running or has no
// listening TCP socket yet. Errors are reserved for genuine failures such
// as an unreachable supervisor or insufficient permissions.
func (d *Detector) Detect(ctx context.Context, name string) (port int, found bool, err error) {
	pid, err := d.pids.MainPID(ctx, name)
	if err != nil {
		return 0, false, err
	}
	if pid <= 0 {
		return 0, false, nil
	}
	groups, err := d.sockets(ctx, pid)
	if errors.Is(err, ErrProcessGone) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("inspect sockets of pid %d: %w", pid, err)
	}
	for _, conns := range groups {
		if p, ok := PickListenPort(conns); ok {
			return p, true, nil
		}
	}
	return 0, false, nil
}

// PickListenPort chooses among listening TCP sockets: IPv4 before IPv6,
// then the lowest port.
func PickListenPort(conns []gopsnet.ConnectionStat) (int, bool) {
	var v4, v6 []int
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Type != unix.SOCK_STREAM || c.Laddr.Port == 0 {
			continue
		}
		switch c.Family {
		case unix.AF_INET:
			v4 = append(v4, int(c.Laddr.Port))
		case unix.AF_INET6:
			v6 = append(v6, int(c.Laddr.Port))
		}
	}
	for _, ports := range [][]int{v4, v6} {
		if len(ports) > 0 {
			sort.Ints(ports)
			return ports[0], true
		}
	}
	return 0, false
}

// ProcessTreeSockets lists sockets of pid and then of its descendants,
// breadth first. Descendants that vanish during the walk are skipped.
func ProcessTreeSockets(ctx context.Context, pid int) ([][]gopsnet.ConnectionStat, error) {
	root, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
		return nil, ErrProcessGone
	}
	if err != nil {
		return nil, err
	}
	var groups [][]gopsnet.ConnectionStat
	queue := []*gopsproc.Process{root}
	seen := map[int32]bool{root.Pid: true}
	for len(queue) > 0 && len(seen) <= maxDescendants+1 {
		p := queue[0]
		queue = queue[1:]
		conns, err := p.ConnectionsWithContext(ctx)
		if err != nil {
			if p == root {
				if running, _ := root.IsRunningWithContext(ctx); !running {
					return nil, ErrProcessGone
				}
				return nil, err
			}
			continue
		}
		groups = append(groups, conns)
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, c := range children {
			if !seen[c.Pid] {
				seen[c.Pid] = true
				queue = append(queue, c)
			}
		}
	}
	return groups, nil
}
