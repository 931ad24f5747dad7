// Package supervisor is the narrow bridge between the registry and the host
// process supervisor that actually runs services. It holds no registry
// state: every call is keyed by service name only.
package supervisor

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/loykin/panel/internal/model"
)

// Bridge is the capability set the registry consumes. Every method blocks
// for at most the implementation's call timeout. Failures surface as
// *model.SupervisorError, except Status and Enabled which degrade to
// model.StatusUnknown and false so listings never fail on environment
// problems.
type Bridge interface {
	Materialize(ctx context.Context, name string, rec model.ServiceRecord) error
	Remove(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Status(ctx context.Context, name string) model.Status
	Enabled(ctx context.Context, name string) bool
	TailLogs(ctx context.Context, name string, lines int) ([]string, error)
	MainPID(ctx context.Context, name string) (int, error)
}

// Runner executes an external command and returns its captured output.
// A non-zero exit is reported as *exec.ExitError.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// pipeWaitDelay bounds how long a finished or cancelled command may keep its
// output pipes open through a descendant such as pkttyagent.
const pipeWaitDelay = time.Second

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	// #nosec G204 -- name is always systemctl or journalctl
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	cmd.WaitDelay = pipeWaitDelay
	err := cmd.Run()
	return out.Bytes(), errOut.Bytes(), err
}

// Lifecycle verbs, also used as the Op of *model.SupervisorError.
const (
	OpMaterialize = "materialize"
	OpRemove      = "remove"
	OpStart       = "start"
	OpStop        = "stop"
	OpRestart     = "restart"
	OpEnable      = "enable"
	OpDisable     = "disable"
	OpStatus      = "status"
	OpLogs        = "logs"
	OpMainPID     = "main-pid"
	OpReload      = "daemon-reload"
)
