package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/panel/internal/model"
)

type call struct {
	bin  string
	args []string
}

// scripted is a Runner answering from a table keyed by the joined argv.
type scripted struct {
	mu      sync.Mutex
	calls   []call
	answers map[string]answer
}

type answer struct {
	stdout, stderr string
	err            error
	block          bool
}

func (s *scripted) run(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{bin: bin, args: args})
	a := s.answers[bin+" "+strings.Join(args, " ")]
	s.mu.Unlock()
	if a.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return []byte(a.stdout), []byte(a.stderr), a.err
}

func (s *scripted) argv() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.bin+" "+strings.Join(c.args, " "))
	}
	return out
}

// exitErr produces a real *exec.ExitError with the given code.
func exitErr(t *testing.T, code string) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit "+code).Run()
	var ee *exec.ExitError
	require.ErrorAs(t, err, &ee)
	return err
}

func newSystemd(t *testing.T, r *scripted) (*Systemd, string) {
	t.Helper()
	dir := t.TempDir()
	return NewSystemd(SystemdConfig{
		User:    true,
		EnvDir:  filepath.Join(dir, "env"),
		UnitDir: filepath.Join(dir, "units"),
		HomeDir: "/home/test",
		Timeout: time.Second,
		Runner:  r.run,
	}), dir
}

func TestUnitNames(t *testing.T) {
	s, _ := newSystemd(t, &scripted{})
	assert.Equal(t, "control-panel@web.service", s.Unit("web"))
	assert.Equal(t, "control-panel@.service", s.TemplateUnit())
}

func TestMaterializeWritesEnvAndInstallsTemplateOnce(t *testing.T) {
	r := &scripted{}
	s, dir := newSystemd(t, r)
	ctx := context.Background()
	rec := model.ServiceRecord{Command: "npm start", Port: 8001, Env: map[string]string{"PORT": "8001", "A": "1"}}

	require.NoError(t, s.Materialize(ctx, "web", rec))
	require.NoError(t, s.Materialize(ctx, "web", rec))

	data, err := os.ReadFile(filepath.Join(dir, "env", "web.env"))
	require.NoError(t, err)
	assert.Equal(t, "COMMAND=npm start\nWORKING_DIR=/home/test\nPORT=8001\nA=1\n", string(data))

	unit, err := os.ReadFile(filepath.Join(dir, "units", "control-panel@.service"))
	require.NoError(t, err)
	assert.Contains(t, string(unit), "EnvironmentFile="+filepath.Join(dir, "env")+"/%i.env")

	assert.Equal(t, []string{"systemctl --user daemon-reload"}, r.argv())
}

func TestLifecycleVerbs(t *testing.T) {
	r := &scripted{}
	s, _ := newSystemd(t, r)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, "web"))
	require.NoError(t, s.Stop(ctx, "web"))
	require.NoError(t, s.Restart(ctx, "web"))
	require.NoError(t, s.Enable(ctx, "web"))
	require.NoError(t, s.Disable(ctx, "web"))
	assert.Equal(t, []string{
		"systemctl --user start control-panel@web.service",
		"systemctl --user stop control-panel@web.service",
		"systemctl --user restart control-panel@web.service",
		"systemctl --user enable control-panel@web.service",
		"systemctl --user disable control-panel@web.service",
	}, r.argv())
}

func TestNonZeroExitIsSupervisorError(t *testing.T) {
	r := &scripted{answers: map[string]answer{
		"systemctl --user start control-panel@web.service": {stderr: "Job failed\n", err: exitErr(t, "1")},
	}}
	s, _ := newSystemd(t, r)
	err := s.Start(context.Background(), "web")
	var se *model.SupervisorError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, OpStart, se.Op)
	assert.Equal(t, "web", se.Name)
	assert.Equal(t, "Job failed", se.Detail)
}

func TestTimeoutIsSupervisorError(t *testing.T) {
	r := &scripted{answers: map[string]answer{
		"systemctl --user stop control-panel@web.service": {block: true},
	}}
	s := NewSystemd(SystemdConfig{User: true, Timeout: 30 * time.Millisecond, Runner: r.run})
	start := time.Now()
	err := s.Stop(context.Background(), "web")
	var se *model.SupervisorError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Detail, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]struct {
		a    answer
		want model.Status
	}{
		"active":   {answer{stdout: "active\n"}, model.StatusActive},
		"inactive": {answer{stdout: "inactive\n", err: exitErr(t, "3")}, model.StatusInactive},
		"failed":   {answer{stdout: "failed\n", err: exitErr(t, "3")}, model.StatusInactive},
		"missing":  {answer{err: errors.New("exec: \"systemctl\": executable file not found in $PATH")}, model.StatusUnknown},
		"no bus":   {answer{stderr: "Failed to connect to bus", err: exitErr(t, "1")}, model.StatusUnknown},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			r := &scripted{answers: map[string]answer{"systemctl --user is-active control-panel@web.service": c.a}}
			s, _ := newSystemd(t, r)
			assert.Equal(t, c.want, s.Status(context.Background(), "web"))
		})
	}
}

func TestEnabled(t *testing.T) {
	r := &scripted{answers: map[string]answer{
		"systemctl --user is-enabled control-panel@off.service": {stdout: "disabled\n", err: exitErr(t, "1")},
	}}
	s, _ := newSystemd(t, r)
	assert.True(t, s.Enabled(context.Background(), "on"))
	assert.False(t, s.Enabled(context.Background(), "off"))
}

func TestTailLogsAndMainPID(t *testing.T) {
	r := &scripted{answers: map[string]answer{
		"journalctl --user -u control-panel@web.service -n 2 --no-pager -o cat":  {stdout: "one\ntwo\n"},
		"systemctl --user show control-panel@web.service -p MainPID --value":     {stdout: "4242\n"},
		"systemctl --user show control-panel@idle.service -p MainPID --value":    {stdout: "0\n"},
		"systemctl --user show control-panel@garbage.service -p MainPID --value": {stdout: "n/a\n"},
	}}
	s, _ := newSystemd(t, r)
	ctx := context.Background()

	lines, err := s.TailLogs(ctx, "web", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)

	pid, err := s.MainPID(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	pid, err = s.MainPID(ctx, "idle")
	require.NoError(t, err)
	assert.Zero(t, pid)

	_, err = s.MainPID(ctx, "garbage")
	var se *model.SupervisorError
	require.ErrorAs(t, err, &se)
}

func TestRemoveDeletesEnvFile(t *testing.T) {
	r := &scripted{}
	s, dir := newSystemd(t, r)
	ctx := context.Background()
	require.NoError(t, s.Materialize(ctx, "web", model.ServiceRecord{Command: "x", Port: 1}))
	require.NoError(t, s.Remove(ctx, "web"))
	_, err := os.Stat(filepath.Join(dir, "env", "web.env"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Contains(t, r.argv(), "systemctl --user stop control-panel@web.service")
	assert.Contains(t, r.argv(), "systemctl --user disable control-panel@web.service")
}

func TestSystemScopeHasNoUserFlag(t *testing.T) {
	r := &scripted{}
	s := NewSystemd(SystemdConfig{Runner: r.run})
	require.NoError(t, s.Start(context.Background(), "web"))
	assert.Equal(t, []string{"systemctl start control-panel@web.service"}, r.argv())
}

func TestExecRunnerDoesNotWaitOnHeldPipes(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// the background sleep inherits stdout and keeps it open after sh exits
	start := time.Now()
	_, _, err := ExecRunner(context.Background(), "sh", "-c", "sleep 5 & echo started")
	assert.Less(t, time.Since(start), 4*time.Second)
	if err != nil {
		assert.ErrorIs(t, err, exec.ErrWaitDelay)
	}
}
