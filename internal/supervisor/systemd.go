package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/panel/internal/env"
	"github.com/loykin/panel/internal/metrics"
	"github.com/loykin/panel/internal/model"
	"github.com/loykin/panel/internal/store"
)

const (
	DefaultUnitTemplate = "control-panel@%s.service"
	DefaultTimeout      = 8 * time.Second
)

// SystemdConfig configures the systemd adapter. Zero values pick defaults.
type SystemdConfig struct {
	UnitTemplate string // fmt pattern with one %s for the service name
	User         bool   // pass --user to systemctl and journalctl
	EnvDir       string // where <name>.env files are written
	UnitDir      string // where the template unit is installed
	HomeDir      string // working directory fallback
	Timeout      time.Duration
	Runner       Runner
	Logger       *slog.Logger
}

// Systemd drives systemd template units through systemctl and journalctl.
type Systemd struct {
	cfg SystemdConfig
	run Runner
	log *slog.Logger
}

// NewSystemd returns an adapter for cfg.
func NewSystemd(cfg SystemdConfig) *Systemd {
	if cfg.UnitTemplate == "" {
		cfg.UnitTemplate = DefaultUnitTemplate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HomeDir == "" {
		cfg.HomeDir, _ = os.UserHomeDir()
	}
	s := &Systemd{cfg: cfg, run: cfg.Runner, log: cfg.Logger}
	if s.run == nil {
		s.run = ExecRunner
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Unit returns the instance unit name of a service.
func (s *Systemd) Unit(name string) string { return fmt.Sprintf(s.cfg.UnitTemplate, name) }

// TemplateUnit returns the file name of the template unit, e.g.
// control-panel@.service.
func (s *Systemd) TemplateUnit() string { return fmt.Sprintf(s.cfg.UnitTemplate, "") }

// EnvFile returns the environment file path of a service.
func (s *Systemd) EnvFile(name string) string { return filepath.Join(s.cfg.EnvDir, name+".env") }

func (s *Systemd) scope() []string {
	if s.cfg.User {
		return []string{"--user"}
	}
	return nil
}

// exec runs one supervisor command bounded by the configured timeout.
func (s *Systemd) exec(ctx context.Context, op, name, bin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	argv := append(s.scope(), args...)
	start := time.Now()
	out, errOut, err := s.run(ctx, bin, argv...)
	metrics.ObserveSupervisorCall(op, err, time.Since(start))
	if err == nil {
		return out, nil
	}
	detail := strings.TrimSpace(string(errOut))
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		detail = fmt.Sprintf("timed out after %s", s.cfg.Timeout)
	}
	s.log.Debug("supervisor call failed", "op", op, "service", name, "cmd", bin+" "+strings.Join(argv, " "), "error", err)
	return out, &model.SupervisorError{Op: op, Name: name, Detail: detail, Err: err}
}

func (s *Systemd) systemctl(ctx context.Context, op, name string, args ...string) ([]byte, error) {
	return s.exec(ctx, op, name, "systemctl", args...)
}

// Materialize writes the service's environment file and makes sure the
// template unit is installed.
func (s *Systemd) Materialize(ctx context.Context, name string, rec model.ServiceRecord) error {
	data := env.FromRecord(rec, s.cfg.HomeDir).Render()
	if err := store.WriteFileAtomic(s.EnvFile(name), data, 0o600); err != nil {
		return &model.SupervisorError{Op: OpMaterialize, Name: name, Err: err}
	}
	installed, err := s.installTemplate()
	if err != nil {
		return &model.SupervisorError{Op: OpMaterialize, Name: name, Err: err}
	}
	if installed {
		s.log.Info("installed unit template", "unit", s.TemplateUnit(), "dir", s.cfg.UnitDir)
		if _, err := s.systemctl(ctx, OpReload, name, "daemon-reload"); err != nil {
			return err
		}
	}
	return nil
}

// Remove stops and disables the unit and deletes its environment file.
func (s *Systemd) Remove(ctx context.Context, name string) error {
	unit := s.Unit(name)
	_, stopErr := s.systemctl(ctx, OpStop, name, "stop", unit)
	_, disableErr := s.systemctl(ctx, OpDisable, name, "disable", unit)
	if err := os.Remove(s.EnvFile(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &model.SupervisorError{Op: OpRemove, Name: name, Err: err}
	}
	return errors.Join(stopErr, disableErr)
}

func (s *Systemd) Start(ctx context.Context, name string) error {
	_, err := s.systemctl(ctx, OpStart, name, "start", s.Unit(name))
	return err
}

func (s *Systemd) Stop(ctx context.Context, name string) error {
	_, err := s.systemctl(ctx, OpStop, name, "stop", s.Unit(name))
	return err
}

func (s *Systemd) Restart(ctx context.Context, name string) error {
	_, err := s.systemctl(ctx, OpRestart, name, "restart", s.Unit(name))
	return err
}

func (s *Systemd) Enable(ctx context.Context, name string) error {
	_, err := s.systemctl(ctx, OpEnable, name, "enable", s.Unit(name))
	return err
}

func (s *Systemd) Disable(ctx context.Context, name string) error {
	_, err := s.systemctl(ctx, OpDisable, name, "disable", s.Unit(name))
	return err
}

// Status maps `systemctl is-active` output. is-active exits non-zero for
// every state but active, so stdout is inspected regardless of the exit
// code; no output at all means systemd could not be asked.
func (s *Systemd) Status(ctx context.Context, name string) model.Status {
	out, _ := s.systemctl(ctx, OpStatus, name, "is-active", s.Unit(name))
	return ParseActiveState(string(out))
}

// ParseActiveState maps an is-active state word to a Status.
func ParseActiveState(out string) model.Status {
	state := strings.TrimSpace(out)
	if i := strings.IndexByte(state, '\n'); i >= 0 {
		state = state[:i]
	}
	switch state {
	case "active", "activating", "reloading", "refreshing":
		return model.StatusActive
	case "inactive", "failed", "deactivating", "maintenance":
		return model.StatusInactive
	default:
		return model.StatusUnknown
	}
}

// Enabled reports whether the unit is enabled to start on boot.
func (s *Systemd) Enabled(ctx context.Context, name string) bool {
	_, err := s.systemctl(ctx, OpStatus, name, "is-enabled", s.Unit(name))
	return err == nil
}

// TailLogs returns the last lines of the unit's journal.
func (s *Systemd) TailLogs(ctx context.Context, name string, lines int) ([]string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := s.exec(ctx, OpLogs, name, "journalctl", "-u", s.Unit(name), "-n", strconv.Itoa(lines), "--no-pager", "-o", "cat")
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(out), "\n")
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

// MainPID returns the unit's main process id, 0 when it is not running.
func (s *Systemd) MainPID(ctx context.Context, name string) (int, error) {
	out, err := s.systemctl(ctx, OpMainPID, name, "show", s.Unit(name), "-p", "MainPID", "--value")
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(out)), "MainPID="))
	if raw == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &model.SupervisorError{Op: OpMainPID, Name: name, Detail: fmt.Sprintf("unexpected MainPID %q", raw), Err: err}
	}
	return pid, nil
}

var _ Bridge = (*Systemd)(nil)
