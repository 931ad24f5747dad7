package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/loykin/panel"
	"github.com/loykin/panel/internal/backup"
	"github.com/loykin/panel/internal/env"
	"github.com/loykin/panel/internal/registry"
)

// command carries what every handler needs. Handlers take flag structs so
// they can be tested without cobra.
type command struct {
	global *GlobalFlags
	out    io.Writer
	// opts are applied when the local registry is opened; tests use them
	// to swap in a fake supervisor.
	opts []panel.Option
}

func (c *command) run(fn func(b backend) error) error {
	b, closer, err := openBackend(c.global, c.opts...)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	return fn(b)
}

func (c *command) emit(v any, human func(io.Writer) error) error {
	if c.global.JSON {
		return printJSON(c.out, v)
	}
	return human(c.out)
}

// partial reports a change that was saved while a follow-up step failed.
func partial(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s, but: %w", what, err)
}

func (c *command) Register(ctx context.Context, f RegisterFlags) error {
	if f.Name == "" || f.Command == "" {
		return errors.New("--name and --command are required")
	}
	vars, err := env.ParseAssignments(f.Env)
	if err != nil {
		return err
	}
	return c.run(func(b backend) error {
		rec, err := b.Register(ctx, registry.RegisterRequest{
			Name:       f.Name,
			Command:    f.Command,
			WorkingDir: f.WorkDir,
			Port:       f.Port,
			RangeName:  f.Range,
			Env:        vars,
			AutoStart:  f.AutoStart,
			Start:      f.Start,
		})
		if rec.Command == "" {
			return err
		}
		perr := c.emit(registry.ServiceView{Name: f.Name, Record: rec}, func(w io.Writer) error {
			_, werr := fmt.Fprintf(w, "registered %s on port %s\n", f.Name, portString(rec.Port))
			return werr
		})
		return errors.Join(perr, partial("service "+f.Name+" was registered", err))
	})
}

func (c *command) Edit(ctx context.Context, f EditFlags, changed func(string) bool) error {
	if f.Name == "" {
		return errors.New("--name is required")
	}
	req := registry.EditRequest{DetectPort: f.DetectPort, UnsetEnv: f.UnsetEnv}
	if changed("command") {
		req.Command = &f.Command
	}
	if changed("work-dir") {
		req.WorkingDir = &f.WorkDir
	}
	if changed("port") {
		req.Port = &f.Port
	}
	if f.AutoStart != "" {
		on, err := strconv.ParseBool(f.AutoStart)
		if err != nil {
			return fmt.Errorf("--auto-start: %w", err)
		}
		req.AutoStart = &on
	}
	if len(f.SetEnv) > 0 {
		vars, err := env.ParseAssignments(f.SetEnv)
		if err != nil {
			return err
		}
		req.SetEnv = vars
	}
	return c.run(func(b backend) error {
		rec, err := b.Edit(ctx, f.Name, req)
		if rec.Command == "" {
			return err
		}
		perr := c.emit(registry.ServiceView{Name: f.Name, Record: rec}, func(w io.Writer) error {
			_, werr := fmt.Fprintf(w, "updated %s (port %s)\n", f.Name, portString(rec.Port))
			return werr
		})
		return errors.Join(perr, partial("service "+f.Name+" was updated", err))
	})
}

func (c *command) Unregister(ctx context.Context, name string) error {
	return c.run(func(b backend) error {
		err := b.Unregister(ctx, name)
		if err != nil && !isSupervisorErr(err) {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "unregistered %s\n", name)
		return partial("service "+name+" was unregistered", err)
	})
}

func (c *command) List(ctx context.Context) error {
	return c.run(func(b backend) error {
		views, err := b.List(ctx)
		if err != nil {
			return err
		}
		return c.emit(views, func(w io.Writer) error { return printServices(w, views) })
	})
}

func (c *command) Status(ctx context.Context, name string) error {
	if name == "" {
		return c.List(ctx)
	}
	return c.run(func(b backend) error {
		v, err := b.Get(ctx, name)
		if err != nil {
			return err
		}
		return c.emit(v, func(w io.Writer) error { return printService(w, v) })
	})
}

// Lifecycle runs one of start, stop, restart, enable, disable or auto.
func (c *command) Lifecycle(ctx context.Context, verb, name string) error {
	return c.run(func(b backend) error {
		var fn func(context.Context, string) error
		switch verb {
		case "start":
			fn = b.Start
		case "stop":
			fn = b.Stop
		case "restart":
			fn = b.Restart
		case "enable":
			fn = b.Enable
		case "disable":
			fn = b.Disable
		case "auto":
			fn = b.Auto
		default:
			return fmt.Errorf("unknown action %q", verb)
		}
		if err := fn(ctx, name); err != nil {
			return err
		}
		_, err := fmt.Fprintf(c.out, "%s: %s ok\n", name, verb)
		return err
	})
}

func (c *command) Logs(ctx context.Context, f LogsFlags) error {
	return c.run(func(b backend) error {
		lines, err := b.Logs(ctx, f.Name, f.Lines)
		if err != nil {
			return err
		}
		return c.emit(lines, func(w io.Writer) error {
			for _, l := range lines {
				if _, err := fmt.Fprintln(w, l); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (c *command) RangeAdd(ctx context.Context, f RangeFlags) error {
	return c.run(func(b backend) error {
		pr, err := b.AddRange(ctx, f.Name, f.Start, f.End)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.out, "added range %s %d-%d\n", f.Name, pr.Start, pr.End)
		return err
	})
}

func (c *command) RangeResize(ctx context.Context, f RangeFlags) error {
	return c.run(func(b backend) error {
		pr, err := b.ResizeRange(ctx, f.Name, f.Start, f.End)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.out, "resized range %s to %d-%d\n", f.Name, pr.Start, pr.End)
		return err
	})
}

func (c *command) RangeRemove(ctx context.Context, name string) error {
	return c.run(func(b backend) error {
		if err := b.RemoveRange(ctx, name); err != nil {
			return err
		}
		_, err := fmt.Fprintf(c.out, "removed range %s\n", name)
		return err
	})
}

func (c *command) RangeList(ctx context.Context) error {
	return c.run(func(b backend) error {
		views, err := b.Ranges(ctx)
		if err != nil {
			return err
		}
		return c.emit(views, func(w io.Writer) error { return printRanges(w, views) })
	})
}

// Export writes the snapshot to f.Path, or stdout when it is empty or "-".
func (c *command) Export(ctx context.Context, f BackupFlags) error {
	format, err := backup.ParseFormat(f.Format)
	if err != nil {
		return err
	}
	return c.run(func(b backend) error {
		data, err := b.Export(ctx, format)
		if err != nil {
			return err
		}
		if f.Path == "" || f.Path == "-" {
			_, err = c.out.Write(data)
			return err
		}
		return os.WriteFile(f.Path, data, 0o600)
	})
}

// Import reads the snapshot from f.Path, or stdin when it is "-".
func (c *command) Import(ctx context.Context, f BackupFlags, stdin io.Reader) error {
	mode, err := backup.ParseMode(f.Mode)
	if err != nil {
		return err
	}
	var data []byte
	if f.Path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(f.Path)
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	return c.run(func(b backend) error {
		res, err := b.Import(ctx, data, mode)
		return c.printImport("imported", res, err)
	})
}

// Restore restores the last-known-good checkpoint, or f.Path when set.
func (c *command) Restore(ctx context.Context, f BackupFlags) error {
	return c.run(func(b backend) error {
		var (
			res backup.ImportResult
			err error
		)
		if f.Path != "" {
			res, err = b.RestoreFile(ctx, f.Path)
		} else {
			res, err = b.Restore(ctx)
		}
		return c.printImport("restored", res, err)
	})
}

func (c *command) printImport(verb string, res backup.ImportResult, err error) error {
	if res.Mode == "" {
		return err
	}
	perr := c.emit(res, func(w io.Writer) error {
		if _, werr := fmt.Fprintf(w, "%s %d services and %d ranges (%s)\n", verb, len(res.Services), len(res.Ranges), res.Mode); werr != nil {
			return werr
		}
		if len(res.Removed) > 0 {
			_, werr := fmt.Fprintf(w, "removed %s\n", strings.Join(res.Removed, ", "))
			return werr
		}
		return nil
	})
	return errors.Join(perr, partial("the registry was "+verb, err))
}

func (c *command) Recover(ctx context.Context) error {
	return c.run(func(b backend) error {
		res, err := b.Recover(ctx)
		if err != nil {
			return err
		}
		return c.emit(res, func(w io.Writer) error {
			for _, name := range res.Recovered {
				_, _ = fmt.Fprintf(w, "recovered %s\n", name)
			}
			for name, why := range res.Skipped {
				_, _ = fmt.Fprintf(w, "skipped %s: %s\n", name, why)
			}
			if len(res.Recovered) == 0 {
				_, _ = fmt.Fprintln(w, "nothing recovered")
			}
			return nil
		})
	})
}

func (c *command) Backup(ctx context.Context, f BackupFlags) error {
	return c.run(func(b backend) error {
		path, err := b.Snapshot(ctx, f.Path)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.out, "snapshot written to %s\n", path)
		return err
	})
}

func (c *command) Backups(ctx context.Context) error {
	return c.run(func(b backend) error {
		files, err := b.Backups(ctx)
		if err != nil {
			return err
		}
		return c.emit(files, func(w io.Writer) error {
			tw := newTable(w)
			_, _ = fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED")
			for _, f := range files {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", f.Name, f.Size, f.ModTime.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		})
	})
}
