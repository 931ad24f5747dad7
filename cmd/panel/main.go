package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/panel/internal/auth"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := buildRoot(&command{global: &GlobalFlags{}, out: os.Stdout})
	if err := root.ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// printError writes one line per joined error.
func printError(w io.Writer, err error) {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			printError(w, e)
		}
		return
	}
	_, _ = fmt.Fprintln(w, "error:", err)
}

// buildRoot creates the root command and every subcommand bound to c.
func buildRoot(c *command) *cobra.Command {
	root := createRootCommand(c.global)
	root.AddCommand(
		createRegisterCommand(c),
		createUnregisterCommand(c),
		createListCommand(c),
		createStatusCommand(c),
		createEditCommand(c),
		createLifecycleCommand(c, "start", "Start a service"),
		createLifecycleCommand(c, "stop", "Stop a service"),
		createLifecycleCommand(c, "restart", "Restart a service"),
		createLifecycleCommand(c, "enable", "Start a service at boot"),
		createLifecycleCommand(c, "disable", "Do not start a service at boot"),
		createLifecycleCommand(c, "auto", "Enable a service and start it now"),
		createLogsCommand(c),
		createRangeCommand(c),
		createBackupCommand(c),
		createExportCommand(c),
		createImportCommand(c),
		createRestoreCommand(c),
		createRecoverCommand(c),
		createHistoryCommand(c),
		createServeCommand(c),
		createTokenCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "panel",
		Short: "Register services, assign ports and drive their systemd units",
		Long: `panel keeps a registry of long-running services, assigns each one a TCP
port from named ranges and runs it as an instance of a systemd template unit.

Examples:
  panel register --name=web --command="python -m http.server"
  panel list
  panel logs web --lines=100
  panel serve
  panel list --api-url=http://host:9000/api --token=$PANEL_TOKEN`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default <config_dir>/panel.toml)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "operate on a remote panel server instead of the local registry")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "remote request timeout")
	pf.StringVar(&flags.Token, "token", os.Getenv("PANEL_TOKEN"), "bearer token for the remote server")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for a TLS server")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	pf.BoolVar(&flags.JSON, "json", false, "print JSON instead of tables")
	return root
}

func createRegisterCommand(c *command) *cobra.Command {
	f := &RegisterFlags{}
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new service",
		Long: `Register a service and write its unit environment file. Without --port
a free port is taken from --range, or the default range.

Examples:
  panel register --name=web --command="python -m http.server"
  panel register --name=api --command="./api" --port=8443 --auto-start
  panel register --name=db --command="./db" --range=db --env=MODE=prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Register(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "service name")
	cmd.Flags().StringVar(&f.Command, "command", "", "command line to run")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory (default: home)")
	cmd.Flags().IntVar(&f.Port, "port", 0, "explicit port")
	cmd.Flags().StringVar(&f.Range, "range", "", "port range for automatic assignment")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "extra environment KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&f.AutoStart, "auto-start", false, "enable at boot and start now")
	cmd.Flags().BoolVar(&f.Start, "start", false, "start right after registering")
	return cmd
}

func createUnregisterCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "unregister NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a service and tear down its unit",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Unregister(cmd.Context(), args[0])
		},
	}
}

func createListCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List services with their live status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context())
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [NAME]",
		Short: "Show one service in detail, or list all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Status(cmd.Context(), name)
		},
	}
}

func createEditCommand(c *command) *cobra.Command {
	f := &EditFlags{}
	cmd := &cobra.Command{
		Use:   "edit NAME",
		Short: "Change a registered service",
		Long: `Change the command, working directory, port or environment of a service.
--detect-port replaces the stored port with the one the running process
listens on.

Examples:
  panel edit web --port=8081
  panel edit web --detect-port
  panel edit web --set-env=MODE=prod --unset-env=DEBUG`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Edit(cmd.Context(), *f, cmd.Flags().Changed)
		},
	}
	cmd.Flags().StringVar(&f.Command, "command", "", "new command line")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "new working directory (empty resets to home)")
	cmd.Flags().IntVar(&f.Port, "port", 0, "new explicit port")
	cmd.Flags().BoolVar(&f.DetectPort, "detect-port", false, "adopt the port the running process listens on")
	cmd.Flags().StringArrayVar(&f.SetEnv, "set-env", nil, "set KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&f.UnsetEnv, "unset-env", nil, "remove KEY (repeatable)")
	cmd.Flags().StringVar(&f.AutoStart, "auto-start", "", "true or false")
	return cmd
}

func createLifecycleCommand(c *command, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Lifecycle(cmd.Context(), verb, args[0])
		},
	}
}

func createLogsCommand(c *command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs NAME",
		Short: "Show recent journal lines of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Logs(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 50, "number of lines")
	return cmd
}

func createRangeCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "range",
		Short: "Manage named port ranges",
	}
	f := &RangeFlags{}
	bounds := func(sub *cobra.Command) *cobra.Command {
		sub.Flags().IntVar(&f.Start, "start", 0, "first port")
		sub.Flags().IntVar(&f.End, "end", 0, "last port")
		_ = sub.MarkFlagRequired("start")
		_ = sub.MarkFlagRequired("end")
		return sub
	}
	cmd.AddCommand(
		bounds(&cobra.Command{
			Use:   "add NAME",
			Short: "Add a port range",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				f.Name = args[0]
				return c.RangeAdd(cmd.Context(), *f)
			},
		}),
		bounds(&cobra.Command{
			Use:   "resize NAME",
			Short: "Change the bounds of a port range",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				f.Name = args[0]
				return c.RangeResize(cmd.Context(), *f)
			},
		}),
		&cobra.Command{
			Use:   "remove NAME",
			Short: "Remove an unused port range",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.RangeRemove(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List port ranges and their usage",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.RangeList(cmd.Context())
			},
		},
	)
	return cmd
}

func createBackupCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup [PATH]",
		Short: "Write a snapshot now (default: into the backup dir)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := BackupFlags{}
			if len(args) == 1 {
				f.Path = args[0]
			}
			return c.Backup(cmd.Context(), f)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List backup files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Backups(cmd.Context())
		},
	})
	return cmd
}

func createExportCommand(c *command) *cobra.Command {
	f := &BackupFlags{}
	cmd := &cobra.Command{
		Use:   "export [PATH]",
		Short: "Export the registry as JSON or YAML (stdout by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.Path = args[0]
			}
			return c.Export(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Format, "format", "json", "json or yaml")
	return cmd
}

func createImportCommand(c *command) *cobra.Command {
	f := &BackupFlags{}
	cmd := &cobra.Command{
		Use:   "import PATH",
		Short: "Import a snapshot file (- for stdin)",
		Long: `Import a JSON, JSONC or YAML snapshot.

overwrite replaces the whole registry. merge adds only services and ranges
that are absent locally and changes nothing if any of them collide.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Path = args[0]
			return c.Import(cmd.Context(), *f, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&f.Mode, "mode", "overwrite", "overwrite or merge")
	return cmd
}

func createRestoreCommand(c *command) *cobra.Command {
	f := &BackupFlags{}
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the last-known-good checkpoint or a snapshot file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restore(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Path, "file", "", "snapshot file to restore instead of the checkpoint")
	return cmd
}

func createRecoverCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Rebuild registry entries from the env files of running units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Recover(cmd.Context())
		},
	}
}

func createHistoryCommand(c *command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history [SERVICE]",
		Short: "Show recent registry events from the SQLite history sink",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.Service = args[0]
			}
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "number of events")
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API, run scheduled backups and expose metrics.
Settings come from the [server], [backup] and [metrics] config sections.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "override server.listen")
	return cmd
}

func createTokenCommand(c *command) *cobra.Command {
	f := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Token(*f)
		},
	}
	cmd.Flags().StringVar(&f.Subject, "subject", "cli", "token subject")
	cmd.Flags().StringVar(&f.Scope, "scope", auth.ScopeAdmin, "read or admin")
	cmd.Flags().DurationVar(&f.TTL, "ttl", 0, "lifetime (default server.token_ttl)")
	return cmd
}
