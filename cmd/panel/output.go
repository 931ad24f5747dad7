package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"

	"github.com/loykin/panel/internal/registry"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printServices(w io.Writer, views []registry.ServiceView) error {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "NAME\tPORT\tSTATUS\tAUTO\tRANGE\tUPTIME\tCOMMAND")
	for _, v := range views {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Name, portString(v.Record.Port), v.Status, yesNo(v.Record.AutoStart),
			dash(v.Record.RangeName), uptime(v.Since), v.Record.Command)
	}
	return tw.Flush()
}

func printService(w io.Writer, v registry.ServiceView) error {
	tw := newTable(w)
	_, _ = fmt.Fprintf(tw, "Name:\t%s\n", v.Name)
	_, _ = fmt.Fprintf(tw, "Command:\t%s\n", v.Record.Command)
	_, _ = fmt.Fprintf(tw, "Port:\t%s\n", portString(v.Record.Port))
	_, _ = fmt.Fprintf(tw, "Range:\t%s\n", dash(v.Record.RangeName))
	_, _ = fmt.Fprintf(tw, "Working dir:\t%s\n", v.Record.WorkingDir)
	_, _ = fmt.Fprintf(tw, "Status:\t%s\n", v.Status)
	_, _ = fmt.Fprintf(tw, "Auto start:\t%s (unit enabled: %s)\n", yesNo(v.Record.AutoStart), yesNo(v.Enabled))
	if v.Since != nil {
		_, _ = fmt.Fprintf(tw, "Since:\t%s (%s)\n", v.Since.Local().Format(time.RFC3339), uptime(v.Since))
	}
	if len(v.Record.Env) > 0 {
		keys := make([]string, 0, len(v.Record.Env))
		for k := range v.Record.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, _ = fmt.Fprintln(tw, "Env:\t")
		for _, k := range keys {
			_, _ = fmt.Fprintf(tw, "  %s\t%s\n", k, v.Record.Env[k])
		}
	}
	return tw.Flush()
}

func printRanges(w io.Writer, views []registry.RangeView) error {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "NAME\tSTART\tEND\tUSED\tFREE")
	for _, v := range views {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", v.Name, v.Start, v.End, v.Used, v.Free)
	}
	return tw.Flush()
}

func portString(p int) string {
	if p <= 0 {
		return "-"
	}
	return strconv.Itoa(p)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func uptime(since *time.Time) string {
	if since == nil || since.IsZero() {
		return "-"
	}
	d := time.Since(*since).Round(time.Second)
	if d < 0 {
		return "-"
	}
	return d.String()
}
