package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewConsoleFormats(t *testing.T) {
	for _, format := range []string{"", FormatText, FormatJSON, FormatColor} {
		var buf bytes.Buffer
		log, closer, err := New(Config{Level: "debug", Format: format}, &buf)
		if err != nil {
			t.Fatalf("format %q: %v", format, err)
		}
		log.Debug("registered", "service", "web")
		_ = closer.Close()
		if !strings.Contains(buf.String(), "registered") || !strings.Contains(buf.String(), "web") {
			t.Fatalf("format %q: unexpected output %q", format, buf.String())
		}
	}
	if _, _, err := New(Config{Format: "xml"}, nil); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := New(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestFileOutputRotatesWithLumberjack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "panel.log")
	cfg := Config{File: FileConfig{Path: path, MaxSizeMB: 1}}
	w := cfg.File.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("expected lumberjack writer, got %T", w)
	}
	if l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays || l.MaxSize != 1 {
		t.Fatalf("unexpected rotation settings: %+v", l)
	}
	_ = w.Close()

	var console bytes.Buffer
	log, closer, err := New(cfg, &console)
	if err != nil {
		t.Fatal(err)
	}
	log.With("component", "store").Info("saved", "path", "services.json")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if !strings.Contains(string(data), `"component":"store"`) || !strings.Contains(console.String(), "saved") {
		t.Fatalf("file=%q console=%q", data, console.String())
	}
}

func TestColorHandlerKeepsColorWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil, false)).With("service", "web")
	log.Error("boom")
	out := buf.String()
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "boom") || !strings.Contains(out, "service=web") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time must be hidden: %q", out)
	}
}

func TestNoFileWriter(t *testing.T) {
	if (FileConfig{}).Writer() != nil {
		t.Fatalf("expected nil writer without path")
	}
}
