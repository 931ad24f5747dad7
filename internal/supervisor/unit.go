package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/loykin/panel/internal/store"
)

// The template starts each instance from its environment file. COMMAND is
// word-split by the shell on purpose so it behaves like a typed command.
var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=panel service %i
After=network.target

[Service]
Type=simple
EnvironmentFile={{.EnvDir}}/%i.env
ExecStart=/bin/sh -c 'cd "$WORKING_DIR" && exec $COMMAND'
Restart=on-failure
RestartSec=3

[Install]
WantedBy=default.target
`))

// RenderTemplateUnit returns the content of the template unit file.
func RenderTemplateUnit(envDir string) ([]byte, error) {
	var b bytes.Buffer
	if err := unitTemplate.Execute(&b, struct{ EnvDir string }{envDir}); err != nil {
		return nil, fmt.Errorf("render unit template: %w", err)
	}
	return b.Bytes(), nil
}

// installTemplate writes the template unit when it is missing. It reports
// whether a file was written. An existing file is never overwritten so
// local edits survive.
func (s *Systemd) installTemplate() (bool, error) {
	if s.cfg.UnitDir == "" {
		return false, nil
	}
	path := filepath.Join(s.cfg.UnitDir, s.TemplateUnit())
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	data, err := RenderTemplateUnit(s.cfg.EnvDir)
	if err != nil {
		return false, err
	}
	if err := store.WriteFileAtomic(path, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
