// Package env renders and parses the per-service environment files read by
// the supervisor unit template. A file holds COMMAND, WORKING_DIR and PORT
// followed by the service's own variables, one KEY=VALUE per line.
package env

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/loykin/panel/internal/model"
)

// Keys written by the file itself; callers cannot set them as variables.
const (
	KeyCommand    = "COMMAND"
	KeyWorkingDir = "WORKING_DIR"
	KeyPort       = model.PortEnv
)

var keyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Var map[string]string

// File is the decoded content of one environment file.
type File struct {
	Command    string
	WorkingDir string
	Port       int
	Var        Var
}

// FromRecord builds the file for rec. An empty working directory falls
// back to home.
func FromRecord(rec model.ServiceRecord, home string) File {
	f := File{Command: rec.Command, WorkingDir: rec.WorkingDir, Port: rec.Port, Var: make(Var, len(rec.Env))}
	if f.WorkingDir == "" {
		f.WorkingDir = home
	}
	for k, v := range rec.Env {
		if k == KeyPort {
			continue
		}
		f.Var[k] = v
	}
	return f
}

// Record converts the file back into a service record.
func (f File) Record() model.ServiceRecord {
	rec := model.ServiceRecord{Command: f.Command, WorkingDir: f.WorkingDir, Port: f.Port}
	if len(f.Var) > 0 {
		rec.Env = make(map[string]string, len(f.Var))
		for k, v := range f.Var {
			rec.Env[k] = v
		}
	}
	rec.SyncPortEnv()
	return rec
}

// Render writes the file content. Variables follow the fixed keys in
// sorted order so repeated renders are byte-identical.
func (f File) Render() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s=%s\n", KeyCommand, oneLine(f.Command))
	fmt.Fprintf(&b, "%s=%s\n", KeyWorkingDir, oneLine(f.WorkingDir))
	if f.Port > 0 {
		fmt.Fprintf(&b, "%s=%d\n", KeyPort, f.Port)
	}
	keys := make([]string, 0, len(f.Var))
	for k := range f.Var {
		if isReserved(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, oneLine(f.Var[k]))
	}
	return b.Bytes()
}

// Parse decodes an environment file. Blank lines and # comments are skipped.
func Parse(r io.Reader) (File, error) {
	f := File{Var: make(Var)}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		i := strings.IndexByte(text, '=')
		if i <= 0 {
			return File{}, fmt.Errorf("line %d: expected KEY=VALUE", line)
		}
		k, v := text[:i], unquote(text[i+1:])
		switch k {
		case KeyCommand:
			f.Command = v
		case KeyWorkingDir:
			f.WorkingDir = v
		case KeyPort:
			p, err := strconv.Atoi(v)
			if err != nil {
				return File{}, fmt.Errorf("line %d: invalid PORT %q", line, v)
			}
			f.Port = p
		default:
			f.Var[k] = v
		}
	}
	if err := sc.Err(); err != nil {
		return File{}, err
	}
	return f, nil
}

// ParseFile reads and decodes the file at path.
func ParseFile(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer func() { _ = fh.Close() }()
	f, err := Parse(fh)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// ParseAssignments turns "K=V" items into a map, rejecting malformed keys.
func ParseAssignments(items []string) (Var, error) {
	out := make(Var, len(items))
	for _, kv := range items {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			return nil, fmt.Errorf("invalid env assignment %q, expected KEY=VALUE", kv)
		}
		k, v := kv[:i], kv[i+1:]
		if err := ValidateKey(k); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// ValidateKey reports whether k can be stored as a service variable.
func ValidateKey(k string) error {
	if !keyRe.MatchString(k) {
		return fmt.Errorf("invalid env name %q", k)
	}
	if k == KeyCommand || k == KeyWorkingDir {
		return fmt.Errorf("env name %q is reserved", k)
	}
	return nil
}

// Apply returns base with set applied and unset removed. PORT is never
// taken from callers: it is dropped from set and kept through unset.
func Apply(base map[string]string, set map[string]string, unset []string) (map[string]string, error) {
	out := make(map[string]string, len(base)+len(set))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range set {
		if k == KeyPort {
			continue
		}
		if err := ValidateKey(k); err != nil {
			return nil, err
		}
		if strings.ContainsAny(v, "\r\n") {
			return nil, fmt.Errorf("env %s: value must be a single line", k)
		}
		out[k] = v
	}
	for _, k := range unset {
		if k == KeyPort {
			continue
		}
		delete(out, k)
	}
	return out, nil
}

func isReserved(k string) bool {
	return k == KeyCommand || k == KeyWorkingDir || k == KeyPort
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}
