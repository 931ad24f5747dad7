package env

import (
	"strings"
	"testing"

	"github.com/loykin/panel/internal/model"
)

func TestRenderOrder(t *testing.T) {
	rec := model.ServiceRecord{
		Command: "python -m http.server",
		Port:    8001,
		Env:     map[string]string{"Z": "last", "A": "first", "PORT": "8001"},
	}
	got := string(FromRecord(rec, "/home/u").Render())
	want := "COMMAND=python -m http.server\nWORKING_DIR=/home/u\nPORT=8001\nA=first\nZ=last\n"
	if got != want {
		t.Fatalf("render mismatch:\n%s\nwant:\n%s", got, want)
	}
}

func TestParseRoundTrip(t *testing.T) {
	src := "# managed by panel\nCOMMAND=npm start\nWORKING_DIR=/srv/web\nPORT=8080\nNODE_ENV=\"production\"\n\nEMPTY=\n"
	f, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rec := f.Record()
	if rec.Command != "npm start" || rec.WorkingDir != "/srv/web" || rec.Port != 8080 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Env["NODE_ENV"] != "production" || rec.Env["PORT"] != "8080" {
		t.Fatalf("unexpected env: %v", rec.Env)
	}
	if v, ok := rec.Env["EMPTY"]; !ok || v != "" {
		t.Fatalf("empty value lost: %v", rec.Env)
	}
}

func TestParseRejectsBadLines(t *testing.T) {
	if _, err := Parse(strings.NewReader("COMMAND=x\nnot a pair\n")); err == nil {
		t.Fatalf("expected error for malformed line")
	}
	if _, err := Parse(strings.NewReader("PORT=eighty\n")); err == nil {
		t.Fatalf("expected error for bad port")
	}
}

func TestApplyNeverTouchesPort(t *testing.T) {
	base := map[string]string{"PORT": "8000", "A": "1", "B": "2"}
	out, err := Apply(base, map[string]string{"PORT": "1", "C": "3"}, []string{"PORT", "B"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out["PORT"] != "8000" || out["C"] != "3" || out["A"] != "1" {
		t.Fatalf("unexpected env: %v", out)
	}
	if _, ok := out["B"]; ok {
		t.Fatalf("B not removed: %v", out)
	}
	if base["C"] != "" {
		t.Fatalf("base mutated")
	}
}

func TestApplyRejects(t *testing.T) {
	if _, err := Apply(nil, map[string]string{"COMMAND": "x"}, nil); err == nil {
		t.Fatalf("reserved key accepted")
	}
	if _, err := Apply(nil, map[string]string{"1BAD": "x"}, nil); err == nil {
		t.Fatalf("bad key accepted")
	}
	if _, err := Apply(nil, map[string]string{"OK": "a\nb"}, nil); err == nil {
		t.Fatalf("multi-line value accepted")
	}
}

func TestParseAssignments(t *testing.T) {
	v, err := ParseAssignments([]string{"A=1", "B=x=y"})
	if err != nil || v["A"] != "1" || v["B"] != "x=y" {
		t.Fatalf("v=%v err=%v", v, err)
	}
	if _, err := ParseAssignments([]string{"novalue"}); err == nil {
		t.Fatalf("expected error")
	}
}
