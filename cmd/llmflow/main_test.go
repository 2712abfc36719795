package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmflow/internal/domain"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// execute runs the root command with a config path that does not exist, so
// defaults apply.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "missing.yaml")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfg, "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRootHasCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "orchestrate", "validate", "models", "index", "serve", "runs"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	writeTestFile(t, good, "name: good\nstart_state: ask\nstates:\n  ask:\n    prompt: hi\n")
	writeTestFile(t, bad, "name: bad\nstart_state: ask\nstates:\n  ask:\n    prompt: hi\n    next: nowhere\n")

	out, err := execute(t, "validate", good)
	if err != nil {
		t.Fatalf("validate good: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ok   "+good) {
		t.Errorf("output = %q", out)
	}

	out, err = execute(t, "validate", good, bad)
	if err == nil {
		t.Fatal("expected failure for invalid document")
	}
	if !strings.Contains(out, "FAIL "+bad) || !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("output = %q, err = %v", out, err)
	}
}

func TestValidateOrchestrationCommand(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "a.yaml"), "name: a\nstart_state: ask\nstates:\n  ask:\n    prompt: hi\n")
	orch := filepath.Join(dir, "orch.yaml")
	writeTestFile(t, orch, "name: o\nstrategy: parallel\nworkflows:\n  - id: a\n    path: a.yaml\n")

	out, err := execute(t, "validate", "--orchestration", orch)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
}

func TestParseVars(t *testing.T) {
	got, err := parseVars([]string{"topic=go generics", "empty=", " spaced =x=y"})
	if err != nil {
		t.Fatalf("parseVars: %v", err)
	}
	want := map[string]any{"topic": "go generics", "empty": "", "spaced": "x=y"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseVars([]string{bad}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("parseVars(%q) err = %v", bad, err)
		}
	}
}

func TestRunErrorHidesStop(t *testing.T) {
	if err := runError(fmt.Errorf("run: %w", domain.ErrStopped)); err != nil {
		t.Errorf("stop reported as %v", err)
	}
	if err := runError(domain.ErrBackendUnreachable); !errors.Is(err, domain.ErrBackendUnreachable) {
		t.Errorf("err = %v", err)
	}
}

func TestLauncherResolve(t *testing.T) {
	l := &launcher{root: "/srv/flows"}

	got, err := l.resolve("team/review.yaml")
	if err != nil || got != filepath.Join("/srv/flows", "team/review.yaml") {
		t.Errorf("resolve = %q, %v", got, err)
	}
	for _, p := range []string{"/etc/passwd", "../outside.yaml", "a/../../b.yaml", ""} {
		if _, err := l.resolve(p); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("resolve(%q) err = %v", p, err)
		}
	}
}

func TestFormatSize(t *testing.T) {
	tests := map[int64]string{
		512:        "512 B",
		2048:       "2.0 KB",
		2019393189: "1.9 GB",
	}
	for n, want := range tests {
		if got := formatSize(n); got != want {
			t.Errorf("formatSize(%d) = %q, want %q", n, got, want)
		}
	}
}
