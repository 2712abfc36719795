package workflow

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"llmflow/internal/domain"
)

func TestCompileSimpleWorkflow(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "simple.yaml", `
name: simple
model: llama3.2
start_state: ask
states:
  ask:
    prompt: "Tell me about {{topic}}"
    save_as: answer
`)

	wf, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if wf.Name != "simple" || wf.StartState != "ask" || wf.Model != "llama3.2" {
		t.Errorf("unexpected workflow header: %+v", wf)
	}
	ps, ok := wf.States["ask"].(*domain.PromptState)
	if !ok {
		t.Fatalf("ask = %T, want *PromptState", wf.States["ask"])
	}
	if ps.Next != domain.TerminalState {
		t.Errorf("empty next should compile to %q, got %q", domain.TerminalState, ps.Next)
	}
	if ps.SaveAs != "answer" {
		t.Errorf("SaveAs = %q", ps.SaveAs)
	}
	if !filepath.IsAbs(wf.SourcePath) {
		t.Errorf("SourcePath %q is not absolute", wf.SourcePath)
	}
}

func TestCompileCircularReference(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{
			name: "self",
			files: map[string]string{
				"a.yaml": "name: a\nstart_state: sub\nstates:\n  sub:\n    workflow_ref: a.yaml\n",
			},
		},
		{
			name: "two",
			files: map[string]string{
				"a.yaml": "name: a\nstart_state: sub\nstates:\n  sub:\n    workflow_ref: b.yaml\n",
				"b.yaml": "name: b\nstart_state: sub\nstates:\n  sub:\n    workflow_ref: a.yaml\n",
			},
		},
		{
			name: "three through subdirectory",
			files: map[string]string{
				"a.yaml":        "name: a\nstart_state: sub\nstates:\n  sub:\n    workflow_ref: nested/b.yaml\n",
				"nested/b.yaml": "name: b\nstart_state: sub\nstates:\n  sub:\n    workflow_ref: ../c.yaml\n",
				"c.yaml":        "name: c\nstart_state: sub\nstates:\n  sub:\n    workflow_ref: ./a.yaml\n",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				writeDoc(t, dir, name, content)
			}
			_, err := newTestCompiler(t).Compile(filepath.Join(dir, "a.yaml"))
			if !errors.Is(err, domain.ErrCircularReference) {
				t.Fatalf("err = %v, want ErrCircularReference", err)
			}
			if !domain.IsStructural(err) {
				t.Error("circular reference should be structural")
			}
		})
	}
}

func TestCompileSiblingReferencesAreNotCycles(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "child.yaml", `
name: child
start_state: hello
states:
  hello:
    prompt: hi
`)
	path := writeDoc(t, dir, "parent.yaml", `
name: parent
start_state: first
states:
  first:
    workflow_ref: child.yaml
  second:
    workflow_ref: child.yaml
`)
	wf, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for _, name := range []string{"first_ref_hello", "second_ref_hello"} {
		if _, ok := wf.States[name]; !ok {
			t.Errorf("missing inlined state %q", name)
		}
	}
}

func TestCompileInliningIsPrefixStable(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "w.yaml", `
name: w
start_state: A
states:
  A:
    prompt: first
    next: B
  B:
    type: input
    prompt: more?
    next: end
`)
	path := writeDoc(t, dir, "parent.yaml", `
name: parent
start_state: S
states:
  S:
    type: workflow_ref
    workflow_ref: w.yaml
`)

	wf, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	s, ok := wf.States["S"].(*domain.TransitionState)
	if !ok {
		t.Fatalf("S = %T, want *TransitionState", wf.States["S"])
	}
	if s.Next != "S_ref_A" {
		t.Errorf("S.Next = %q, want S_ref_A", s.Next)
	}
	a, ok := wf.States["S_ref_A"].(*domain.PromptState)
	if !ok {
		t.Fatalf("S_ref_A = %T", wf.States["S_ref_A"])
	}
	if a.Next != "S_ref_B" {
		t.Errorf("S_ref_A.Next = %q, want S_ref_B", a.Next)
	}
	b, ok := wf.States["S_ref_B"].(*domain.InputState)
	if !ok {
		t.Fatalf("S_ref_B = %T", wf.States["S_ref_B"])
	}
	if b.Next != domain.TerminalState {
		t.Errorf("terminal must not be rewritten, got %q", b.Next)
	}
	if len(wf.States) != 3 {
		t.Errorf("states = %d, want 3", len(wf.States))
	}
}

func TestCompileTargetsAlwaysResolve(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "leaf.yaml", `
name: leaf
start_state: pick
error_state: oops
states:
  pick:
    prompt: choose
    next_options:
      - {state: left, description: go left}
      - {state: right, description: go right}
  left: {type: transition, next: end}
  right: {prompt: right side}
  oops: {prompt: recover}
`)
	writeDoc(t, dir, "mid.yaml", `
name: mid
start_state: go
states:
  go:
    workflow_ref: leaf.yaml
`)
	path := writeDoc(t, dir, "top.yaml", `
name: top
start_state: intro
states:
  intro:
    steps:
      - prompt: one
      - prompt: two
    next: deep
    error_state: oops
  deep:
    workflow_ref: mid.yaml
  oops:
    type: input
    prompt: what now?
`)

	wf, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, ok := wf.States[wf.StartState]; !ok {
		t.Fatalf("start state %q missing", wf.StartState)
	}
	for name, st := range wf.States {
		for _, target := range st.Targets() {
			if target == domain.TerminalState {
				continue
			}
			if _, ok := wf.States[target]; !ok {
				t.Errorf("state %q targets undefined %q", name, target)
			}
		}
	}

	// The child's workflow-level fallback follows its states when inlined.
	pick := wf.States["deep_ref_go_ref_pick"].(*domain.PromptState)
	if pick.ErrorState != "deep_ref_go_ref_oops" {
		t.Errorf("inlined fallback = %q", pick.ErrorState)
	}
	if pick.Branches[1].State != "deep_ref_go_ref_right" {
		t.Errorf("branch target = %q", pick.Branches[1].State)
	}
}

func TestCompileMergeParentWins(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "child.yaml", `
name: child
model: child-model
start_state: look
variables:
  shared: from-child
  only_child: yes
mcp_servers:
  fs: "child-fs --flag"
  web: "child-web"
rag:
  docs: {directory: child-docs}
  notes: {directory: notes}
states:
  look:
    prompt: look
    rag: notes
    mcp_servers: [fs, web]
`)
	path := writeDoc(t, dir, "parent.yaml", `
name: parent
start_state: sub
variables:
  shared: from-parent
mcp_servers:
  fs: "parent-fs"
rag:
  docs: {directory: parent-docs}
states:
  sub:
    workflow_ref: child.yaml
`)

	wf, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if wf.Model != "child-model" {
		t.Errorf("Model = %q, want child default when parent declares none", wf.Model)
	}
	if wf.ToolServers["fs"].Command != "parent-fs" {
		t.Errorf("fs = %+v, parent should win", wf.ToolServers["fs"])
	}
	if wf.ToolServers["web"].Command != "child-web" {
		t.Errorf("web = %+v, child declaration should be merged", wf.ToolServers["web"])
	}
	if got := wf.Retrievals["docs"].Directory; got != filepath.Join(dir, "parent-docs") {
		t.Errorf("docs dir = %q, parent should win", got)
	}
	if got := wf.Retrievals["notes"].Directory; got != filepath.Join(dir, "notes") {
		t.Errorf("notes dir = %q", got)
	}
	if wf.Variables["shared"] != "from-parent" || wf.Variables["only_child"] != "yes" {
		t.Errorf("variables = %v", wf.Variables)
	}
}

func TestCompileParentModelWins(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "child.yaml", "name: child\nmodel: child-model\nstart_state: a\nstates:\n  a: {prompt: x}\n")
	path := writeDoc(t, dir, "parent.yaml", "name: parent\nmodel: parent-model\nstart_state: s\nstates:\n  s: {workflow_ref: child.yaml}\n")

	wf, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if wf.Model != "parent-model" {
		t.Errorf("Model = %q", wf.Model)
	}
}

func TestCompilePromptFile(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "prompts/ask.txt", "Question about {{topic}}")
	path := writeDoc(t, dir, "wf.yaml", `
name: pf
start_state: ask
states:
  ask:
    prompt_file: prompts/ask.txt
`)
	wf, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := wf.States["ask"].(*domain.PromptState).Prompt; got != "Question about {{topic}}" {
		t.Errorf("Prompt = %q", got)
	}
}

func TestCompilePromptAndPromptFileConflict(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "ask.txt", "x")
	path := writeDoc(t, dir, "wf.yaml", `
name: pf
start_state: ask
states:
  ask:
    prompt: inline
    prompt_file: ask.txt
`)
	_, err := newTestCompiler(t).Compile(path)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if !strings.Contains(err.Error(), `"ask"`) {
		t.Errorf("error should name the state: %v", err)
	}
}

func TestCompileMissingPromptFile(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "wf.yaml", "name: pf\nstart_state: ask\nstates:\n  ask:\n    prompt_file: nope.txt\n")
	_, err := newTestCompiler(t).Compile(path)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCompileVariables(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "persona.txt", "  a careful reviewer\n")
	writeDoc(t, dir, "vars.yaml", "tone: formal\ncount: 3\ntopic: from-file\n")
	path := writeDoc(t, dir, "wf.yaml", `
name: vars
start_state: ask
variables_file: vars.yaml
variables:
  topic: go generics
  retries: 3
  persona: {file: persona.txt}
states:
  ask: {prompt: x}
`)
	wf, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := map[string]string{
		"topic":   "go generics",
		"retries": "3",
		"persona": "a careful reviewer",
		"tone":    "formal",
		"count":   "3",
	}
	for k, v := range want {
		if wf.Variables[k] != v {
			t.Errorf("Variables[%q] = %q, want %q", k, wf.Variables[k], v)
		}
	}
}

func TestCompileVariableNameMustBeIdentifier(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "wf.yaml", "name: v\nstart_state: a\nvariables:\n  \"bad-name\": x\nstates:\n  a: {prompt: x}\n")
	_, err := newTestCompiler(t).Compile(path)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCompileSteps(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "wf.yaml", `
name: steps
start_state: write
rag:
  docs: {directory: docs}
mcp_servers:
  fs: "fs-server"
states:
  write:
    model: base-model
    options: {temperature: 0.5}
    mcp_servers: [fs]
    rag: docs
    save_as: final
    next: review
    error_state: review
    steps:
      - prompt: outline
        save_as: outline
      - prompt: draft from {{outline}}
        model: big-model
      - prompt: polish
        options: {temperature: 0.1}
  review:
    type: input
    prompt: ok?
`)
	wf, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	first := wf.States["write"].(*domain.PromptState)
	second := wf.States["write_step_1"].(*domain.PromptState)
	third := wf.States["write_step_2"].(*domain.PromptState)

	if first.Next != "write_step_1" || second.Next != "write_step_2" || third.Next != "review" {
		t.Errorf("chain = %q -> %q -> %q", first.Next, second.Next, third.Next)
	}
	if first.ErrorState != "" || second.ErrorState != "" || third.ErrorState != "review" {
		t.Errorf("only the last step takes the fallback: %q %q %q", first.ErrorState, second.ErrorState, third.ErrorState)
	}
	if first.Model != "base-model" || second.Model != "big-model" || third.Model != "base-model" {
		t.Errorf("models = %q %q %q", first.Model, second.Model, third.Model)
	}
	if first.Options["temperature"] != 0.5 || third.Options["temperature"] != 0.1 {
		t.Errorf("options = %v / %v", first.Options, third.Options)
	}
	if second.Retrieval != "docs" || len(second.ToolServers) != 1 {
		t.Errorf("step 2 should inherit rag and tools: %+v", second)
	}
	if first.SaveAs != "outline" || second.SaveAs != "" || third.SaveAs != "final" {
		t.Errorf("save_as = %q %q %q", first.SaveAs, second.SaveAs, third.SaveAs)
	}
}

func TestCompileStepOverridesInlineRetrieval(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "kb/a.md", "kb")
	writeDoc(t, dir, "other/b.md", "other")
	writeDoc(t, dir, "child.yaml", `
name: child
start_state: write
states:
  write:
    rag_config: {directory: kb}
    steps:
      - prompt: outline
        rag_config: {directory: other}
      - prompt: draft
`)
	path := writeDoc(t, dir, "parent.yaml", `
name: parent
start_state: sub
states:
  sub:
    workflow_ref: child.yaml
`)

	child, err := newTestCompiler(t).Compile(filepath.Join(dir, "child.yaml"))
	if err != nil {
		t.Fatalf("Compile child: %v", err)
	}
	first := child.States["write"].(*domain.PromptState)
	second := child.States["write_step_1"].(*domain.PromptState)
	if first.Retrieval != "write.steps[0].rag" || second.Retrieval != "write.rag" {
		t.Errorf("retrievals = %q, %q", first.Retrieval, second.Retrieval)
	}
	if got := child.Retrievals["write.steps[0].rag"].Directory; got != filepath.Join(dir, "other") {
		t.Errorf("step directory = %q", got)
	}
	if got := child.Retrievals["write.rag"].Directory; got != filepath.Join(dir, "kb") {
		t.Errorf("state directory = %q", got)
	}

	parent, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile parent: %v", err)
	}
	inlined := parent.States["sub_ref_write"].(*domain.PromptState)
	if inlined.Retrieval != "sub_ref_write.steps[0].rag" {
		t.Errorf("inlined retrieval = %q", inlined.Retrieval)
	}
	if _, ok := parent.Retrievals[inlined.Retrieval]; !ok {
		t.Errorf("retrieval %q not registered: %v", inlined.Retrieval, parent.Retrievals)
	}
}

func TestCompileStepNameCollision(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "wf.yaml", `
name: clash
start_state: a
states:
  a:
    steps:
      - prompt: one
      - prompt: two
  a_step_1:
    prompt: user state
`)
	_, err := newTestCompiler(t).Compile(path)
	if !errors.Is(err, domain.ErrDuplicateState) {
		t.Fatalf("err = %v, want ErrDuplicateState", err)
	}
}

func TestCompileInlineRetrieval(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "wf.yaml", `
name: rag
start_state: ask
states:
  ask:
    prompt: q
    rag_config: {directory: ./kb, top_k: 5}
`)
	wf, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ps := wf.States["ask"].(*domain.PromptState)
	if ps.Retrieval != "ask.rag" {
		t.Fatalf("Retrieval = %q, want ask.rag", ps.Retrieval)
	}
	rc := wf.Retrievals["ask.rag"]
	if rc.Directory != filepath.Join(dir, "kb") || rc.TopK != 5 {
		t.Errorf("inline retrieval = %+v", rc)
	}
}

func TestCompileToolServerSyntaxes(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "tools/weather/server.py", "print('hi')\n")
	path := writeDoc(t, dir, "wf.yaml", `
name: tools
start_state: a
mcp_servers:
  fs:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "."]
    env: {ROOT: /tmp}
  time: {package: mcp-server-time, runner: uvx}
  pkg: {package: "@acme/tools"}
  weather: {directory: tools/weather}
  echo: "python3 echo_server.py --verbose"
states:
  a: {prompt: x}
`)
	wf, err := newTestCompiler(t).Compile(path)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	tests := []struct {
		name    string
		command string
		args    []string
	}{
		{"fs", "npx", []string{"-y", "@modelcontextprotocol/server-filesystem", "."}},
		{"time", "uvx", []string{"mcp-server-time"}},
		{"pkg", "npx", []string{"-y", "@acme/tools"}},
		{"weather", "python3", []string{filepath.Join(dir, "tools/weather/server.py")}},
		{"echo", "python3", []string{"echo_server.py", "--verbose"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := wf.ToolServers[tt.name]
			if cfg.Name != tt.name || cfg.Command != tt.command || strings.Join(cfg.Args, " ") != strings.Join(tt.args, " ") {
				t.Errorf("cfg = %+v, want %s %v", cfg, tt.command, tt.args)
			}
		})
	}
	if wf.ToolServers["fs"].Env["ROOT"] != "/tmp" {
		t.Errorf("env not carried: %v", wf.ToolServers["fs"].Env)
	}
}

func TestCompileToolServerMixedSyntax(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "wf.yaml", `
name: tools
start_state: a
mcp_servers:
  bad: {command: x, package: y}
states:
  a: {prompt: x}
`)
	_, err := newTestCompiler(t).Compile(path)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCompileDocumentErrors(t *testing.T) {
	dir := t.TempDir()
	c := newTestCompiler(t)

	t.Run("missing", func(t *testing.T) {
		_, err := c.Compile(filepath.Join(dir, "nope.yaml"))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if code := domain.ErrorCodeOf(err); code != domain.CodeDocumentNotFound {
			t.Errorf("code = %s", code)
		}
	})
	t.Run("malformed", func(t *testing.T) {
		path := writeDoc(t, dir, "bad.yaml", "name: [unclosed\n")
		_, err := c.Compile(path)
		if !errors.Is(err, domain.ErrParse) {
			t.Fatalf("err = %v, want ErrParse", err)
		}
	})
	t.Run("wrong shape", func(t *testing.T) {
		path := writeDoc(t, dir, "shape.yaml", "name: s\nstart_state: a\nstates:\n  - a\n  - b\n")
		_, err := c.Compile(path)
		if !errors.Is(err, domain.ErrParse) {
			t.Fatalf("err = %v, want ErrParse", err)
		}
		if !strings.Contains(err.Error(), "shape.yaml") {
			t.Errorf("error should name the file: %v", err)
		}
	})
	t.Run("missing child", func(t *testing.T) {
		path := writeDoc(t, dir, "parent.yaml", "name: p\nstart_state: s\nstates:\n  s: {workflow_ref: gone.yaml}\n")
		_, err := c.Compile(path)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if !strings.Contains(err.Error(), "gone.yaml") {
			t.Errorf("error should name the missing document: %v", err)
		}
	})
}

func TestCompileUndefinedStartState(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "wf.yaml", "name: x\nstart_state: missing\nstates:\n  a: {prompt: x}\n")
	_, err := newTestCompiler(t).Compile(path)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCompileReservedTerminalState(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "wf.yaml", "name: x\nstart_state: a\nstates:\n  a: {prompt: x, next: end}\n  end: {prompt: y}\n")
	_, err := newTestCompiler(t).Compile(path)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
