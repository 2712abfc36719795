package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"llmflow/internal/domain"
)

// inlineRetrievalSuffix names the retrieval registered for a state's inline
// rag_config. Steps register theirs under <state>.steps[<i>].rag.
const (
	inlineRetrievalSuffix = ".rag"
	stepRetrievalInfix    = ".steps["
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// directoryEntries are probed in order when a directory tool server has no entry.
var directoryEntries = []string{"server.py", "main.py", "index.js", "server.js", "index.mjs"}

// Compiler turns workflow documents into self-contained execution graphs.
type Compiler struct {
	schema *Schema
	logger *slog.Logger
}

// NewCompiler creates a compiler with the embedded document schema.
func NewCompiler(logger *slog.Logger) (*Compiler, error) {
	schema, err := CompileSchema(workflowSchema)
	if err != nil {
		return nil, err
	}
	return &Compiler{schema: schema, logger: logger}, nil
}

// visited is the set of documents on the current reference chain. Each
// recursion gets its own copy, so sibling references never observe each
// other and only true cycles are reported.
type visited map[string]bool

func (v visited) with(path string) visited {
	c := make(visited, len(v)+1)
	for k := range v {
		c[k] = true
	}
	c[path] = true
	return c
}

// Compile loads, resolves, validates and flattens the workflow at path.
func (c *Compiler) Compile(path string) (*domain.Workflow, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, domain.NewSubSystemError("compiler", "Compiler.Compile", domain.ErrNotFound, path)
	}
	return c.compile(abs, visited{})
}

func (c *Compiler) compile(path string, seen visited) (*domain.Workflow, error) {
	if seen[path] {
		return nil, domain.NewSubSystemError("compiler", "Compiler.Compile", domain.ErrCircularReference, path)
	}
	seen = seen.with(path)

	var spec domain.WorkflowSpec
	if err := DecodeDocument(path, c.schema, &spec); err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)

	if err := resolvePrompts(&spec, dir); err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}
	if err := Validate(&spec); err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}

	vars, err := resolveVariables(&spec, dir)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}

	wf := &domain.Workflow{
		Name:        spec.Name,
		Description: spec.Description,
		Model:       spec.Model,
		StartState:  spec.StartState,
		ErrorState:  spec.ErrorState,
		States:      make(map[string]domain.State, len(spec.States)),
		ToolServers: make(map[string]domain.ToolServerConfig, len(spec.ToolServers)),
		Retrievals:  make(map[string]domain.RetrievalConfig, len(spec.Retrievals)),
		Variables:   vars,
		SourcePath:  path,
	}
	for name, ts := range spec.ToolServers {
		cfg, err := normalizeToolServer(name, ts, dir)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", path, err)
		}
		wf.ToolServers[name] = cfg
	}
	for name, rc := range spec.Retrievals {
		wf.Retrievals[name] = resolveRetrieval(rc, dir)
	}

	for _, name := range sortedStateNames(spec.States) {
		st := spec.States[name]
		var err error
		switch st.Kind() {
		case domain.KindPrompt:
			err = c.addPrompt(wf, name, st, dir)
		case domain.KindInput:
			err = put(wf, &domain.InputState{
				Name:       name,
				Prompt:     st.Prompt,
				Default:    st.Default,
				SaveAs:     st.SaveAs,
				Next:       orTerminal(st.Next),
				ErrorState: st.ErrorState,
			})
		case domain.KindTransition:
			err = put(wf, &domain.TransitionState{Name: name, Next: st.Next})
		case domain.KindWorkflowRef:
			var child *domain.Workflow
			child, err = c.compile(resolvePath(dir, st.WorkflowRef), seen)
			if err == nil {
				err = inline(wf, name, child)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", path, err)
		}
	}

	if err := checkGraph(wf); err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}

	c.logger.Debug("workflow compiled", "workflow", wf.Name, "path", path, "states", len(wf.States))
	return wf, nil
}

// resolvePrompts replaces prompt_file indirections with file contents.
func resolvePrompts(spec *domain.WorkflowSpec, dir string) error {
	for _, name := range sortedStateNames(spec.States) {
		st := spec.States[name]
		if st == nil {
			continue
		}
		if st.PromptFile != "" {
			if st.Prompt != "" {
				return invalid(name, "prompt and prompt_file are mutually exclusive")
			}
			text, err := readRelative(dir, st.PromptFile)
			if err != nil {
				return err
			}
			st.Prompt, st.PromptFile = text, ""
		}
		for i := range st.Steps {
			step := &st.Steps[i]
			if step.PromptFile == "" {
				continue
			}
			if step.Prompt != "" {
				return invalid(fmt.Sprintf("%s steps[%d]", name, i), "prompt and prompt_file are mutually exclusive")
			}
			text, err := readRelative(dir, step.PromptFile)
			if err != nil {
				return err
			}
			step.Prompt, step.PromptFile = text, ""
		}
	}
	return nil
}

// resolveVariables loads variables_file, then applies inline declarations over it.
func resolveVariables(spec *domain.WorkflowSpec, dir string) (map[string]string, error) {
	vars := make(map[string]string)

	if spec.VariablesFile != "" {
		text, err := readRelative(dir, spec.VariablesFile)
		if err != nil {
			return nil, err
		}
		var fileVars map[string]any
		if err := yaml.Unmarshal([]byte(text), &fileVars); err != nil {
			return nil, domain.NewSubSystemError("compiler", "resolveVariables", domain.ErrParse,
				fmt.Sprintf("%s: %v", spec.VariablesFile, err))
		}
		for k, v := range fileVars {
			if !identifierRe.MatchString(k) {
				return nil, invalid("", fmt.Sprintf("variable name %q in %s is not an identifier", k, spec.VariablesFile))
			}
			if v == nil {
				vars[k] = ""
				continue
			}
			vars[k] = fmt.Sprint(v)
		}
	}

	for k, v := range spec.Variables {
		if !identifierRe.MatchString(k) {
			return nil, invalid("", fmt.Sprintf("variable name %q is not an identifier", k))
		}
		switch {
		case v.File != "" && v.Value != "":
			return nil, invalid("", fmt.Sprintf("variable %q: value and file are mutually exclusive", k))
		case v.File != "":
			text, err := readRelative(dir, v.File)
			if err != nil {
				return nil, err
			}
			vars[k] = strings.TrimSpace(text)
		default:
			vars[k] = v.Value
		}
	}
	return vars, nil
}

func (c *Compiler) addPrompt(wf *domain.Workflow, name string, st *domain.StateSpec, dir string) error {
	retrieval, err := registerRetrieval(wf, name, name+inlineRetrievalSuffix, st.Retrieval, st.RetrievalConfig, dir)
	if err != nil {
		return err
	}
	files := resolvePaths(dir, st.Files)

	if len(st.Steps) == 0 {
		return put(wf, &domain.PromptState{
			Name:        name,
			Prompt:      st.Prompt,
			Model:       st.Model,
			Options:     st.Options,
			ToolServers: st.ToolServers,
			Retrieval:   retrieval,
			Files:       files,
			SaveAs:      st.SaveAs,
			Next:        nextOf(st),
			Branches:    branchesOf(st),
			ErrorState:  st.ErrorState,
		})
	}

	// Steps become a chain: the first keeps the state's name, the last
	// carries the state's transitions and fallback.
	last := len(st.Steps) - 1
	for i, step := range st.Steps {
		stateName := stepName(name, i)
		ps := &domain.PromptState{
			Name:        stateName,
			Prompt:      step.Prompt,
			Model:       firstNonEmpty(step.Model, st.Model),
			Options:     step.Options,
			ToolServers: step.ToolServers,
			Retrieval:   retrieval,
			Files:       resolvePaths(dir, step.Files),
			SaveAs:      step.SaveAs,
		}
		if ps.Options == nil {
			ps.Options = st.Options
		}
		if ps.ToolServers == nil {
			ps.ToolServers = st.ToolServers
		}
		if step.Retrieval != "" || step.RetrievalConfig != nil {
			if ps.Retrieval, err = registerRetrieval(wf, stateName, stepRetrievalKey(name, i), step.Retrieval, step.RetrievalConfig, dir); err != nil {
				return err
			}
		}
		if i == 0 && ps.Files == nil {
			ps.Files = files
		}

		if i == last {
			ps.Next = nextOf(st)
			ps.Branches = branchesOf(st)
			ps.ErrorState = st.ErrorState
			if ps.SaveAs == "" {
				ps.SaveAs = st.SaveAs
			}
		} else {
			ps.Next = stepName(name, i+1)
		}
		if err := put(wf, ps); err != nil {
			return err
		}
	}
	return nil
}

// registerRetrieval returns the retrieval name a state refers to, registering
// an inline configuration under key.
func registerRetrieval(wf *domain.Workflow, state, key, named string, inline *domain.RetrievalConfig, dir string) (string, error) {
	if inline == nil {
		return named, nil
	}
	if _, dup := wf.Retrievals[key]; dup {
		return "", invalid(state, fmt.Sprintf("rag %q is already declared", key))
	}
	wf.Retrievals[key] = resolveRetrieval(*inline, dir)
	return key, nil
}

// inline copies every state of child into wf under <name>_ref_ and turns the
// referencing state into a transition to the copied start state. Declarations
// of the child are merged where wf has none of the same name.
func inline(wf *domain.Workflow, name string, child *domain.Workflow) error {
	prefix := name + "_ref_"
	rewrite := func(target string) string { return prefix + target }

	renamedRetrievals := make(map[string]string)
	for key := range child.Retrievals {
		owner, ok := retrievalOwner(key)
		if !ok {
			continue
		}
		if _, isState := child.States[owner]; isState {
			renamedRetrievals[key] = prefix + key
		}
	}

	fallback := ""
	if child.ErrorState != "" {
		fallback = prefixed(child.ErrorState, rewrite)
	}

	for _, cn := range sortedStateNames(child.States) {
		copied := child.States[cn].Retarget(prefix+cn, rewrite)
		switch s := copied.(type) {
		case *domain.PromptState:
			if s.ErrorState == "" {
				s.ErrorState = fallback
			}
			if renamed, ok := renamedRetrievals[s.Retrieval]; ok {
				s.Retrieval = renamed
			}
		case *domain.InputState:
			if s.ErrorState == "" {
				s.ErrorState = fallback
			}
		}
		if err := put(wf, copied); err != nil {
			return err
		}
	}
	if err := put(wf, &domain.TransitionState{Name: name, Next: prefix + child.StartState}); err != nil {
		return err
	}

	if wf.Model == "" {
		wf.Model = child.Model
	}
	for k, v := range child.ToolServers {
		if _, ok := wf.ToolServers[k]; !ok {
			wf.ToolServers[k] = v
		}
	}
	for k, v := range child.Retrievals {
		if renamed, ok := renamedRetrievals[k]; ok {
			wf.Retrievals[renamed] = v
			continue
		}
		if _, ok := wf.Retrievals[k]; !ok {
			wf.Retrievals[k] = v
		}
	}
	for k, v := range child.Variables {
		if _, ok := wf.Variables[k]; !ok {
			wf.Variables[k] = v
		}
	}
	return nil
}

// checkGraph verifies every outbound target of the flattened graph.
func checkGraph(wf *domain.Workflow) error {
	if _, ok := wf.States[wf.StartState]; !ok {
		return invalid("", fmt.Sprintf("start_state %q is not a defined state", wf.StartState))
	}
	for _, name := range sortedStateNames(wf.States) {
		for _, target := range wf.States[name].Targets() {
			if target == domain.TerminalState {
				continue
			}
			if _, ok := wf.States[target]; !ok {
				return invalid(name, fmt.Sprintf("target %q is not a defined state", target))
			}
		}
	}
	if wf.ErrorState != "" && wf.ErrorState != domain.TerminalState {
		if _, ok := wf.States[wf.ErrorState]; !ok {
			return invalid("", fmt.Sprintf("error_state %q is not a defined state", wf.ErrorState))
		}
	}
	return nil
}

// normalizeToolServer resolves the three declaration syntaxes to one launch command.
func normalizeToolServer(name string, ts domain.ToolServerSpec, dir string) (domain.ToolServerConfig, error) {
	source, err := ts.Source()
	if err != nil {
		return domain.ToolServerConfig{}, invalid("", fmt.Sprintf("mcp server %q: %v", name, err))
	}

	cfg := domain.ToolServerConfig{Name: name, Env: ts.Env}
	switch source {
	case domain.ToolSourceCommand:
		cfg.Command = ts.Command
		cfg.Args = ts.Args
	case domain.ToolSourcePackage:
		runner := firstNonEmpty(ts.Runner, "npx")
		cfg.Command = runner
		if runner == "npx" {
			cfg.Args = append([]string{"-y", ts.Package}, ts.Args...)
		} else {
			cfg.Args = append([]string{ts.Package}, ts.Args...)
		}
	case domain.ToolSourceDirectory:
		root := resolvePath(dir, ts.Directory)
		entry := ts.Entry
		if entry == "" {
			for _, candidate := range directoryEntries {
				if _, err := os.Stat(filepath.Join(root, candidate)); err == nil {
					entry = candidate
					break
				}
			}
		}
		if entry == "" {
			return domain.ToolServerConfig{}, invalid("", fmt.Sprintf("mcp server %q: no entry point found in %s", name, root))
		}
		script := filepath.Join(root, entry)
		switch strings.ToLower(filepath.Ext(entry)) {
		case ".py":
			cfg.Command, cfg.Args = "python3", append([]string{script}, ts.Args...)
		case ".js", ".mjs", ".cjs":
			cfg.Command, cfg.Args = "node", append([]string{script}, ts.Args...)
		case ".ts":
			cfg.Command, cfg.Args = "npx", append([]string{"-y", "tsx", script}, ts.Args...)
		default:
			cfg.Command, cfg.Args = script, ts.Args
		}
	}
	return cfg, nil
}

func resolveRetrieval(rc domain.RetrievalConfig, dir string) domain.RetrievalConfig {
	rc.Directory = resolvePath(dir, rc.Directory)
	return rc
}

// put adds a state, rejecting name collisions introduced by expansion or inlining.
func put(wf *domain.Workflow, s domain.State) error {
	name := s.StateName()
	if _, dup := wf.States[name]; dup {
		return domain.NewSubSystemError("compiler", "Compiler.Compile", domain.ErrDuplicateState, name)
	}
	wf.States[name] = s
	return nil
}

func readRelative(dir, p string) (string, error) {
	path := resolvePath(dir, p)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.NewSubSystemError("compiler", "readRelative", domain.ErrNotFound, path)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}

func resolvePaths(dir string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = resolvePath(dir, p)
	}
	return out
}

func stepRetrievalKey(state string, i int) string {
	return fmt.Sprintf("%s%s%d]%s", state, stepRetrievalInfix, i, inlineRetrievalSuffix)
}

// retrievalOwner returns the state an inline retrieval key was registered for.
func retrievalOwner(key string) (string, bool) {
	owner, ok := strings.CutSuffix(key, inlineRetrievalSuffix)
	if !ok {
		return "", false
	}
	if i := strings.Index(owner, stepRetrievalInfix); i >= 0 {
		owner = owner[:i]
	}
	return owner, true
}

func stepName(state string, i int) string {
	if i == 0 {
		return state
	}
	return fmt.Sprintf("%s_step_%d", state, i)
}

func nextOf(st *domain.StateSpec) string {
	if len(st.NextOptions) > 0 {
		return ""
	}
	return orTerminal(st.Next)
}

func branchesOf(st *domain.StateSpec) []domain.Branch {
	if len(st.NextOptions) == 0 {
		return nil
	}
	out := make([]domain.Branch, len(st.NextOptions))
	for i, o := range st.NextOptions {
		out[i] = domain.Branch{State: o.State, Description: o.Description}
	}
	return out
}

func orTerminal(next string) string {
	if next == "" {
		return domain.TerminalState
	}
	return next
}

func prefixed(target string, rewrite func(string) string) string {
	if target == domain.TerminalState {
		return target
	}
	return rewrite(target)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
