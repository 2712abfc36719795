package workflow

import (
	"fmt"
	"sort"

	"llmflow/internal/domain"
)

// Validate checks a resolved workflow document and returns the first
// violation found. It has no side effects.
func Validate(spec *domain.WorkflowSpec) error {
	if spec.Name == "" {
		return invalid("", "name is required")
	}
	if len(spec.States) == 0 {
		return invalid("", "at least one state is required")
	}
	if spec.StartState == "" {
		return invalid("", "start_state is required")
	}
	if _, ok := spec.States[spec.StartState]; !ok {
		return invalid("", fmt.Sprintf("start_state %q is not a defined state", spec.StartState))
	}
	if _, ok := spec.States[domain.TerminalState]; ok {
		return invalid(domain.TerminalState, fmt.Sprintf("%q is reserved and cannot be defined", domain.TerminalState))
	}

	for name, ts := range spec.ToolServers {
		if _, err := ts.Source(); err != nil {
			return invalid("", fmt.Sprintf("mcp server %q: %v", name, err))
		}
	}
	for name, rc := range spec.Retrievals {
		if rc.Directory == "" {
			return invalid("", fmt.Sprintf("rag %q: directory is required", name))
		}
	}

	for _, name := range sortedStateNames(spec.States) {
		if err := validateState(spec, name, spec.States[name]); err != nil {
			return err
		}
	}

	if spec.ErrorState != "" && !resolves(spec, spec.ErrorState) {
		return invalid("", fmt.Sprintf("error_state %q is not a defined state", spec.ErrorState))
	}
	return nil
}

func validateState(spec *domain.WorkflowSpec, name string, st *domain.StateSpec) error {
	if st == nil {
		return invalid(name, "state body is empty")
	}

	switch st.Kind() {
	case domain.KindPrompt:
		if err := validatePromptState(spec, name, st); err != nil {
			return err
		}
	case domain.KindInput:
		if len(st.NextOptions) > 0 {
			return invalid(name, "input states cannot branch")
		}
	case domain.KindWorkflowRef:
		if st.WorkflowRef == "" {
			return invalid(name, "workflow_ref is required")
		}
		// The referenced workflow's end ends the run, so nothing follows.
		if st.Next != "" || len(st.NextOptions) > 0 || st.ErrorState != "" {
			return invalid(name, "workflow_ref states cannot set next, next_options or error_state")
		}
	case domain.KindTransition:
		if st.Next == "" {
			return invalid(name, "transition states require next")
		}
	default:
		return invalid(name, fmt.Sprintf("unknown state type %q", st.Type))
	}

	for _, target := range stateTargets(st) {
		if !resolves(spec, target) {
			return invalid(name, fmt.Sprintf("target %q is not a defined state", target))
		}
	}
	return nil
}

func validatePromptState(spec *domain.WorkflowSpec, name string, st *domain.StateSpec) error {
	if st.Prompt != "" && st.PromptFile != "" {
		return invalid(name, "prompt and prompt_file are mutually exclusive")
	}
	hasPrompt := st.Prompt != "" || st.PromptFile != ""
	switch {
	case hasPrompt && len(st.Steps) > 0:
		return invalid(name, "prompt and steps are mutually exclusive")
	case !hasPrompt && len(st.Steps) == 0:
		return invalid(name, "prompt, prompt_file or steps is required")
	}

	if st.Next != "" && len(st.NextOptions) > 0 {
		return invalid(name, "next and next_options are mutually exclusive")
	}
	if len(st.NextOptions) == 1 {
		return invalid(name, "next_options needs at least two candidates")
	}
	for i, opt := range st.NextOptions {
		if opt.State == "" {
			return invalid(name, fmt.Sprintf("next_options[%d]: state is required", i))
		}
	}

	if err := validateAttachments(spec, name, st.ToolServers, st.Retrieval, st.RetrievalConfig); err != nil {
		return err
	}
	for i, step := range st.Steps {
		label := fmt.Sprintf("%s steps[%d]", name, i)
		if step.Prompt != "" && step.PromptFile != "" {
			return invalid(label, "prompt and prompt_file are mutually exclusive")
		}
		if step.Prompt == "" && step.PromptFile == "" {
			return invalid(label, "prompt or prompt_file is required")
		}
		if err := validateAttachments(spec, label, step.ToolServers, step.Retrieval, step.RetrievalConfig); err != nil {
			return err
		}
	}
	return nil
}

// validateAttachments checks tool-server and retrieval references.
func validateAttachments(spec *domain.WorkflowSpec, label string, servers []string, rag string, inline *domain.RetrievalConfig) error {
	for _, s := range servers {
		if _, ok := spec.ToolServers[s]; !ok {
			return invalid(label, fmt.Sprintf("mcp server %q is not declared", s))
		}
	}
	if rag != "" && inline != nil {
		return invalid(label, "rag and rag_config are mutually exclusive")
	}
	if rag != "" {
		if _, ok := spec.Retrievals[rag]; !ok {
			return invalid(label, fmt.Sprintf("rag %q is not declared", rag))
		}
	}
	if inline != nil && inline.Directory == "" {
		return invalid(label, "rag_config: directory is required")
	}
	return nil
}

func stateTargets(st *domain.StateSpec) []string {
	var out []string
	if st.Next != "" {
		out = append(out, st.Next)
	}
	for _, opt := range st.NextOptions {
		out = append(out, opt.State)
	}
	if st.ErrorState != "" {
		out = append(out, st.ErrorState)
	}
	return out
}

func resolves(spec *domain.WorkflowSpec, target string) bool {
	if target == domain.TerminalState {
		return true
	}
	_, ok := spec.States[target]
	return ok
}

func invalid(state, msg string) error {
	if state != "" {
		msg = fmt.Sprintf("state %q: %s", state, msg)
	}
	return domain.NewSubSystemError("compiler", "Validate", domain.ErrValidation, msg)
}

func sortedStateNames[T any](states map[string]T) []string {
	names := make([]string, 0, len(states))
	for n := range states {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
