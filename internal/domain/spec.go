package domain

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// TerminalState is the reserved name marking normal workflow completion.
const TerminalState = "end"

// StateKind discriminates state specs.
type StateKind string

const (
	KindPrompt      StateKind = "prompt"
	KindInput       StateKind = "input"
	KindWorkflowRef StateKind = "workflow_ref"
	KindTransition  StateKind = "transition"
)

// WorkflowSpec is a workflow document as written by the author.
type WorkflowSpec struct {
	Name          string                     `json:"name" yaml:"name"`
	Description   string                     `json:"description,omitempty" yaml:"description,omitempty"`
	Model         string                     `json:"model,omitempty" yaml:"model,omitempty"`
	StartState    string                     `json:"start_state" yaml:"start_state"`
	ErrorState    string                     `json:"error_state,omitempty" yaml:"error_state,omitempty"`
	States        map[string]*StateSpec      `json:"states" yaml:"states"`
	ToolServers   map[string]ToolServerSpec  `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
	Retrievals    map[string]RetrievalConfig `json:"rag,omitempty" yaml:"rag,omitempty"`
	Variables     map[string]VariableSpec    `json:"variables,omitempty" yaml:"variables,omitempty"`
	VariablesFile string                     `json:"variables_file,omitempty" yaml:"variables_file,omitempty"`
}

// StateSpec is one state as written in a workflow document.
type StateSpec struct {
	Type            StateKind        `json:"type,omitempty" yaml:"type,omitempty"`
	Prompt          string           `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	PromptFile      string           `json:"prompt_file,omitempty" yaml:"prompt_file,omitempty"`
	Steps           []StepSpec       `json:"steps,omitempty" yaml:"steps,omitempty"`
	Next            string           `json:"next,omitempty" yaml:"next,omitempty"`
	NextOptions     []BranchOption   `json:"next_options,omitempty" yaml:"next_options,omitempty"`
	SaveAs          string           `json:"save_as,omitempty" yaml:"save_as,omitempty"`
	Model           string           `json:"model,omitempty" yaml:"model,omitempty"`
	Options         map[string]any   `json:"options,omitempty" yaml:"options,omitempty"`
	ToolServers     []string         `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
	Retrieval       string           `json:"rag,omitempty" yaml:"rag,omitempty"`
	RetrievalConfig *RetrievalConfig `json:"rag_config,omitempty" yaml:"rag_config,omitempty"`
	Default         string           `json:"default,omitempty" yaml:"default,omitempty"`
	ErrorState      string           `json:"error_state,omitempty" yaml:"error_state,omitempty"`
	Files           []string         `json:"files,omitempty" yaml:"files,omitempty"`
	WorkflowRef     string           `json:"workflow_ref,omitempty" yaml:"workflow_ref,omitempty"`
}

// Kind returns the declared type, inferring workflow_ref from a reference
// path and prompt otherwise.
func (s *StateSpec) Kind() StateKind {
	switch {
	case s.Type != "":
		return s.Type
	case s.WorkflowRef != "":
		return KindWorkflowRef
	default:
		return KindPrompt
	}
}

// StepSpec is one model call inside a multi-step state. Empty fields
// inherit from the enclosing state.
type StepSpec struct {
	Prompt          string           `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	PromptFile      string           `json:"prompt_file,omitempty" yaml:"prompt_file,omitempty"`
	Model           string           `json:"model,omitempty" yaml:"model,omitempty"`
	Options         map[string]any   `json:"options,omitempty" yaml:"options,omitempty"`
	ToolServers     []string         `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
	Retrieval       string           `json:"rag,omitempty" yaml:"rag,omitempty"`
	RetrievalConfig *RetrievalConfig `json:"rag_config,omitempty" yaml:"rag_config,omitempty"`
	Files           []string         `json:"files,omitempty" yaml:"files,omitempty"`
	SaveAs          string           `json:"save_as,omitempty" yaml:"save_as,omitempty"`
}

// BranchOption is a candidate next state offered to the model.
type BranchOption struct {
	State       string `json:"state" yaml:"state"`
	Description string `json:"description" yaml:"description"`
}

// VariableSpec is a variable declaration: an inline literal or a file to load.
type VariableSpec struct {
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
	File  string `json:"file,omitempty" yaml:"file,omitempty"`
}

// UnmarshalYAML accepts a scalar literal or a {value, file} mapping.
func (v *VariableSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		v.Value = node.Value
		return nil
	case yaml.MappingNode:
		type plain VariableSpec
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*v = VariableSpec(p)
		return nil
	default:
		return fmt.Errorf("line %d: variable must be a scalar or a mapping", node.Line)
	}
}

// Tool server source syntaxes.
const (
	ToolSourceCommand   = "command"
	ToolSourcePackage   = "package"
	ToolSourceDirectory = "directory"
)

// ToolServerSpec is a tool-server declaration in one of three syntaxes:
// an explicit command, a packaged tool fetched by a runner, or a local
// directory containing a server entry point.
type ToolServerSpec struct {
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Package   string            `json:"package,omitempty" yaml:"package,omitempty"`
	Runner    string            `json:"runner,omitempty" yaml:"runner,omitempty"`
	Directory string            `json:"directory,omitempty" yaml:"directory,omitempty"`
	Entry     string            `json:"entry,omitempty" yaml:"entry,omitempty"`
}

// UnmarshalYAML accepts a mapping or a whitespace-separated command line.
func (t *ToolServerSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		fields := strings.Fields(node.Value)
		if len(fields) == 0 {
			return fmt.Errorf("line %d: empty tool server command", node.Line)
		}
		*t = ToolServerSpec{Command: fields[0], Args: fields[1:]}
		return nil
	case yaml.MappingNode:
		type plain ToolServerSpec
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*t = ToolServerSpec(p)
		return nil
	default:
		return fmt.Errorf("line %d: tool server must be a command string or a mapping", node.Line)
	}
}

// Source reports which syntax the declaration uses, or an error when it
// mixes syntaxes or declares none.
func (t ToolServerSpec) Source() (string, error) {
	var sources []string
	if t.Command != "" {
		sources = append(sources, ToolSourceCommand)
	}
	if t.Package != "" {
		sources = append(sources, ToolSourcePackage)
	}
	if t.Directory != "" {
		sources = append(sources, ToolSourceDirectory)
	}
	switch len(sources) {
	case 1:
		return sources[0], nil
	case 0:
		return "", fmt.Errorf("one of command, package or directory is required")
	default:
		return "", fmt.Errorf("command, package and directory are mutually exclusive (got %s)", strings.Join(sources, ", "))
	}
}
