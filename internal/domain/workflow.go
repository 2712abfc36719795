package domain

import (
	"context"
	"time"
)

// Workflow is a compiled, self-contained execution graph.
type Workflow struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Model       string                      `json:"model,omitempty"`
	StartState  string                      `json:"start_state"`
	ErrorState  string                      `json:"error_state,omitempty"`
	States      map[string]State            `json:"-"`
	ToolServers map[string]ToolServerConfig `json:"mcp_servers,omitempty"`
	Retrievals  map[string]RetrievalConfig  `json:"rag,omitempty"`
	Variables   map[string]string           `json:"variables,omitempty"`
	SourcePath  string                      `json:"source_path,omitempty"`
}

// State is a compiled state. The set of implementations is closed:
// *PromptState, *InputState and *TransitionState.
type State interface {
	// StateName returns the key of the state in Workflow.States.
	StateName() string
	// Targets lists every state name this state can move to, fallback included.
	Targets() []string
	// Retarget returns a renamed copy with every target passed through rewrite.
	Retarget(name string, rewrite func(string) string) State

	isState()
}

// Branch is a candidate next state for model-driven selection.
type Branch struct {
	State       string `json:"state"`
	Description string `json:"description"`
}

// PromptState renders a prompt and calls the model.
type PromptState struct {
	Name        string         `json:"name"`
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
	ToolServers []string       `json:"mcp_servers,omitempty"`
	Retrieval   string         `json:"rag,omitempty"`
	Files       []string       `json:"files,omitempty"`
	SaveAs      string         `json:"save_as,omitempty"`
	Next        string         `json:"next,omitempty"`
	Branches    []Branch       `json:"next_options,omitempty"`
	ErrorState  string         `json:"error_state,omitempty"`
}

func (s *PromptState) StateName() string { return s.Name }
func (s *PromptState) isState()          {}

func (s *PromptState) Targets() []string {
	var out []string
	if s.Next != "" {
		out = append(out, s.Next)
	}
	for _, b := range s.Branches {
		out = append(out, b.State)
	}
	if s.ErrorState != "" {
		out = append(out, s.ErrorState)
	}
	return out
}

func (s *PromptState) Retarget(name string, rewrite func(string) string) State {
	c := *s
	c.Name = name
	c.Next = rewriteTarget(s.Next, rewrite)
	c.ErrorState = rewriteTarget(s.ErrorState, rewrite)
	if len(s.Branches) > 0 {
		c.Branches = make([]Branch, len(s.Branches))
		for i, b := range s.Branches {
			c.Branches[i] = Branch{State: rewriteTarget(b.State, rewrite), Description: b.Description}
		}
	}
	return &c
}

// InputState asks the front end for a line of text.
type InputState struct {
	Name       string `json:"name"`
	Prompt     string `json:"prompt"`
	Default    string `json:"default,omitempty"`
	SaveAs     string `json:"save_as,omitempty"`
	Next       string `json:"next,omitempty"`
	ErrorState string `json:"error_state,omitempty"`
}

func (s *InputState) StateName() string { return s.Name }
func (s *InputState) isState()          {}

func (s *InputState) Targets() []string {
	var out []string
	if s.Next != "" {
		out = append(out, s.Next)
	}
	if s.ErrorState != "" {
		out = append(out, s.ErrorState)
	}
	return out
}

func (s *InputState) Retarget(name string, rewrite func(string) string) State {
	c := *s
	c.Name = name
	c.Next = rewriteTarget(s.Next, rewrite)
	c.ErrorState = rewriteTarget(s.ErrorState, rewrite)
	return &c
}

// TransitionState moves to Next with no visible effect.
type TransitionState struct {
	Name string `json:"name"`
	Next string `json:"next"`
}

func (s *TransitionState) StateName() string { return s.Name }
func (s *TransitionState) isState()          {}
func (s *TransitionState) Targets() []string { return []string{s.Next} }

func (s *TransitionState) Retarget(name string, rewrite func(string) string) State {
	return &TransitionState{Name: name, Next: rewriteTarget(s.Next, rewrite)}
}

// rewriteTarget leaves empty targets and the terminal untouched.
func rewriteTarget(target string, rewrite func(string) string) string {
	if target == "" || target == TerminalState {
		return target
	}
	return rewrite(target)
}

// RunStatus is the lifecycle status of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Recovery records a fallback transition taken after a state failed.
type Recovery struct {
	State    string    `json:"state"`
	Fallback string    `json:"fallback"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// SelectionError records a branch choice the model failed to make.
type SelectionError struct {
	State  string `json:"state"`
	Reply  string `json:"reply"`
	Reason string `json:"reason"`
	Chosen string `json:"chosen"`
}

// WorkflowRun is the outcome of one execution, including partial progress.
type WorkflowRun struct {
	ID              string           `json:"id"`
	Workflow        string           `json:"workflow"`
	Status          RunStatus        `json:"status"`
	Context         map[string]any   `json:"context"`
	Visited         []string         `json:"visited"`
	CurrentState    string           `json:"current_state,omitempty"`
	Recoveries      []Recovery       `json:"recoveries,omitempty"`
	SelectionErrors []SelectionError `json:"selection_errors,omitempty"`
	Error           string           `json:"error,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at,omitempty"`
}

// RunStore persists finished workflow runs.
type RunStore interface {
	SaveRun(ctx context.Context, run WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, limit int) ([]WorkflowRun, error)
	DeleteRun(ctx context.Context, id string) error
}
