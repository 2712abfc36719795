package domain

import "time"

// Orchestration strategies.
const (
	StrategySequential  = "sequential"
	StrategyParallel    = "parallel"
	StrategyConditional = "conditional"
)

// Aggregation modes.
const (
	AggregateMerge  = "merge"
	AggregateLast   = "last"
	AggregateCustom = "custom"
)

// Entry error policies.
const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
	OnErrorFallback = "fallback"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
)

// OrchestrationSpec is an orchestration document as written.
type OrchestrationSpec struct {
	Name              string         `json:"name" yaml:"name"`
	Description       string         `json:"description,omitempty" yaml:"description,omitempty"`
	Strategy          string         `json:"strategy" yaml:"strategy"`
	Aggregation       string         `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	AggregationPrompt string         `json:"aggregation_prompt,omitempty" yaml:"aggregation_prompt,omitempty"`
	AggregationModel  string         `json:"aggregation_model,omitempty" yaml:"aggregation_model,omitempty"`
	Variables         map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	DefaultTimeout    time.Duration  `json:"default_timeout,omitempty" yaml:"default_timeout,omitempty"`
	Workflows         []EntrySpec    `json:"workflows" yaml:"workflows"`
}

// EntrySpec is one workflow reference inside an orchestration.
type EntrySpec struct {
	ID        string            `json:"id" yaml:"id"`
	Path      string            `json:"path" yaml:"path"`
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	SaveAs    string            `json:"save_as,omitempty" yaml:"save_as,omitempty"`
	Condition *Condition        `json:"condition,omitempty" yaml:"condition,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnError   string            `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	Fallback  string            `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// Condition gates an entry on the shared context.
type Condition struct {
	Variable string `json:"variable" yaml:"variable"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Orchestration is a compiled orchestration with every workflow compiled.
type Orchestration struct {
	Name              string
	Strategy          string
	Aggregation       string
	AggregationPrompt string
	AggregationModel  string
	Variables         map[string]any
	Entries           []Entry
	SourcePath        string
}

// Entry is a compiled orchestration entry.
type Entry struct {
	EntrySpec
	Workflow         *Workflow
	FallbackWorkflow *Workflow
	// FallbackVariables are the fallback entry's overrides, applied over this entry's.
	FallbackVariables map[string]string
}

// Entry statuses.
const (
	EntryCompleted     = "completed"
	EntryFailed        = "failed"
	EntryTimeout       = "timeout"
	EntrySkipped       = "skipped"
	EntryUnschedulable = "unschedulable"
)

// EntryResult is the outcome of one orchestration entry.
type EntryResult struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Variables    map[string]any `json:"variables,omitempty"`
	Error        string         `json:"error,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	UsedFallback bool           `json:"used_fallback,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	FinishedAt   time.Time      `json:"finished_at,omitempty"`
}

// AggregatedResult is the outcome of one orchestration run.
type AggregatedResult struct {
	RunID         string                    `json:"run_id"`
	Name          string                    `json:"name"`
	Strategy      string                    `json:"strategy"`
	Aggregation   string                    `json:"aggregation"`
	Status        RunStatus                 `json:"status"`
	Entries       []EntryResult             `json:"entries"`
	Context       map[string]any            `json:"context"`
	Named         map[string]map[string]any `json:"named,omitempty"`
	Output        map[string]any            `json:"output,omitempty"`
	Text          string                    `json:"text,omitempty"`
	Unschedulable []string                  `json:"unschedulable,omitempty"`
	Error         string                    `json:"error,omitempty"`
}
