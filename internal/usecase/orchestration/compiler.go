package orchestration

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"llmflow/internal/domain"
	"llmflow/internal/usecase/workflow"
)

// orchestrationSchema checks the document shape before typed decoding.
const orchestrationSchema = `{
  "type": "object",
  "required": ["name", "strategy", "workflows"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "strategy": {"type": "string"},
    "aggregation": {"type": "string"},
    "aggregation_prompt": {"type": "string"},
    "aggregation_model": {"type": "string"},
    "variables": {"type": "object"},
    "default_timeout": {"type": "string"},
    "workflows": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "path"],
        "properties": {
          "id": {"type": "string"},
          "path": {"type": "string"},
          "variables": {"type": "object", "additionalProperties": {"type": ["string", "number", "boolean"]}},
          "save_as": {"type": "string"},
          "condition": {
            "type": "object",
            "required": ["variable", "operator"],
            "properties": {
              "variable": {"type": "string"},
              "operator": {"type": "string"}
            }
          },
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "timeout": {"type": "string"},
          "on_error": {"type": "string"},
          "fallback": {"type": "string"}
        }
      }
    }
  }
}`

// WorkflowCompiler compiles one workflow document.
type WorkflowCompiler interface {
	Compile(path string) (*domain.Workflow, error)
}

// Compiler loads orchestration documents and compiles every workflow they
// reference, so structural problems surface before any entry runs.
type Compiler struct {
	workflows WorkflowCompiler
	schema    *workflow.Schema
	logger    *slog.Logger
}

// NewCompiler creates an orchestration compiler backed by workflows.
func NewCompiler(workflows WorkflowCompiler, logger *slog.Logger) (*Compiler, error) {
	schema, err := workflow.CompileSchema(orchestrationSchema)
	if err != nil {
		return nil, err
	}
	return &Compiler{workflows: workflows, schema: schema, logger: logger}, nil
}

// Compile loads, validates and compiles the orchestration at path.
func (c *Compiler) Compile(path string) (*domain.Orchestration, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, domain.NewSubSystemError("compiler", "Orchestration.Compile", domain.ErrNotFound, path)
	}

	var spec domain.OrchestrationSpec
	if err := workflow.DecodeDocument(abs, c.schema, &spec); err != nil {
		return nil, err
	}
	normalize(&spec)
	if err := Validate(&spec); err != nil {
		return nil, domain.WrapOp(abs, err)
	}

	orch := &domain.Orchestration{
		Name:              spec.Name,
		Strategy:          spec.Strategy,
		Aggregation:       spec.Aggregation,
		AggregationPrompt: spec.AggregationPrompt,
		AggregationModel:  spec.AggregationModel,
		Variables:         spec.Variables,
		Entries:           make([]domain.Entry, len(spec.Workflows)),
		SourcePath:        abs,
	}

	dir := filepath.Dir(abs)
	compiled := make(map[string]*domain.Workflow)
	byID := make(map[string]int, len(spec.Workflows))
	for i, es := range spec.Workflows {
		wfPath := es.Path
		if !filepath.IsAbs(wfPath) {
			wfPath = filepath.Join(dir, wfPath)
		}
		wf, ok := compiled[wfPath]
		if !ok {
			wf, err = c.workflows.Compile(wfPath)
			if err != nil {
				return nil, domain.WrapOp(fmt.Sprintf("%s: entry %q", abs, es.ID), err)
			}
			compiled[wfPath] = wf
		}
		orch.Entries[i] = domain.Entry{EntrySpec: es, Workflow: wf}
		byID[es.ID] = i
	}

	for i := range orch.Entries {
		e := &orch.Entries[i]
		if e.OnError != domain.OnErrorFallback {
			continue
		}
		target := orch.Entries[byID[e.Fallback]]
		e.FallbackWorkflow = target.Workflow
		e.FallbackVariables = target.Variables
	}

	c.logger.Debug("orchestration compiled",
		"orchestration", orch.Name,
		"path", abs,
		"entries", len(orch.Entries),
		"workflows", len(compiled),
	)
	return orch, nil
}

// normalize fills defaults that validation and execution rely on.
func normalize(spec *domain.OrchestrationSpec) {
	if spec.Aggregation == "" {
		spec.Aggregation = domain.AggregateMerge
	}
	for i := range spec.Workflows {
		e := &spec.Workflows[i]
		if e.OnError == "" {
			e.OnError = domain.OnErrorFail
		}
		if e.Timeout == 0 {
			e.Timeout = spec.DefaultTimeout
		}
		if e.Condition != nil {
			e.Condition.Operator = normalizeOperator(e.Condition.Operator)
		}
	}
}

// Validate checks an orchestration document and returns the first violation.
func Validate(spec *domain.OrchestrationSpec) error {
	if spec.Name == "" {
		return invalid("", "name is required")
	}
	switch spec.Strategy {
	case domain.StrategySequential, domain.StrategyParallel, domain.StrategyConditional:
	default:
		return invalid("", fmt.Sprintf("unknown strategy %q", spec.Strategy))
	}
	switch spec.Aggregation {
	case domain.AggregateMerge, domain.AggregateLast:
	case domain.AggregateCustom:
		if spec.AggregationPrompt == "" {
			return invalid("", "custom aggregation requires aggregation_prompt")
		}
	default:
		return invalid("", fmt.Sprintf("unknown aggregation %q", spec.Aggregation))
	}
	if spec.DefaultTimeout < 0 {
		return invalid("", "default_timeout must not be negative")
	}
	if len(spec.Workflows) == 0 {
		return invalid("", "at least one workflow entry is required")
	}

	ids := make(map[string]bool, len(spec.Workflows))
	for i, e := range spec.Workflows {
		if e.ID == "" {
			return invalid("", fmt.Sprintf("workflows[%d]: id is required", i))
		}
		if ids[e.ID] {
			return invalid(e.ID, "duplicate id")
		}
		ids[e.ID] = true
	}

	for _, e := range spec.Workflows {
		if err := validateEntry(e, ids); err != nil {
			return err
		}
	}
	return checkDependencies(spec.Workflows)
}

func validateEntry(e domain.EntrySpec, ids map[string]bool) error {
	if e.Path == "" {
		return invalid(e.ID, "path is required")
	}
	for _, dep := range e.DependsOn {
		if dep == e.ID {
			return invalid(e.ID, "an entry cannot depend on itself")
		}
		if !ids[dep] {
			return invalid(e.ID, fmt.Sprintf("depends_on %q is not a defined entry", dep))
		}
	}
	if c := e.Condition; c != nil {
		if c.Variable == "" {
			return invalid(e.ID, "condition variable is required")
		}
		if !knownOperator(c.Operator) {
			return invalid(e.ID, fmt.Sprintf("unknown condition operator %q", c.Operator))
		}
	}
	if e.Timeout < 0 {
		return invalid(e.ID, "timeout must not be negative")
	}
	switch e.OnError {
	case domain.OnErrorFail, domain.OnErrorContinue:
		if e.Fallback != "" {
			return invalid(e.ID, "fallback requires on_error: fallback")
		}
	case domain.OnErrorFallback:
		if e.Fallback == "" {
			return invalid(e.ID, "on_error: fallback requires a fallback entry id")
		}
		if e.Fallback == e.ID {
			return invalid(e.ID, "an entry cannot be its own fallback")
		}
		if !ids[e.Fallback] {
			return invalid(e.ID, fmt.Sprintf("fallback %q is not a defined entry", e.Fallback))
		}
	default:
		return invalid(e.ID, fmt.Sprintf("unknown on_error policy %q", e.OnError))
	}
	return nil
}

// checkDependencies rejects dependency cycles with a depth-first walk.
func checkDependencies(entries []domain.EntrySpec) error {
	deps := make(map[string][]string, len(entries))
	for _, e := range entries {
		deps[e.ID] = e.DependsOn
	}

	const (
		unvisited = iota
		active
		finished
	)
	mark := make(map[string]int, len(entries))
	var walk func(id string, chain []string) error
	walk = func(id string, chain []string) error {
		switch mark[id] {
		case active:
			return invalid(id, fmt.Sprintf("dependency cycle %v", append(chain, id)))
		case finished:
			return nil
		}
		mark[id] = active
		for _, dep := range deps[id] {
			if err := walk(dep, append(chain, id)); err != nil {
				return err
			}
		}
		mark[id] = finished
		return nil
	}
	for _, e := range entries {
		if err := walk(e.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

func invalid(entry, msg string) error {
	if entry != "" {
		msg = fmt.Sprintf("entry %q: %s", entry, msg)
	}
	return domain.NewSubSystemError("orchestration", "Validate", domain.ErrValidation, msg)
}
