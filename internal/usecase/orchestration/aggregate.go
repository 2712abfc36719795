package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"

	"llmflow/internal/domain"
	"llmflow/internal/usecase/workflow"
)

var resultsMarkerRe = regexp.MustCompile(`\{\{\s*results\s*\}\}`)

// aggregate fills result.Output (and Text for custom) from the settled run.
func (e *Engine) aggregate(ctx context.Context, ex *execution, result *domain.AggregatedResult) error {
	switch ex.orch.Aggregation {
	case domain.AggregateLast:
		result.Output = ex.last()
		return nil
	case domain.AggregateCustom:
		return e.aggregateCustom(ctx, ex, result)
	default:
		result.Output = ex.merged()
		return nil
	}
}

// merged is the shared context with every named result added under its key.
func (ex *execution) merged() map[string]any {
	out := maps.Clone(ex.shared)
	if out == nil {
		out = make(map[string]any, len(ex.named))
	}
	for k, v := range ex.named {
		out[k] = v
	}
	return out
}

// last is the most recently completed named result, or the most recently
// completed entry's variables when nothing was named.
func (ex *execution) last() map[string]any {
	if ex.lastNamed != "" {
		return ex.named[ex.lastNamed]
	}
	if ex.lastCompleted >= 0 {
		return ex.results[ex.lastCompleted].Variables
	}
	return nil
}

// resultSet is what {{results}} expands to: the named results, or every
// completed entry's variables by id when nothing was named.
func (ex *execution) resultSet() map[string]any {
	out := make(map[string]any)
	if len(ex.named) > 0 {
		for k, v := range ex.named {
			out[k] = v
		}
		return out
	}
	for _, res := range ex.results {
		if res.Status == domain.EntryCompleted {
			out[res.ID] = res.Variables
		}
	}
	return out
}

func (e *Engine) aggregateCustom(ctx context.Context, ex *execution, result *domain.AggregatedResult) error {
	if e.client == nil {
		return domain.NewSubSystemError("orchestration", "Engine.aggregate", domain.ErrNotSupported, "custom aggregation needs a model client")
	}

	set := ex.resultSet()
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return domain.NewSubSystemError("orchestration", "Engine.aggregate", domain.ErrInvalidInput, fmt.Sprintf("encode results: %v", err))
	}

	vars := maps.Clone(ex.shared)
	delete(vars, "results")
	prompt := workflow.Interpolate(ex.orch.AggregationPrompt, vars)
	prompt = resultsMarkerRe.ReplaceAllLiteralString(prompt, string(data))

	model := ex.orch.AggregationModel
	if model == "" {
		model = e.cfg.DefaultModel
	}
	text, err := e.client.Generate(context.WithoutCancel(ctx), domain.GenerateRequest{Model: model, Prompt: prompt})
	if err != nil {
		return domain.WrapOp(fmt.Sprintf("custom aggregation with model %q", model), err)
	}

	e.logger.Debug("custom aggregation done", "orchestration", ex.orch.Name, "model", model, "response_len", len(text))
	result.Text = text
	result.Output = set
	return nil
}
