package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"llmflow/internal/domain"
	"llmflow/internal/infra/tracer"
	"llmflow/internal/usecase/eventbus"
	"llmflow/internal/usecase/workflow"
)

// Runner executes one compiled workflow. *workflow.Engine implements it.
type Runner interface {
	Run(ctx context.Context, wf *domain.Workflow, inputs map[string]any, opts *workflow.RunOptions) (*domain.WorkflowRun, error)
}

// RunnerFactory returns a fresh runner for one entry execution, so every
// workflow run owns its collaborators (tool-server processes in particular).
type RunnerFactory func(entry domain.Entry) Runner

// Config holds orchestration settings.
type Config struct {
	DefaultModel   string        // model for custom aggregation when the document names none
	DefaultTimeout time.Duration // entry timeout when neither document nor entry sets one
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithEventBus attaches the domain event sink.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// Engine schedules the workflows of an orchestration and aggregates their
// results.
type Engine struct {
	runners RunnerFactory
	client  domain.ModelClient
	cfg     Config
	logger  *slog.Logger
	bus     domain.EventBus
	now     func() time.Time
}

// NewEngine creates an orchestration engine. client is only used by custom
// aggregation and may be nil otherwise.
func NewEngine(runners RunnerFactory, client domain.ModelClient, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		runners: runners,
		client:  client,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execution is the state of one orchestration run. shared, named and the
// result slots are written only by the scheduling goroutine.
type execution struct {
	orch    *domain.Orchestration
	runID   string
	shared  map[string]any
	named   map[string]map[string]any
	results []domain.EntryResult
	settled map[string]string // entry id -> final status

	lastNamed     string
	lastCompleted int
}

func (e *Engine) newExecution(orch *domain.Orchestration, runID string, inputs map[string]any) *execution {
	if runID == "" {
		runID = domain.NewRunID(e.now())
	}
	ex := &execution{
		orch:          orch,
		runID:         runID,
		shared:        make(map[string]any, len(orch.Variables)+len(inputs)),
		named:         make(map[string]map[string]any),
		results:       make([]domain.EntryResult, len(orch.Entries)),
		settled:       make(map[string]string, len(orch.Entries)),
		lastCompleted: -1,
	}
	maps.Copy(ex.shared, orch.Variables)
	maps.Copy(ex.shared, inputs)
	return ex
}

// Execute runs orch with inputs seeded over its variables. The result is
// always returned and carries every entry that ran, including on error.
func (e *Engine) Execute(ctx context.Context, orch *domain.Orchestration, inputs map[string]any) (*domain.AggregatedResult, error) {
	return e.ExecuteWithID(ctx, "", orch, inputs)
}

// ExecuteWithID is Execute with a preassigned run id.
func (e *Engine) ExecuteWithID(ctx context.Context, runID string, orch *domain.Orchestration, inputs map[string]any) (*domain.AggregatedResult, error) {
	ex := e.newExecution(orch, runID, inputs)

	ctx, span := tracer.StartSpan(ctx, "orchestration.run",
		tracer.StringAttr("orchestration.name", orch.Name),
		tracer.StringAttr("orchestration.strategy", orch.Strategy),
		tracer.StringAttr("orchestration.run_id", ex.runID),
	)

	e.logger.Info("orchestration started",
		"orchestration", orch.Name, "run_id", ex.runID, "strategy", orch.Strategy, "entries", len(orch.Entries))
	eventbus.Emit(ctx, e.bus, domain.EventOrchestrationStarted, ex.runID, domain.EntryEventPayload{Orchestration: orch.Name})

	var err error
	switch orch.Strategy {
	case domain.StrategySequential:
		err = e.runSequential(ctx, ex)
	case domain.StrategyParallel:
		err = e.runParallel(ctx, ex)
	case domain.StrategyConditional:
		err = e.runConditional(ctx, ex)
	default:
		err = domain.NewSubSystemError("orchestration", "Engine.Execute", domain.ErrValidation, fmt.Sprintf("unknown strategy %q", orch.Strategy))
	}

	result := ex.result()
	if err == nil {
		err = e.aggregate(ctx, ex, result)
	}
	e.finish(ctx, ex, result, err)
	tracer.End(span, err)
	return result, err
}

func (e *Engine) finish(ctx context.Context, ex *execution, result *domain.AggregatedResult, err error) {
	payload := domain.EntryEventPayload{Orchestration: ex.orch.Name}
	switch {
	case err == nil:
		result.Status = domain.RunCompleted
		e.logger.Info("orchestration completed", "orchestration", ex.orch.Name, "run_id", ex.runID, "entries", len(result.Entries))
		eventbus.Emit(ctx, e.bus, domain.EventOrchestrationCompleted, ex.runID, payload)
		return
	case ctx.Err() != nil:
		result.Status = domain.RunStopped
	default:
		result.Status = domain.RunFailed
	}
	result.Error = err.Error()
	payload.Status = string(result.Status)
	payload.Error = err.Error()
	e.logger.Error("orchestration failed",
		"orchestration", ex.orch.Name, "run_id", ex.runID, "code", domain.ErrorCodeOf(err), "error", err)
	eventbus.Emit(ctx, e.bus, domain.EventOrchestrationFailed, ex.runID, payload)
}

func (e *Engine) runSequential(ctx context.Context, ex *execution) error {
	for i, entry := range ex.orch.Entries {
		if ctx.Err() != nil {
			return e.stopped(ex, entry.ID)
		}
		res := e.runEntry(ctx, ex, entry, e.entryInputs(ex, entry.Variables))
		if err := e.settle(ctx, ex, i, res); err != nil {
			return err
		}
	}
	return nil
}

// runParallel starts every entry at once and settles them in document
// order after all have finished. A failing entry never cancels its
// siblings.
func (e *Engine) runParallel(ctx context.Context, ex *execution) error {
	entries := ex.orch.Entries
	inputs := make([]map[string]any, len(entries))
	for i, entry := range entries {
		inputs[i] = e.entryInputs(ex, entry.Variables)
	}

	finished := make([]domain.EntryResult, len(entries))
	var g errgroup.Group
	for i, entry := range entries {
		g.Go(func() error {
			finished[i] = e.runEntry(ctx, ex, entry, inputs[i])
			return nil
		})
	}
	_ = g.Wait()

	for i := range entries {
		if err := e.settle(ctx, ex, i, finished[i]); err != nil {
			// Siblings after the failure still ran; report them unmerged.
			for j := i + 1; j < len(entries); j++ {
				ex.results[j] = finished[j]
			}
			return err
		}
	}
	if ctx.Err() != nil {
		return e.stopped(ex, "")
	}
	return nil
}

// runConditional repeatedly scans pending entries. An entry is eligible
// once every dependency has completed or been skipped; a false condition
// skips it. A pass that settles nothing leaves the rest unschedulable.
func (e *Engine) runConditional(ctx context.Context, ex *execution) error {
	pending := make([]int, len(ex.orch.Entries))
	for i := range pending {
		pending[i] = i
	}

	for len(pending) > 0 {
		var (
			waiting    []int
			progressed bool
		)
		for _, i := range pending {
			if ctx.Err() != nil {
				return e.stopped(ex, ex.orch.Entries[i].ID)
			}
			entry := ex.orch.Entries[i]
			if !ex.dependenciesMet(entry) {
				waiting = append(waiting, i)
				continue
			}
			progressed = true

			if entry.Condition != nil && !Evaluate(*entry.Condition, ex.shared) {
				e.skip(ctx, ex, i)
				continue
			}
			res := e.runEntry(ctx, ex, entry, e.entryInputs(ex, entry.Variables))
			if err := e.settle(ctx, ex, i, res); err != nil {
				return err
			}
		}
		if !progressed {
			e.markUnschedulable(ctx, ex, waiting)
			return nil
		}
		pending = waiting
	}
	return nil
}

func (ex *execution) dependenciesMet(entry domain.Entry) bool {
	for _, dep := range entry.DependsOn {
		switch ex.settled[dep] {
		case domain.EntryCompleted, domain.EntrySkipped:
		default:
			return false
		}
	}
	return true
}

func (e *Engine) skip(ctx context.Context, ex *execution, i int) {
	entry := ex.orch.Entries[i]
	now := e.now()
	ex.results[i] = domain.EntryResult{ID: entry.ID, Status: domain.EntrySkipped, StartedAt: now, FinishedAt: now}
	ex.settled[entry.ID] = domain.EntrySkipped

	c := entry.Condition
	e.logger.Info("entry skipped, condition not met",
		"orchestration", ex.orch.Name, "entry", entry.ID, "variable", c.Variable, "operator", c.Operator)
	eventbus.Emit(ctx, e.bus, domain.EventEntrySkipped, ex.runID, domain.EntryEventPayload{
		Orchestration: ex.orch.Name, Entry: entry.ID, Status: domain.EntrySkipped,
	})
}

func (e *Engine) markUnschedulable(ctx context.Context, ex *execution, indices []int) {
	for _, i := range indices {
		entry := ex.orch.Entries[i]
		reason := fmt.Sprintf("dependencies %v never completed", entry.DependsOn)
		ex.results[i] = domain.EntryResult{ID: entry.ID, Status: domain.EntryUnschedulable, Error: reason}
		ex.settled[entry.ID] = domain.EntryUnschedulable

		e.logger.Warn("entry unschedulable", "orchestration", ex.orch.Name, "run_id", ex.runID, "entry", entry.ID, "reason", reason)
		eventbus.Emit(ctx, e.bus, domain.EventEntryUnschedulable, ex.runID, domain.EntryEventPayload{
			Orchestration: ex.orch.Name, Entry: entry.ID, Status: domain.EntryUnschedulable, Error: reason,
		})
	}
}

// entryInputs copies the shared context and applies the entry's overrides,
// interpolated against it.
func (e *Engine) entryInputs(ex *execution, overrides ...map[string]string) map[string]any {
	inputs := maps.Clone(ex.shared)
	if inputs == nil {
		inputs = make(map[string]any)
	}
	for _, o := range overrides {
		for k, v := range o {
			inputs[k] = workflow.Interpolate(v, ex.shared)
		}
	}
	return inputs
}

// runEntry executes one entry, retrying once on its fallback workflow when
// its policy asks for that. It does not touch the shared context.
func (e *Engine) runEntry(ctx context.Context, ex *execution, entry domain.Entry, inputs map[string]any) domain.EntryResult {
	ctx, span := tracer.StartSpan(ctx, "orchestration.entry",
		tracer.StringAttr("orchestration.entry", entry.ID),
		tracer.StringAttr("workflow.name", entry.Workflow.Name),
	)

	eventbus.Emit(ctx, e.bus, domain.EventEntryStarted, ex.runID, domain.EntryEventPayload{
		Orchestration: ex.orch.Name, Entry: entry.ID,
	})
	e.logger.Info("entry started", "orchestration", ex.orch.Name, "run_id", ex.runID, "entry", entry.ID, "workflow", entry.Workflow.Name)

	res := e.attempt(ctx, ex, entry, entry.Workflow, inputs)
	if res.Status != domain.EntryCompleted && entry.OnError == domain.OnErrorFallback && entry.FallbackWorkflow != nil && ctx.Err() == nil {
		e.logger.Warn("entry failed, running fallback",
			"orchestration", ex.orch.Name, "entry", entry.ID, "fallback", entry.Fallback, "error", res.Error)
		tracer.AddEvent(ctx, "orchestration.fallback", tracer.StringAttr("fallback", entry.Fallback))

		retry := e.attempt(ctx, ex, entry, entry.FallbackWorkflow, e.entryInputs(ex, entry.Variables, entry.FallbackVariables))
		retry.StartedAt = res.StartedAt
		retry.UsedFallback = true
		if retry.Status != domain.EntryCompleted {
			retry.Error = fmt.Sprintf("%s; fallback %q: %s", res.Error, entry.Fallback, retry.Error)
		}
		res = retry
	}

	var spanErr error
	if res.Status != domain.EntryCompleted {
		spanErr = errors.New(res.Error)
	}
	tracer.End(span, spanErr)
	return res
}

type outcome struct {
	run *domain.WorkflowRun
	err error
}

// attempt runs wf under the entry timeout. On expiry the run is cancelled
// and abandoned: it stops at its next state boundary, unobserved.
func (e *Engine) attempt(ctx context.Context, ex *execution, entry domain.Entry, wf *domain.Workflow, inputs map[string]any) domain.EntryResult {
	res := domain.EntryResult{ID: entry.ID, StartedAt: e.now(), RunID: domain.NewRunID(e.now())}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	runner := e.runners(entry)
	go func() {
		run, err := runner.Run(runCtx, wf, inputs, &workflow.RunOptions{RunID: res.RunID})
		done <- outcome{run: run, err: err}
	}()

	var expired <-chan time.Time
	if timeout := e.timeoutFor(entry); timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case o := <-done:
		res.FinishedAt = e.now()
		if o.run != nil {
			res.Variables = o.run.Context
		}
		if o.err != nil {
			res.Status = domain.EntryFailed
			res.Error = o.err.Error()
			return res
		}
		res.Status = domain.EntryCompleted
		return res
	case <-expired:
		res.FinishedAt = e.now()
		res.Status = domain.EntryTimeout
		res.Error = domain.NewSubSystemError("orchestration", "Engine.entry", domain.ErrTimeout,
			fmt.Sprintf("entry %q exceeded %s", entry.ID, e.timeoutFor(entry))).Error()
		return res
	}
}

func (e *Engine) timeoutFor(entry domain.Entry) time.Duration {
	if entry.Timeout > 0 {
		return entry.Timeout
	}
	return e.cfg.DefaultTimeout
}

// settle records a finished entry and applies its outcome to the shared
// context. It returns an error when a failure aborts the orchestration.
func (e *Engine) settle(ctx context.Context, ex *execution, i int, res domain.EntryResult) error {
	entry := ex.orch.Entries[i]
	ex.results[i] = res
	ex.settled[entry.ID] = res.Status

	payload := domain.EntryEventPayload{Orchestration: ex.orch.Name, Entry: entry.ID, Status: res.Status, Error: res.Error}
	if res.Status == domain.EntryCompleted {
		maps.Copy(ex.shared, res.Variables)
		if entry.SaveAs != "" {
			ex.named[entry.SaveAs] = res.Variables
			ex.lastNamed = entry.SaveAs
		}
		ex.lastCompleted = i
		e.logger.Info("entry completed", "orchestration", ex.orch.Name, "run_id", ex.runID, "entry", entry.ID,
			"used_fallback", res.UsedFallback, "duration", res.FinishedAt.Sub(res.StartedAt))
		eventbus.Emit(ctx, e.bus, domain.EventEntryCompleted, ex.runID, payload)
		return nil
	}

	eventbus.Emit(ctx, e.bus, domain.EventEntryFailed, ex.runID, payload)
	if ctx.Err() != nil {
		return e.stopped(ex, entry.ID)
	}
	if entry.OnError == domain.OnErrorFail {
		e.logger.Error("entry failed, aborting orchestration",
			"orchestration", ex.orch.Name, "run_id", ex.runID, "entry", entry.ID, "status", res.Status, "error", res.Error)
		return domain.NewSubSystemError("orchestration", "Engine.Execute", domain.ErrEntryFailed,
			fmt.Sprintf("entry %q %s: %s", entry.ID, res.Status, res.Error))
	}
	e.logger.Warn("entry failed, continuing",
		"orchestration", ex.orch.Name, "run_id", ex.runID, "entry", entry.ID, "status", res.Status,
		"policy", entry.OnError, "error", res.Error)
	return nil
}

func (e *Engine) stopped(ex *execution, at string) error {
	detail := ex.orch.Name
	if at != "" {
		detail = fmt.Sprintf("%s at entry %q", ex.orch.Name, at)
	}
	return domain.NewSubSystemError("orchestration", "Engine.Execute", domain.ErrStopped, detail)
}

// result assembles the entries that ran, in document order.
func (ex *execution) result() *domain.AggregatedResult {
	r := &domain.AggregatedResult{
		RunID:       ex.runID,
		Name:        ex.orch.Name,
		Strategy:    ex.orch.Strategy,
		Aggregation: ex.orch.Aggregation,
		Context:     ex.shared,
		Named:       ex.named,
	}
	for _, res := range ex.results {
		if res.ID == "" {
			continue
		}
		r.Entries = append(r.Entries, res)
		if res.Status == domain.EntryUnschedulable {
			r.Unschedulable = append(r.Unschedulable, res.ID)
		}
	}
	return r
}
