package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"llmflow/internal/domain"
	"llmflow/internal/infra/tracer"
	"llmflow/internal/usecase/eventbus"
)

// EngineConfig holds execution settings.
type EngineConfig struct {
	DefaultModel   string
	CallTimeout    time.Duration // bound on each collaborator call; 0 means none
	MaxTransitions int           // 0 disables the guard
}

// RunOptions holds per-call overrides for workflow execution.
type RunOptions struct {
	RunID string // preassigned run id; generated when empty
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithToolServers attaches the tool-server client used by prompt states.
func WithToolServers(tools domain.ToolServerClient) Option {
	return func(e *Engine) { e.tools = tools }
}

// WithRetrieval attaches the retrieval provider used by prompt states.
func WithRetrieval(p domain.RetrievalProvider) Option {
	return func(e *Engine) { e.retrieval = p }
}

// WithFrontEnd attaches the interactive surface for input and progress events.
func WithFrontEnd(fe domain.FrontEnd) Option {
	return func(e *Engine) { e.frontend = fe }
}

// WithEventBus attaches the domain event sink.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithRunStore persists every finished run.
func WithRunStore(store domain.RunStore) Option {
	return func(e *Engine) { e.store = store }
}

// Engine executes compiled workflows one state at a time. An Engine is not
// safe for concurrent runs when it holds a tool-server client: create one
// per run.
type Engine struct {
	client    domain.ModelClient
	cfg       EngineConfig
	logger    *slog.Logger
	tools     domain.ToolServerClient
	retrieval domain.RetrievalProvider
	frontend  domain.FrontEnd
	bus       domain.EventBus
	store     domain.RunStore
	now       func() time.Time
}

// NewEngine creates an engine that calls client for every model request.
func NewEngine(client domain.ModelClient, cfg EngineConfig, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes wf from its start state until the terminal, a stop, or an
// unrecovered error. ctx is the stop signal: it is observed on entering a
// state and before following a transition, never during a model call.
// The returned run always carries partial progress, including on error.
func (e *Engine) Run(ctx context.Context, wf *domain.Workflow, inputs map[string]any, opts *RunOptions) (*domain.WorkflowRun, error) {
	now := e.now()
	run := &domain.WorkflowRun{
		Workflow:  wf.Name,
		Status:    domain.RunRunning,
		Context:   make(map[string]any, len(wf.Variables)+len(inputs)),
		StartedAt: now,
	}
	if opts != nil && opts.RunID != "" {
		run.ID = opts.RunID
	} else {
		run.ID = domain.NewRunID(now)
	}
	for k, v := range wf.Variables {
		run.Context[k] = v
	}
	for k, v := range inputs {
		run.Context[k] = v
	}

	ctx, span := tracer.StartSpan(ctx, "workflow.run",
		tracer.StringAttr("workflow.name", wf.Name),
		tracer.StringAttr("workflow.run_id", run.ID),
	)

	if e.tools != nil {
		for name, cfg := range wf.ToolServers {
			e.tools.Register(name, cfg)
		}
		defer func() {
			if err := e.tools.DisconnectAll(); err != nil {
				e.logger.Warn("tool server shutdown failed", "workflow", wf.Name, "run_id", run.ID, "error", err)
			}
		}()
	}

	e.logger.Info("workflow started", "workflow", wf.Name, "run_id", run.ID)
	eventbus.Emit(ctx, e.bus, domain.EventWorkflowStarted, run.ID, domain.StepEventPayload{Workflow: wf.Name})
	e.emit(domain.UIEvent{Type: domain.UIEventLog, Message: fmt.Sprintf("Starting workflow %s", wf.Name)})

	err := e.loop(ctx, wf, run)
	e.finish(ctx, wf, run, err)
	tracer.End(span, err)
	return run, err
}

func (e *Engine) loop(ctx context.Context, wf *domain.Workflow, run *domain.WorkflowRun) error {
	current := wf.StartState
	transitions := 0

	for current != domain.TerminalState {
		if ctx.Err() != nil {
			return e.stopped(wf, current)
		}

		state, ok := wf.States[current]
		if !ok {
			return domain.NewSubSystemError("workflow", "Engine.Run", domain.ErrNotFound, fmt.Sprintf("state %q", current))
		}
		run.CurrentState = current
		run.Visited = append(run.Visited, current)

		next, err := e.execState(ctx, wf, run, state)
		if err != nil {
			if ctx.Err() != nil {
				return e.stopped(wf, current)
			}
			fallback := e.fallbackFor(wf, state)
			if fallback == "" {
				e.emit(domain.UIEvent{Type: domain.UIEventError, Message: err.Error(), Data: map[string]string{"state": current}})
				return err
			}
			e.takeFallback(ctx, wf, run, current, fallback, err)
			next = fallback
		}

		if ctx.Err() != nil {
			return e.stopped(wf, next)
		}
		transitions++
		if e.cfg.MaxTransitions > 0 && transitions > e.cfg.MaxTransitions {
			return domain.NewSubSystemError("workflow", "Engine.Run", domain.ErrMaxTransitions,
				fmt.Sprintf("%d transitions without reaching %q", e.cfg.MaxTransitions, domain.TerminalState))
		}

		eventbus.Emit(ctx, e.bus, domain.EventStateTransition, run.ID, domain.StepEventPayload{
			Workflow: wf.Name, State: current, Next: next,
		})
		current = next
	}
	run.CurrentState = domain.TerminalState
	return nil
}

// fallbackFor returns the state-level fallback, else the workflow-level one.
// A fallback naming the failing state itself is not taken.
func (e *Engine) fallbackFor(wf *domain.Workflow, state domain.State) string {
	var fallback string
	switch s := state.(type) {
	case *domain.PromptState:
		fallback = s.ErrorState
	case *domain.InputState:
		fallback = s.ErrorState
	}
	if fallback == "" {
		fallback = wf.ErrorState
	}
	if fallback == state.StateName() {
		return ""
	}
	return fallback
}

func (e *Engine) takeFallback(ctx context.Context, wf *domain.Workflow, run *domain.WorkflowRun, state, fallback string, err error) {
	run.Recoveries = append(run.Recoveries, domain.Recovery{
		State:    state,
		Fallback: fallback,
		Error:    err.Error(),
		At:       e.now(),
	})
	e.logger.Warn("state failed, taking fallback",
		"workflow", wf.Name, "run_id", run.ID, "state", state, "fallback", fallback, "error", err)
	tracer.AddEvent(ctx, "workflow.recovered", tracer.StringAttr("state", state), tracer.StringAttr("fallback", fallback))
	eventbus.Emit(ctx, e.bus, domain.EventWorkflowRecovered, run.ID, domain.StepEventPayload{
		Workflow: wf.Name, State: state, Next: fallback, Error: err.Error(),
	})
	e.emit(domain.UIEvent{
		Type:    domain.UIEventError,
		Message: fmt.Sprintf("State %s failed: %v. Continuing at %s", state, err, fallback),
		Data:    map[string]string{"state": state, "fallback": fallback},
	})
}

func (e *Engine) stopped(wf *domain.Workflow, at string) error {
	return domain.NewSubSystemError("workflow", "Engine.Run", domain.ErrStopped, fmt.Sprintf("%s at %q", wf.Name, at))
}

func (e *Engine) finish(ctx context.Context, wf *domain.Workflow, run *domain.WorkflowRun, err error) {
	run.FinishedAt = e.now()
	payload := domain.StepEventPayload{Workflow: wf.Name, State: run.CurrentState}

	switch {
	case err == nil:
		run.Status = domain.RunCompleted
		e.logger.Info("workflow completed", "workflow", wf.Name, "run_id", run.ID, "states", len(run.Visited))
		eventbus.Emit(ctx, e.bus, domain.EventWorkflowCompleted, run.ID, payload)
		e.emit(domain.UIEvent{Type: domain.UIEventComplete, Message: "Workflow completed", Data: run.Context})
	case errors.Is(err, domain.ErrStopped):
		run.Status = domain.RunStopped
		run.Error = err.Error()
		e.logger.Info("workflow stopped", "workflow", wf.Name, "run_id", run.ID, "state", run.CurrentState)
		eventbus.Emit(ctx, e.bus, domain.EventWorkflowStopped, run.ID, payload)
		e.emit(domain.UIEvent{Type: domain.UIEventStopped, Message: "Workflow stopped", Data: map[string]string{"state": run.CurrentState}})
	default:
		run.Status = domain.RunFailed
		run.Error = err.Error()
		payload.Error = err.Error()
		e.logger.Error("workflow failed", "workflow", wf.Name, "run_id", run.ID, "state", run.CurrentState,
			"code", domain.ErrorCodeOf(err), "error", err)
		eventbus.Emit(ctx, e.bus, domain.EventWorkflowFailed, run.ID, payload)
	}

	if e.store != nil {
		if serr := e.store.SaveRun(context.WithoutCancel(ctx), *run); serr != nil {
			e.logger.Warn("failed to save run", "run_id", run.ID, "error", serr)
		}
	}
}

func (e *Engine) execState(ctx context.Context, wf *domain.Workflow, run *domain.WorkflowRun, state domain.State) (next string, err error) {
	name := state.StateName()
	ctx, span := tracer.StartSpan(ctx, "workflow.state", tracer.StringAttr("workflow.state", name))
	defer func() { tracer.End(span, err) }()

	eventbus.Emit(ctx, e.bus, domain.EventStateEntered, run.ID, domain.StepEventPayload{Workflow: wf.Name, State: name})
	e.emit(domain.UIEvent{Type: domain.UIEventStateChange, Message: name, Data: map[string]string{"state": name}})
	e.logger.Debug("state entered", "workflow", wf.Name, "run_id", run.ID, "state", name)

	switch s := state.(type) {
	case *domain.PromptState:
		next, err = e.execPrompt(ctx, wf, run, s)
	case *domain.InputState:
		next, err = e.execInput(ctx, run, s)
	case *domain.TransitionState:
		next = s.Next
	default:
		err = domain.NewSubSystemError("workflow", "Engine.execState", domain.ErrNotSupported, fmt.Sprintf("state %q has type %T", name, state))
	}

	exited := domain.StepEventPayload{Workflow: wf.Name, State: name, Next: next}
	if err != nil {
		exited.Error = err.Error()
	}
	eventbus.Emit(ctx, e.bus, domain.EventStateExited, run.ID, exited)
	return next, err
}

func (e *Engine) execPrompt(ctx context.Context, wf *domain.Workflow, run *domain.WorkflowRun, s *domain.PromptState) (string, error) {
	prompt := Interpolate(s.Prompt, run.Context)
	e.emit(domain.UIEvent{Type: domain.UIEventPrompt, Message: prompt, Data: map[string]string{"state": s.Name}})

	var attachments []domain.Attachment
	if len(s.Files) > 0 {
		paths := make([]string, len(s.Files))
		for i, f := range s.Files {
			paths[i] = Interpolate(f, run.Context)
		}
		text, atts, err := loadFiles(paths)
		if err != nil {
			return "", domain.WrapOp(fmt.Sprintf("state %q: files", s.Name), err)
		}
		prompt += text
		attachments = atts
	}

	if s.Retrieval != "" {
		block, err := e.retrieve(ctx, wf, s, prompt)
		if err != nil {
			return "", err
		}
		if block != "" {
			prompt += "\n\n" + block
		}
	}

	if len(s.ToolServers) > 0 {
		if block := e.toolContext(ctx, wf, run, s); block != "" {
			prompt += "\n\n" + block
		}
	}

	model := firstNonEmpty(s.Model, wf.Model, e.cfg.DefaultModel)
	reply, err := e.generate(ctx, domain.GenerateRequest{
		Model:       model,
		Prompt:      prompt,
		Options:     s.Options,
		Attachments: attachments,
	})
	eventbus.Emit(ctx, e.bus, domain.EventModelCalled, run.ID, domain.StepEventPayload{
		Workflow: wf.Name, State: s.Name, Model: model, Error: errString(err),
	})
	if err != nil {
		return "", domain.NewSubSystemError("workflow", "Engine.prompt", err, fmt.Sprintf("state %q model %q", s.Name, model))
	}

	e.emit(domain.UIEvent{Type: domain.UIEventResponse, Message: reply, Data: map[string]string{"state": s.Name, "model": model}})
	if s.SaveAs != "" {
		run.Context[s.SaveAs] = reply
	}

	if len(s.Branches) > 0 {
		return e.selectNextState(ctx, wf, run, s, reply, model), nil
	}
	return orTerminal(s.Next), nil
}

func (e *Engine) execInput(ctx context.Context, run *domain.WorkflowRun, s *domain.InputState) (string, error) {
	prompt := Interpolate(s.Prompt, run.Context)

	var text string
	if e.frontend != nil {
		var err error
		text, err = e.frontend.RequestInput(ctx, prompt)
		if err != nil {
			return "", domain.WrapOp(fmt.Sprintf("state %q: input", s.Name), err)
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = Interpolate(s.Default, run.Context)
	}
	if s.SaveAs != "" {
		run.Context[s.SaveAs] = text
	}
	return orTerminal(s.Next), nil
}

// selectNextState asks the model to choose among the state's branches.
// It never fails: an unusable answer selects the first branch and is
// recorded on the run.
func (e *Engine) selectNextState(ctx context.Context, wf *domain.Workflow, run *domain.WorkflowRun, s *domain.PromptState, reply, model string) string {
	answer, err := e.generate(ctx, domain.GenerateRequest{
		Model:  model,
		Prompt: selectionPrompt(reply, s.Branches),
	})

	var (
		index  int
		reason string
		ok     bool
	)
	if err != nil {
		reason = fmt.Sprintf("model call failed: %v", err)
	} else {
		index, reason, ok = parseSelection(answer, len(s.Branches))
	}
	chosen := s.Branches[index].State
	if ok {
		e.logger.Debug("branch selected", "workflow", wf.Name, "state", s.Name, "next", chosen)
		return chosen
	}

	run.SelectionErrors = append(run.SelectionErrors, domain.SelectionError{
		State:  s.Name,
		Reply:  answer,
		Reason: reason,
		Chosen: chosen,
	})
	e.logger.Warn("branch selection failed, using first option",
		"workflow", wf.Name, "run_id", run.ID, "state", s.Name, "reason", reason, "next", chosen)
	eventbus.Emit(ctx, e.bus, domain.EventSelectionFailed, run.ID, domain.StepEventPayload{
		Workflow: wf.Name, State: s.Name, Next: chosen, Error: reason,
	})
	e.emit(domain.UIEvent{Type: domain.UIEventLog, Message: fmt.Sprintf("Branch selection failed (%s); continuing at %s", reason, chosen)})
	return chosen
}

func (e *Engine) retrieve(ctx context.Context, wf *domain.Workflow, s *domain.PromptState, query string) (string, error) {
	if e.retrieval == nil {
		return "", domain.NewDomainError("Engine.retrieve", domain.ErrRetrieval, fmt.Sprintf("state %q: no retrieval provider configured", s.Name))
	}
	cfg, ok := wf.Retrievals[s.Retrieval]
	if !ok {
		return "", domain.NewDomainError("Engine.retrieve", domain.ErrRetrieval, fmt.Sprintf("state %q: rag %q is not declared", s.Name, s.Retrieval))
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	r, err := e.retrieval.Retriever(callCtx, cfg)
	if err != nil {
		return "", domain.WrapOp(fmt.Sprintf("state %q: rag %q", s.Name, s.Retrieval), err)
	}
	chunks, err := r.Search(callCtx, query)
	if err != nil {
		return "", domain.WrapOp(fmt.Sprintf("state %q: rag %q", s.Name, s.Retrieval), err)
	}
	return r.FormatContext(chunks), nil
}

// toolContext connects the state's tool servers and describes their tools.
// Unavailable servers are reported and skipped.
func (e *Engine) toolContext(ctx context.Context, wf *domain.Workflow, run *domain.WorkflowRun, s *domain.PromptState) string {
	if e.tools == nil {
		e.logger.Warn("state uses tool servers but none are configured", "workflow", wf.Name, "state", s.Name)
		return ""
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	var connected []string
	for _, name := range s.ToolServers {
		if !e.tools.IsConnected(name) {
			if err := e.tools.Connect(callCtx, name); err != nil {
				e.logger.Warn("tool server unavailable, continuing without it",
					"workflow", wf.Name, "run_id", run.ID, "state", s.Name, "server", name, "error", err)
				eventbus.Emit(ctx, e.bus, domain.EventToolServerUnavailable, run.ID, domain.StepEventPayload{
					Workflow: wf.Name, State: s.Name, Error: err.Error(),
				})
				e.emit(domain.UIEvent{Type: domain.UIEventLog, Message: fmt.Sprintf("Tool server %s unavailable: %v", name, err)})
				continue
			}
		}
		connected = append(connected, name)
	}
	if len(connected) == 0 {
		return ""
	}

	tools, err := e.tools.ListTools(callCtx, connected...)
	if err != nil {
		e.logger.Warn("list tools failed", "state", s.Name, "error", err)
	}
	resources, err := e.tools.ListResources(callCtx, connected...)
	if err != nil {
		e.logger.Debug("list resources failed", "state", s.Name, "error", err)
	}
	return formatTools(tools, resources)
}

func formatTools(tools []domain.ToolInfo, resources []domain.ResourceInfo) string {
	if len(tools) == 0 && len(resources) == 0 {
		return ""
	}
	var b strings.Builder
	if len(tools) > 0 {
		b.WriteString("Available tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s/%s", t.Server, t.Name)
			if t.Description != "" {
				b.WriteString(": " + t.Description)
			}
			b.WriteByte('\n')
		}
	}
	if len(resources) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("Available resources:\n")
		for _, r := range resources {
			fmt.Fprintf(&b, "- %s/%s", r.Server, r.URI)
			if r.Name != "" {
				b.WriteString(" (" + r.Name + ")")
			}
			if r.Description != "" {
				b.WriteString(": " + r.Description)
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	return e.client.Generate(callCtx, req)
}

// callContext detaches a collaborator call from the stop signal so an
// in-flight call always completes, bounded by the configured call timeout.
func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if e.cfg.CallTimeout > 0 {
		return context.WithTimeout(detached, e.cfg.CallTimeout)
	}
	return context.WithCancel(detached)
}

func (e *Engine) emit(ev domain.UIEvent) {
	if e.frontend != nil {
		e.frontend.Emit(ev)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
