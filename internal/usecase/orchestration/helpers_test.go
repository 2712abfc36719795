package orchestration

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"sync"

	"llmflow/internal/domain"
	"llmflow/internal/usecase/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type step func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// scriptedRunner runs workflows by name from a script. The run context is
// the inputs plus whatever the step returns, like the real engine.
type scriptedRunner struct {
	mu     sync.Mutex
	script map[string]step
	calls  []string
	inputs map[string]map[string]any
}

func newScriptedRunner(script map[string]step) *scriptedRunner {
	return &scriptedRunner{script: script, inputs: make(map[string]map[string]any)}
}

func (r *scriptedRunner) Run(ctx context.Context, wf *domain.Workflow, inputs map[string]any, opts *workflow.RunOptions) (*domain.WorkflowRun, error) {
	r.mu.Lock()
	r.calls = append(r.calls, wf.Name)
	r.inputs[wf.Name] = maps.Clone(inputs)
	fn := r.script[wf.Name]
	r.mu.Unlock()

	run := &domain.WorkflowRun{ID: opts.RunID, Workflow: wf.Name, Context: maps.Clone(inputs)}
	if run.Context == nil {
		run.Context = make(map[string]any)
	}
	if fn == nil {
		return run, nil
	}
	out, err := fn(ctx, inputs)
	maps.Copy(run.Context, out)
	return run, err
}

func (r *scriptedRunner) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *scriptedRunner) inputsOf(name string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inputs[name]
}

func (r *scriptedRunner) factory() RunnerFactory {
	return func(domain.Entry) Runner { return r }
}

func sets(vars map[string]any) step {
	return func(context.Context, map[string]any) (map[string]any, error) { return vars, nil }
}

func fails(err error) step {
	return func(context.Context, map[string]any) (map[string]any, error) { return nil, err }
}

// entry builds an entry whose workflow is named after its id.
func entry(id string, mutate ...func(*domain.Entry)) domain.Entry {
	e := domain.Entry{
		EntrySpec: domain.EntrySpec{ID: id, Path: id + ".yaml", OnError: domain.OnErrorFail},
		Workflow:  &domain.Workflow{Name: id, StartState: "s"},
	}
	for _, m := range mutate {
		m(&e)
	}
	return e
}

func orchestrationOf(strategy string, entries ...domain.Entry) *domain.Orchestration {
	return &domain.Orchestration{
		Name:        "test",
		Strategy:    strategy,
		Aggregation: domain.AggregateMerge,
		Entries:     entries,
	}
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type promptModel struct {
	mu      sync.Mutex
	prompts []domain.GenerateRequest
	reply   string
}

func (m *promptModel) Generate(_ context.Context, req domain.GenerateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, req)
	return m.reply, nil
}

func (m *promptModel) Embed(context.Context, string, []string) ([][]float32, error) { return nil, nil }
func (m *promptModel) ListModels(context.Context) ([]domain.ModelInfo, error)        { return nil, nil }
