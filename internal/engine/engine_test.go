package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/dshills/protodap/internal/breakpoint"
	"github.com/dshills/protodap/internal/lrdp"
	"github.com/dshills/protodap/internal/model"
)

type execResult struct {
	completed []string
	next      []lrdp.Step
}

// fakeRuntime is a scriptable LRDP endpoint. The available step list
// mutates as steps are entered and executed, mirroring a real runtime.
type fakeRuntime struct {
	available   []lrdp.Step
	enter       map[string][]lrdp.Step
	exec        map[string]execResult
	activations map[string]lrdp.CheckBreakpointResult
	locations   map[string]*model.Location
	types       []lrdp.BreakpointType

	executions int
	onExecute  func(stepID string)
}

func (f *fakeRuntime) Parse(context.Context, string) (*model.Element, error) {
	return &model.Element{ID: "root", Types: []string{"Program"}}, nil
}

func (f *fakeRuntime) InitializeExecution(context.Context, string, map[string]any) error {
	return nil
}

func (f *fakeRuntime) GetRuntimeState(context.Context, string) (*model.Element, error) {
	return &model.Element{ID: "state", Types: []string{"State"}}, nil
}

func (f *fakeRuntime) GetBreakpointTypes(context.Context) ([]lrdp.BreakpointType, error) {
	return f.types, nil
}

func (f *fakeRuntime) CheckBreakpoint(_ context.Context, params lrdp.CheckBreakpointParams) (lrdp.CheckBreakpointResult, error) {
	return f.activations[params.StepID], nil
}

func (f *fakeRuntime) GetAvailableSteps(context.Context, string) ([]lrdp.Step, error) {
	return f.available, nil
}

func (f *fakeRuntime) EnterCompositeStep(_ context.Context, _ string, stepID string) error {
	next, ok := f.enter[stepID]
	if !ok {
		return fmt.Errorf("no script for entering %s", stepID)
	}
	f.available = next
	return nil
}

func (f *fakeRuntime) ExecuteAtomicStep(_ context.Context, _ string, stepID string) ([]string, error) {
	res, ok := f.exec[stepID]
	if !ok {
		return nil, fmt.Errorf("no script for executing %s", stepID)
	}
	f.available = res.next
	f.executions++
	if f.onExecute != nil {
		f.onExecute(stepID)
	}
	return res.completed, nil
}

func (f *fakeRuntime) GetStepLocation(_ context.Context, _ string, stepID string) (*model.Location, error) {
	return f.locations[stepID], nil
}

// recorder captures the engine's outbound events.
type recorder struct {
	events       []string
	descriptions []string
}

func (r *recorder) Stopped(reason, description string) {
	r.events = append(r.events, "stopped:"+reason)
	r.descriptions = append(r.descriptions, description)
}

func (r *recorder) Terminated() {
	r.events = append(r.events, "terminated")
}

func (r *recorder) assert(t *testing.T, want ...string) {
	t.Helper()
	if len(r.events) != len(want) {
		t.Fatalf("events = %v, want %v", r.events, want)
	}
	for i := range want {
		if r.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", r.events, want)
		}
	}
}

func elementReachedCatalog() []lrdp.BreakpointType {
	return []lrdp.BreakpointType{{
		ID:   "elementReached",
		Name: "Element reached",
		Parameters: []lrdp.BreakpointParameter{
			{Name: "target", ElementType: "Program"},
		},
	}}
}

func newEngine(fake *fakeRuntime, events Events, opts Options) *Runtime {
	opts.SourceFile = "main.dsl"
	opts.LinesStartAt1 = true
	opts.ColumnsStartAt1 = true
	if fake.types == nil {
		fake.types = elementReachedCatalog()
	}
	return New(fake, events, opts, nil)
}

func installBreakpoint(mgr *breakpoint.Manager) {
	mgr.SetDomainSpecificBreakpoints([]lrdp.DomainSpecificBreakpoint{
		{BreakpointTypeID: "elementReached", Entries: map[string]any{"target": "root"}},
	})
}

// linearProgram scripts n atomic steps executed in order.
func linearProgram(n int) *fakeRuntime {
	fake := &fakeRuntime{
		exec: make(map[string]execResult),
	}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("s%d", i)
		var next []lrdp.Step
		if i < n {
			next = []lrdp.Step{atomic(fmt.Sprintf("s%d", i+1))}
		}
		fake.exec[id] = execResult{completed: []string{id}, next: next}
	}
	fake.available = []lrdp.Step{atomic("s1")}
	return fake
}

func TestRunToTermination(t *testing.T) {
	// S1: three atomic steps, no breakpoints, no pauses.
	fake := linearProgram(3)
	events := &recorder{}
	rt := newEngine(fake, events, Options{})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	events.assert(t, "terminated")
	if fake.executions != 3 {
		t.Errorf("executions = %d, want 3", fake.executions)
	}
}

func TestPauseOnStart(t *testing.T) {
	// S2: pauseOnStart stops immediately; continue runs to the end.
	fake := linearProgram(2)
	events := &recorder{}
	rt := newEngine(fake, events, Options{PauseOnStart: true})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	events.assert(t, "stopped:start")
	if fake.executions != 0 {
		t.Errorf("no step may execute before the start pause, got %d", fake.executions)
	}

	if err := rt.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	events.assert(t, "stopped:start", "terminated")
}

func TestBreakpointStopsBeforeStep(t *testing.T) {
	// S3: a breakpoint activates on the second step; the stop happens
	// after the first execution and before the second.
	fake := linearProgram(3)
	fake.activations = map[string]lrdp.CheckBreakpointResult{
		"s2": {IsActivated: true, Message: "value of x reached 3"},
	}
	events := &recorder{}
	rt := newEngine(fake, events, Options{SkipRedundantPauses: true, OnBreakpointsReady: installBreakpoint})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	events.assert(t, "stopped:breakpoint")
	if events.descriptions[0] != "value of x reached 3" {
		t.Errorf("description = %q", events.descriptions[0])
	}
	if fake.executions != 1 {
		t.Errorf("executions = %d, want 1 before the breakpoint stop", fake.executions)
	}

	// Resuming must skip the redundant re-check and run to the end.
	if err := rt.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	events.assert(t, "stopped:breakpoint", "terminated")
	if fake.executions != 3 {
		t.Errorf("executions = %d, want 3", fake.executions)
	}
}

func TestChoicePointAndSelect(t *testing.T) {
	// S4: entering a composite reveals two steps; the engine hands
	// control to the user, who picks the second and steps.
	fake := &fakeRuntime{
		available: []lrdp.Step{composite("c")},
		enter: map[string][]lrdp.Step{
			"c": {atomic("x"), atomic("y")},
		},
		exec: map[string]execResult{
			"y": {completed: []string{"y"}, next: []lrdp.Step{atomic("x")}},
		},
	}
	events := &recorder{}
	rt := newEngine(fake, events, Options{})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	events.assert(t, "stopped:choice")

	if _, err := rt.SelectStep("y"); err != nil {
		t.Fatalf("SelectStep failed: %v", err)
	}
	if err := rt.NextStep(context.Background()); err != nil {
		t.Fatalf("NextStep failed: %v", err)
	}
	events.assert(t, "stopped:choice", "stopped:step")
	if fake.executions != 1 {
		t.Errorf("executions = %d, want 1", fake.executions)
	}
}

func TestNextOverComposite(t *testing.T) {
	// S5: next on a composite runs its two atomic sub-steps and stops
	// once the composite itself is reported completed.
	fake := &fakeRuntime{
		available: []lrdp.Step{composite("c")},
		enter: map[string][]lrdp.Step{
			"c": {atomic("m")},
		},
		exec: map[string]execResult{
			"m": {completed: []string{"m"}, next: []lrdp.Step{atomic("n")}},
			"n": {completed: []string{"n", "c"}, next: []lrdp.Step{atomic("w")}},
		},
	}
	events := &recorder{}
	rt := newEngine(fake, events, Options{PauseOnStart: true})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	if err := rt.NextStep(context.Background()); err != nil {
		t.Fatalf("NextStep failed: %v", err)
	}

	events.assert(t, "stopped:start", "stopped:step")
	if fake.executions != 2 {
		t.Errorf("executions = %d, want 2", fake.executions)
	}
	if rt.steps.Depth() != 0 {
		t.Errorf("stack depth = %d, want 0 after composite popped", rt.steps.Depth())
	}
}

func TestPauseMidRun(t *testing.T) {
	// S6: pause after the first atomic of a ten step program.
	fake := linearProgram(10)
	events := &recorder{}
	rt := newEngine(fake, events, Options{})

	fake.onExecute = func(stepID string) {
		if stepID == "s1" {
			rt.Pause()
		}
	}
	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	events.assert(t, "stopped:pause")
	if fake.executions != 1 {
		t.Errorf("executions = %d, want 1 before the pause", fake.executions)
	}

	if err := rt.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	events.assert(t, "stopped:pause", "terminated")
	if fake.executions != 10 {
		t.Errorf("executions = %d, want 10", fake.executions)
	}
}

func TestPauseIsNeverCombined(t *testing.T) {
	// A pause landing exactly where a choice opens up and a breakpoint
	// matches the next step must still be reported as a bare pause; the
	// breakpoint fires on its own stop after resuming.
	fake := &fakeRuntime{
		available: []lrdp.Step{atomic("a1")},
		exec: map[string]execResult{
			"a1": {completed: []string{"a1"}, next: []lrdp.Step{atomic("b1"), atomic("b2")}},
		},
		activations: map[string]lrdp.CheckBreakpointResult{
			"b1": {IsActivated: true, Message: "hit b1"},
		},
	}
	events := &recorder{}
	rt := newEngine(fake, events, Options{OnBreakpointsReady: installBreakpoint})

	fake.onExecute = func(stepID string) {
		if stepID == "a1" {
			rt.Pause()
		}
	}
	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	events.assert(t, "stopped:pause")
	if events.descriptions[0] != "Paused on client request." {
		t.Errorf("description = %q, want the bare pause line", events.descriptions[0])
	}

	// Resuming runs the ordinary checkpoints again: the breakpoint on
	// the upcoming step now produces its own stop.
	if err := rt.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	events.assert(t, "stopped:pause", "stopped:breakpoint")
	if events.descriptions[1] != "hit b1" {
		t.Errorf("description = %q, want the breakpoint message", events.descriptions[1])
	}
}

func TestPauseWhileStoppedIsNoOp(t *testing.T) {
	fake := linearProgram(2)
	events := &recorder{}
	rt := newEngine(fake, events, Options{PauseOnStart: true})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	rt.Pause()
	if err := rt.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	events.assert(t, "stopped:start", "terminated")
}

func TestNoStepsPauseOnEnd(t *testing.T) {
	fake := &fakeRuntime{}
	events := &recorder{}
	rt := newEngine(fake, events, Options{PauseOnEnd: true})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	events.assert(t, "stopped:end")

	// Resuming a finished execution terminates.
	if err := rt.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	events.assert(t, "stopped:end", "terminated")
}

func TestNoStepsTerminates(t *testing.T) {
	fake := &fakeRuntime{}
	events := &recorder{}
	rt := newEngine(fake, events, Options{})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	events.assert(t, "terminated")
}

func TestTerminatedResend(t *testing.T) {
	fake := linearProgram(1)
	events := &recorder{}
	rt := newEngine(fake, events, Options{})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	if err := rt.Run(context.Background()); err != nil {
		t.Fatalf("Run after termination failed: %v", err)
	}
	events.assert(t, "terminated", "terminated")
}

func TestStepInComposite(t *testing.T) {
	fake := &fakeRuntime{
		available: []lrdp.Step{composite("c")},
		enter: map[string][]lrdp.Step{
			"c": {atomic("x")},
		},
	}
	events := &recorder{}
	rt := newEngine(fake, events, Options{PauseOnStart: true})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	events.assert(t, "stopped:start")

	if err := rt.StepIn(context.Background()); err != nil {
		t.Fatalf("StepIn failed: %v", err)
	}
	events.assert(t, "stopped:start", "stopped:step")
	if rt.steps.Depth() != 1 {
		t.Errorf("stack depth = %d, want 1", rt.steps.Depth())
	}
	if fake.executions != 0 {
		t.Errorf("entering a composite must not execute, got %d", fake.executions)
	}
}

func TestStepOutWithEmptyStackRuns(t *testing.T) {
	fake := linearProgram(2)
	events := &recorder{}
	rt := newEngine(fake, events, Options{PauseOnStart: true})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	if err := rt.StepOut(context.Background()); err != nil {
		t.Fatalf("StepOut failed: %v", err)
	}
	events.assert(t, "stopped:start", "terminated")
}

func TestStepOutOfComposite(t *testing.T) {
	fake := &fakeRuntime{
		available: []lrdp.Step{composite("c")},
		enter: map[string][]lrdp.Step{
			"c": {atomic("m")},
		},
		exec: map[string]execResult{
			"m": {completed: []string{"m"}, next: []lrdp.Step{atomic("n")}},
			"n": {completed: []string{"n", "c"}, next: []lrdp.Step{atomic("w")}},
		},
	}
	events := &recorder{}
	rt := newEngine(fake, events, Options{PauseOnStart: true})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	if err := rt.StepIn(context.Background()); err != nil {
		t.Fatalf("StepIn failed: %v", err)
	}
	if err := rt.StepOut(context.Background()); err != nil {
		t.Fatalf("StepOut failed: %v", err)
	}
	events.assert(t, "stopped:start", "stopped:step", "stopped:step")
	if rt.steps.Depth() != 0 {
		t.Errorf("stack depth = %d, want 0", rt.steps.Depth())
	}
	if fake.executions != 2 {
		t.Errorf("executions = %d, want 2", fake.executions)
	}
}

func TestMotionBeforeInitialize(t *testing.T) {
	fake := linearProgram(1)
	rt := newEngine(fake, &recorder{}, Options{})
	if err := rt.Run(context.Background()); err == nil {
		t.Error("expected error running before initializeExecution")
	}
}

func TestStackLocationsFollowComposites(t *testing.T) {
	loc := &model.Location{Line: 3, Column: 1, EndLine: 6, EndColumn: 2}
	fake := &fakeRuntime{
		available: []lrdp.Step{composite("c")},
		enter: map[string][]lrdp.Step{
			"c": {atomic("x")},
		},
		locations: map[string]*model.Location{"c": loc},
	}
	events := &recorder{}
	rt := newEngine(fake, events, Options{PauseOnStart: true})

	if err := rt.InitializeExecution(context.Background()); err != nil {
		t.Fatalf("InitializeExecution failed: %v", err)
	}
	if err := rt.StepIn(context.Background()); err != nil {
		t.Fatalf("StepIn failed: %v", err)
	}

	stack := rt.Stack()
	if len(stack) != 1 {
		t.Fatalf("stack = %+v, want 1 entry", stack)
	}
	if stack[0].Location != loc {
		t.Errorf("stack location = %+v, want the cached composite location", stack[0].Location)
	}
}
