// Package engine drives a debuggee forward atomic-step by atomic-step
// through the language runtime's primitives, enforcing the pause
// semantics of an interactive debugger: breakpoints, step completion,
// non-deterministic choice points, client pause requests, and
// end-of-program.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dshills/protodap/internal/breakpoint"
	"github.com/dshills/protodap/internal/lrdp"
	"github.com/dshills/protodap/internal/model"
	"github.com/dshills/protodap/internal/variable"
)

// Engine invariant violations. These terminate the session with a
// diagnostic error response rather than escaping as faults.
var (
	ErrNoSelectedStep = errors.New("no step is selected")
	ErrStepNotAtomic  = errors.New("selected step is not atomic")
	ErrNotInitialized = errors.New("execution has not been initialized")
)

// RuntimeClient is the slice of the LRDP surface the engine drives.
// *lrdp.Client implements it; tests substitute fakes.
type RuntimeClient interface {
	Parse(ctx context.Context, sourceFile string) (*model.Element, error)
	InitializeExecution(ctx context.Context, sourceFile string, entries map[string]any) error
	GetRuntimeState(ctx context.Context, sourceFile string) (*model.Element, error)
	GetBreakpointTypes(ctx context.Context) ([]lrdp.BreakpointType, error)
	CheckBreakpoint(ctx context.Context, params lrdp.CheckBreakpointParams) (lrdp.CheckBreakpointResult, error)
	GetAvailableSteps(ctx context.Context, sourceFile string) ([]lrdp.Step, error)
	EnterCompositeStep(ctx context.Context, sourceFile, stepID string) error
	ExecuteAtomicStep(ctx context.Context, sourceFile, stepID string) ([]string, error)
	GetStepLocation(ctx context.Context, sourceFile, stepID string) (*model.Location, error)
}

// Events receives the engine's outbound notifications. The session
// forwards them to the IDE as DAP events.
type Events interface {
	Stopped(reason, description string)
	Terminated()
}

// Options configure one execution.
type Options struct {
	SourceFile     string
	PauseOnStart   bool
	PauseOnEnd     bool
	AdditionalArgs map[string]any

	// LinesStartAt1 and ColumnsStartAt1 mirror the DAP initialize
	// handshake and place the locator's origin.
	LinesStartAt1   bool
	ColumnsStartAt1 bool

	// SkipRedundantPauses suppresses the re-check of a breakpoint on
	// the very step the engine is already paused on.
	SkipRedundantPauses bool

	// OnBreakpointsReady fires once the breakpoint manager exists,
	// before execution starts moving; the session resolves any deferred
	// setBreakpoints request here.
	OnBreakpointsReady func(*breakpoint.Manager)
}

// Runtime is the execution engine of one debug session.
type Runtime struct {
	client RuntimeClient
	events Events
	opts   Options
	log    *logrus.Entry

	mu        sync.Mutex
	steps     *StepManager
	variables *variable.Handler
	locator   *model.Locator
	registry  *model.TypeRegistry

	// breakpoints is set once during InitializeExecution and read
	// without the engine lock so the IDE can manage breakpoints while a
	// motion is in flight.
	breakpoints atomic.Pointer[breakpoint.Manager]

	pauseRequired atomic.Bool
	running       atomic.Bool

	pausedOnCurrentStep bool
	pausedStepID        string
	executionDone       bool
	endReported         bool
	terminatedSent      bool
	initialized         bool
}

// New builds an engine bound to a runtime client and an event sink.
func New(client RuntimeClient, events Events, opts Options, log *logrus.Entry) *Runtime {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runtime{
		client: client,
		events: events,
		opts:   opts,
		log:    log,
		steps:  NewStepManager(),
	}
}

// InitializeExecution parses the source, initializes the runtime,
// builds the breakpoint manager, and either pauses on the initial state
// or runs to the first stop.
func (r *Runtime) InitializeExecution(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	astRoot, err := r.client.Parse(ctx, r.opts.SourceFile)
	if err != nil {
		return err
	}
	r.locator = model.NewLocator(astRoot)
	r.locator.SetOrigin(r.opts.LinesStartAt1, r.opts.ColumnsStartAt1)
	r.registry = model.NewTypeRegistry()
	r.registry.RegisterAST(astRoot)
	r.variables = variable.NewHandler(astRoot)

	if err := r.client.InitializeExecution(ctx, r.opts.SourceFile, r.opts.AdditionalArgs); err != nil {
		return err
	}

	types, err := r.client.GetBreakpointTypes(ctx)
	if err != nil {
		return err
	}
	manager := breakpoint.NewManager(r.opts.SourceFile, r.client, types, r.locator, r.log)
	r.breakpoints.Store(manager)
	if r.opts.OnBreakpointsReady != nil {
		r.opts.OnBreakpointsReady(manager)
	}

	available, err := r.client.GetAvailableSteps(ctx, r.opts.SourceFile)
	if err != nil {
		return err
	}
	r.steps.Update(available, nil)
	r.initialized = true

	info := NewPauseInformation()
	if len(available) == 0 {
		r.executionDone = true
		return r.finish(info)
	}

	if r.opts.PauseOnStart {
		info.Add(ReasonStart)
		if len(available) > 1 {
			info.Add(ReasonChoice)
		}
		r.stop(ctx, info)
		return nil
	}
	return r.resume(ctx, info, "")
}

// Run advances execution until a breakpoint, a choice point, a pause
// request, or the end of the program.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resendIfTerminated() {
		return nil
	}
	if !r.initialized {
		return ErrNotInitialized
	}
	return r.resume(ctx, NewPauseInformation(), "")
}

// NextStep drives execution until the currently selected step's id is
// reported completed.
func (r *Runtime) NextStep(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resendIfTerminated() {
		return nil
	}
	if !r.initialized {
		return ErrNotInitialized
	}
	selected := r.steps.Selected()
	if selected == nil {
		return ErrNoSelectedStep
	}
	return r.resume(ctx, NewPauseInformation(), selected.ID)
}

// StepIn enters the selected composite step, or executes the selected
// atomic step.
func (r *Runtime) StepIn(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resendIfTerminated() {
		return nil
	}
	if !r.initialized {
		return ErrNotInitialized
	}
	selected := r.steps.Selected()
	if selected == nil {
		return ErrNoSelectedStep
	}
	if !selected.IsComposite {
		return r.resume(ctx, NewPauseInformation(), selected.ID)
	}

	info := NewPauseInformation()
	if r.checkStep(ctx, info, selected.ID) {
		r.stop(ctx, info)
		return nil
	}
	if err := r.enterComposite(ctx, *selected); err != nil {
		return err
	}
	if r.executionDone {
		return r.finish(info)
	}
	info.Add(ReasonStep)
	if r.steps.Len() > 1 {
		info.Add(ReasonChoice)
	}
	r.stop(ctx, info)
	return nil
}

// StepOut drives execution until the innermost entered composite is
// reported completed; with an empty stack it behaves like Run.
func (r *Runtime) StepOut(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resendIfTerminated() {
		return nil
	}
	if !r.initialized {
		return ErrNotInitialized
	}
	top := r.steps.Top()
	if top == nil {
		return r.resume(ctx, NewPauseInformation(), "")
	}
	return r.resume(ctx, NewPauseInformation(), top.Step.ID)
}

// Pause requests a stop at the next checkpoint. It is a no-op when no
// motion is in progress.
func (r *Runtime) Pause() {
	if r.running.Load() {
		r.pauseRequired.Store(true)
	}
}

// resume is the engine's inner loop. Each iteration stops on collected
// reasons, otherwise walks to the next atomic step and executes it.
// targetID, when non-empty, adds the step reason once that id appears
// in a completedSteps report.
func (r *Runtime) resume(ctx context.Context, info *PauseInformation, targetID string) error {
	r.running.Store(true)
	defer r.running.Store(false)

	for {
		if r.executionDone {
			return r.finish(info)
		}
		// A pause request wins outright and is reported alone: no choice
		// aggregation, no breakpoint check. When a stop is already due
		// for another reason, the consumed flag is simply dropped — the
		// machine is stopping anyway.
		if r.pauseRequired.Swap(false) && !info.Any() {
			info.Add(ReasonPause)
			r.emitStop(info)
			return nil
		}
		if !r.pausedOnCurrentStep && r.steps.Len() > 1 {
			info.Add(ReasonChoice)
		}
		if info.Any() {
			r.stop(ctx, info)
			return nil
		}

		atomicStep, err := r.findNextAtomicStep(ctx, info)
		if err != nil {
			return err
		}
		if info.Any() {
			r.stop(ctx, info)
			return nil
		}
		if atomicStep == nil {
			// An entered composite had no sub-steps; the loop head
			// handles the end of the program.
			continue
		}

		executed, completed, err := r.executeAtomicStep(ctx, info, *atomicStep)
		if err != nil {
			return err
		}
		if !executed {
			r.stop(ctx, info)
			return nil
		}
		if targetID != "" && contains(completed, targetID) {
			info.Add(ReasonStep)
		}
	}
}

// findNextAtomicStep walks composite into composite until an atomic
// step is selected. It returns early, recording the reason in info,
// when a breakpoint activates on a composite about to be entered or
// when entering reveals more than one available step. A nil step with
// an empty info means an entered composite had no sub-steps.
func (r *Runtime) findNextAtomicStep(ctx context.Context, info *PauseInformation) (*lrdp.Step, error) {
	for {
		selected := r.steps.Selected()
		if selected == nil {
			return nil, ErrNoSelectedStep
		}
		if !selected.IsComposite {
			return selected, nil
		}
		if r.checkStep(ctx, info, selected.ID) {
			return nil, nil
		}
		if err := r.enterComposite(ctx, *selected); err != nil {
			return nil, err
		}
		if r.executionDone {
			return nil, nil
		}
		if r.steps.Len() > 1 {
			info.Add(ReasonChoice)
			return nil, nil
		}
	}
}

// enterComposite caches the composite's location, enters it, and
// refreshes the available steps. An empty sub-step list marks the
// execution as done.
func (r *Runtime) enterComposite(ctx context.Context, step lrdp.Step) error {
	loc, err := r.client.GetStepLocation(ctx, r.opts.SourceFile, step.ID)
	if err != nil {
		return err
	}
	r.steps.CacheLocation(step.ID, loc)

	if err := r.client.EnterCompositeStep(ctx, r.opts.SourceFile, step.ID); err != nil {
		return err
	}
	r.clearPausedGate()

	available, err := r.client.GetAvailableSteps(ctx, r.opts.SourceFile)
	if err != nil {
		return err
	}
	r.steps.Update(available, nil)
	if len(available) == 0 {
		r.executionDone = true
	}
	return nil
}

// executeAtomicStep checks breakpoints on the step about to run, then
// performs it, invalidates the variable table, and refreshes the step
// state. executed is false when a breakpoint activation prevented the
// execution.
func (r *Runtime) executeAtomicStep(ctx context.Context, info *PauseInformation, step lrdp.Step) (executed bool, completed []string, err error) {
	if step.IsComposite {
		return false, nil, errors.Wrap(ErrStepNotAtomic, step.ID)
	}
	if r.checkStep(ctx, info, step.ID) {
		return false, nil, nil
	}

	completed, err = r.client.ExecuteAtomicStep(ctx, r.opts.SourceFile, step.ID)
	if err != nil {
		return false, nil, err
	}
	r.clearPausedGate()
	r.variables.InvalidateRuntime()
	r.registry.SetRuntime(nil)

	available, err := r.client.GetAvailableSteps(ctx, r.opts.SourceFile)
	if err != nil {
		return false, nil, err
	}
	r.steps.Update(available, completed)
	if len(available) == 0 {
		r.executionDone = true
	}
	return true, completed, nil
}

// checkStep evaluates the installed breakpoints against the step about
// to be performed, unless that exact step already produced the pause
// the engine is resuming from. It reports whether anything activated.
func (r *Runtime) checkStep(ctx context.Context, info *PauseInformation, stepID string) bool {
	manager := r.breakpoints.Load()
	if manager == nil {
		return false
	}
	if r.opts.SkipRedundantPauses && r.pausedOnCurrentStep && r.pausedStepID == stepID {
		return false
	}
	activations := manager.Check(ctx, stepID)
	for _, act := range activations {
		info.AddBreakpoint(act.Message)
	}
	return len(activations) > 0
}

// stop reports a stop to the IDE. Unless a breakpoint already fired,
// the step the engine is stopping on gets a final breakpoint check so
// activations aggregate into the same stopped event. Pause stops
// bypass this and use emitStop directly: pause is never combined.
func (r *Runtime) stop(ctx context.Context, info *PauseInformation) {
	if !info.Has(ReasonBreakpoint) {
		if selected := r.steps.Selected(); selected != nil {
			r.checkStep(ctx, info, selected.ID)
		}
	}
	r.emitStop(info)
}

// emitStop does the pause bookkeeping and sends the stopped event.
func (r *Runtime) emitStop(info *PauseInformation) {
	r.pausedOnCurrentStep = true
	if selected := r.steps.Selected(); selected != nil {
		r.pausedStepID = selected.ID
	} else {
		r.pausedStepID = ""
	}
	r.log.WithField("reason", info.ReasonText()).Debug("execution paused")
	r.events.Stopped(info.ReasonText(), info.Description())
}

// finish handles the end of the program: a single end pause when
// requested and not yet reported, a single terminated event otherwise.
func (r *Runtime) finish(info *PauseInformation) error {
	r.pauseRequired.Store(false)
	if r.opts.PauseOnEnd && !r.endReported {
		r.endReported = true
		info.Add(ReasonEnd)
		r.emitStop(info)
		return nil
	}
	r.terminate()
	return nil
}

func (r *Runtime) terminate() {
	r.terminatedSent = true
	r.events.Terminated()
}

// resendIfTerminated re-sends the terminated event for motion requests
// arriving after the execution ended.
func (r *Runtime) resendIfTerminated() bool {
	if !r.terminatedSent {
		return false
	}
	r.events.Terminated()
	return true
}

func (r *Runtime) clearPausedGate() {
	r.pausedOnCurrentStep = false
	r.pausedStepID = ""
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
