package engine

import (
	"context"

	"github.com/google/go-dap"

	"github.com/dshills/protodap/internal/lrdp"
	"github.com/dshills/protodap/internal/model"
	"github.com/dshills/protodap/internal/variable"
)

// SelectStep replaces the selected step. It reports whether the
// selection changed, so the session can invalidate cached stacks.
func (r *Runtime) SelectStep(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return false, ErrNotInitialized
	}
	return r.steps.Select(id)
}

// AvailableSteps returns the steps currently offered by the runtime.
func (r *Runtime) AvailableSteps() ([]lrdp.Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	return r.steps.Available(), nil
}

// Stack returns the entered composite steps, innermost last, with their
// cached locations.
func (r *Runtime) Stack() []StackEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.steps.Stack()
}

// BreakpointTypes returns the runtime's breakpoint catalog. Breakpoint
// accessors deliberately avoid the engine lock: the IDE manages
// breakpoints while motions are in flight.
func (r *Runtime) BreakpointTypes() ([]lrdp.BreakpointType, error) {
	manager := r.breakpoints.Load()
	if manager == nil {
		return nil, ErrNotInitialized
	}
	return manager.Types(), nil
}

// SetSourceBreakpoints verifies IDE source breakpoints against the AST.
func (r *Runtime) SetSourceBreakpoints(bps []dap.SourceBreakpoint) ([]dap.Breakpoint, error) {
	manager := r.breakpoints.Load()
	if manager == nil {
		return nil, ErrNotInitialized
	}
	return manager.SetSourceBreakpoints(bps), nil
}

// SetDomainSpecificBreakpoints validates and installs domain-specific
// breakpoints, returning one outcome per input.
func (r *Runtime) SetDomainSpecificBreakpoints(bps []lrdp.DomainSpecificBreakpoint) ([]bool, error) {
	manager := r.breakpoints.Load()
	if manager == nil {
		return nil, ErrNotInitialized
	}
	return manager.SetDomainSpecificBreakpoints(bps), nil
}

// ElementAt resolves an IDE-origin source position to an AST element.
func (r *Runtime) ElementAt(line, column int) (*model.Element, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locator == nil {
		return nil, ErrNotInitialized
	}
	return r.locator.ElementAt(line, column), nil
}

// ElementsByType returns all AST and runtime-state elements registered
// under the type, fetching fresh runtime state when needed.
func (r *Runtime) ElementsByType(ctx context.Context, t string) ([]*model.Element, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registry == nil {
		return nil, ErrNotInitialized
	}
	if err := r.ensureRuntimeState(ctx); err != nil {
		return nil, err
	}
	return r.registry.ByType(t), nil
}

// Variables returns the children of the object behind a variable
// reference, fetching fresh runtime state for the runtime scope.
func (r *Runtime) Variables(ctx context.Context, ref int) ([]variable.Variable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.variables == nil {
		return nil, ErrNotInitialized
	}
	if ref == variable.RuntimeStateReference && !r.variables.RuntimeLoaded() {
		if err := r.ensureRuntimeState(ctx); err != nil {
			return nil, err
		}
	}
	return r.variables.Variables(ref)
}

// ensureRuntimeState loads the runtime-state tree into the variable
// handler and the type registry if it is not already current.
func (r *Runtime) ensureRuntimeState(ctx context.Context) error {
	if r.variables.RuntimeLoaded() {
		return nil
	}
	root, err := r.client.GetRuntimeState(ctx, r.opts.SourceFile)
	if err != nil {
		return err
	}
	r.variables.UpdateRuntime(root)
	r.registry.SetRuntime(root)
	return nil
}
