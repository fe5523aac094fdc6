package engine

import (
	"github.com/pkg/errors"

	"github.com/dshills/protodap/internal/lrdp"
	"github.com/dshills/protodap/internal/model"
)

// ErrUnknownStep is returned when a step id is not among the currently
// available steps.
var ErrUnknownStep = errors.New("unknown step id")

// StackEntry is one entered composite step together with its cached
// source location.
type StackEntry struct {
	Step     lrdp.Step
	Location *model.Location
}

// StepManager tracks the currently-available steps, the selected step,
// the stack of entered composite steps, and the location caches for
// both.
type StepManager struct {
	available []lrdp.Step
	selected  *lrdp.Step
	stack     []StackEntry

	availableLocations map[string]*model.Location
}

// NewStepManager returns an empty manager.
func NewStepManager() *StepManager {
	return &StepManager{availableLocations: make(map[string]*model.Location)}
}

// Update applies one runtime report.
//
// An empty completed list means a composite was just entered: the
// selected step is pushed onto the stack with its cached location.
// Otherwise at least one atomic step completed, and the stack is popped
// innermost-first for as long as its top's id appears in the report. In both
// cases the available list is replaced, the selection resets to the
// first reported step, and the available-location cache is cleared.
func (m *StepManager) Update(available []lrdp.Step, completed []string) {
	if len(completed) == 0 {
		if m.selected != nil {
			m.stack = append(m.stack, StackEntry{
				Step:     *m.selected,
				Location: m.availableLocations[m.selected.ID],
			})
		}
	} else {
		remaining := make(map[string]bool, len(completed))
		for _, id := range completed {
			remaining[id] = true
		}
		for len(m.stack) > 0 {
			top := m.stack[len(m.stack)-1]
			if !remaining[top.Step.ID] {
				break
			}
			delete(remaining, top.Step.ID)
			m.stack = m.stack[:len(m.stack)-1]
		}
	}

	m.available = available
	if len(available) > 0 {
		step := available[0]
		m.selected = &step
	} else {
		m.selected = nil
	}
	m.availableLocations = make(map[string]*model.Location)
}

// Available returns a copy of the current step list.
func (m *StepManager) Available() []lrdp.Step {
	out := make([]lrdp.Step, len(m.available))
	copy(out, m.available)
	return out
}

// Len returns the number of currently available steps.
func (m *StepManager) Len() int {
	return len(m.available)
}

// Selected returns the currently selected step, or nil.
func (m *StepManager) Selected() *lrdp.Step {
	if m.selected == nil {
		return nil
	}
	step := *m.selected
	return &step
}

// Select replaces the selection. The id must denote an available step.
// It reports whether the selection actually changed.
func (m *StepManager) Select(id string) (bool, error) {
	for _, step := range m.available {
		if step.ID == id {
			changed := m.selected == nil || m.selected.ID != id
			selected := step
			m.selected = &selected
			return changed, nil
		}
	}
	return false, errors.Wrap(ErrUnknownStep, id)
}

// Stack returns a copy of the entered composites, innermost last.
func (m *StepManager) Stack() []StackEntry {
	out := make([]StackEntry, len(m.stack))
	copy(out, m.stack)
	return out
}

// Depth returns the number of entered composites.
func (m *StepManager) Depth() int {
	return len(m.stack)
}

// Top returns the innermost entered composite, or nil.
func (m *StepManager) Top() *StackEntry {
	if len(m.stack) == 0 {
		return nil
	}
	top := m.stack[len(m.stack)-1]
	return &top
}

// CacheLocation records the location of an available step so it can
// follow the step onto the stack.
func (m *StepManager) CacheLocation(id string, loc *model.Location) {
	m.availableLocations[id] = loc
}

// CachedLocation returns the cached location for an available step.
func (m *StepManager) CachedLocation(id string) *model.Location {
	return m.availableLocations[id]
}
