// Package breakpoint owns the breakpoint type catalog declared by the
// language runtime and the set of installed domain-specific
// breakpoints. Source breakpoints from the IDE are only verified here —
// installation happens through the custom setDomainSpecificBreakpoints
// request — and every installed breakpoint is evaluated against the
// runtime before each step the engine is about to perform.
package breakpoint

import (
	"context"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/dshills/protodap/internal/lrdp"
	"github.com/dshills/protodap/internal/model"
)

// Checker evaluates one breakpoint instance against a step.
type Checker interface {
	CheckBreakpoint(ctx context.Context, params lrdp.CheckBreakpointParams) (lrdp.CheckBreakpointResult, error)
}

// Activation is one positive checkBreakpoint response.
type Activation struct {
	TypeID  string
	Message string
}

// Manager validates, stores, and checks breakpoints for one session.
// It carries its own lock so the IDE can replace breakpoints while a
// motion is in flight.
type Manager struct {
	sourceFile string
	client     Checker
	locator    *model.Locator
	log        *logrus.Entry

	mu        sync.Mutex
	order     []string
	types     map[string]lrdp.BreakpointType
	installed []lrdp.DomainSpecificBreakpoint
}

// NewManager builds a manager over the runtime-declared catalog.
func NewManager(sourceFile string, client Checker, types []lrdp.BreakpointType, locator *model.Locator, log *logrus.Entry) *Manager {
	m := &Manager{
		sourceFile: sourceFile,
		client:     client,
		locator:    locator,
		log:        log,
		types:      make(map[string]lrdp.BreakpointType, len(types)),
	}
	for _, t := range types {
		if _, ok := m.types[t.ID]; ok {
			continue
		}
		m.types[t.ID] = t
		m.order = append(m.order, t.ID)
	}
	return m
}

// Types returns the catalog in runtime-declared order.
func (m *Manager) Types() []lrdp.BreakpointType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]lrdp.BreakpointType, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.types[id])
	}
	return out
}

// SetSourceBreakpoints verifies IDE source breakpoints, one outcome per
// input in input order. A slot verifies iff its position resolves to an
// element that has a location and whose types match the first parameter
// of some catalog type of element kind. Verified outcomes carry the
// input index as id. Nothing is installed.
func (m *Manager) SetSourceBreakpoints(bps []dap.SourceBreakpoint) []dap.Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dap.Breakpoint, len(bps))
	for i, bp := range bps {
		if bp.Column == 0 {
			// Column is required to address an element; go-dap cannot
			// distinguish an absent column from zero.
			continue
		}
		elem := m.locator.ElementAt(bp.Line, bp.Column)
		if elem == nil || elem.Location == nil {
			continue
		}
		if !m.anchors(elem) {
			continue
		}
		out[i] = dap.Breakpoint{Id: i, Verified: true}
	}
	return out
}

// anchors reports whether some breakpoint type can anchor on elem: its
// first parameter is of element kind and names one of elem's types.
func (m *Manager) anchors(elem *model.Element) bool {
	for _, id := range m.order {
		params := m.types[id].Parameters
		if len(params) == 0 {
			continue
		}
		first := params[0]
		if first.IsElement() && elem.HasType(first.ElementType) {
			return true
		}
	}
	return false
}

// SetDomainSpecificBreakpoints validates each input against its
// declared type and replaces the installed set with the valid subset.
// The returned list parallels the input.
func (m *Manager) SetDomainSpecificBreakpoints(bps []lrdp.DomainSpecificBreakpoint) []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcomes := make([]bool, len(bps))
	installed := make([]lrdp.DomainSpecificBreakpoint, 0, len(bps))
	for i, bp := range bps {
		if m.isValidBreakpoint(bp) {
			outcomes[i] = true
			installed = append(installed, bp)
		}
	}
	m.installed = installed
	return outcomes
}

// Installed returns the currently-installed breakpoints in order.
func (m *Manager) Installed() []lrdp.DomainSpecificBreakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]lrdp.DomainSpecificBreakpoint, len(m.installed))
	copy(out, m.installed)
	return out
}

// isValidBreakpoint checks that the instance carries exactly one entry
// per declared parameter and that each entry matches its parameter's
// kind and multiplicity.
func (m *Manager) isValidBreakpoint(bp lrdp.DomainSpecificBreakpoint) bool {
	t, ok := m.types[bp.BreakpointTypeID]
	if !ok {
		return false
	}
	if len(bp.Entries) != len(t.Parameters) {
		return false
	}
	for _, param := range t.Parameters {
		value, ok := bp.Entries[param.Name]
		if !ok {
			return false
		}
		if !entryMatches(param, value) {
			return false
		}
	}
	return true
}

func entryMatches(param lrdp.BreakpointParameter, value any) bool {
	if param.IsMultivalued {
		seq, ok := value.([]any)
		if !ok {
			return false
		}
		for _, v := range seq {
			if !scalarMatches(param, v) {
				return false
			}
		}
		return true
	}
	return scalarMatches(param, value)
}

func scalarMatches(param lrdp.BreakpointParameter, value any) bool {
	if param.IsElement() {
		_, ok := value.(string)
		return ok
	}
	switch param.PrimitiveType {
	case lrdp.PrimitiveBoolean:
		_, ok := value.(bool)
		return ok
	case lrdp.PrimitiveNumber:
		switch value.(type) {
		case float64, int:
			return true
		}
		return false
	case lrdp.PrimitiveString:
		_, ok := value.(string)
		return ok
	}
	return false
}

// Check evaluates every installed breakpoint against the step and
// collects the activations. A failed or malformed check counts as not
// activated so execution can always progress.
func (m *Manager) Check(ctx context.Context, stepID string) []Activation {
	installed := m.Installed()
	var activated []Activation
	for _, bp := range installed {
		res, err := m.client.CheckBreakpoint(ctx, lrdp.CheckBreakpointParams{
			SourceFile: m.sourceFile,
			StepID:     stepID,
			TypeID:     bp.BreakpointTypeID,
			Entries:    bp.Entries,
		})
		if err != nil {
			if m.log != nil {
				m.log.WithError(err).WithField("breakpointType", bp.BreakpointTypeID).
					Debug("breakpoint check failed; treating as not activated")
			}
			continue
		}
		if res.IsActivated {
			activated = append(activated, Activation{TypeID: bp.BreakpointTypeID, Message: res.Message})
		}
	}
	return activated
}
