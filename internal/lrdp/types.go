// Package lrdp is the typed client for the Language Runtime Debug
// Protocol: the JSON-RPC 2.0 contract through which the debugger asks a
// language runtime for parsing, stepping, runtime state, and breakpoint
// evaluation. The debugger owns no language semantics; everything it
// knows about the debuggee comes through these nine methods.
package lrdp

import "github.com/dshills/protodap/internal/model"

// Step is an execution step advertised by the runtime. Atomic steps
// advance runtime state by one indivisible unit; composite steps are
// containers that expose a new list of sub-steps when entered.
type Step struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsComposite bool   `json:"isComposite"`
}

// PrimitiveType values accepted for primitive breakpoint parameters.
const (
	PrimitiveBoolean = "boolean"
	PrimitiveNumber  = "number"
	PrimitiveString  = "string"
)

// BreakpointParameter is one declared parameter of a breakpoint type.
// Exactly one of PrimitiveType and ElementType is set: the parameter is
// either a primitive value or a reference to a model element whose
// types include ElementType.
type BreakpointParameter struct {
	Name          string `json:"name"`
	IsMultivalued bool   `json:"isMultivalued"`
	PrimitiveType string `json:"primitiveType,omitempty"`
	ElementType   string `json:"elementType,omitempty"`
}

// IsElement reports whether the parameter references a model element.
func (p BreakpointParameter) IsElement() bool {
	return p.ElementType != ""
}

// BreakpointType is a catalog entry declared by the language runtime.
type BreakpointType struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Parameters  []BreakpointParameter `json:"parameters"`
}

// DomainSpecificBreakpoint instantiates a BreakpointType with one entry
// per declared parameter.
type DomainSpecificBreakpoint struct {
	BreakpointTypeID string         `json:"breakpointTypeId"`
	Entries          map[string]any `json:"entries"`
}

// CheckBreakpointParams is the payload of one checkBreakpoint call.
type CheckBreakpointParams struct {
	SourceFile string         `json:"sourceFile"`
	StepID     string         `json:"stepId"`
	TypeID     string         `json:"typeId"`
	Entries    map[string]any `json:"entries"`
}

// CheckBreakpointResult reports whether one breakpoint activated on the
// checked step. Message is set only on activation.
type CheckBreakpointResult struct {
	IsActivated bool   `json:"isActivated"`
	Message     string `json:"message,omitempty"`
}

type sourceFileParams struct {
	SourceFile string `json:"sourceFile"`
}

type stepParams struct {
	SourceFile string `json:"sourceFile"`
	StepID     string `json:"stepId"`
}

type initializeParams struct {
	SourceFile string         `json:"sourceFile"`
	Entries    map[string]any `json:"entries"`
}

type parseResult struct {
	AstRoot *model.Element `json:"astRoot"`
}

type runtimeStateResult struct {
	RuntimeStateRoot *model.Element `json:"runtimeStateRoot"`
}

type breakpointTypesResult struct {
	BreakpointTypes []BreakpointType `json:"breakpointTypes"`
}

type availableStepsResult struct {
	AvailableSteps []Step `json:"availableSteps"`
}

type executeAtomicStepResult struct {
	CompletedSteps []string `json:"completedSteps"`
}

type stepLocationResult struct {
	Location *model.Location `json:"location"`
}
