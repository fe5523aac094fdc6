package session

import (
	"context"
	"encoding/json"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/dshills/protodap/internal/engine"
	"github.com/dshills/protodap/internal/lrdp"
	"github.com/dshills/protodap/internal/model"
)

// customRequest is a request whose command is outside the standard DAP
// taxonomy. go-dap refuses to decode those; the raw bytes are recovered
// into this shape instead.
type customRequest struct {
	Seq       int             `json:"seq"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments"`
}

func (r *customRequest) request() *dap.Request {
	return &dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: r.Seq, Type: "request"},
		Command:         r.Command,
	}
}

// customResponse carries an arbitrary body for a custom command.
type customResponse struct {
	dap.Response
	Body any `json:"body,omitempty"`
}

// decodeCustomRequest recovers a request go-dap rejected for an unknown
// command. Any other decode failure is not recoverable.
func decodeCustomRequest(raw []byte, decodeErr error) (*customRequest, bool) {
	var fieldErr *dap.DecodeProtocolMessageFieldError
	if !errors.As(decodeErr, &fieldErr) {
		return nil, false
	}
	if fieldErr.SubType != "request" || fieldErr.FieldName != "command" {
		return nil, false
	}
	var req customRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, false
	}
	return &req, true
}

// expected argument key sets, per custom command. Validation demands
// the argument object's own keys match exactly.
var customArgKeys = map[string][]string{
	"getBreakpointTypes":                 {"sourceFile"},
	"setDomainSpecificBreakpoints":       {"sourceFile", "breakpoints"},
	"getAvailableSteps":                  {"sourceFile"},
	"selectStep":                         {"sourceFile", "stepId"},
	"getModelElementsReferences":         {"sourceFile", "type"},
	"getModelElementReferenceFromSource": {"sourceFile", "line", "column"},
}

// ModelElementReference is the wire projection of a model element.
type ModelElementReference struct {
	ID    string   `json:"id"`
	Types []string `json:"types"`
	Label string   `json:"label"`
}

func elementReference(e *model.Element) ModelElementReference {
	label := e.Label
	if label == "" {
		label = e.ID
	}
	return ModelElementReference{ID: e.ID, Types: e.Types, Label: label}
}

// dispatchCustom validates and routes one custom request.
func (s *Session) dispatchCustom(ctx context.Context, req *customRequest) {
	s.log.WithField("command", req.Command).Debug("custom request received")
	if err := s.failedError(); err != nil {
		s.sendError(req.request(), codeNotImplemented, "session failed: "+err.Error(), nil)
		return
	}

	keys, known := customArgKeys[req.Command]
	if !known {
		s.sendError(req.request(), codeNotImplemented, "unknown command "+req.Command, nil)
		return
	}
	if err := validateArgKeys(req.Arguments, keys); err != nil {
		s.sendError(req.request(), codeNotImplemented, "malformed arguments for "+req.Command, map[string]string{
			"_exception": err.Error(),
			"_args":      string(req.Arguments),
		})
		return
	}

	runtime, ok := s.engine()
	if !ok {
		s.sendError(req.request(), codeNotInitialized, "execution has not been launched", nil)
		return
	}

	var (
		body any
		err  error
	)
	switch req.Command {
	case "getBreakpointTypes":
		var types []lrdp.BreakpointType
		types, err = runtime.BreakpointTypes()
		body = struct {
			BreakpointTypes []lrdp.BreakpointType `json:"breakpointTypes"`
		}{BreakpointTypes: types}

	case "setDomainSpecificBreakpoints":
		body, err = s.setDomainSpecificBreakpoints(runtime, req.Arguments)

	case "getAvailableSteps":
		var steps []lrdp.Step
		steps, err = runtime.AvailableSteps()
		body = struct {
			AvailableSteps []lrdp.Step `json:"availableSteps"`
		}{AvailableSteps: steps}

	case "selectStep":
		body, err = s.selectStep(runtime, req.Arguments)

	case "getModelElementsReferences":
		body, err = s.modelElementsReferences(ctx, runtime, req.Arguments)

	case "getModelElementReferenceFromSource":
		body, err = s.modelElementReferenceFromSource(runtime, req.Arguments)
	}

	if err != nil {
		s.customError(req, err)
		return
	}
	resp := &customResponse{Response: *newResponse(req.Seq, req.Command), Body: body}
	s.send(resp)
}

func (s *Session) customError(req *customRequest, err error) {
	if errors.Is(err, engine.ErrNotInitialized) {
		s.sendError(req.request(), codeNotInitialized, err.Error(), nil)
		return
	}
	s.sendError(req.request(), codeNotImplemented, err.Error(), nil)
}

func (s *Session) setDomainSpecificBreakpoints(runtime *engine.Runtime, raw json.RawMessage) (any, error) {
	var args struct {
		SourceFile  string                          `json:"sourceFile"`
		Breakpoints []lrdp.DomainSpecificBreakpoint `json:"breakpoints"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	outcomes, err := runtime.SetDomainSpecificBreakpoints(args.Breakpoints)
	if err != nil {
		return nil, err
	}
	type outcome struct {
		Verified bool `json:"verified"`
	}
	list := make([]outcome, len(outcomes))
	for i, verified := range outcomes {
		list[i] = outcome{Verified: verified}
	}
	return struct {
		Breakpoints []outcome `json:"breakpoints"`
	}{Breakpoints: list}, nil
}

func (s *Session) selectStep(runtime *engine.Runtime, raw json.RawMessage) (any, error) {
	var args struct {
		SourceFile string `json:"sourceFile"`
		StepID     string `json:"stepId"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	changed, err := runtime.SelectStep(args.StepID)
	if err != nil {
		return nil, err
	}
	if changed {
		// Stack frame locations depend on the selected step.
		evt := &dap.InvalidatedEvent{Event: *newEvent("invalidated")}
		evt.Body.Areas = []dap.InvalidatedAreas{"stacks"}
		evt.Body.ThreadId = 1
		s.send(evt)
	}
	return struct{}{}, nil
}

func (s *Session) modelElementsReferences(ctx context.Context, runtime *engine.Runtime, raw json.RawMessage) (any, error) {
	var args struct {
		SourceFile string `json:"sourceFile"`
		Type       string `json:"type"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	elements, err := runtime.ElementsByType(ctx, args.Type)
	if err != nil {
		return nil, err
	}
	refs := make([]ModelElementReference, 0, len(elements))
	for _, e := range elements {
		refs = append(refs, elementReference(e))
	}
	return struct {
		Elements []ModelElementReference `json:"elements"`
	}{Elements: refs}, nil
}

func (s *Session) modelElementReferenceFromSource(runtime *engine.Runtime, raw json.RawMessage) (any, error) {
	var args struct {
		SourceFile string `json:"sourceFile"`
		Line       int    `json:"line"`
		Column     int    `json:"column"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	elem, err := runtime.ElementAt(args.Line, args.Column)
	if err != nil {
		return nil, err
	}
	if elem == nil {
		return struct {
			Element *ModelElementReference `json:"element,omitempty"`
		}{}, nil
	}
	ref := elementReference(elem)
	return struct {
		Element *ModelElementReference `json:"element,omitempty"`
	}{Element: &ref}, nil
}

// validateArgKeys demands that raw is a JSON object whose own keys are
// exactly the expected set.
func validateArgKeys(raw json.RawMessage, expected []string) error {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return errors.New("arguments must be an object")
	}
	seen := make(map[string]bool)
	parsed.ForEach(func(key, _ gjson.Result) bool {
		seen[key.String()] = true
		return true
	})
	if len(seen) != len(expected) {
		return errors.Errorf("expected keys %v", expected)
	}
	for _, key := range expected {
		if !seen[key] {
			return errors.Errorf("expected keys %v", expected)
		}
	}
	return nil
}
