package lrdp

import (
	"context"
	"net"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/pkg/errors"

	"github.com/dshills/protodap/internal/model"
)

// Client is the JSON-RPC client bound to one language runtime
// connection. Requests are issued in program order; a transport failure
// poisons the owning session.
type Client struct {
	conn net.Conn
	rpc  *jrpc2.Client
}

// Dial connects to a language runtime listening on addr and returns a
// client speaking newline-delimited JSON-RPC 2.0.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial language runtime at %s", addr)
	}
	return &Client{
		conn: conn,
		rpc:  jrpc2.NewClient(channel.Line(conn, conn), nil),
	}, nil
}

// NewClient wraps an established connection, such as an in-memory
// pipe, instead of dialing one.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		rpc:  jrpc2.NewClient(channel.Line(conn, conn), nil),
	}
}

// Close shuts down the RPC client and the underlying connection.
func (c *Client) Close() error {
	c.rpc.Close()
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if err := c.rpc.CallResult(ctx, method, params, result); err != nil {
		return errors.Wrapf(err, "language runtime call %q", method)
	}
	return nil
}

// Parse asks the runtime to parse sourceFile and returns the AST root.
// The call is idempotent on the runtime side.
func (c *Client) Parse(ctx context.Context, sourceFile string) (*model.Element, error) {
	var res parseResult
	if err := c.call(ctx, "parse", sourceFileParams{SourceFile: sourceFile}, &res); err != nil {
		return nil, err
	}
	if res.AstRoot == nil {
		return nil, errors.New("parse returned no AST root")
	}
	return res.AstRoot, nil
}

// InitializeExecution prepares the runtime for execution of sourceFile.
// Must be called exactly once per session.
func (c *Client) InitializeExecution(ctx context.Context, sourceFile string, entries map[string]any) error {
	if entries == nil {
		entries = map[string]any{}
	}
	var res struct{}
	return c.call(ctx, "initializeExecution", initializeParams{SourceFile: sourceFile, Entries: entries}, &res)
}

// GetRuntimeState fetches the current runtime-state tree.
func (c *Client) GetRuntimeState(ctx context.Context, sourceFile string) (*model.Element, error) {
	var res runtimeStateResult
	if err := c.call(ctx, "getRuntimeState", sourceFileParams{SourceFile: sourceFile}, &res); err != nil {
		return nil, err
	}
	return res.RuntimeStateRoot, nil
}

// GetBreakpointTypes fetches the runtime's breakpoint type catalog.
func (c *Client) GetBreakpointTypes(ctx context.Context) ([]BreakpointType, error) {
	var res breakpointTypesResult
	if err := c.call(ctx, "getBreakpointTypes", nil, &res); err != nil {
		return nil, err
	}
	return res.BreakpointTypes, nil
}

// CheckBreakpoint evaluates one installed breakpoint against the step
// about to be performed.
func (c *Client) CheckBreakpoint(ctx context.Context, params CheckBreakpointParams) (CheckBreakpointResult, error) {
	var res CheckBreakpointResult
	if err := c.call(ctx, "checkBreakpoint", params, &res); err != nil {
		return CheckBreakpointResult{}, err
	}
	return res, nil
}

// GetAvailableSteps fetches the steps currently offered by the runtime.
func (c *Client) GetAvailableSteps(ctx context.Context, sourceFile string) ([]Step, error) {
	var res availableStepsResult
	if err := c.call(ctx, "getAvailableSteps", sourceFileParams{SourceFile: sourceFile}, &res); err != nil {
		return nil, err
	}
	return res.AvailableSteps, nil
}

// EnterCompositeStep enters a composite step, exposing its sub-steps.
func (c *Client) EnterCompositeStep(ctx context.Context, sourceFile, stepID string) error {
	var res struct{}
	return c.call(ctx, "enterCompositeStep", stepParams{SourceFile: sourceFile, StepID: stepID}, &res)
}

// ExecuteAtomicStep performs one atomic step and returns the ids of all
// steps finished by the execution, ordered innermost first.
func (c *Client) ExecuteAtomicStep(ctx context.Context, sourceFile, stepID string) ([]string, error) {
	var res executeAtomicStepResult
	if err := c.call(ctx, "executeAtomicStep", stepParams{SourceFile: sourceFile, StepID: stepID}, &res); err != nil {
		return nil, err
	}
	return res.CompletedSteps, nil
}

// GetStepLocation fetches the source span of a step. Steps may
// legitimately have no location, in which case the result is nil; an
// empty response object and an explicit null are normalized alike.
func (c *Client) GetStepLocation(ctx context.Context, sourceFile, stepID string) (*model.Location, error) {
	var res stepLocationResult
	if err := c.call(ctx, "getStepLocation", stepParams{SourceFile: sourceFile, StepID: stepID}, &res); err != nil {
		return nil, err
	}
	return res.Location, nil
}
