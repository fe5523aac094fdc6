// Package session binds one accepted IDE connection to one debug
// engine. It frames DAP messages, dispatches the standard and custom
// request sets, and forwards the engine's stopped/terminated events
// back to the client. Requests are processed in arrival order; motion
// requests acknowledge first and then drive the engine on a dedicated
// goroutine so a pause request can always get through.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dshills/protodap/internal/breakpoint"
	"github.com/dshills/protodap/internal/config"
	"github.com/dshills/protodap/internal/engine"
	"github.com/dshills/protodap/internal/lrdp"
	"github.com/dshills/protodap/internal/model"
	"github.com/dshills/protodap/internal/variable"
)

// DAP error codes surfaced to the IDE.
const (
	codeNotImplemented     = 100
	codeNotInitialized     = 200
	codeAlreadyInitialized = 201
)

// launchArguments is the payload of the launch request.
type launchArguments struct {
	SourceFile          string         `json:"sourceFile"`
	LanguageRuntimePort int            `json:"languageRuntimePort"`
	PauseOnStart        bool           `json:"pauseOnStart"`
	PauseOnEnd          bool           `json:"pauseOnEnd"`
	AdditionalArgs      map[string]any `json:"additionalArgs"`
	NoDebug             bool           `json:"noDebug"`
}

// Session serves the debug adapter protocol on one connection.
type Session struct {
	conn net.Conn
	rw   *bufio.ReadWriter
	cfg  config.Config
	log  *logrus.Entry

	sendQueue chan dap.Message
	motions   chan func()
	done      chan struct{}
	closeOnce sync.Once

	mu              sync.Mutex
	linesStartAt1   bool
	columnsStartAt1 bool
	launched        bool
	failed          error
	sourceFile      string
	client          *lrdp.Client
	runtime         *engine.Runtime
	pendingBPs      *dap.SetBreakpointsRequest
	bpsReady        bool
	frameSeq        int
}

// New wraps an accepted connection in a session.
func New(conn net.Conn, cfg config.Config) *Session {
	id := uuid.NewString()
	return &Session{
		conn:      conn,
		rw:        bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		cfg:       cfg,
		log:       logrus.WithField("session", id),
		sendQueue: make(chan dap.Message, 64),
		motions:   make(chan func(), 16),
		done:      make(chan struct{}),
	}
}

// Run serves the connection until the client disconnects or the
// transport fails.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	go s.sendLoop()
	go s.motionLoop()

	s.log.Debug("session started")
	for {
		raw, err := dap.ReadBaseMessage(s.rw.Reader)
		if err != nil {
			if errors.Is(err, io.EOF) || isClosed(err) {
				s.log.Debug("client disconnected")
				return nil
			}
			return errors.Wrap(err, "read protocol message")
		}

		msg, err := dap.DecodeProtocolMessage(raw)
		if err != nil {
			if req, ok := decodeCustomRequest(raw, err); ok {
				s.dispatchCustom(ctx, req)
				continue
			}
			s.log.WithError(err).Warn("undecodable message")
			continue
		}
		if s.dispatch(ctx, msg) {
			return nil
		}
	}
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Close()
	}
	s.conn.Close()
}

// sendLoop serializes all outbound messages on one writer.
func (s *Session) sendLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.sendQueue:
			if err := dap.WriteProtocolMessage(s.rw.Writer, msg); err != nil {
				s.log.WithError(err).Warn("write protocol message")
				return
			}
			s.rw.Flush()
		}
	}
}

// motionLoop runs engine motions one at a time, in request order.
func (s *Session) motionLoop() {
	for {
		select {
		case <-s.done:
			return
		case motion := <-s.motions:
			motion()
		}
	}
}

func (s *Session) send(msgs ...dap.Message) {
	for _, msg := range msgs {
		select {
		case <-s.done:
			return
		case s.sendQueue <- msg:
		}
	}
}

// motion acknowledges a request and schedules fn on the motion
// goroutine. Motion failures are session-fatal: the session is marked
// failed and the IDE receives a terminated event.
func (s *Session) motion(ack dap.Message, fn func() error) {
	s.send(ack)
	select {
	case <-s.done:
	case s.motions <- func() {
		if err := fn(); err != nil {
			s.log.WithError(err).Error("execution failed")
			s.mu.Lock()
			s.failed = err
			s.mu.Unlock()
			s.Terminated()
		}
	}:
	}
}

// Stopped implements engine.Events.
func (s *Session) Stopped(reason, description string) {
	s.send(&dap.StoppedEvent{
		Event: *newEvent("stopped"),
		Body: dap.StoppedEventBody{
			Reason:            reason,
			Description:       description,
			ThreadId:          1,
			AllThreadsStopped: true,
		},
	})
}

// Terminated implements engine.Events.
func (s *Session) Terminated() {
	s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
}

// dispatch routes one standard request. It reports whether the session
// should end.
func (s *Session) dispatch(ctx context.Context, msg dap.Message) bool {
	if req, ok := msg.(dap.RequestMessage); ok {
		s.log.WithField("command", req.GetRequest().Command).Debug("request received")
		if err := s.failedError(); err != nil {
			s.sendError(req.GetRequest(), codeNotImplemented, "session failed: "+err.Error(), nil)
			return false
		}
	}

	switch req := msg.(type) {
	case *dap.InitializeRequest:
		s.onInitialize(req)
	case *dap.LaunchRequest:
		s.onLaunch(ctx, req)
	case *dap.AttachRequest:
		s.sendError(&req.Request, codeNotImplemented, "attach is not supported", nil)
	case *dap.ConfigurationDoneRequest:
		s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(req.Seq, req.Command)})
	case *dap.DisconnectRequest:
		s.send(&dap.DisconnectResponse{Response: *newResponse(req.Seq, req.Command)})
		return true
	case *dap.ThreadsRequest:
		s.onThreads(req)
	case *dap.PauseRequest:
		s.onPause(req)
	case *dap.ContinueRequest:
		s.onContinue(ctx, req)
	case *dap.NextRequest:
		s.onNext(ctx, req)
	case *dap.StepInRequest:
		s.onStepIn(ctx, req)
	case *dap.StepOutRequest:
		s.onStepOut(ctx, req)
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpoints(req)
	case *dap.StackTraceRequest:
		s.onStackTrace(req)
	case *dap.ScopesRequest:
		s.onScopes(req)
	case *dap.VariablesRequest:
		s.onVariables(ctx, req)
	case *dap.SourceRequest:
		s.onSource(req)
	case *dap.EvaluateRequest:
		s.sendError(&req.Request, codeNotImplemented, "evaluate is not supported", nil)
	default:
		if reqMsg, ok := msg.(dap.RequestMessage); ok {
			s.sendError(reqMsg.GetRequest(), codeNotImplemented, "unsupported request", nil)
		}
	}
	return false
}

func (s *Session) onInitialize(req *dap.InitializeRequest) {
	s.mu.Lock()
	s.linesStartAt1 = req.Arguments.LinesStartAt1
	s.columnsStartAt1 = req.Arguments.ColumnsStartAt1
	s.mu.Unlock()

	resp := &dap.InitializeResponse{Response: *newResponse(req.Seq, req.Command)}
	resp.Body.SupportsConfigurationDoneRequest = true
	s.send(resp, &dap.InitializedEvent{Event: *newEvent("initialized")})
}

func (s *Session) onLaunch(ctx context.Context, req *dap.LaunchRequest) {
	s.mu.Lock()
	if s.launched {
		s.mu.Unlock()
		s.sendError(&req.Request, codeAlreadyInitialized, "execution already launched", nil)
		return
	}
	linesStartAt1, columnsStartAt1 := s.linesStartAt1, s.columnsStartAt1
	s.mu.Unlock()

	var args launchArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		s.sendError(&req.Request, codeNotImplemented, "malformed launch arguments: "+err.Error(), nil)
		return
	}
	if args.NoDebug {
		s.sendError(&req.Request, codeNotImplemented, "noDebug launches are not supported", nil)
		return
	}
	if args.SourceFile == "" || args.LanguageRuntimePort <= 0 {
		s.sendError(&req.Request, codeNotImplemented, "launch requires sourceFile and languageRuntimePort", nil)
		return
	}

	client, err := lrdp.Dial(net.JoinHostPort("127.0.0.1", strconv.Itoa(args.LanguageRuntimePort)))
	if err != nil {
		s.sendError(&req.Request, codeNotImplemented, err.Error(), nil)
		return
	}

	runtime := engine.New(client, s, engine.Options{
		SourceFile:          args.SourceFile,
		PauseOnStart:        args.PauseOnStart,
		PauseOnEnd:          args.PauseOnEnd,
		AdditionalArgs:      args.AdditionalArgs,
		LinesStartAt1:       linesStartAt1,
		ColumnsStartAt1:     columnsStartAt1,
		SkipRedundantPauses: s.cfg.SkipRedundantPauses,
		OnBreakpointsReady:  s.resolveDeferredBreakpoints,
	}, s.log)

	s.mu.Lock()
	s.launched = true
	s.sourceFile = args.SourceFile
	s.client = client
	s.runtime = runtime
	s.mu.Unlock()

	s.motion(&dap.LaunchResponse{Response: *newResponse(req.Seq, req.Command)}, func() error {
		return runtime.InitializeExecution(ctx)
	})
}

func (s *Session) onThreads(req *dap.ThreadsRequest) {
	s.send(&dap.ThreadsResponse{
		Response: *newResponse(req.Seq, req.Command),
		Body: dap.ThreadsResponseBody{
			Threads: []dap.Thread{{Id: 1, Name: "Unique Thread"}},
		},
	})
}

func (s *Session) onPause(req *dap.PauseRequest) {
	runtime, ok := s.engine()
	if !ok {
		s.sendError(&req.Request, codeNotInitialized, "execution has not been launched", nil)
		return
	}
	runtime.Pause()
	s.send(&dap.PauseResponse{Response: *newResponse(req.Seq, req.Command)})
}

func (s *Session) onContinue(ctx context.Context, req *dap.ContinueRequest) {
	runtime, ok := s.engine()
	if !ok {
		s.sendError(&req.Request, codeNotInitialized, "execution has not been launched", nil)
		return
	}
	ack := &dap.ContinueResponse{Response: *newResponse(req.Seq, req.Command)}
	ack.Body.AllThreadsContinued = true
	s.motion(ack, func() error { return runtime.Run(ctx) })
}

func (s *Session) onNext(ctx context.Context, req *dap.NextRequest) {
	runtime, ok := s.engine()
	if !ok {
		s.sendError(&req.Request, codeNotInitialized, "execution has not been launched", nil)
		return
	}
	s.motion(&dap.NextResponse{Response: *newResponse(req.Seq, req.Command)}, func() error {
		return runtime.NextStep(ctx)
	})
}

func (s *Session) onStepIn(ctx context.Context, req *dap.StepInRequest) {
	runtime, ok := s.engine()
	if !ok {
		s.sendError(&req.Request, codeNotInitialized, "execution has not been launched", nil)
		return
	}
	s.motion(&dap.StepInResponse{Response: *newResponse(req.Seq, req.Command)}, func() error {
		return runtime.StepIn(ctx)
	})
}

func (s *Session) onStepOut(ctx context.Context, req *dap.StepOutRequest) {
	runtime, ok := s.engine()
	if !ok {
		s.sendError(&req.Request, codeNotInitialized, "execution has not been launched", nil)
		return
	}
	s.motion(&dap.StepOutResponse{Response: *newResponse(req.Seq, req.Command)}, func() error {
		return runtime.StepOut(ctx)
	})
}

// onSetBreakpoints verifies source breakpoints, or defers the request
// while the deferred slot has not been drained yet. Only one deferred
// request is kept: a newer one replaces it and the replaced request is
// answered with unverified slots. Readiness flips only inside
// resolveDeferredBreakpoints, under s.mu and after the pending response
// has been queued, so a request racing the end of initializeExecution
// can never be answered ahead of an earlier deferred one.
func (s *Session) onSetBreakpoints(req *dap.SetBreakpointsRequest) {
	s.mu.Lock()
	if !s.bpsReady {
		replaced := s.pendingBPs
		s.pendingBPs = req
		s.mu.Unlock()
		if replaced != nil {
			s.send(unverifiedResponse(replaced))
		}
		return
	}
	runtime := s.runtime
	s.mu.Unlock()

	outcomes, err := runtime.SetSourceBreakpoints(req.Arguments.Breakpoints)
	if err != nil {
		s.sendError(&req.Request, codeNotInitialized, err.Error(), nil)
		return
	}
	resp := &dap.SetBreakpointsResponse{Response: *newResponse(req.Seq, req.Command)}
	resp.Body.Breakpoints = outcomes
	s.send(resp)
}

// resolveDeferredBreakpoints completes the pending setBreakpoints
// request once the engine's breakpoint manager exists, then marks the
// session ready for direct verification. The pending response is
// queued before the readiness flag flips, both under s.mu.
func (s *Session) resolveDeferredBreakpoints(mgr *breakpoint.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending := s.pendingBPs; pending != nil {
		s.pendingBPs = nil
		resp := &dap.SetBreakpointsResponse{Response: *newResponse(pending.Seq, pending.Command)}
		resp.Body.Breakpoints = mgr.SetSourceBreakpoints(pending.Arguments.Breakpoints)
		s.send(resp)
	}
	s.bpsReady = true
}

func (s *Session) onStackTrace(req *dap.StackTraceRequest) {
	runtime, ok := s.engine()
	if !ok {
		s.sendError(&req.Request, codeNotInitialized, "execution has not been launched", nil)
		return
	}

	stack := runtime.Stack()
	s.mu.Lock()
	sourceFile := s.sourceFile
	frames := make([]dap.StackFrame, 0, len(stack)+1)
	for i := len(stack) - 1; i >= 0; i-- {
		frames = append(frames, s.frameLocked(stack[i].Step.Name, stack[i].Location, sourceFile))
	}
	frames = append(frames, s.frameLocked("Main", nil, sourceFile))
	s.mu.Unlock()

	resp := &dap.StackTraceResponse{Response: *newResponse(req.Seq, req.Command)}
	resp.Body.StackFrames = frames
	resp.Body.TotalFrames = len(frames)
	s.send(resp)
}

// frameLocked builds one stack frame with a fresh monotonic id,
// translating the cached runtime-origin location to the IDE origin.
// Frames without a location report position (0, 0). Callers hold s.mu.
func (s *Session) frameLocked(name string, loc *model.Location, sourceFile string) dap.StackFrame {
	s.frameSeq++
	frame := dap.StackFrame{
		Id:   s.frameSeq,
		Name: name,
		Source: &dap.Source{
			Name: filepath.Base(sourceFile),
			Path: sourceFile,
		},
	}
	if loc != nil {
		lineShift, columnShift := 0, 0
		if !s.linesStartAt1 {
			lineShift = 1
		}
		if !s.columnsStartAt1 {
			columnShift = 1
		}
		frame.Line = loc.Line - lineShift
		frame.Column = loc.Column - columnShift
		frame.EndLine = loc.EndLine - lineShift
		frame.EndColumn = loc.EndColumn - columnShift
	}
	return frame
}

func (s *Session) onScopes(req *dap.ScopesRequest) {
	if _, ok := s.engine(); !ok {
		s.sendError(&req.Request, codeNotInitialized, "execution has not been launched", nil)
		return
	}
	resp := &dap.ScopesResponse{Response: *newResponse(req.Seq, req.Command)}
	resp.Body.Scopes = []dap.Scope{
		{Name: "AST", VariablesReference: variable.ASTReference},
		{Name: "Runtime State", VariablesReference: variable.RuntimeStateReference},
	}
	s.send(resp)
}

func (s *Session) onVariables(ctx context.Context, req *dap.VariablesRequest) {
	runtime, ok := s.engine()
	if !ok {
		s.sendError(&req.Request, codeNotInitialized, "execution has not been launched", nil)
		return
	}

	vars, err := runtime.Variables(ctx, req.Arguments.VariablesReference)
	if err != nil && !errors.Is(err, variable.ErrUnknownReference) {
		s.sendError(&req.Request, codeNotInitialized, err.Error(), nil)
		return
	}
	if errors.Is(err, variable.ErrUnknownReference) {
		s.log.WithField("reference", req.Arguments.VariablesReference).Debug("stale variables reference")
	}

	resp := &dap.VariablesResponse{Response: *newResponse(req.Seq, req.Command)}
	resp.Body.Variables = make([]dap.Variable, 0, len(vars))
	for _, v := range vars {
		resp.Body.Variables = append(resp.Body.Variables, dap.Variable{
			Name:               v.Name,
			Value:              v.Value,
			VariablesReference: v.Reference,
		})
	}
	s.send(resp)
}

func (s *Session) onSource(req *dap.SourceRequest) {
	s.mu.Lock()
	sourceFile := s.sourceFile
	s.mu.Unlock()
	if sourceFile == "" {
		s.sendError(&req.Request, codeNotInitialized, "execution has not been launched", nil)
		return
	}
	content, err := os.ReadFile(sourceFile)
	if err != nil {
		s.sendError(&req.Request, codeNotImplemented, err.Error(), nil)
		return
	}
	resp := &dap.SourceResponse{Response: *newResponse(req.Seq, req.Command)}
	resp.Body.Content = string(content)
	s.send(resp)
}

// engine returns the launched engine, if any.
func (s *Session) engine() (*engine.Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime, s.runtime != nil
}

func (s *Session) failedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *Session) sendError(req *dap.Request, id int, format string, variables map[string]string) {
	resp := &dap.ErrorResponse{}
	resp.Response = *newResponse(req.Seq, req.Command)
	resp.Success = false
	resp.Message = format
	resp.Body.Error = &dap.ErrorMessage{
		Id:        id,
		Format:    format,
		Variables: variables,
		ShowUser:  true,
	}
	s.send(resp)
}

func unverifiedResponse(req *dap.SetBreakpointsRequest) *dap.SetBreakpointsResponse {
	resp := &dap.SetBreakpointsResponse{Response: *newResponse(req.Seq, req.Command)}
	resp.Body.Breakpoints = make([]dap.Breakpoint, len(req.Arguments.Breakpoints))
	return resp
}

func newResponse(requestSeq int, command string) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		RequestSeq:      requestSeq,
		Command:         command,
		Success:         true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           event,
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

