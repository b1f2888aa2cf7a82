package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tollgate-mcp/tollgate/internal/transport"
)

// commandTimeout is the default CDP command timeout (§4.5).
const commandTimeout = 10 * time.Second

// Session is one live (or post-mortem, pre-deletion) debug session. It
// owns a CDP client built on the same transport.Session correlation core
// the upstream transports use, a breakpoint registry, pause-wait
// coordination, and a bounded console buffer.
type Session struct {
	ID        string
	TargetURL string

	mu          sync.Mutex
	state       SessionState
	targetState TargetState
	pauseFrame  string // top call frame id captured on the last pause

	conn *transport.Session

	breakpoints map[string]*Breakpoint
	console     *consoleRing

	waitersMu sync.Mutex
	waiters   []chan pauseResult

	logger *slog.Logger
}

type pauseResult struct {
	frameID string
	err     error
}

func newSession(id string, req CreateRequest, logger *slog.Logger) *Session {
	return &Session{
		ID:          id,
		TargetURL:   req.TargetURL,
		state:       Initializing,
		targetState: Running,
		breakpoints: make(map[string]*Breakpoint),
		console:     newConsoleRing(req.ConsoleBufferSize),
		logger:      logger,
	}
}

// connect dials the target's inspector endpoint and wires typed-event
// dispatch. Transitions Initializing -> Connected -> Active.
func (s *Session) connect(ctx context.Context) error {
	ws := transport.NewWebSocketTransport("debug:"+s.ID, s.TargetURL, nil, nil, s.logger)
	return s.connectWith(ctx, ws)
}

// connectWith drives the same connect/start sequence over any RawTransport;
// split out so tests can substitute a fake in place of a real WebSocket.
func (s *Session) connectWith(ctx context.Context, raw transport.RawTransport) error {
	s.conn = transport.NewSession(raw, commandTimeout, s.handleEvent)

	if err := raw.Connect(ctx); err != nil {
		return fmt.Errorf("debug session %s: connect: %w", s.ID, err)
	}
	s.setState(Connected)

	if err := s.conn.Start(ctx); err != nil {
		return fmt.Errorf("debug session %s: start correlation: %w", s.ID, err)
	}
	s.setState(Active)
	return nil
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TargetState returns the debuggee's current execution state.
func (s *Session) TargetState() TargetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetState
}

// handleEvent dispatches a CDP notification by method name. It is the
// transport.NotificationHandler passed to transport.NewSession.
func (s *Session) handleEvent(method string, params json.RawMessage) {
	switch method {
	case "Debugger.paused":
		s.onPaused(params)
	case "Debugger.resumed":
		s.onResumed()
	case "Debugger.breakpointResolved":
		s.onBreakpointResolved(params)
	case "Runtime.consoleAPICalled":
		s.onConsoleAPICalled(params)
	case "Runtime.exceptionThrown":
		s.onExceptionThrown(params)
	case "Debugger.scriptParsed":
		// Recorded for completeness; no session state currently derives
		// from it beyond what breakpointResolved already captures.
	}
}

func (s *Session) onPaused(params json.RawMessage) {
	var payload struct {
		CallFrames []struct {
			CallFrameID string `json:"callFrameId"`
		} `json:"callFrames"`
	}
	_ = json.Unmarshal(params, &payload)

	s.mu.Lock()
	s.targetState = Paused
	if len(payload.CallFrames) > 0 {
		s.pauseFrame = payload.CallFrames[0].CallFrameID
	}
	frame := s.pauseFrame
	s.mu.Unlock()

	s.resolveWaiters(pauseResult{frameID: frame})
}

func (s *Session) onResumed() {
	s.mu.Lock()
	s.targetState = Running
	s.pauseFrame = ""
	s.mu.Unlock()
}

func (s *Session) onBreakpointResolved(params json.RawMessage) {
	var payload struct {
		BreakpointID string `json:"breakpointId"`
		Location     struct {
			ScriptID     string `json:"scriptId"`
			LineNumber   int    `json:"lineNumber"`
			ColumnNumber int    `json:"columnNumber"`
		} `json:"location"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bp, ok := s.breakpoints[payload.BreakpointID]
	if !ok {
		return
	}
	bp.Verified = true
	bp.ResolvedLocations = append(bp.ResolvedLocations, ResolvedLocation{
		ScriptID: payload.Location.ScriptID,
		Line:     payload.Location.LineNumber + 1, // CDP wire is 0-based
		Column:   payload.Location.ColumnNumber,
	})
}

func (s *Session) onConsoleAPICalled(params json.RawMessage) {
	var payload struct {
		Type string `json:"type"`
		Args []struct {
			Value       json.RawMessage `json:"value"`
			Description string          `json:"description"`
		} `json:"args"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return
	}
	text := ""
	for i, a := range payload.Args {
		if i > 0 {
			text += " "
		}
		if a.Description != "" {
			text += a.Description
		} else {
			text += string(a.Value)
		}
	}
	s.console.push(ConsoleEntry{Type: payload.Type, Text: text, Timestamp: time.Now()})
}

func (s *Session) onExceptionThrown(params json.RawMessage) {
	var payload struct {
		ExceptionDetails struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return
	}
	s.console.push(ConsoleEntry{Type: "exception", Text: payload.ExceptionDetails.Text, Timestamp: time.Now()})
}

// WaitForPause blocks until the next Debugger.paused event or timeout,
// whichever comes first. Multiple concurrent callers are all resolved by
// the same next pause event; each maintains its own timeout.
func (s *Session) WaitForPause(ctx context.Context, timeout time.Duration) (string, error) {
	ch := make(chan pauseResult, 1)
	s.waitersMu.Lock()
	s.waiters = append(s.waiters, ch)
	s.waitersMu.Unlock()

	select {
	case res := <-ch:
		return res.frameID, res.err
	case <-time.After(timeout):
		return "", fmt.Errorf("debug session %s: wait_for_pause timed out", s.ID)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) resolveWaiters(res pauseResult) {
	s.waitersMu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.waitersMu.Unlock()
	for _, ch := range waiters {
		ch <- res
	}
}

// rejectWaiters fails every pending WaitForPause call, used on session
// termination.
func (s *Session) rejectWaiters() {
	s.resolveWaiters(pauseResult{err: fmt.Errorf("debug session %s: terminated", s.ID)})
}

// SetBreakpoint sets a breakpoint at a 1-based external line number,
// translating to CDP's 0-based wire format, and blocks for the CDP
// response (synchronous from the caller's perspective).
func (s *Session) SetBreakpoint(ctx context.Context, file string, line int, condition string) (*Breakpoint, error) {
	params := map[string]interface{}{
		"lineNumber": line - 1,
		"url":        file,
	}
	if condition != "" {
		params["condition"] = condition
	}
	raw, err := s.conn.Call(ctx, "Debugger.setBreakpointByUrl", mustMarshal(params))
	if err != nil {
		return nil, fmt.Errorf("debug session %s: set breakpoint: %w", s.ID, err)
	}
	var result struct {
		BreakpointID string `json:"breakpointId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("debug session %s: decode breakpoint response: %w", s.ID, err)
	}

	bp := &Breakpoint{ID: result.BreakpointID, File: file, Line: line, Condition: condition}
	s.mu.Lock()
	s.breakpoints[bp.ID] = bp
	s.mu.Unlock()
	return bp, nil
}

// RemoveBreakpoint removes a previously set breakpoint.
func (s *Session) RemoveBreakpoint(ctx context.Context, id string) error {
	_, err := s.conn.Call(ctx, "Debugger.removeBreakpoint", mustMarshal(map[string]interface{}{"breakpointId": id}))
	if err != nil {
		return fmt.Errorf("debug session %s: remove breakpoint: %w", s.ID, err)
	}
	s.mu.Lock()
	delete(s.breakpoints, id)
	s.mu.Unlock()
	return nil
}

// Evaluate evaluates expr in the paused call frame's scope if the target
// is currently paused, or globally via Runtime.evaluate otherwise.
func (s *Session) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	s.mu.Lock()
	targetState := s.targetState
	frame := s.pauseFrame
	s.mu.Unlock()

	if targetState == Paused && frame != "" {
		return s.conn.Call(ctx, "Debugger.evaluateOnCallFrame", mustMarshal(map[string]interface{}{
			"callFrameId": frame,
			"expression":  expr,
		}))
	}
	return s.conn.Call(ctx, "Runtime.evaluate", mustMarshal(map[string]interface{}{"expression": expr}))
}

// Resume resumes a paused target.
func (s *Session) Resume(ctx context.Context) error {
	_, err := s.conn.Call(ctx, "Debugger.resume", nil)
	return err
}

// ConsoleEntries returns a snapshot of the captured console output,
// oldest first.
func (s *Session) ConsoleEntries() []ConsoleEntry {
	return s.console.snapshot()
}

// Breakpoints returns every currently registered breakpoint.
func (s *Session) Breakpoints() []*Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Breakpoint, 0, len(s.breakpoints))
	for _, bp := range s.breakpoints {
		out = append(out, bp)
	}
	return out
}

// terminate tears down the CDP connection and rejects pending waiters.
// Does not remove the session from the manager: sessions are queryable
// post-mortem until explicitly deleted.
func (s *Session) terminate() {
	s.setState(Terminating)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Lock()
	s.targetState = TargetTerminated
	s.mu.Unlock()
	s.rejectWaiters()
	s.setState(Terminated)
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
