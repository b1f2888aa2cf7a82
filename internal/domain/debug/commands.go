package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tollgate-mcp/tollgate/internal/domain/registry"
)

const defaultWaitForPause = 30 * time.Second

// RegisterCommands installs the CDP debug operations into r under
// registry.OwnerCommands, immune to filtering and to upstream-disconnect
// eviction the same way core tools are.
func RegisterCommands(r *registry.Registry, m *Manager) {
	r.RegisterCore(registry.OwnerCommands, "debug_create_session",
		"Start a debug session against a Chrome DevTools Protocol inspector target.",
		json.RawMessage(`{"type":"object","properties":{"targetUrl":{"type":"string"},"consoleBufferSize":{"type":"integer"}},"required":["targetUrl"]}`),
		debugCreateSession(m))

	r.RegisterCore(registry.OwnerCommands, "debug_list_sessions",
		"List every known debug session, including terminated ones.",
		json.RawMessage(`{"type":"object","properties":{}}`),
		debugListSessions(m))

	r.RegisterCore(registry.OwnerCommands, "debug_delete_session",
		"Terminate (if needed) and permanently remove a debug session.",
		json.RawMessage(`{"type":"object","properties":{"sessionId":{"type":"string"}},"required":["sessionId"]}`),
		debugDeleteSession(m))

	r.RegisterCore(registry.OwnerCommands, "debug_set_breakpoint",
		"Set a breakpoint at a 1-based line number in a debug session's target.",
		json.RawMessage(`{"type":"object","properties":{"sessionId":{"type":"string"},"file":{"type":"string"},"line":{"type":"integer"},"condition":{"type":"string"}},"required":["sessionId","file","line"]}`),
		debugSetBreakpoint(m))

	r.RegisterCore(registry.OwnerCommands, "debug_remove_breakpoint",
		"Remove a previously set breakpoint from a debug session.",
		json.RawMessage(`{"type":"object","properties":{"sessionId":{"type":"string"},"breakpointId":{"type":"string"}},"required":["sessionId","breakpointId"]}`),
		debugRemoveBreakpoint(m))

	r.RegisterCore(registry.OwnerCommands, "debug_wait_for_pause",
		"Block until the target pauses (breakpoint hit, step, or manual pause) or a timeout elapses.",
		json.RawMessage(`{"type":"object","properties":{"sessionId":{"type":"string"},"timeoutMs":{"type":"integer"}},"required":["sessionId"]}`),
		debugWaitForPause(m))

	r.RegisterCore(registry.OwnerCommands, "debug_resume",
		"Resume a paused debug session's target.",
		json.RawMessage(`{"type":"object","properties":{"sessionId":{"type":"string"}},"required":["sessionId"]}`),
		debugResume(m))

	r.RegisterCore(registry.OwnerCommands, "debug_evaluate",
		"Evaluate an expression in the paused call frame, or globally if the target is running.",
		json.RawMessage(`{"type":"object","properties":{"sessionId":{"type":"string"},"expression":{"type":"string"}},"required":["sessionId","expression"]}`),
		debugEvaluate(m))

	r.RegisterCore(registry.OwnerCommands, "debug_get_console",
		"Return the buffered console output captured for a debug session.",
		json.RawMessage(`{"type":"object","properties":{"sessionId":{"type":"string"}},"required":["sessionId"]}`),
		debugGetConsole(m))
}

func sessionSummary(s *Session) map[string]any {
	return map[string]any{
		"sessionId":   s.ID,
		"targetUrl":   s.TargetURL,
		"state":       s.State().String(),
		"targetState": s.TargetState().String(),
	}
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fmt.Errorf("missing required argument: %s", key)
	}
	return v, nil
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func debugCreateSession(m *Manager) registry.PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		targetURL, err := stringArg(args, "targetUrl")
		if err != nil {
			return nil, err
		}
		req := CreateRequest{
			TargetURL:         targetURL,
			ConsoleBufferSize: intArg(args, "consoleBufferSize", 0),
		}
		s, err := m.Create(context.Background(), req)
		if err != nil {
			return nil, fmt.Errorf("upstream_unavailable: %w", err)
		}
		return json.Marshal(sessionSummary(s))
	}
}

func debugListSessions(m *Manager) registry.PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		sessions := m.List()
		summaries := make([]map[string]any, 0, len(sessions))
		for _, s := range sessions {
			summaries = append(summaries, sessionSummary(s))
		}
		return json.Marshal(map[string]any{"sessions": summaries})
	}
}

func debugDeleteSession(m *Manager) registry.PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		id, err := stringArg(args, "sessionId")
		if err != nil {
			return nil, err
		}
		if err := m.Delete(id); err != nil {
			return nil, fmt.Errorf("tool_not_found: %w", err)
		}
		return json.Marshal(map[string]any{"deleted": true})
	}
}

func debugSetBreakpoint(m *Manager) registry.PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		id, err := stringArg(args, "sessionId")
		if err != nil {
			return nil, err
		}
		file, err := stringArg(args, "file")
		if err != nil {
			return nil, err
		}
		line := intArg(args, "line", 0)
		condition, _ := args["condition"].(string)

		s, err := m.Get(id)
		if err != nil {
			return nil, fmt.Errorf("tool_not_found: %w", err)
		}
		bp, err := s.SetBreakpoint(context.Background(), file, line, condition)
		if err != nil {
			return nil, err
		}
		return json.Marshal(bp)
	}
}

func debugRemoveBreakpoint(m *Manager) registry.PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		id, err := stringArg(args, "sessionId")
		if err != nil {
			return nil, err
		}
		bpID, err := stringArg(args, "breakpointId")
		if err != nil {
			return nil, err
		}
		s, err := m.Get(id)
		if err != nil {
			return nil, fmt.Errorf("tool_not_found: %w", err)
		}
		if err := s.RemoveBreakpoint(context.Background(), bpID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"removed": true})
	}
}

func debugWaitForPause(m *Manager) registry.PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		id, err := stringArg(args, "sessionId")
		if err != nil {
			return nil, err
		}
		timeout := defaultWaitForPause
		if ms := intArg(args, "timeoutMs", 0); ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		s, err := m.Get(id)
		if err != nil {
			return nil, fmt.Errorf("tool_not_found: %w", err)
		}
		frame, err := s.WaitForPause(context.Background(), timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		return json.Marshal(map[string]any{"callFrameId": frame})
	}
}

func debugResume(m *Manager) registry.PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		id, err := stringArg(args, "sessionId")
		if err != nil {
			return nil, err
		}
		s, err := m.Get(id)
		if err != nil {
			return nil, fmt.Errorf("tool_not_found: %w", err)
		}
		if err := s.Resume(context.Background()); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"resumed": true})
	}
}

func debugEvaluate(m *Manager) registry.PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		id, err := stringArg(args, "sessionId")
		if err != nil {
			return nil, err
		}
		expr, err := stringArg(args, "expression")
		if err != nil {
			return nil, err
		}
		s, err := m.Get(id)
		if err != nil {
			return nil, fmt.Errorf("tool_not_found: %w", err)
		}
		result, err := s.Evaluate(context.Background(), expr)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func debugGetConsole(m *Manager) registry.PluginHandler {
	return func(args map[string]interface{}) (json.RawMessage, error) {
		id, err := stringArg(args, "sessionId")
		if err != nil {
			return nil, err
		}
		s, err := m.Get(id)
		if err != nil {
			return nil, fmt.Errorf("tool_not_found: %w", err)
		}
		return json.Marshal(map[string]any{"entries": s.ConsoleEntries()})
	}
}
