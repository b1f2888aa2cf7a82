// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tollgate-mcp/tollgate/internal/domain/registry"
	"github.com/tollgate-mcp/tollgate/pkg/mcp"
)

// Error codes the AggregatingRouter attaches to tools/call failures, per
// the failure-semantics table: upstream-not-connected, request-timeout,
// and not-found/ambiguous name resolution are distinct JSON-RPC errors
// rather than one generic "internal" bucket.
const (
	ErrCodeUpstreamUnavailable int64 = -32001
	ErrCodeTimeout             int64 = -32002
	ErrCodeAmbiguous           int64 = -32003
)

// UpstreamUnavailableError marks a tools/call failure caused by the owning
// upstream not being connected (no reconnect wait).
type UpstreamUnavailableError struct{ Upstream string }

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream_unavailable: %s", e.Upstream)
}

// TimeoutError marks a tools/call failure caused by an upstream request
// timing out.
type TimeoutError struct{ Tool string }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Tool)
}

// AggregatingRouter is the innermost interceptor for multi-upstream mode:
// it dispatches tools/list and tools/call against a fully-qualified-name
// registry.Registry rather than a single primary upstream connection.
// Core and command tools, upstream tools, and short-name resolution
// all flow through the same registry.Resolve contract.
type AggregatingRouter struct {
	registry   *registry.Registry
	serverName string
	serverVer  string
	logger     *slog.Logger
}

// NewAggregatingRouter creates a router dispatching against reg.
func NewAggregatingRouter(reg *registry.Registry, serverName, serverVersion string, logger *slog.Logger) *AggregatingRouter {
	return &AggregatingRouter{
		registry:   reg,
		serverName: serverName,
		serverVer:  serverVersion,
		logger:     logger,
	}
}

// Intercept implements MessageInterceptor.
func (a *AggregatingRouter) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction == mcp.ServerToClient {
		return msg, nil
	}

	switch msg.Method() {
	case "initialize":
		return a.handleInitialize(msg)
	case "notifications/initialized", "initialized":
		return a.buildResultResponse(msg, map[string]any{})
	case "tools/list":
		return a.handleToolsList(msg)
	case "tools/call":
		return a.handleToolsCall(ctx, msg)
	default:
		a.logger.Debug("aggregating router: no handler for method, passing through", "method", msg.Method())
		return msg, nil
	}
}

func (a *AggregatingRouter) handleInitialize(msg *mcp.Message) (*mcp.Message, error) {
	result := map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    a.serverName,
			"version": a.serverVer,
		},
	}
	return a.buildResultResponse(msg, result)
}

func (a *AggregatingRouter) handleToolsList(msg *mcp.Message) (*mcp.Message, error) {
	visible := a.registry.Visible()
	tools := make([]toolEntry, 0, len(visible))
	for _, e := range visible {
		tools = append(tools, toolEntry{
			Name:        e.FQName,
			Description: e.Description,
			InputSchema: e.InputSchema,
		})
	}
	return a.buildResultResponse(msg, toolsListResult{Tools: tools})
}

func (a *AggregatingRouter) handleToolsCall(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	params := msg.ParseParams()
	name, _ := params["name"].(string)
	if name == "" {
		return a.buildErrorResponse(msg, ErrCodeMethodNotFound, "tool_not_found: (empty name)"), nil
	}
	args, _ := params["arguments"].(map[string]interface{})

	entry, err := a.registry.Resolve(name)
	if err != nil {
		return a.buildResolveErrorResponse(msg, name, err), nil
	}
	if !entry.Visible() {
		return a.buildErrorResponse(msg, ErrCodeMethodNotFound, fmt.Sprintf("tool_not_found: %s", name)), nil
	}
	if entry.Handler == nil {
		return a.buildErrorResponse(msg, ErrCodeUpstreamUnavailable, fmt.Sprintf("upstream_unavailable: %s", name)), nil
	}

	start := time.Now()
	result, err := entry.Handler(args)
	elapsed := time.Since(start)
	if err != nil {
		a.logger.Warn("tools/call failed", "tool", name, "upstream", entry.Owner, "error", err, "duration_ms", elapsed.Milliseconds())
		var unavailable *UpstreamUnavailableError
		var timeout *TimeoutError
		switch {
		case errors.As(err, &unavailable):
			return a.buildErrorResponse(msg, ErrCodeUpstreamUnavailable, err.Error()), nil
		case errors.As(err, &timeout):
			return a.buildErrorResponse(msg, ErrCodeTimeout, err.Error()), nil
		default:
			// Upstream-returned-error is forwarded verbatim.
			return a.buildErrorResponse(msg, ErrCodeInternal, err.Error()), nil
		}
	}

	a.logger.Debug("tools/call completed", "tool", name, "upstream", entry.Owner, "duration_ms", elapsed.Milliseconds())
	var raw json.RawMessage = result
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return a.buildRawResultResponse(msg, raw)
}

func (a *AggregatingRouter) buildResolveErrorResponse(msg *mcp.Message, name string, err error) *mcp.Message {
	var ambiguous *registry.ErrAmbiguous
	if errors.As(err, &ambiguous) {
		return a.buildErrorResponse(msg, ErrCodeAmbiguous, err.Error())
	}
	return a.buildErrorResponse(msg, ErrCodeMethodNotFound, fmt.Sprintf("tool_not_found: %s", name))
}

func (a *AggregatingRouter) buildErrorResponse(msg *mcp.Message, code int64, message string) *mcp.Message {
	rawID := msg.RawID()
	resp := jsonRPCError{
		JSONRPC: "2.0",
		Error:   jsonRPCErrorDetail{Code: code, Message: message},
	}
	if rawID != nil {
		resp.ID = rawID
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		a.logger.Error("failed to marshal error response", "error", err)
		return msg
	}
	return &mcp.Message{Raw: raw, Direction: mcp.ServerToClient, Timestamp: time.Now()}
}

func (a *AggregatingRouter) buildResultResponse(msg *mcp.Message, result interface{}) (*mcp.Message, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return a.buildRawResultResponse(msg, resultJSON)
}

func (a *AggregatingRouter) buildRawResultResponse(msg *mcp.Message, result json.RawMessage) (*mcp.Message, error) {
	rawID := msg.RawID()
	resp := jsonRPCResult{JSONRPC: "2.0", Result: result}
	if rawID != nil {
		resp.ID = rawID
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}
	return &mcp.Message{Raw: raw, Direction: mcp.ServerToClient, Timestamp: time.Now()}, nil
}

// Compile-time check that AggregatingRouter implements MessageInterceptor.
var _ MessageInterceptor = (*AggregatingRouter)(nil)
