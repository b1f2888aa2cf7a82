package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/tollgate-mcp/tollgate/internal/domain/registry"
	"github.com/tollgate-mcp/tollgate/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustRequest(t *testing.T, method string, params map[string]interface{}) *mcp.Message {
	t.Helper()
	reqID, _ := jsonrpc.MakeID(float64(1))
	req := &jsonrpc.Request{
		ID:     reqID,
		Method: method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = json.RawMessage(paramsJSON)
	}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ClientToServer,
		Decoded:   req,
	}
}

func decodeResult(t *testing.T, msg *mcp.Message, out interface{}) {
	t.Helper()
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		t.Fatalf("unmarshal response: %v: %s", err, msg.Raw)
	}
	if envelope.Error != nil {
		t.Fatalf("unexpected error response: %+v", envelope.Error)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

func decodeError(t *testing.T, msg *mcp.Message) (code int64, message string) {
	t.Helper()
	var envelope struct {
		Error *struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		t.Fatalf("unmarshal response: %v: %s", err, msg.Raw)
	}
	if envelope.Error == nil {
		t.Fatalf("expected an error response, got: %s", msg.Raw)
	}
	return envelope.Error.Code, envelope.Error.Message
}

func TestAggregatingRouterToolsListReturnsRegistryCatalog(t *testing.T) {
	reg := registry.New(registry.ExposureConfig{})
	registry.RegisterCoreTools(reg, nil)
	reg.SetUpstreamTools("svc", []registry.DiscoveredTool{{Name: "run", Description: "runs things"}},
		func(original string, args map[string]interface{}) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		})

	router := NewAggregatingRouter(reg, "aggregator", "1.0.0", discardLogger())
	msg := mustRequest(t, "tools/list", nil)
	resp, err := router.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}

	var result toolsListResult
	decodeResult(t, resp, &result)
	found := false
	for _, tool := range result.Tools {
		if tool.Name == "svc__run" {
			found = true
		}
	}
	if !found {
		t.Fatalf("svc__run missing from tools/list: %+v", result.Tools)
	}
}

func TestAggregatingRouterToolsCallDispatchesByFQName(t *testing.T) {
	reg := registry.New(registry.ExposureConfig{})
	var gotArgs map[string]interface{}
	reg.SetUpstreamTools("svc", []registry.DiscoveredTool{{Name: "run"}},
		func(original string, args map[string]interface{}) (json.RawMessage, error) {
			gotArgs = args
			return json.RawMessage(`{"ok":true}`), nil
		})

	router := NewAggregatingRouter(reg, "aggregator", "1.0.0", discardLogger())
	msg := mustRequest(t, "tools/call", map[string]interface{}{
		"name":      "svc__run",
		"arguments": map[string]interface{}{"x": float64(1)},
	})
	resp, err := router.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}

	var result map[string]interface{}
	decodeResult(t, resp, &result)
	if result["ok"] != true {
		t.Fatalf("got %+v", result)
	}
	if gotArgs["x"] != float64(1) {
		t.Fatalf("arguments not forwarded: %+v", gotArgs)
	}
}

func TestAggregatingRouterToolsCallUnknownNameReturnsToolNotFound(t *testing.T) {
	reg := registry.New(registry.ExposureConfig{})
	router := NewAggregatingRouter(reg, "aggregator", "1.0.0", discardLogger())
	msg := mustRequest(t, "tools/call", map[string]interface{}{"name": "nope__nope"})
	resp, err := router.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	code, message := decodeError(t, resp)
	if code != ErrCodeMethodNotFound {
		t.Fatalf("got code %d, message %q", code, message)
	}
}

func TestAggregatingRouterToolsCallAmbiguousShortName(t *testing.T) {
	reg := registry.New(registry.ExposureConfig{AllowShortNames: true})
	reg.SetUpstreamTools("A", []registry.DiscoveredTool{{Name: "solo"}}, noopHandlerForTest)
	reg.SetUpstreamTools("B", []registry.DiscoveredTool{{Name: "solo"}}, noopHandlerForTest)

	router := NewAggregatingRouter(reg, "aggregator", "1.0.0", discardLogger())
	msg := mustRequest(t, "tools/call", map[string]interface{}{"name": "solo"})
	resp, err := router.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	code, _ := decodeError(t, resp)
	if code != ErrCodeAmbiguous {
		t.Fatalf("got code %d, want ErrCodeAmbiguous", code)
	}
}

func TestAggregatingRouterToolsCallUpstreamUnavailable(t *testing.T) {
	reg := registry.New(registry.ExposureConfig{})
	reg.SetUpstreamTools("svc", []registry.DiscoveredTool{{Name: "run"}},
		func(original string, args map[string]interface{}) (json.RawMessage, error) {
			return nil, &UpstreamUnavailableError{Upstream: "svc"}
		})

	router := NewAggregatingRouter(reg, "aggregator", "1.0.0", discardLogger())
	msg := mustRequest(t, "tools/call", map[string]interface{}{"name": "svc__run"})
	resp, err := router.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	code, _ := decodeError(t, resp)
	if code != ErrCodeUpstreamUnavailable {
		t.Fatalf("got code %d, want ErrCodeUpstreamUnavailable", code)
	}
}

func TestAggregatingRouterToolsCallTimeout(t *testing.T) {
	reg := registry.New(registry.ExposureConfig{})
	reg.SetUpstreamTools("svc", []registry.DiscoveredTool{{Name: "slow"}},
		func(original string, args map[string]interface{}) (json.RawMessage, error) {
			return nil, &TimeoutError{Tool: "svc__slow"}
		})

	router := NewAggregatingRouter(reg, "aggregator", "1.0.0", discardLogger())
	msg := mustRequest(t, "tools/call", map[string]interface{}{"name": "svc__slow"})
	resp, err := router.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	code, _ := decodeError(t, resp)
	if code != ErrCodeTimeout {
		t.Fatalf("got code %d, want ErrCodeTimeout", code)
	}
}

func TestAggregatingRouterToolsCallUpstreamErrorForwardedVerbatim(t *testing.T) {
	reg := registry.New(registry.ExposureConfig{})
	reg.SetUpstreamTools("svc", []registry.DiscoveredTool{{Name: "run"}},
		func(original string, args map[string]interface{}) (json.RawMessage, error) {
			return nil, fmt.Errorf("division by zero")
		})

	router := NewAggregatingRouter(reg, "aggregator", "1.0.0", discardLogger())
	msg := mustRequest(t, "tools/call", map[string]interface{}{"name": "svc__run"})
	resp, err := router.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	_, message := decodeError(t, resp)
	if message != "division by zero" {
		t.Fatalf("got message %q, want the upstream error forwarded verbatim", message)
	}
}

func TestAggregatingRouterServerToClientPassesThrough(t *testing.T) {
	reg := registry.New(registry.ExposureConfig{})
	router := NewAggregatingRouter(reg, "aggregator", "1.0.0", discardLogger())
	msg := &mcp.Message{Raw: []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), Direction: mcp.ServerToClient}
	resp, err := router.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if resp != msg {
		t.Fatal("server-to-client messages must pass through unchanged")
	}
}

func noopHandlerForTest(original string, args map[string]interface{}) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
