package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tollgate-mcp/tollgate/internal/config"
	"github.com/tollgate-mcp/tollgate/internal/domain/proxy"
	"github.com/tollgate-mcp/tollgate/internal/domain/reconnect"
	"github.com/tollgate-mcp/tollgate/internal/domain/registry"
	"github.com/tollgate-mcp/tollgate/internal/domain/upstream"
	"github.com/tollgate-mcp/tollgate/internal/transport"
)

// CatalogChanged is satisfied by *pkg/mcp.Notifier; kept as a narrow
// interface so the aggregator doesn't need to import pkg/mcp just for the
// concrete type.
type CatalogChanged interface {
	Notify()
}

// Aggregator connects to every configured upstream MCP server, keeps a
// registry.Registry in sync with each one's tool catalog via tools/list
// discovery, and drives a reconnect.Controller per upstream so a dropped
// connection is retried with capped exponential backoff instead of taking
// that upstream's tools out of the catalog forever.
type Aggregator struct {
	registry *registry.Registry
	notifier CatalogChanged
	logger   *slog.Logger

	wg sync.WaitGroup

	statusMu sync.RWMutex
	statuses map[string]*upstream.Upstream
}

// NewAggregator wires reg to be kept up to date from a set of upstreams.
// notifier may be nil, in which case tools/list_changed is never emitted.
func NewAggregator(reg *registry.Registry, notifier CatalogChanged, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{registry: reg, notifier: notifier, logger: logger, statuses: make(map[string]*upstream.Upstream)}
}

// Statuses returns a point-in-time snapshot of every configured upstream's
// connection state, for diagnostics (e.g. the /health endpoint). Ordering
// is unspecified.
func (a *Aggregator) Statuses() []upstream.Upstream {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	out := make([]upstream.Upstream, 0, len(a.statuses))
	for _, u := range a.statuses {
		out = append(out, *u)
	}
	return out
}

func (a *Aggregator) setStatus(name string, mutate func(u *upstream.Upstream)) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	u, ok := a.statuses[name]
	if !ok {
		u = &upstream.Upstream{Name: name, CreatedAt: a.now()}
		a.statuses[name] = u
	}
	mutate(u)
	u.UpdatedAt = a.now()
}

// now is a seam so tests needn't depend on wall-clock ordering; production
// code always wants the real clock.
func (a *Aggregator) now() time.Time {
	return time.Now()
}

// Start launches one supervising goroutine per server spec and returns
// immediately. Each upstream connects, discovers tools, and reconnects on
// disconnect in the background until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context, specs []config.ServerSpec, defaultReconnect config.ReconnectSpec) {
	for _, spec := range specs {
		spec := spec
		policy := reconnectPolicyFor(spec, defaultReconnect)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.superviseUpstream(ctx, spec, policy)
		}()
	}
}

// Wait blocks until every upstream supervisor goroutine has exited, which
// happens once the context passed to Start is cancelled.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

func reconnectPolicyFor(spec config.ServerSpec, def config.ReconnectSpec) reconnect.Policy {
	rs := def
	if spec.Transport != nil && spec.Transport.Reconnect != nil {
		rs = *spec.Transport.Reconnect
	}
	return reconnect.Policy{
		InitialDelay: time.Duration(rs.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(rs.MaxDelayMs) * time.Millisecond,
		Multiplier:   rs.BackoffMultiplier,
		MaxAttempts:  rs.MaxAttempts,
	}
}

func requestTimeoutFor(spec config.ServerSpec) time.Duration {
	if spec.Transport == nil || spec.Transport.Timeout == "" {
		return transport.DefaultRequestTimeout
	}
	d, err := time.ParseDuration(spec.Transport.Timeout)
	if err != nil {
		return transport.DefaultRequestTimeout
	}
	return d
}

func (a *Aggregator) superviseUpstream(ctx context.Context, spec config.ServerSpec, policy reconnect.Policy) {
	logger := a.logger.With("upstream", spec.Name)
	ctrl := reconnect.NewController(policy, func(from, to reconnect.State, attempt int) {
		logger.Info("upstream state transition", "from", from, "to", to, "attempt", attempt)
		a.setStatus(spec.Name, func(u *upstream.Upstream) { u.Status = toUpstreamStatus(to) })
	})
	requestTimeout := requestTimeoutFor(spec)

	desc := toUpstreamDescriptor(spec)
	if err := desc.Validate(); err != nil {
		logger.Error("upstream descriptor failed validation, giving up", "error", err)
		a.setStatus(spec.Name, func(u *upstream.Upstream) {
			u.Status, u.LastError = upstream.StatusFailed, err.Error()
		})
		return
	}

	for ctx.Err() == nil {
		ctrl.NoteConnecting()

		raw, err := buildTransport(spec, logger)
		if err != nil {
			logger.Error("invalid upstream transport config, giving up", "error", err)
			a.setStatus(spec.Name, func(u *upstream.Upstream) {
				u.Status, u.LastError = upstream.StatusFailed, err.Error()
			})
			return
		}

		sess := transport.NewSession(raw, requestTimeout, nil)
		if err := sess.Start(ctx); err != nil {
			logger.Warn("upstream connect failed", "error", err)
			a.setStatus(spec.Name, func(u *upstream.Upstream) { u.LastError = err.Error() })
			if !a.waitForRetry(ctx, ctrl, logger) {
				a.setStatus(spec.Name, func(u *upstream.Upstream) { u.Status = upstream.StatusFailed })
				return
			}
			continue
		}

		tools, err := discoverTools(ctx, sess)
		if err != nil {
			logger.Warn("tools/list failed", "error", err)
		}
		if changed := a.registry.SetUpstreamTools(spec.Name, tools, toolCallHandler(spec.Name, sess)); changed {
			a.notifyChanged()
		}
		ctrl.NoteConnected()
		a.setStatus(spec.Name, func(u *upstream.Upstream) {
			u.ToolCount, u.LastError = len(tools), ""
		})
		logger.Info("upstream connected", "tools", len(tools))

		select {
		case <-ctx.Done():
			_ = sess.Close()
			if changed := a.registry.RemoveUpstream(spec.Name); changed {
				a.notifyChanged()
			}
			return
		case <-sess.Done():
		}

		if changed := a.registry.RemoveUpstream(spec.Name); changed {
			a.notifyChanged()
		}
		closeErr := raw.Err()
		logger.Warn("upstream disconnected", "error", closeErr)
		a.setStatus(spec.Name, func(u *upstream.Upstream) {
			u.ToolCount = 0
			if closeErr != nil {
				u.LastError = closeErr.Error()
			}
		})

		// §4.3.2: a normal (1000) or protocol-error (1002/1003) WebSocket
		// close is not retried -- it's a deliberate or unrecoverable close,
		// not a transient loss of connection. Non-WebSocket transports and
		// every other close code fall through to the normal backoff path.
		if !transport.Reconnectable(closeErr) {
			logger.Warn("upstream close is not reconnectable, giving up", "error", closeErr)
			a.setStatus(spec.Name, func(u *upstream.Upstream) { u.Status = upstream.StatusFailed })
			return
		}

		if !a.waitForRetry(ctx, ctrl, logger) {
			a.setStatus(spec.Name, func(u *upstream.Upstream) { u.Status = upstream.StatusFailed })
			return
		}
	}
}

// toUpstreamDescriptor maps a configured server spec onto the domain
// descriptor shape from the data model (§3), so its Validate() -- which
// enforces the name/URL-scheme rules, including the wss://-except-localhost
// restriction -- runs once up front, before any transport is built. A
// failure here is a non-retryable error per §7's taxonomy: it short-circuits
// straight to Failed without consuming reconnect attempts.
func toUpstreamDescriptor(spec config.ServerSpec) *upstream.Upstream {
	u := &upstream.Upstream{
		Name:    spec.Name,
		Enabled: true,
	}
	if !spec.IsNetwork() {
		u.Kind = upstream.TransportStdio
		u.Command = spec.Command
		u.Args = spec.Args
		u.Env = spec.Env
		return u
	}
	switch spec.Transport.Kind {
	case "ws", "websocket":
		u.Kind = upstream.TransportWebSocket
	case "sse":
		u.Kind = upstream.TransportSSE
	default:
		u.Kind = upstream.TransportStreamableHTTP
	}
	u.URL = spec.Transport.URL
	return u
}

func toUpstreamStatus(s reconnect.State) upstream.ConnectionStatus {
	switch s {
	case reconnect.StateConnecting:
		return upstream.StatusConnecting
	case reconnect.StateConnected:
		return upstream.StatusConnected
	case reconnect.StateDisconnected:
		return upstream.StatusDisconnected
	case reconnect.StateReconnecting:
		return upstream.StatusReconnecting
	case reconnect.StateFailed:
		return upstream.StatusFailed
	default:
		return upstream.StatusIdle
	}
}

// waitForRetry asks ctrl for the next backoff delay and blocks for it.
// Returns false if the controller has given up (MaxAttempts exhausted) or
// ctx was cancelled during the wait, meaning the caller must stop.
func (a *Aggregator) waitForRetry(ctx context.Context, ctrl *reconnect.Controller, logger *slog.Logger) bool {
	delay, ok := ctrl.NoteDisconnected()
	if !ok {
		logger.Error("upstream reconnect attempts exhausted, giving up")
		return false
	}
	logger.Info("retrying upstream", "delay", delay)
	if err := ctrl.WaitContext(ctx, delay); err != nil {
		return false
	}
	return ctx.Err() == nil
}

func (a *Aggregator) notifyChanged() {
	if a.notifier != nil {
		a.notifier.Notify()
	}
}

func buildTransport(spec config.ServerSpec, logger *slog.Logger) (transport.RawTransport, error) {
	if !spec.IsNetwork() {
		return transport.NewStdioTransport(spec.Name, spec.Command, spec.Args, spec.Env, logger), nil
	}

	ts := spec.Transport
	var auth transport.AuthProvider
	headers := map[string]string{}
	if spec.Auth != nil {
		headers = spec.Auth.StaticHeaders
		if len(spec.Auth.StaticHeaders) > 0 {
			auth = transport.NewStaticAuthProvider(spec.Auth.StaticHeaders)
		}
	}

	switch ts.Kind {
	case "ws", "websocket":
		return transport.NewWebSocketTransport(spec.Name, ts.URL, auth, headers, logger), nil
	case "sse":
		return transport.NewSSETransport(spec.Name, ts.URL, auth, headers, logger), nil
	case "streamable-http", "streamablehttp", "":
		return transport.NewStreamableHTTPTransport(spec.Name, ts.URL, auth, headers, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q for upstream %q", ts.Kind, spec.Name)
	}
}

func discoverTools(ctx context.Context, sess *transport.Session) ([]registry.DiscoveredTool, error) {
	raw, err := sess.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing tools/list result: %w", err)
	}
	out := make([]registry.DiscoveredTool, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		out = append(out, registry.DiscoveredTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

// toolCallHandler builds the registry dispatch closure for one upstream
// connection, translating transport-level failures into the distinct
// upstream_unavailable / timeout errors the aggregating router reports as
// separate JSON-RPC error codes.
func toolCallHandler(upstreamName string, sess *transport.Session) func(original string, args map[string]interface{}) (json.RawMessage, error) {
	return func(original string, args map[string]interface{}) (json.RawMessage, error) {
		result, err := sess.Call(context.Background(), "tools/call", map[string]any{
			"name":      original,
			"arguments": args,
		})
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrTimeout):
				return nil, &proxy.TimeoutError{Tool: registry.FQName(upstreamName, original)}
			case errors.Is(err, transport.ErrClosed):
				return nil, &proxy.UpstreamUnavailableError{Upstream: upstreamName}
			default:
				return nil, err
			}
		}
		return result, nil
	}
}
