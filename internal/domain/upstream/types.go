// Package upstream contains domain types describing a configured MCP
// upstream server: how to reach it, how hard to retry it, and its runtime
// connection state.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// TransportKind identifies the wire transport used to reach an upstream.
type TransportKind string

const (
	// TransportStdio spawns the upstream as a subprocess and speaks
	// newline-delimited JSON over its stdin/stdout.
	TransportStdio TransportKind = "stdio"
	// TransportWebSocket speaks MCP over a persistent WebSocket connection.
	TransportWebSocket TransportKind = "websocket"
	// TransportSSE speaks MCP over a GET event stream paired with POSTed
	// JSON-RPC requests (the pre-2025-03-26 "HTTP+SSE" transport).
	TransportSSE TransportKind = "sse"
	// TransportStreamableHTTP speaks MCP using the streamable-HTTP
	// transport: one POST per request, response is either a single JSON
	// object or an SSE stream carrying one or more responses.
	TransportStreamableHTTP TransportKind = "streamablehttp"
)

// ConnectionStatus represents the runtime connection state of an upstream,
// mirroring the L0 reconnection controller's state machine
// (see internal/domain/reconnect).
type ConnectionStatus string

const (
	StatusIdle         ConnectionStatus = "idle"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusFailed       ConnectionStatus = "failed"
)

// namePattern allows alphanumeric, hyphens, and underscores -- no spaces,
// since Name doubles as the fully-qualified tool name prefix
// (<upstream>__<tool>).
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// nameMaxLength is the maximum allowed length for an upstream name.
const nameMaxLength = 64

// ReconnectPolicy tunes the L0 backoff controller for one upstream.
// Zero values are replaced with package reconnect's defaults.
type ReconnectPolicy struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	MaxAttempts    int
}

// AuthConfig describes how to authenticate outbound requests to a network
// upstream. At most one of the fields is populated.
type AuthConfig struct {
	BearerToken string
	Header      string // custom header name, paired with HeaderValue
	HeaderValue string
}

// Upstream represents a configured MCP upstream server.
type Upstream struct {
	// Name is the unique identifier and the FQ tool-name prefix.
	Name string
	// Kind selects the transport.
	Kind TransportKind
	// Enabled indicates whether this upstream should be connected at boot.
	Enabled bool
	// AutoReconnect enables the L0 reconnection controller for this
	// upstream after an unexpected disconnect.
	AutoReconnect bool

	// Command and Args spawn the subprocess (stdio only).
	Command string
	Args    []string
	// Env holds additional environment variables passed to a stdio
	// upstream; merged with the caller's environment, server wins.
	Env map[string]string

	// URL is the endpoint (websocket/sse/streamablehttp only).
	URL string
	// Auth authenticates outbound requests (network transports only).
	Auth AuthConfig
	// Headers are static headers attached to every outbound request.
	Headers map[string]string

	// ConnectTimeout bounds the initial handshake. Zero means the
	// transport's default.
	ConnectTimeout time.Duration
	// RequestTimeout bounds a single request/response round trip.
	RequestTimeout time.Duration
	// Reconnect tunes the backoff schedule for this upstream.
	Reconnect ReconnectPolicy

	// Status is the runtime connection state (not persisted).
	Status ConnectionStatus
	// LastError is the most recent error message (not persisted).
	LastError string
	// ToolCount is the number of tools discovered (not persisted).
	ToolCount int

	// CreatedAt is when this upstream was added.
	CreatedAt time.Time
	// UpdatedAt is when this upstream was last modified.
	UpdatedAt time.Time
}

// Validate checks that the upstream has valid configuration.
// Returns nil if valid, or an error describing the first validation failure.
func (u *Upstream) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(u.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(u.Name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, hyphens, underscores)")
	}

	switch u.Kind {
	case TransportStdio:
		if u.Command == "" {
			return fmt.Errorf("command is required for stdio upstream")
		}
	case TransportWebSocket, TransportSSE, TransportStreamableHTTP:
		if u.URL == "" {
			return fmt.Errorf("url is required for %s upstream", u.Kind)
		}
		parsed, err := url.Parse(u.URL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("url is not a valid URL")
		}
		switch u.Kind {
		case TransportWebSocket:
			if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
				return fmt.Errorf("websocket url must use ws:// or wss://")
			}
			if parsed.Scheme == "ws" && !isLocalHost(parsed.Hostname()) {
				return fmt.Errorf("ws:// is only permitted against localhost; use wss:// otherwise")
			}
		case TransportSSE, TransportStreamableHTTP:
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return fmt.Errorf("%s url must use http:// or https://", u.Kind)
			}
		}
	default:
		return fmt.Errorf("kind must be one of %q, %q, %q, %q",
			TransportStdio, TransportWebSocket, TransportSSE, TransportStreamableHTTP)
	}

	return nil
}

func isLocalHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
