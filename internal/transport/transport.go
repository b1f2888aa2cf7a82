// Package transport implements the L1 id-correlation core and its L2
// concrete transports (stdio, WebSocket, SSE, streamable HTTP) used to
// speak MCP with an upstream server.
//
// L2 (RawTransport) only knows how to move opaque JSON-RPC frames; L1
// (Session) layers request/response correlation and timeouts on top of any
// RawTransport. Authentication is handled by the network transports
// themselves through an AuthProvider.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ErrTimeout is returned when a correlated call exceeds its request timeout.
var ErrTimeout = errors.New("transport: request timed out")

// ErrClosed is returned by in-flight calls when the underlying transport
// closes before a response arrives.
var ErrClosed = errors.New("transport: closed")

// RawTransport moves opaque newline/frame-delimited JSON-RPC messages to
// and from one upstream connection. Implementations do not interpret
// message content; correlation and timeouts belong to Session (L1).
type RawTransport interface {
	// Connect establishes the underlying connection (process spawn, socket
	// dial, or HTTP session). It must be safe to call Recv/SendRaw only
	// after Connect returns nil.
	Connect(ctx context.Context) error

	// SendRaw transmits one JSON-RPC frame (request, response, or
	// notification) to the upstream. It does not wait for a reply.
	SendRaw(ctx context.Context, frame []byte) error

	// Recv returns a channel of inbound frames. The channel is closed when
	// the transport terminates, whether cleanly or not; callers should
	// check Err() afterward for the reason.
	Recv() <-chan []byte

	// Err returns the reason the Recv channel closed, or nil if Close was
	// called explicitly before any error occurred.
	Err() error

	// Close tears down the connection and releases resources. Idempotent.
	Close() error
}

// AuthProvider supplies per-request authentication material for network
// transports (WebSocket, SSE, streamable HTTP). A transport calls Headers
// once per connection attempt; if the upstream then responds 401, the
// transport calls Refresh once and retries with fresh headers. A second
// 401 is treated as fatal -- see doc on each transport's connect logic.
type AuthProvider interface {
	Headers(ctx context.Context) (map[string]string, error)
	Refresh(ctx context.Context) error
}

// StaticAuthProvider returns a fixed header set and never refreshes.
// Grounded on the teacher's single long-lived API key model -- most
// upstreams in this module have no token rotation story.
type StaticAuthProvider struct {
	headers map[string]string
}

// NewStaticAuthProvider wraps a fixed set of headers.
func NewStaticAuthProvider(headers map[string]string) *StaticAuthProvider {
	return &StaticAuthProvider{headers: headers}
}

func (p *StaticAuthProvider) Headers(_ context.Context) (map[string]string, error) {
	return p.headers, nil
}

func (p *StaticAuthProvider) Refresh(_ context.Context) error {
	return fmt.Errorf("transport: static credentials rejected, no refresh available")
}

// ValidateURL checks that rawURL is well-formed and uses one of the
// allowed schemes for kind, rejecting non-localhost plaintext endpoints.
func ValidateURL(kind string, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("url missing host")
	}

	switch kind {
	case "websocket":
		switch u.Scheme {
		case "wss":
			return nil
		case "ws":
			if isLocalHost(u.Hostname()) {
				return nil
			}
			return fmt.Errorf("ws:// is only permitted against localhost; use wss://")
		default:
			return fmt.Errorf("websocket url must use ws:// or wss://")
		}
	case "sse", "streamablehttp":
		switch u.Scheme {
		case "https":
			return nil
		case "http":
			if isLocalHost(u.Hostname()) {
				return nil
			}
			return fmt.Errorf("http:// is only permitted against localhost; use https://")
		default:
			return fmt.Errorf("%s url must use http:// or https://", kind)
		}
	default:
		return fmt.Errorf("unknown transport kind %q", kind)
	}
}

func isLocalHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
