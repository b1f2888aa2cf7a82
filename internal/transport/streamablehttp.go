package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// StreamableHTTPTransport speaks MCP as one HTTP POST per outbound message.
// The response is either a single JSON-RPC response body, or a
// "text/event-stream" body carrying multiple JSON-RPC messages; this
// transport demultiplexes the latter onto the same Recv channel as direct
// responses.
type StreamableHTTPTransport struct {
	Name    string
	URL     string
	Auth    AuthProvider
	Headers map[string]string
	Client  *http.Client
	Logger  *slog.Logger

	mu       sync.Mutex
	sessID   string
	recvCh   chan []byte
	closed   bool
	refused  bool // second 401 already seen; transport is in a fatal auth state

	errMu sync.Mutex
	err   error
}

// NewStreamableHTTPTransport constructs a streamable-HTTP transport. auth
// may be nil.
func NewStreamableHTTPTransport(name, url string, auth AuthProvider, headers map[string]string, logger *slog.Logger) *StreamableHTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamableHTTPTransport{
		Name:    name,
		URL:     url,
		Auth:    auth,
		Headers: headers,
		Client:  &http.Client{},
		Logger:  logger,
		recvCh:  make(chan []byte, 64),
	}
}

// Connect validates the target URL. There is no persistent connection to
// establish: every message is its own POST.
func (t *StreamableHTTPTransport) Connect(ctx context.Context) error {
	return ValidateURL("streamablehttp", t.URL)
}

// SendRaw POSTs frame to the single configured URL and demultiplexes the
// response onto Recv: a JSON body becomes one frame, an SSE body becomes
// one frame per "data:" line.
func (t *StreamableHTTPTransport) SendRaw(ctx context.Context, frame []byte) error {
	resp, err := t.post(ctx, frame)
	if err != nil && isUnauthorizedResp(nil, err) && t.Auth != nil {
		t.mu.Lock()
		alreadyRefused := t.refused
		t.mu.Unlock()
		if alreadyRefused {
			return fmt.Errorf("streamablehttp transport: auth rejected after refresh: %w", err)
		}
		if refreshErr := t.Auth.Refresh(ctx); refreshErr != nil {
			return fmt.Errorf("streamablehttp transport: auth rejected and refresh failed: %w", refreshErr)
		}
		resp, err = t.post(ctx, frame)
		if err != nil && isUnauthorizedResp(nil, err) {
			t.mu.Lock()
			t.refused = true
			t.mu.Unlock()
			return fmt.Errorf("streamablehttp transport: auth rejected after refresh: %w", err)
		}
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if sessID := resp.Header.Get("Mcp-Session-Id"); sessID != "" {
		t.mu.Lock()
		t.sessID = sessID
		t.mu.Unlock()
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return t.demuxSSEBody(resp)
	}
	return t.deliverSingle(resp)
}

func (t *StreamableHTTPTransport) post(ctx context.Context, frame []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("streamablehttp transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	if t.Auth != nil {
		authHeaders, err := t.Auth.Headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("streamablehttp transport: auth headers: %w", err)
		}
		for k, v := range authHeaders {
			req.Header.Set(k, v)
		}
	}
	t.mu.Lock()
	sessID := t.sessID
	t.mu.Unlock()
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("streamablehttp transport: post: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &httpStatusError{status: resp.StatusCode, err: fmt.Errorf("unauthorized")}
	}
	if resp.StatusCode >= 300 {
		status := resp.StatusCode
		resp.Body.Close()
		return nil, fmt.Errorf("streamablehttp transport: unexpected status %d", status)
	}
	return resp, nil
}

func (t *StreamableHTTPTransport) deliverSingle(resp *http.Response) error {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("streamablehttp transport: read response: %w", err)
	}
	if buf.Len() == 0 {
		return nil // notification: server replies 202/empty body, no frame to deliver.
	}
	t.deliver(buf.Bytes())
	return nil
}

func (t *StreamableHTTPTransport) demuxSSEBody(resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			t.deliver([]byte(strings.TrimSpace(data)))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("streamablehttp transport: stream demux: %w", err)
	}
	return nil
}

func (t *StreamableHTTPTransport) deliver(frame []byte) {
	cp := append([]byte(nil), frame...)
	select {
	case t.recvCh <- cp:
	default:
		t.Logger.Warn("streamablehttp transport: recv buffer full, dropping frame", "upstream", t.Name)
	}
}

// Recv returns the inbound frame channel.
func (t *StreamableHTTPTransport) Recv() <-chan []byte {
	return t.recvCh
}

// Err returns the reason the transport stopped delivering frames, if any.
func (t *StreamableHTTPTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close releases the transport. Idempotent; there is no underlying
// persistent connection to tear down.
func (t *StreamableHTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.recvCh)
	return nil
}
