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
	"time"
)

// SSETransport speaks MCP over an SSE GET stream (inbound) paired with plain
// HTTP POSTs (outbound) to the endpoint the server announces on its first
// "endpoint" event. Grounded on the same auth-refresh-once discipline as
// WebSocketTransport, generalized to HTTP status codes instead of close
// codes.
type SSETransport struct {
	Name    string
	URL     string
	Auth    AuthProvider
	Headers map[string]string
	Client  *http.Client
	Logger  *slog.Logger

	mu         sync.Mutex
	postURL    string
	sessionID  string
	recvCh     chan []byte
	closed     bool
	cancelRead context.CancelFunc

	errMu sync.Mutex
	err   error
}

// NewSSETransport constructs an SSE transport. auth may be nil.
func NewSSETransport(name, url string, auth AuthProvider, headers map[string]string, logger *slog.Logger) *SSETransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSETransport{
		Name:    name,
		URL:     url,
		Auth:    auth,
		Headers: headers,
		Client:  &http.Client{Timeout: 0},
		Logger:  logger,
		recvCh:  make(chan []byte, 64),
		postURL: url,
	}
}

// Connect opens the SSE GET stream and waits for the server's "endpoint"
// event before returning, so the first SendRaw has somewhere to POST to.
func (t *SSETransport) Connect(ctx context.Context) error {
	if err := ValidateURL("sse", t.URL); err != nil {
		return err
	}

	resp, err := t.open(ctx)
	if err != nil && isUnauthorizedResp(resp, err) && t.Auth != nil {
		if refreshErr := t.Auth.Refresh(ctx); refreshErr != nil {
			return fmt.Errorf("sse transport: auth rejected and refresh failed: %w", refreshErr)
		}
		resp, err = t.open(ctx)
		if err != nil && isUnauthorizedResp(resp, err) {
			return fmt.Errorf("sse transport: auth rejected after refresh: %w", err)
		}
	}
	if err != nil {
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelRead = cancel
	t.mu.Unlock()

	endpointReady := make(chan struct{})
	go t.readLoop(readCtx, resp, endpointReady)

	select {
	case <-endpointReady:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("sse transport: timed out waiting for endpoint event")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *SSETransport) open(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("sse transport: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyHeaders(ctx, req)

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse transport: connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		status := resp.StatusCode
		resp.Body.Close()
		return nil, &httpStatusError{status: status, err: fmt.Errorf("unexpected status %d", status)}
	}
	return resp, nil
}

func (t *SSETransport) applyHeaders(ctx context.Context, req *http.Request) error {
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	if t.Auth != nil {
		authHeaders, err := t.Auth.Headers(ctx)
		if err != nil {
			return fmt.Errorf("sse transport: auth headers: %w", err)
		}
		for k, v := range authHeaders {
			req.Header.Set(k, v)
		}
	}
	if t.sessionID != "" {
		req.Header.Set("session_id", t.sessionID)
	}
	return nil
}

// readLoop parses the SSE stream. "event: endpoint" frames set the POST
// target and session id (echoed back on every outgoing POST); "data:"
// lines under any other event are forwarded as JSON-RPC frames.
func (t *SSETransport) readLoop(ctx context.Context, resp *http.Response, endpointReady chan struct{}) {
	defer resp.Body.Close()
	defer t.closeRecv()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var readyClosed bool
	closeReady := func() {
		if !readyClosed {
			readyClosed = true
			close(endpointReady)
		}
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
			continue
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event == "endpoint" {
				t.mu.Lock()
				t.postURL, t.sessionID = resolveEndpoint(t.URL, data)
				t.mu.Unlock()
				closeReady()
				continue
			}
			select {
			case t.recvCh <- []byte(data):
			default:
				t.Logger.Warn("sse transport: recv buffer full, dropping frame", "upstream", t.Name)
			}
		}
	}
	closeReady()
	if err := scanner.Err(); err != nil {
		t.setErr(fmt.Errorf("sse transport: stream error: %w", err))
	} else {
		t.setErr(fmt.Errorf("sse transport: stream closed by upstream"))
	}
}

// resolveEndpoint splits the data payload of an "endpoint" event into a
// POST URL and a session id. Servers either send a full/relative URL with
// a sessionId query parameter, or a bare session id to append to base.
func resolveEndpoint(base, data string) (postURL, sessionID string) {
	if idx := strings.Index(data, "sessionId="); idx >= 0 {
		sessionID = data[idx+len("sessionId="):]
		if amp := strings.IndexByte(sessionID, '&'); amp >= 0 {
			sessionID = sessionID[:amp]
		}
	}
	if strings.HasPrefix(data, "http://") || strings.HasPrefix(data, "https://") {
		return data, sessionID
	}
	if sessionID == "" {
		sessionID = data
	}
	return base, sessionID
}

// SendRaw POSTs one frame to the endpoint announced by the SSE stream.
func (t *SSETransport) SendRaw(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	postURL := t.postURL
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("sse transport: build post: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := t.applyHeaders(ctx, req); err != nil {
		return err
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("sse transport: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode, err: fmt.Errorf("post rejected")}
	}
	return nil
}

// Recv returns the inbound frame channel.
func (t *SSETransport) Recv() <-chan []byte {
	return t.recvCh
}

// Err returns the reason the stream closed, if any.
func (t *SSETransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *SSETransport) setErr(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
}

func (t *SSETransport) closeRecv() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.recvCh)
	}
	t.mu.Unlock()
}

// Close stops the SSE read loop. Idempotent.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	cancel := t.cancelRead
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func isUnauthorizedResp(resp *http.Response, err error) bool {
	if statusErr, ok := err.(*httpStatusError); ok {
		return statusErr.status == http.StatusUnauthorized
	}
	return resp != nil && resp.StatusCode == http.StatusUnauthorized
}
