package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 45 * time.Second
	wsWriteWait    = 10 * time.Second
)

// WebSocketTransport speaks MCP over a persistent WebSocket connection,
// pinging the upstream every wsPingInterval to detect a dead peer sooner
// than TCP would.
type WebSocketTransport struct {
	Name    string
	URL     string
	Auth    AuthProvider
	Headers map[string]string
	Logger  *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	recvCh   chan []byte
	writeMu  sync.Mutex
	closed   bool

	errMu sync.Mutex
	err   error
}

// NewWebSocketTransport constructs a WebSocket transport. auth may be nil.
func NewWebSocketTransport(name, url string, auth AuthProvider, headers map[string]string, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		Name:    name,
		URL:     url,
		Auth:    auth,
		Headers: headers,
		Logger:  logger,
		recvCh:  make(chan []byte, 64),
	}
}

// Connect dials the upstream. On a 401 it asks Auth to refresh once and
// retries; a second 401 is fatal.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	if err := ValidateURL("websocket", t.URL); err != nil {
		return err
	}

	conn, err := t.dial(ctx)
	if err != nil && isUnauthorized(err) && t.Auth != nil {
		if refreshErr := t.Auth.Refresh(ctx); refreshErr != nil {
			return fmt.Errorf("websocket transport: auth rejected and refresh failed: %w", refreshErr)
		}
		conn, err = t.dial(ctx)
		if err != nil && isUnauthorized(err) {
			return fmt.Errorf("websocket transport: auth rejected after refresh: %w", err)
		}
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go t.readLoop(conn)
	go t.pingLoop(conn)

	return nil
}

func (t *WebSocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range t.Headers {
		header.Set(k, v)
	}
	if t.Auth != nil {
		authHeaders, err := t.Auth.Headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("websocket transport: auth headers: %w", err)
		}
		for k, v := range authHeaders {
			header.Set(k, v)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil {
			return nil, &httpStatusError{status: resp.StatusCode, err: err}
		}
		return nil, fmt.Errorf("websocket transport: dial: %w", err)
	}
	return conn, nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	defer t.closeRecv()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.setErr(classifyCloseErr(err))
			return
		}
		select {
		case t.recvCh <- data:
		default:
			t.Logger.Warn("websocket transport: recv buffer full, dropping frame", "upstream", t.Name)
		}
	}
}

func (t *WebSocketTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		t.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		t.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// SendRaw sends one frame as a WebSocket text message.
func (t *WebSocketTransport) SendRaw(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket transport: not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("websocket transport: write: %w", err)
	}
	return nil
}

// Recv returns the inbound frame channel.
func (t *WebSocketTransport) Recv() <-chan []byte {
	return t.recvCh
}

// Err returns the reason the connection closed, if any.
func (t *WebSocketTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *WebSocketTransport) setErr(err error) {
	if err == nil {
		return
	}
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
}

func (t *WebSocketTransport) closeRecv() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.recvCh)
	}
	t.mu.Unlock()
}

// Close sends a normal WebSocket close frame and releases the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return conn.Close()
}

// classifyCloseErr labels a close error for logging: "closed" for a normal
// closure or going-away, "connection lost" for everything else. It does not
// decide whether to reconnect -- see Reconnectable for that.
func classifyCloseErr(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway) {
		return fmt.Errorf("websocket transport: closed: %w", err)
	}
	return fmt.Errorf("websocket transport: connection lost: %w", err)
}

// Reconnectable reports whether err (as returned by Err()) indicates a
// condition the L0 reconnection controller should retry, per §4.3.2's
// close-code mapping: 1000 (normal) and 1002/1003 (protocol error) never
// reconnect; 1011 (server error) and everything else does. Err() wraps the
// underlying *websocket.CloseError via classifyCloseErr, so the code must
// be recovered with errors.As rather than a direct type assertion.
func Reconnectable(err error) bool {
	if err == nil {
		return false
	}
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		switch wsErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseProtocolError, websocket.CloseUnsupportedData:
			return false
		}
	}
	return true
}

type httpStatusError struct {
	status int
	err    error
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %v", e.status, e.err)
}

func (e *httpStatusError) Unwrap() error { return e.err }

func isUnauthorized(err error) bool {
	statusErr, ok := err.(*httpStatusError)
	return ok && statusErr.status == http.StatusUnauthorized
}
