package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// sseUpstream is a minimal fake MCP-over-SSE server: it announces an
// endpoint, echoes every posted frame back as a server-sent "message"
// event, and lets the test assert the session_id header round-trips.
func newSSEUpstream(t *testing.T) (*httptest.Server, chan []byte) {
	t.Helper()
	posted := make(chan []byte, 16)
	var mu sync.Mutex
	var flusher http.Flusher
	var conn http.ResponseWriter

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("ResponseWriter does not support flushing")
		}
		mu.Lock()
		flusher = f
		conn = w
		mu.Unlock()

		fmt.Fprintf(w, "event: endpoint\ndata: /message?sessionId=abc123\n\n")
		f.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("session_id"); got != "abc123" {
			t.Errorf("post missing session_id header, got %q", got)
		}
		buf, _ := io.ReadAll(r.Body)
		posted <- buf

		mu.Lock()
		w2, f2 := conn, flusher
		mu.Unlock()
		if w2 != nil {
			fmt.Fprintf(w2, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"echo\":true}}\n\n")
			f2.Flush()
		}
		w.WriteHeader(http.StatusAccepted)
	})

	return httptest.NewServer(mux), posted
}

func TestSSETransportRoundTrip(t *testing.T) {
	srv, posted := newSSEUpstream(t)
	defer srv.Close()

	tr := NewSSETransport("up", srv.URL+"/sse", nil, nil, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	if err := tr.SendRaw(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}

	select {
	case <-posted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received the posted frame")
	}

	select {
	case frame := <-tr.Recv():
		if string(frame) == "" {
			t.Fatal("empty frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received the echoed frame over the SSE stream")
	}
}

func TestSSETransportValidateURLRejectsPlaintextRemote(t *testing.T) {
	tr := NewSSETransport("up", "http://example.com/sse", nil, nil, nil)
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected plaintext remote http:// to be rejected")
	}
}

func TestResolveEndpointHandlesBareSessionID(t *testing.T) {
	postURL, sessID := resolveEndpoint("http://host/sse", "deadbeef")
	if postURL != "http://host/sse" {
		t.Errorf("postURL = %q, want base url unchanged", postURL)
	}
	if sessID != "deadbeef" {
		t.Errorf("sessID = %q, want deadbeef", sessID)
	}
}

func TestResolveEndpointHandlesFullURLWithSessionIDParam(t *testing.T) {
	postURL, sessID := resolveEndpoint("http://host/sse", "http://host/message?sessionId=xyz&foo=bar")
	if postURL != "http://host/message?sessionId=xyz&foo=bar" {
		t.Errorf("postURL = %q", postURL)
	}
	if sessID != "xyz" {
		t.Errorf("sessID = %q, want xyz", sessID)
	}
}
