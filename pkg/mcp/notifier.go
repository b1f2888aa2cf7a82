package mcp

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// listChangedNotification is the fixed JSON-RPC notification body for
// notifications/tools/list_changed. It carries no params.
const listChangedNotification = `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`

// Notifier writes notifications/tools/list_changed to the downstream
// client connection. Triggers are coalesced: any number of Notify calls
// that land before the pending flush runs produce exactly one write.
//
// Mu guards Out and must also be held by any other writer sharing the same
// destination (the proxy service's own response writes), so notifications
// never interleave with an in-flight response.
type Notifier struct {
	Mu  sync.Mutex
	Out io.Writer

	logger  *slog.Logger
	trigger chan struct{}
}

// NewNotifier constructs a Notifier writing to out.
func NewNotifier(out io.Writer, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		Out:     out,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
}

// Run processes coalesced triggers until ctx is cancelled. Call it once in
// its own goroutine.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.trigger:
			n.flush()
		}
	}
}

// Notify schedules a tools/list_changed flush. Any trigger already pending
// absorbs this one: the channel send is non-blocking and drops on a full
// buffer of one, which is exactly the coalescing behavior one scheduler
// tick requires.
func (n *Notifier) Notify() {
	select {
	case n.trigger <- struct{}{}:
	default:
	}
}

func (n *Notifier) flush() {
	n.Mu.Lock()
	defer n.Mu.Unlock()
	if _, err := n.Out.Write([]byte(listChangedNotification)); err != nil {
		n.logger.Error("failed to write tools/list_changed notification", "error", err)
		return
	}
	if _, err := n.Out.Write([]byte("\n")); err != nil {
		n.logger.Error("failed to write tools/list_changed notification newline", "error", err)
	}
}
