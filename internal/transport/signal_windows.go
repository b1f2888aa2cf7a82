//go:build windows

package transport

import "os"

// terminateSignal has no SIGTERM equivalent on Windows; os.Kill is the
// closest the standard library offers, and Close still escalates to a hard
// Process.Kill after the grace period if the process ignores it.
var terminateSignal = os.Kill
