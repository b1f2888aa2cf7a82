//go:build !windows

package transport

import "syscall"

// terminateSignal is the graceful-shutdown signal sent to a stdio upstream
// before escalating to SIGKILL.
var terminateSignal = syscall.SIGTERM
