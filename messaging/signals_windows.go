//go:build windows

package messaging

import (
	"os"
	"syscall"
)

var (
	stopSignals  = []os.Signal{os.Interrupt, syscall.SIGTERM}
	resetSignals = []os.Signal{syscall.SIGHUP}
)
