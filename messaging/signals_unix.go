//go:build !windows

package messaging

import (
	"os"
	"syscall"
)

var (
	// stopSignals make a running consumer stop after the current delivery
	stopSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
	// resetSignals get their default disposition back when a consumer runs
	resetSignals = []os.Signal{
		syscall.SIGABRT, syscall.SIGHUP, syscall.SIGUSR1,
		syscall.SIGUSR2, syscall.SIGWINCH, syscall.SIGCHLD,
	}
)
