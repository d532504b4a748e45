//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals are the signals that start a graceful shutdown.
// Process managers (systemd, kubernetes) send SIGTERM; Ctrl+C delivers
// os.Interrupt.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
