package engine

import (
	"os"
	"syscall"
)

// processTerminateSignal returns the signal used to ask the media engine
// process to exit after it has ignored the RPC-level Shutdown request.
func processTerminateSignal() os.Signal {
	return syscall.SIGTERM
}
