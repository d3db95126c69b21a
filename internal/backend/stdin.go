package backend

import (
	"bufio"
	"io"
	"log"
	"strings"
)

// ShutdownCommand is the exact stdin line that triggers graceful shutdown
// in sidecar mode. The supervising host writes it before resorting to kill.
const ShutdownCommand = "sidecar shutdown"

// WatchStdin reads command lines until EOF and invokes shutdown when the
// shutdown command arrives. Unknown input is logged and ignored. EOF is
// normal: a standalone run may have no stdin pipe at all.
func WatchStdin(r io.Reader, logger *log.Logger, shutdown func()) {
	if logger == nil {
		logger = log.Default()
	}
	scanner := bufio.NewScanner(r)
	logger.Printf("portsided: waiting for commands on stdin")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == ShutdownCommand {
			logger.Printf("portsided: received %q command", ShutdownCommand)
			shutdown()
			return
		}
		logger.Printf("portsided: ignoring unknown command %q", line)
	}
	if err := scanner.Err(); err != nil {
		logger.Printf("portsided: stdin read error: %v", err)
	}
}
