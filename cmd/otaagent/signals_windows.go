//go:build windows

package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/ZerkerEOD/otaagent/internal/agent"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
)

// watchSignals shuts the agent down on interrupt. Image acceptance has no
// signal on Windows.
func watchSignals(ctx context.Context, ag *agent.Agent) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-ctx.Done():
		case <-sigCh:
			if err := ag.Shutdown(); err != nil {
				debug.Error("Failed to shut down: %v", err)
			}
		}
	}()
}
