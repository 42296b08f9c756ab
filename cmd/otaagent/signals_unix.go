//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZerkerEOD/otaagent/internal/agent"
	"github.com/ZerkerEOD/otaagent/internal/storage"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
)

// watchSignals maps process signals onto agent events:
// SIGINT/SIGTERM shut down, SIGUSR1 accepts the image under test, SIGUSR2
// rejects it and SIGHUP asks for the next job.
func watchSignals(ctx context.Context, ag *agent.Agent) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				debug.Info("Received signal %v", sig)
				var err error
				switch sig {
				case syscall.SIGUSR1:
					err = ag.SetImageState(storage.ImageAccepted)
				case syscall.SIGUSR2:
					err = ag.SetImageState(storage.ImageRejected)
				case syscall.SIGHUP:
					err = ag.RequestJob()
				default:
					err = ag.Shutdown()
				}
				if err != nil {
					debug.Error("Failed to handle signal %v: %v", sig, err)
				}
			}
		}
	}()
}
