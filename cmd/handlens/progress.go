package main

import (
	"os"

	"github.com/charmbracelet/log"

	"github.com/handlens/handlens/internal/events"
)

// startProgressPrinter renders pipeline events for the terminal. The
// returned stop function unsubscribes and drains.
func startProgressPrinter(bus *events.Bus) func() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: false,
		Prefix:          "handlens",
	})

	ch, cancel := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			switch ev.Type {
			case events.TypeStageStarted:
				logger.Info("stage", "name", ev.Stage, "items", ev.Total)
			case events.TypeStageFinished:
				logger.Info("stage done", "name", ev.Stage,
					"ok", ev.Succeeded, "failed", ev.Failed, "elapsed", ev.Elapsed)
			case events.TypeItemFailed:
				logger.Warn("item failed", "item", ev.Item, "detail", ev.Detail)
			case events.TypeJobFinished:
				logger.Info("finished", "job", ev.JobID, "status", ev.Detail)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
