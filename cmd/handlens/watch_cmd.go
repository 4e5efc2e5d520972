package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/handlens/handlens/cmd/handlens/shared"
)

// WatchCmd polls a drop directory: every new subdirectory containing
// hands/ and screenshots/ folders is processed as one job.
type WatchCmd struct {
	Dir string `arg:"" help:"Drop directory to watch"`

	Config string        `short:"c" default:"handlens.hcl" help:"Path to HCL configuration"`
	Tier   string        `default:"restricted" enum:"restricted,unrestricted" help:"OCR service tier"`
	Settle time.Duration `default:"2s" help:"Quiet period before a new job folder is picked up"`
	Debug  bool          `short:"d" help:"Enable debug logging"`
}

func (cmd WatchCmd) Run() error {
	logger := shared.SetupLogger(cmd.Debug)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(cmd.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", cmd.Dir, err)
	}

	ctx := shared.SetupSignalHandlerWithLogger(logger)
	logger.Info().Str("dir", cmd.Dir).Msg("watching for job folders")

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("watcher error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) || seen[ev.Name] {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil || !info.IsDir() {
				continue
			}
			seen[ev.Name] = true

			// Uploads may still be landing; give the folder a quiet
			// period before reading it.
			timer := time.NewTimer(cmd.Settle)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}

			hands := filepath.Join(ev.Name, "hands")
			screens := filepath.Join(ev.Name, "screenshots")
			if !isDir(hands) || !isDir(screens) {
				logger.Warn().Str("dir", ev.Name).Msg("ignoring folder without hands/ and screenshots/")
				continue
			}

			run := RunCmd{
				Hands:       hands,
				Screenshots: screens,
				Config:      cmd.Config,
				Tier:        cmd.Tier,
				Output:      filepath.Join(ev.Name, "out"),
				Debug:       cmd.Debug,
			}
			if err := run.Run(); err != nil {
				logger.Error().Str("dir", ev.Name).Err(err).Msg("job failed")
			}
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
