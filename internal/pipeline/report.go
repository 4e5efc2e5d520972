package pipeline

import (
	"github.com/handlens/handlens/internal/classify"
	"github.com/handlens/handlens/internal/storage"
)

// FileReport is the outcome for one hand-history file.
type FileReport struct {
	Filename  string
	Class     classify.Class
	Residuals []string
	Body      []byte
}

// Report summarizes one run for the caller. It mirrors what the store
// holds so the CLI can render results without a second read.
type Report struct {
	JobID  string
	Status string

	HandsParsed  int
	HandsSkipped int
	Matched      int

	CleanFiles    int
	ResidualFiles int

	Files       []FileReport
	Screenshots []storage.ScreenshotOutcome
	Conflicts   []storage.TableConflict
	Warnings    []string
}
