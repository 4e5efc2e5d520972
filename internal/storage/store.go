// Package storage persists job records, per-screenshot outcomes, and
// rewritten file contents. The pipeline writes only at stage boundaries
// under a single-writer discipline; implementations keep writes
// idempotent so the at-least-once contract holds under retry.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for reads of unknown job identifiers.
var ErrNotFound = errors.New("storage: not found")

// JobRecord is the persisted root of one run.
type JobRecord struct {
	ID        string
	Tier      string
	Status    string
	Stage     string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time

	FilesTotal       int
	HandsParsed      int
	ScreenshotsTotal int
	Matched          int
	CleanFiles       int
	ResidualFiles    int
}

// ScreenshotOutcome is the per-screenshot result row.
type ScreenshotOutcome struct {
	Filename    string
	HandID      string // operation-A identifier, empty when unread
	MatchedHand string
	Confidence  int
	FailureKind string // empty on success
}

// RewrittenFile is one output file with its classification.
type RewrittenFile struct {
	Filename string
	Class    string
	Body     []byte
}

// TableConflict is a per-table identifier disagreement.
type TableConflict struct {
	TableID     string
	AnonymousID string
	Names       []string
}

// Store is the storage port. All writes are upserts.
type Store interface {
	SaveJob(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)

	SaveScreenshotOutcomes(ctx context.Context, jobID string, outcomes []ScreenshotOutcome) error
	ListScreenshotOutcomes(ctx context.Context, jobID string) ([]ScreenshotOutcome, error)

	SaveRewrittenFiles(ctx context.Context, jobID string, files []RewrittenFile) error
	ListRewrittenFiles(ctx context.Context, jobID string) ([]RewrittenFile, error)

	SaveTableConflicts(ctx context.Context, jobID string, conflicts []TableConflict) error
	ListTableConflicts(ctx context.Context, jobID string) ([]TableConflict, error)

	Close() error
}
