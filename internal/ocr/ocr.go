// Package ocr defines the vision port the pipeline drives: operation A
// extracts a hand identifier from a table screenshot, operation B extracts
// the visible players with their stacks and role indicators.
package ocr

import (
	"context"
	"errors"
	"fmt"
)

// Role indicators operation B may attach to a player entry.
const (
	RoleDealer     = "D"
	RoleSmallBlind = "SB"
	RoleBigBlind   = "BB"
)

// Image is one screenshot handed to the provider.
type Image struct {
	Filename  string
	MediaType string
	Data      []byte
}

// HandIDResult is the outcome of operation A. Found is false when the
// model responded but could not read a hand identifier; the driver never
// substitutes a placeholder.
type HandIDResult struct {
	HandID string
	Found  bool
}

// PlayerEntry is one display-name record from operation B.
type PlayerEntry struct {
	Name  string  `json:"name"`
	Stack float64 `json:"stack"`
	Role  string  `json:"role,omitempty"`
}

// PlayersResult is the payload of operation B. Board and HeroCards are
// present only when the provider could read them off the screenshot;
// the matcher uses them as fallback evidence.
type PlayersResult struct {
	Players   []PlayerEntry `json:"players"`
	Hero      *PlayerEntry  `json:"hero"`
	Board     []string      `json:"board,omitempty"`
	HeroCards []string      `json:"hero_cards,omitempty"`
}

// ByRole returns the first player tagged with the given role indicator.
func (r *PlayersResult) ByRole(role string) *PlayerEntry {
	for i := range r.Players {
		if r.Players[i].Role == role {
			return &r.Players[i]
		}
	}
	return nil
}

// Client is the vision port. Both calls block until the provider answers
// or ctx is cancelled.
type Client interface {
	ExtractHandID(ctx context.Context, img Image) (HandIDResult, error)
	ExtractPlayers(ctx context.Context, img Image) (PlayersResult, error)
}

// FailureKind classifies a port error for retry and reporting decisions.
type FailureKind string

const (
	// KindTransient covers transport-level failures worth retrying:
	// network errors, 5xx responses, timeouts, rate exhaustion.
	KindTransient FailureKind = "ocr_transient"
	// KindPermanent covers failures retrying cannot fix.
	KindPermanent FailureKind = "ocr_permanent"
	// KindSchema marks an operation-B payload that parsed as provider
	// output but violates the payload schema.
	KindSchema FailureKind = "ocr_schema"
)

// Failure is a classified port error.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error { return &Failure{Kind: KindTransient, Err: err} }

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error { return &Failure{Kind: KindPermanent, Err: err} }

// SchemaViolation wraps err as an invalid operation-B payload.
func SchemaViolation(err error) error { return &Failure{Kind: KindSchema, Err: err} }

// KindOf returns the failure kind of err, defaulting to permanent for
// unclassified errors and transient for context cancellation.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindPermanent
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
