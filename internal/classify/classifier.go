// Package classify partitions rewritten hand histories into clean and
// residual buckets and hosts the optional downstream-validator hook.
package classify

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/handlens/handlens/internal/hh"
)

// Class is the verdict for one hand or file.
type Class string

const (
	Clean    Class = "clean"
	Residual Class = "residual"
)

// Violation is one downstream-rule failure reported by the validator.
type Violation struct {
	Kind   string
	Detail string
}

// Validator is the optional downstream hook: a pure pass/reasons check on
// one rewritten hand's text. A nil Validator counts every hand as ok.
type Validator interface {
	Validate(ctx context.Context, text string) ([]Violation, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, text string) ([]Violation, error)

func (f ValidatorFunc) Validate(ctx context.Context, text string) ([]Violation, error) {
	return f(ctx, text)
}

// residualIDRe matches the shape of an anonymized identifier token: a
// 6-8 character hex string. The digit requirement in isResidualToken
// keeps ordinary words spelled from a-f ("facade") out of the count.
var residualIDRe = regexp.MustCompile(`^[0-9a-fA-F]{6,8}$`)

var digitRe = regexp.MustCompile(`[0-9]`)

// identTokens splits text into maximal runs of identifier characters.
// Scanning tokens rather than a boundary-group regex keeps an
// identifier visible when it sits one separator after another token.
func identTokens(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			return false
		}
		return true
	})
}

func isResidualToken(tok string) bool {
	if tok == hh.HeroID {
		return true
	}
	return residualIDRe.MatchString(tok) && digitRe.MatchString(tok)
}

// HasResidual reports whether text still contains an anonymized
// identifier or the hero placeholder.
func HasResidual(text string) bool {
	for _, tok := range identTokens(text) {
		if isResidualToken(tok) {
			return true
		}
	}
	return false
}

// HandVerdict is the classification of one rewritten hand.
type HandVerdict struct {
	HandID     string
	Class      Class
	Violations []Violation
}

// FileVerdict classifies one rewritten file by the worst hand in it.
type FileVerdict struct {
	Filename string
	Class    Class
	Hands    []HandVerdict
}

// Classifier runs the residual scan and the validator hook.
type Classifier struct {
	validator Validator
	logger    zerolog.Logger
}

// NewClassifier builds a classifier. validator may be nil.
func NewClassifier(validator Validator, logger zerolog.Logger) *Classifier {
	return &Classifier{validator: validator, logger: logger}
}

// RewrittenHand is one hand after rewriting.
type RewrittenHand struct {
	HandID string
	Text   string
}

// ClassifyFile classifies every hand and derives the file verdict. The
// validator may demote an otherwise clean hand; an unavailable validator
// (call error) counts as ok and is not retried.
func (c *Classifier) ClassifyFile(ctx context.Context, filename string, hands []RewrittenHand) FileVerdict {
	verdict := FileVerdict{Filename: filename, Class: Clean}
	for _, hand := range hands {
		hv := HandVerdict{HandID: hand.HandID, Class: Clean}
		if HasResidual(hand.Text) {
			hv.Class = Residual
		} else if c.validator != nil {
			violations, err := c.validator.Validate(ctx, hand.Text)
			if err != nil {
				c.logger.Warn().Str("hand", hand.HandID).Err(err).Msg("validator unavailable, counting hand as ok")
			} else if len(violations) > 0 {
				hv.Class = Residual
				hv.Violations = violations
			}
		}
		if hv.Class == Residual {
			verdict.Class = Residual
		}
		verdict.Hands = append(verdict.Hands, hv)
	}
	return verdict
}

// Residuals lists the distinct residual identifiers in text, in order
// of first appearance, for reporting.
func Residuals(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range identTokens(text) {
		if isResidualToken(tok) && !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}
