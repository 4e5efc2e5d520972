// Package rewrite substitutes anonymized identifiers with real names in
// hand-history text. The substitution list is fixed and ordered
// most-specific first; the patterns are never collapsed into a single
// alternation, so a general pattern cannot consume a substring that
// belongs to a more specific one.
package rewrite

import (
	"regexp"
	"sort"
	"strings"
)

// Each pattern anchors the identifier between non-identifier characters
// within one recognized line shape. %id% marks the identifier slot.
var patternTemplates = []string{
	// 1. seat-declaration line
	`(?m)^(Seat \d+: )%id%( \()`,
	// 2. blind and ante posting
	`(?m)^()%id%(: posts (?:small blind|big blind|the ante))`,
	// 3. dealt-to line
	`(?m)^(Dealt to )%id%([^0-9A-Za-z_]|$)`,
	// 4. action verbs
	`(?m)^()%id%(: (?:folds|calls|raises|bets|checks))`,
	// 5. showdown verbs
	`(?m)^()%id%(: (?:shows|mucks))`,
	// 6. collection line
	`(?m)^()%id%( collected)`,
	// 7. uncalled-bet return
	`(returned to )%id%([^0-9A-Za-z_]|$)`,
	// 8. summary seat roll
	`(?m)^(Seat \d+: )%id%([^0-9A-Za-z_]|$)`,
}

// Rewriter applies one table's accepted mapping to raw hand text.
type Rewriter struct{}

// NewRewriter builds a rewriter.
func NewRewriter() *Rewriter { return &Rewriter{} }

// Rewrite replaces every occurrence of a mapped identifier in its
// recognized contexts. Replacement text is inserted verbatim; the result
// is idempotent under re-application with the same mapping.
func (r *Rewriter) Rewrite(raw string, mapping map[string]string) string {
	if len(mapping) == 0 {
		return raw
	}

	// Longer identifiers substitute first so an identifier that is a
	// substring of a longer one cannot cross-match.
	ids := make([]string, 0, len(mapping))
	for id := range mapping {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) > len(ids[j])
		}
		return ids[i] < ids[j]
	})

	out := raw
	for _, tmpl := range patternTemplates {
		for _, id := range ids {
			re := compile(tmpl, id)
			name := mapping[id]
			out = re.ReplaceAllStringFunc(out, func(m string) string {
				sub := re.FindStringSubmatch(m)
				return sub[1] + name + sub[2]
			})
		}
	}
	return out
}

func compile(tmpl, id string) *regexp.Regexp {
	return regexp.MustCompile(strings.Replace(tmpl, "%id%", regexp.QuoteMeta(id), 1))
}
