// Package table unions per-hand mappings across every hand dealt at the
// same table, so one screenshot's names propagate to the whole session.
package table

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/handlens/handlens/internal/hh"
)

// HandMapping is one per-hand mapping contribution.
type HandMapping struct {
	TableID string
	HandID  string
	Mapping map[string]string
}

// Conflict records an identifier that resolved to different names across
// screenshots of the same table. The identifier stays unmapped.
type Conflict struct {
	TableID string
	ID      string
	Names   []string
}

// Mapping is the accepted union for one table.
type Mapping struct {
	TableID   string
	Accepted  map[string]string
	Conflicts []Conflict
	HandIDs   []string // hands that contributed, parse order preserved
}

// Aggregator groups and unions per-hand mappings by table identity.
type Aggregator struct {
	logger zerolog.Logger
}

// NewAggregator builds an aggregator.
func NewAggregator(logger zerolog.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

// Aggregate unions the contributions per table. An identifier naming the
// same real name in every contribution is accepted; disagreement records
// a conflict and drops the identifier from the union. The operation is
// commutative and associative over contributions within one table.
func (a *Aggregator) Aggregate(contribs []HandMapping) map[string]*Mapping {
	groups := groupByTable(contribs)

	out := make(map[string]*Mapping, len(groups))
	for tableID, group := range groups {
		m := &Mapping{TableID: tableID, Accepted: make(map[string]string)}
		names := make(map[string]map[string]bool) // id -> set of names seen

		for _, c := range group {
			m.HandIDs = append(m.HandIDs, c.HandID)
			for id, name := range c.Mapping {
				if names[id] == nil {
					names[id] = make(map[string]bool)
				}
				names[id][name] = true
			}
		}

		ids := make([]string, 0, len(names))
		for id := range names {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			seen := names[id]
			if len(seen) == 1 {
				for name := range seen {
					m.Accepted[id] = name
				}
				continue
			}
			conflictNames := make([]string, 0, len(seen))
			for name := range seen {
				conflictNames = append(conflictNames, name)
			}
			sort.Strings(conflictNames)
			m.Conflicts = append(m.Conflicts, Conflict{TableID: tableID, ID: id, Names: conflictNames})
			a.logger.Warn().Str("table", tableID).Str("id", id).Strs("names", conflictNames).Msg("table mapping conflict, identifier left unmapped")
		}
		out[tableID] = m
	}
	return out
}

// groupByTable buckets contributions by table identity, merging buckets
// whose identifiers normalize to the same table.
func groupByTable(contribs []HandMapping) map[string][]HandMapping {
	groups := make(map[string][]HandMapping)
	canon := make(map[string]string) // raw table id -> group key

	for _, c := range contribs {
		id := strings.TrimRight(c.TableID, " \t")
		key, ok := canon[id]
		if !ok {
			key = id
			for existing := range groups {
				if SameTable(id, existing) {
					key = existing
					break
				}
			}
			canon[id] = key
		}
		groups[key] = append(groups[key], c)
	}
	return groups
}

var instanceSuffixRe = regexp.MustCompile(`\s+\d+$`)

// SameTable reports whether two table identifiers denote the same table.
// Trailing whitespace never distinguishes tables; a numeric instance
// suffix is stripped only when both sides carry one. Synthetic
// unknown_table identifiers compare strictly: different N never collide.
func SameTable(a, b string) bool {
	a = strings.TrimRight(a, " \t")
	b = strings.TrimRight(b, " \t")
	if a == b {
		return true
	}
	if hh.IsSyntheticTable(a) || hh.IsSyntheticTable(b) {
		return false
	}
	if instanceSuffixRe.MatchString(a) && instanceSuffixRe.MatchString(b) {
		return instanceSuffixRe.ReplaceAllString(a, "") == instanceSuffixRe.ReplaceAllString(b, "")
	}
	return false
}
