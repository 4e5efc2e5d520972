// Package mapping derives per-hand anonymized-identifier to real-name
// bindings from a matched hand and its operation-B payload. Role
// indicators are the alignment key; positional inference covers hands the
// indicators cannot fully resolve.
package mapping

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/rs/zerolog"

	"github.com/handlens/handlens/internal/hh"
	"github.com/handlens/handlens/internal/ocr"
)

// Conflict records a duplicate real name inside one hand's mapping. The
// whole mapping is voided when one is found.
type Conflict struct {
	HandID string
	Name   string
	IDs    []string
}

// Builder derives mappings for one job.
type Builder struct {
	fuzzyThreshold float64
	logger         zerolog.Logger
}

// NewBuilder creates a builder; threshold is the fuzzy-completion
// similarity cutoff, typically 0.70.
func NewBuilder(threshold float64, logger zerolog.Logger) *Builder {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.70
	}
	return &Builder{fuzzyThreshold: threshold, logger: logger}
}

// Build derives the identifier-to-name dictionary for hand from payload.
// knownNames is the union of names already resolved for the hand's table,
// used to complete OCR-truncated names. On a duplicate-name conflict the
// mapping collapses to empty and the conflict is returned.
func (b *Builder) Build(hand *hh.Hand, payload *ocr.PlayersResult, knownNames []string) (map[string]string, *Conflict) {
	if hand == nil || payload == nil || len(payload.Players) == 0 {
		return nil, nil
	}

	players := b.completeNames(payload, knownNames)
	bound := make(map[string]string) // seat ID -> name

	if hand.HeadsUp() {
		b.bindHeadsUp(hand, players, bound)
	} else {
		b.bindRoles(hand, players, bound)
	}
	b.bindHero(hand, players, payload, bound)
	b.bindPositional(hand, players, payload, bound)

	if conflict := findDuplicateName(hand.ID, bound); conflict != nil {
		b.logger.Warn().Str("hand", hand.ID).Str("name", conflict.Name).Strs("ids", conflict.IDs).Msg("duplicate name in hand mapping, voiding")
		return nil, conflict
	}
	return bound, nil
}

// bindRoles aligns the hand's role-tagged seats with the payload's
// role-tagged entries. A payload that tags only the dealer derives SB and
// BB by clockwise rotation in player order.
func (b *Builder) bindRoles(hand *hh.Hand, players []ocr.PlayerEntry, bound map[string]string) {
	dealer, small, big := roleEntries(players)

	if dealer != nil && small == nil && big == nil && len(players) >= 3 {
		di := entryIndex(players, dealer)
		small = &players[(di+1)%len(players)]
		big = &players[(di+2)%len(players)]
	}

	if s := hand.ButtonSeat(); s != nil && dealer != nil {
		bound[s.ID] = dealer.Name
	}
	if s := hand.SmallBlindSeat(); s != nil && small != nil {
		bound[s.ID] = small.Name
	}
	if s := hand.BigBlindSeat(); s != nil && big != nil {
		bound[s.ID] = big.Name
	}
}

// bindHeadsUp handles the two-seat case: the seat tagged both button and
// small blind binds to whichever entry carries D or SB, the other seat to
// the BB entry (or the one remaining player).
func (b *Builder) bindHeadsUp(hand *hh.Hand, players []ocr.PlayerEntry, bound map[string]string) {
	if len(players) != 2 {
		return
	}
	var dealerSeat, otherSeat *hh.Seat
	for i := range hand.Seats {
		if hand.Seats[i].Button || hand.Seats[i].SmallBlind {
			dealerSeat = &hand.Seats[i]
		} else {
			otherSeat = &hand.Seats[i]
		}
	}
	if dealerSeat == nil || otherSeat == nil {
		return
	}

	var dealerEntry *ocr.PlayerEntry
	for i := range players {
		if players[i].Role == ocr.RoleDealer || players[i].Role == ocr.RoleSmallBlind {
			dealerEntry = &players[i]
			break
		}
	}
	if dealerEntry == nil {
		return
	}
	bound[dealerSeat.ID] = dealerEntry.Name
	for i := range players {
		if &players[i] != dealerEntry {
			bound[otherSeat.ID] = players[i].Name
		}
	}
}

// bindHero binds the uploading user's seat to the payload hero record,
// unless a role binding already resolved it.
func (b *Builder) bindHero(hand *hh.Hand, players []ocr.PlayerEntry, payload *ocr.PlayersResult, bound map[string]string) {
	hero := hand.HeroSeat()
	if hero == nil || payload.Hero == nil {
		return
	}
	if _, ok := bound[hero.ID]; ok {
		return
	}
	name := payload.Hero.Name
	// Prefer the completed spelling from the player list.
	for _, p := range players {
		if p.Name == name || strings.HasPrefix(p.Name, trimEllipsis(name)) {
			name = p.Name
			break
		}
	}
	bound[hero.ID] = name
}

// bindPositional aligns payload player order to seat order starting from
// the hero seat and proceeding clockwise, then binds every still
// unresolved seat to the entry at the same aligned index.
func (b *Builder) bindPositional(hand *hh.Hand, players []ocr.PlayerEntry, payload *ocr.PlayersResult, bound map[string]string) {
	if len(players) != len(hand.Seats) || payload.Hero == nil {
		return
	}

	seats := append([]hh.Seat(nil), hand.Seats...)
	sort.Slice(seats, func(i, j int) bool { return seats[i].Number < seats[j].Number })

	heroSeatIdx := -1
	for i, s := range seats {
		if s.IsHero() {
			heroSeatIdx = i
			break
		}
	}
	heroEntryIdx := -1
	for i, p := range players {
		if p.Name == payload.Hero.Name || strings.HasPrefix(p.Name, trimEllipsis(payload.Hero.Name)) {
			heroEntryIdx = i
			break
		}
	}
	if heroSeatIdx < 0 || heroEntryIdx < 0 {
		return
	}

	n := len(seats)
	for k := 0; k < n; k++ {
		seat := seats[(heroSeatIdx+k)%n]
		if _, ok := bound[seat.ID]; ok {
			continue
		}
		bound[seat.ID] = players[(heroEntryIdx+k)%n].Name
	}
}

// completeNames returns the payload players with OCR-truncated names
// (trailing ellipsis) completed by fuzzy match against previously
// resolved names for the same table.
func (b *Builder) completeNames(payload *ocr.PlayersResult, knownNames []string) []ocr.PlayerEntry {
	players := append([]ocr.PlayerEntry(nil), payload.Players...)
	for i := range players {
		players[i].Name = b.completeName(players[i].Name, knownNames)
	}
	return players
}

func (b *Builder) completeName(name string, knownNames []string) string {
	trimmed, truncated := cutEllipsis(name)
	if !truncated || trimmed == "" {
		return name
	}

	bestName, bestScore := "", 0.0
	for _, known := range knownNames {
		score := matchr.JaroWinkler(trimmed, known, true)
		if strings.HasPrefix(known, trimmed) && score < 1 {
			// A truncation is by construction a prefix of the full name;
			// an exact prefix hit outranks any fuzzy score.
			score = 1
		}
		if score > bestScore {
			bestName, bestScore = known, score
		}
	}
	if bestScore >= b.fuzzyThreshold {
		b.logger.Debug().Str("truncated", name).Str("completed", bestName).Msg("completed truncated name")
		return bestName
	}
	return name
}

func cutEllipsis(name string) (string, bool) {
	for _, suffix := range []string{"…", "..."} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), true
		}
	}
	return name, false
}

func trimEllipsis(name string) string {
	trimmed, _ := cutEllipsis(name)
	return trimmed
}

func roleEntries(players []ocr.PlayerEntry) (dealer, small, big *ocr.PlayerEntry) {
	for i := range players {
		switch players[i].Role {
		case ocr.RoleDealer:
			if dealer == nil {
				dealer = &players[i]
			}
		case ocr.RoleSmallBlind:
			if small == nil {
				small = &players[i]
			}
		case ocr.RoleBigBlind:
			if big == nil {
				big = &players[i]
			}
		}
	}
	return dealer, small, big
}

func entryIndex(players []ocr.PlayerEntry, e *ocr.PlayerEntry) int {
	for i := range players {
		if &players[i] == e {
			return i
		}
	}
	return -1
}

// findDuplicateName detects one real name bound to more than one
// anonymized identifier within a single hand.
func findDuplicateName(handID string, bound map[string]string) *Conflict {
	byName := make(map[string][]string)
	for id, name := range bound {
		byName[name] = append(byName[name], id)
	}
	for name, ids := range byName {
		if len(ids) > 1 {
			sort.Strings(ids)
			return &Conflict{HandID: handID, Name: name, IDs: ids}
		}
	}
	return nil
}
