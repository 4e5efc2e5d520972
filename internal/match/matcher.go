// Package match binds screenshots to parsed hands. The OCR-A hand
// identifier is the primary key; a scored multi-criteria fallback covers
// screenshots whose identifier could not be read.
package match

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/handlens/handlens/internal/hh"
	"github.com/handlens/handlens/internal/ocr"
)

// Scoring weights for the fallback path. Never collapsed into a single
// number: each signal is scored independently over whatever evidence the
// candidate carries.
const (
	weightHeroCards  = 40
	weightBoard      = 30
	weightHeroRole   = 15
	weightNames      = 10
	weightHeroStack  = 5
	weightTimeWindow = 20

	primaryConfidence = 100
)

// Candidate is one screenshot as the matcher sees it: filename, file
// timestamp, and whatever OCR evidence is available at invocation time.
// HeroCards and Board are populated only by pipelines that re-invoke the
// matcher after operation B.
type Candidate struct {
	Filename  string
	Timestamp time.Time
	HandID    string // normalized OCR-A identifier, empty when unread
	Players   *ocr.PlayersResult
	HeroCards []string
	Board     []string
}

// Match binds one screenshot to one hand.
type Match struct {
	HandID     string
	Filename   string
	Confidence int
}

// Unmatched records a screenshot the matcher could not bind, with the
// reason it fell out.
type Unmatched struct {
	Filename string
	Reason   string
}

// Unmatched reasons.
const (
	ReasonNoEvidence   = "no_usable_evidence"
	ReasonBelowCutoff  = "below_score_threshold"
	ReasonGateRejected = "match_gate_rejected"
	ReasonHandClaimed  = "hand_already_claimed"
)

// Result is the matcher output: at most one match per screenshot, no
// duplicate hand identifiers, every confidence in [threshold, 100].
type Result struct {
	Matches   []Match
	Unmatched []Unmatched
}

// Options carries the tunables from configuration.
type Options struct {
	FallbackThreshold int
	TimeWindow        time.Duration
	HeroStackTol      float64
	OtherStacksTol    float64
	OtherStacksMin    float64
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		FallbackThreshold: 70,
		TimeWindow:        2 * time.Minute,
		HeroStackTol:      0.25,
		OtherStacksTol:    0.30,
		OtherStacksMin:    0.5,
	}
}

// Matcher scores and validates screenshot-to-hand bindings.
type Matcher struct {
	opts   Options
	logger zerolog.Logger

	// knownNames feeds the name-intersection signal: real names already
	// resolved per table identifier from earlier screenshots.
	knownNames map[string][]string
}

// NewMatcher builds a matcher with the given options.
func NewMatcher(opts Options, logger zerolog.Logger) *Matcher {
	if opts.FallbackThreshold <= 0 {
		opts = DefaultOptions()
	}
	return &Matcher{opts: opts, logger: logger, knownNames: make(map[string][]string)}
}

// SetKnownNames seeds the name-intersection signal with names already
// resolved for each table.
func (m *Matcher) SetKnownNames(names map[string][]string) {
	if names != nil {
		m.knownNames = names
	}
}

// Match runs the full binding pass. Candidates are processed in stable
// filename order; hands claimed through the primary key are never
// displaced by fallback proposals.
func (m *Matcher) Match(hands []*hh.Hand, candidates []Candidate) Result {
	index := make(map[string]*hh.Hand, len(hands))
	for _, h := range hands {
		// First hand in parse order wins a duplicated identifier.
		if _, ok := index[h.ID]; !ok {
			index[h.ID] = h
		}
	}

	sorted := append([]Candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Filename < sorted[j].Filename })

	var res Result
	claimed := make(map[string]bool)
	var fallbackPool []Candidate

	// Phase 1: primary bindings. Iterating in filename order makes the
	// earlier filename win a contested identifier; the loser falls
	// through to fallback scoring.
	for _, c := range sorted {
		hand, ok := index[hh.NormalizeHandID(c.HandID)]
		if c.HandID == "" || !ok {
			fallbackPool = append(fallbackPool, c)
			continue
		}
		if claimed[hand.ID] {
			fallbackPool = append(fallbackPool, c)
			continue
		}
		if reason := m.checkGates(hand, c); reason != "" {
			// A primary binding that fails validation is unmatched
			// outright: never demoted to a lower confidence.
			res.Unmatched = append(res.Unmatched, Unmatched{Filename: c.Filename, Reason: reason})
			m.logger.Debug().Str("file", c.Filename).Str("hand", hand.ID).Str("reason", reason).Msg("primary match rejected by gate")
			continue
		}
		claimed[hand.ID] = true
		res.Matches = append(res.Matches, Match{HandID: hand.ID, Filename: c.Filename, Confidence: primaryConfidence})
	}

	// Phase 2: fallback scoring over unclaimed hands. Proposals are
	// resolved best-score-first; equal scores go to the earlier filename.
	type proposal struct {
		cand  Candidate
		hand  *hh.Hand
		score int
	}
	var proposals []proposal
	for _, c := range fallbackPool {
		best, score := m.bestFallback(hands, claimed, c)
		if best == nil {
			res.Unmatched = append(res.Unmatched, Unmatched{Filename: c.Filename, Reason: ReasonNoEvidence})
			continue
		}
		if score < m.opts.FallbackThreshold {
			res.Unmatched = append(res.Unmatched, Unmatched{Filename: c.Filename, Reason: ReasonBelowCutoff})
			m.logger.Debug().Str("file", c.Filename).Str("hand", best.ID).Int("score", score).Msg("fallback score below threshold")
			continue
		}
		proposals = append(proposals, proposal{cand: c, hand: best, score: score})
	}

	sort.SliceStable(proposals, func(i, j int) bool {
		if proposals[i].score != proposals[j].score {
			return proposals[i].score > proposals[j].score
		}
		return proposals[i].cand.Filename < proposals[j].cand.Filename
	})

	for _, p := range proposals {
		if claimed[p.hand.ID] {
			res.Unmatched = append(res.Unmatched, Unmatched{Filename: p.cand.Filename, Reason: ReasonHandClaimed})
			continue
		}
		if reason := m.checkGates(p.hand, p.cand); reason != "" {
			res.Unmatched = append(res.Unmatched, Unmatched{Filename: p.cand.Filename, Reason: reason})
			continue
		}
		claimed[p.hand.ID] = true
		res.Matches = append(res.Matches, Match{HandID: p.hand.ID, Filename: p.cand.Filename, Confidence: p.score})
	}

	sort.Slice(res.Matches, func(i, j int) bool { return res.Matches[i].Filename < res.Matches[j].Filename })
	sort.Slice(res.Unmatched, func(i, j int) bool { return res.Unmatched[i].Filename < res.Unmatched[j].Filename })
	return res
}

// bestFallback scores every in-window hand and returns the highest scorer.
// A candidate with an unknown file timestamp scores against every
// unclaimed hand, without the time-window weight.
func (m *Matcher) bestFallback(hands []*hh.Hand, claimed map[string]bool, c Candidate) (*hh.Hand, int) {
	var best *hh.Hand
	bestScore := -1
	for _, h := range hands {
		if claimed[h.ID] {
			continue
		}
		inWindow := false
		if !c.Timestamp.IsZero() {
			d := c.Timestamp.Sub(h.Timestamp)
			if d < 0 {
				d = -d
			}
			if d > m.opts.TimeWindow {
				continue
			}
			inWindow = true
		}
		score := m.score(h, c, inWindow)
		if score > bestScore {
			best, bestScore = h, score
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, bestScore
}

func (m *Matcher) score(h *hh.Hand, c Candidate, inWindow bool) int {
	score := 0
	if len(c.HeroCards) > 0 && sameCards(c.HeroCards, h.HeroCards) {
		score += weightHeroCards
	}
	if len(c.Board) > 0 && boardPrefix(c.Board, h.Board) {
		score += weightBoard
	}
	if heroRoleAgrees(h, c.Players) {
		score += weightHeroRole
	}
	if m.nameIntersection(h.TableID, c.Players) >= 2 {
		score += weightNames
	}
	if heroStackWithin(h, c.Players, 0.10) {
		score += weightHeroStack
	}
	if inWindow {
		score += weightTimeWindow
	}
	if score > 100 {
		score = 100
	}
	return score
}

// checkGates applies the three validation gates. When operation B has not
// run for the candidate, only the trivial forms apply. Returns the
// rejection reason, or empty when all gates hold.
func (m *Matcher) checkGates(h *hh.Hand, c Candidate) string {
	p := c.Players
	if p == nil {
		return ""
	}
	if len(p.Players) != len(h.Seats) {
		return ReasonGateRejected
	}
	if !heroStackWithin(h, p, m.opts.HeroStackTol) {
		return ReasonGateRejected
	}
	if !otherStacksAgree(h, p, m.opts.OtherStacksTol, m.opts.OtherStacksMin) {
		return ReasonGateRejected
	}
	return ""
}

func sameCards(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	set := make(map[string]int, len(a))
	for _, card := range a {
		set[card]++
	}
	for _, card := range b {
		if set[card] == 0 {
			return false
		}
		set[card]--
	}
	return true
}

// boardPrefix reports whether the visible cards are an ordered prefix of
// the hand's full board.
func boardPrefix(visible, board []string) bool {
	if len(visible) > len(board) {
		return false
	}
	for i, card := range visible {
		if board[i] != card {
			return false
		}
	}
	return true
}

func heroRoleAgrees(h *hh.Hand, p *ocr.PlayersResult) bool {
	if p == nil || p.Hero == nil {
		return false
	}
	hero := h.HeroSeat()
	if hero == nil {
		return false
	}
	var entry *ocr.PlayerEntry
	for i := range p.Players {
		if p.Players[i].Name == p.Hero.Name {
			entry = &p.Players[i]
			break
		}
	}
	if entry == nil || entry.Role == "" {
		return false
	}
	switch entry.Role {
	case ocr.RoleDealer:
		return hero.Button
	case ocr.RoleSmallBlind:
		return hero.SmallBlind
	case ocr.RoleBigBlind:
		return hero.BigBlind
	}
	return false
}

func (m *Matcher) nameIntersection(tableID string, p *ocr.PlayersResult) int {
	if p == nil {
		return 0
	}
	known := m.knownNames[tableID]
	if len(known) == 0 {
		return 0
	}
	set := make(map[string]bool, len(known))
	for _, n := range known {
		set[n] = true
	}
	n := 0
	for _, entry := range p.Players {
		if set[entry.Name] {
			n++
		}
	}
	return n
}

func heroStackWithin(h *hh.Hand, p *ocr.PlayersResult, tol float64) bool {
	if p == nil || p.Hero == nil {
		return false
	}
	hero := h.HeroSeat()
	if hero == nil || hero.Stack == 0 {
		return false
	}
	return within(p.Hero.Stack, hero.Stack, tol)
}

// otherStacksAgree greedily pairs non-hero payload stacks with non-hero
// seat stacks and requires at least minFrac of the seats to find a pair
// within tol.
func otherStacksAgree(h *hh.Hand, p *ocr.PlayersResult, tol, minFrac float64) bool {
	var seatStacks []float64
	for _, s := range h.Seats {
		if !s.IsHero() {
			seatStacks = append(seatStacks, s.Stack)
		}
	}
	if len(seatStacks) == 0 {
		return true
	}

	var shotStacks []float64
	heroName := ""
	if p.Hero != nil {
		heroName = p.Hero.Name
	}
	for _, entry := range p.Players {
		if entry.Name != heroName {
			shotStacks = append(shotStacks, entry.Stack)
		}
	}

	used := make([]bool, len(shotStacks))
	matched := 0
	for _, stack := range seatStacks {
		for i, got := range shotStacks {
			if !used[i] && within(got, stack, tol) {
				used[i] = true
				matched++
				break
			}
		}
	}
	return float64(matched) >= minFrac*float64(len(seatStacks))
}

func within(got, want, tol float64) bool {
	if want == 0 {
		return got == 0
	}
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol*want
}
