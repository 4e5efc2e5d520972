// Package hh parses anonymized hand-history text files into structured hands.
package hh

import (
	"regexp"
	"strings"
	"time"
)

// HeroID is the reserved identifier the upstream tool uses for the
// uploading user's own seat.
const HeroID = "Hero"

// Street identifies the betting round an action belongs to.
type Street int

const (
	StreetPreflop Street = iota
	StreetFlop
	StreetTurn
	StreetRiver
	StreetShowdown
)

func (s Street) String() string {
	switch s {
	case StreetPreflop:
		return "preflop"
	case StreetFlop:
		return "flop"
	case StreetTurn:
		return "turn"
	case StreetRiver:
		return "river"
	case StreetShowdown:
		return "showdown"
	}
	return "unknown"
}

// Seat is one occupied seat in a hand. A seat may carry both the button
// and small-blind roles in heads-up play.
type Seat struct {
	Number     int
	ID         string // anonymized identifier, or HeroID
	Stack      float64
	Button     bool
	SmallBlind bool
	BigBlind   bool
}

// IsHero reports whether the seat belongs to the uploading user.
func (s Seat) IsHero() bool { return s.ID == HeroID }

// Action is a single recognized action line.
type Action struct {
	Actor  string
	Verb   string
	Amount float64
	Street Street
}

// Hand is one parsed hand record.
type Hand struct {
	ID        string // normalized: leading non-numeric prefix stripped
	RawID     string // identifier token exactly as it appeared
	TableID   string
	Stakes    string
	MaxSeats  int
	Timestamp time.Time
	Seats     []Seat
	Board     []string
	HeroCards []string
	Actions   []Action
	Raw       string // exact source substring, rewritten later
}

// Seat returns the seat with the given number, or nil.
func (h *Hand) Seat(number int) *Seat {
	for i := range h.Seats {
		if h.Seats[i].Number == number {
			return &h.Seats[i]
		}
	}
	return nil
}

// SeatByID returns the seat carrying the given identifier, or nil.
func (h *Hand) SeatByID(id string) *Seat {
	for i := range h.Seats {
		if h.Seats[i].ID == id {
			return &h.Seats[i]
		}
	}
	return nil
}

// HeroSeat returns the uploading user's seat, or nil when absent.
func (h *Hand) HeroSeat() *Seat { return h.SeatByID(HeroID) }

// ButtonSeat returns the seat tagged as the dealer, or nil.
func (h *Hand) ButtonSeat() *Seat {
	for i := range h.Seats {
		if h.Seats[i].Button {
			return &h.Seats[i]
		}
	}
	return nil
}

// SmallBlindSeat returns the seat that posted the small blind, or nil.
func (h *Hand) SmallBlindSeat() *Seat {
	for i := range h.Seats {
		if h.Seats[i].SmallBlind {
			return &h.Seats[i]
		}
	}
	return nil
}

// BigBlindSeat returns the seat that posted the big blind, or nil.
func (h *Hand) BigBlindSeat() *Seat {
	for i := range h.Seats {
		if h.Seats[i].BigBlind {
			return &h.Seats[i]
		}
	}
	return nil
}

// HeadsUp reports whether exactly two seats are occupied.
func (h *Hand) HeadsUp() bool { return len(h.Seats) == 2 }

var leadingNonNumeric = regexp.MustCompile(`^[^0-9]+`)

// NormalizeHandID strips any leading non-numeric prefix so that
// identifiers from different surfaces compare equal ("RC123" == "123").
func NormalizeHandID(id string) string {
	return leadingNonNumeric.ReplaceAllString(strings.TrimSpace(id), "")
}

// SyntheticTablePrefix prefixes table identifiers synthesized for hands
// whose header carries no recognizable table token.
const SyntheticTablePrefix = "unknown_table_"

// IsSyntheticTable reports whether the table identifier was synthesized.
func IsSyntheticTable(id string) bool {
	return strings.HasPrefix(id, SyntheticTablePrefix)
}
