package hh

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// The header grammar accepts the variants produced by the upstream tool:
// "Poker Hand #RC123..." and "PokerStars Hand #123..." both carry an
// identifier token, an optional stakes group, and a timestamp.
var (
	headerRe = regexp.MustCompile(`(?m)^[A-Za-z][A-Za-z0-9' ]* Hand #([A-Za-z]*[0-9]+):\s*(.*?)\s*-\s*(\d{4}[/-]\d{2}[/-]\d{2})[ T](\d{1,2}:\d{2}:\d{2})`)
	stakesRe = regexp.MustCompile(`\(([^)]+)\)`)

	tableQuotedRe = regexp.MustCompile(`(?m)^Table '([^']*)'(?:\s+(\d+)-max)?(?:.*?Seat #(\d+) is the button)?`)
	tableBareRe   = regexp.MustCompile(`(?m)^Table ([^\s']+)(?:\s+(\d+)-max)?(?:.*?Seat #(\d+) is the button)?`)

	seatRe = regexp.MustCompile(`(?m)^Seat (\d+): (\S+) \(\$?([0-9][0-9.,]*) in chips\)`)

	postSmallRe = regexp.MustCompile(`^(\S+): posts small blind`)
	postBigRe   = regexp.MustCompile(`^(\S+): posts big blind`)
	dealtRe     = regexp.MustCompile(`^Dealt to (\S+)(?: \[([^\]]+)\])?`)

	actionRe    = regexp.MustCompile(`^(\S+): (folds|checks|calls|bets|raises)(?:\s+\$?([0-9][0-9.,]*))?(?:\s+to\s+\$?([0-9][0-9.,]*))?`)
	showMuckRe  = regexp.MustCompile(`^(\S+): (shows|mucks)`)
	collectedRe = regexp.MustCompile(`^(\S+) collected \$?([0-9][0-9.,]*)`)

	flopRe  = regexp.MustCompile(`\*\*\* FLOP \*\*\*\s*\[([^\]]+)\]`)
	turnRe  = regexp.MustCompile(`\*\*\* TURN \*\*\*\s*\[[^\]]+\]\s*\[([^\]]+)\]`)
	riverRe = regexp.MustCompile(`\*\*\* RIVER \*\*\*\s*\[[^\]]+\]\s*\[([^\]]+)\]`)

	summaryButtonRe = regexp.MustCompile(`(?m)^Seat (\d+): \S+ \(button\)`)
)

var timestampLayouts = []string{
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05",
}

// Parser turns hand-history text files into ordered hand sequences.
type Parser struct {
	logger zerolog.Logger
}

// NewParser creates a parser that reports skipped hands on the given logger.
func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{logger: logger}
}

// Record is one hand-record segment of a file, in file order. Hand is
// nil when the segment could not be parsed; Raw always carries the
// segment text so nothing is lost between input and output.
type Record struct {
	Raw  string
	Hand *Hand
}

// ParseResult is the outcome of parsing one file. Hands holds the
// parsed hands; Records additionally keeps the skipped segments in
// their original positions.
type ParseResult struct {
	Records  []Record
	Hands    []*Hand
	Warnings []string
	Skipped  int
}

// ParseFile parses every hand record in text. fileIndex keys the synthetic
// table identifier assigned to hands whose header carries no table token,
// so table-less hands from the same file land on the same table.
//
// A hand whose header cannot be parsed is skipped with a warning; one
// malformed hand never poisons the remainder of the file.
func (p *Parser) ParseFile(filename string, fileIndex int, text string) ParseResult {
	var res ParseResult

	headers := headerRe.FindAllStringIndex(text, -1)
	if len(headers) == 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: no parseable hands", filename))
		p.logger.Warn().Str("file", filename).Msg("no parseable hands in file")
		return res
	}

	for i, loc := range headers {
		end := len(text)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		raw := strings.TrimRight(text[loc[0]:end], "\n")

		hand, err := p.parseHand(raw, fileIndex)
		if err != nil {
			res.Records = append(res.Records, Record{Raw: raw})
			res.Skipped++
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: hand %d: %v", filename, i+1, err))
			p.logger.Warn().Str("file", filename).Int("record", i+1).Err(err).Msg("skipping malformed hand")
			continue
		}
		res.Records = append(res.Records, Record{Raw: raw, Hand: hand})
		res.Hands = append(res.Hands, hand)
	}
	return res
}

func (p *Parser) parseHand(raw string, fileIndex int) (*Hand, error) {
	m := headerRe.FindStringSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("unparseable header")
	}

	hand := &Hand{
		RawID: m[1],
		ID:    NormalizeHandID(m[1]),
		Raw:   raw,
	}
	if hand.ID == "" {
		return nil, fmt.Errorf("hand identifier %q has no numeric part", m[1])
	}
	if sm := stakesRe.FindStringSubmatch(m[2]); sm != nil {
		hand.Stakes = sm[1]
	}

	ts, err := parseTimestamp(m[3], m[4])
	if err != nil {
		return nil, err
	}
	hand.Timestamp = ts

	buttonSeat := p.parseTable(raw, hand, fileIndex)
	if err := p.parseSeats(raw, hand); err != nil {
		return nil, err
	}
	p.parseStreets(raw, hand)
	p.assignButton(raw, hand, buttonSeat)
	hand.Board = parseBoard(raw)

	return hand, nil
}

// parseTable fills TableID and MaxSeats and returns the header's button
// seat number, or 0 when the header does not name one. Unrecognized table
// tokens fall back to a synthetic per-file identifier rather than a guess.
func (p *Parser) parseTable(raw string, hand *Hand, fileIndex int) int {
	m := tableQuotedRe.FindStringSubmatch(raw)
	if m == nil {
		m = tableBareRe.FindStringSubmatch(raw)
	}
	if m == nil || m[1] == "" {
		hand.TableID = fmt.Sprintf("%s%d", SyntheticTablePrefix, fileIndex)
		return 0
	}
	hand.TableID = m[1]
	if m[2] != "" {
		hand.MaxSeats, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		n, _ := strconv.Atoi(m[3])
		return n
	}
	return 0
}

func (p *Parser) parseSeats(raw string, hand *Hand) error {
	// Seat lines repeat in the summary block; only the declarations before
	// the first street marker define the lineup.
	head := raw
	if idx := strings.Index(raw, "*** "); idx >= 0 {
		head = raw[:idx]
	}
	for _, m := range seatRe.FindAllStringSubmatch(head, -1) {
		num, _ := strconv.Atoi(m[1])
		if hand.Seat(num) != nil {
			continue
		}
		hand.Seats = append(hand.Seats, Seat{
			Number: num,
			ID:     m[2],
			Stack:  parseAmount(m[3]),
		})
	}
	if len(hand.Seats) == 0 {
		return fmt.Errorf("no seats declared")
	}
	return nil
}

func (p *Parser) parseStreets(raw string, hand *Hand) {
	street := StreetPreflop
	inSummary := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "*** FLOP"):
			street = StreetFlop
			continue
		case strings.HasPrefix(line, "*** TURN"):
			street = StreetTurn
			continue
		case strings.HasPrefix(line, "*** RIVER"):
			street = StreetRiver
			continue
		case strings.HasPrefix(line, "*** SHOW DOWN") || strings.HasPrefix(line, "*** SHOWDOWN"):
			street = StreetShowdown
			continue
		case strings.HasPrefix(line, "*** SUMMARY"):
			inSummary = true
			continue
		}
		if inSummary {
			continue
		}

		if m := postSmallRe.FindStringSubmatch(line); m != nil {
			if s := hand.SeatByID(m[1]); s != nil {
				s.SmallBlind = true
			}
			hand.Actions = append(hand.Actions, Action{Actor: m[1], Verb: "posts small blind", Street: street})
			continue
		}
		if m := postBigRe.FindStringSubmatch(line); m != nil {
			if s := hand.SeatByID(m[1]); s != nil {
				s.BigBlind = true
			}
			hand.Actions = append(hand.Actions, Action{Actor: m[1], Verb: "posts big blind", Street: street})
			continue
		}
		if m := dealtRe.FindStringSubmatch(line); m != nil {
			if m[1] == HeroID && m[2] != "" {
				hand.HeroCards = strings.Fields(m[2])
			}
			continue
		}
		if m := actionRe.FindStringSubmatch(line); m != nil {
			amount := parseAmount(m[3])
			if m[4] != "" { // "raises $X to $Y" records the to-amount
				amount = parseAmount(m[4])
			}
			hand.Actions = append(hand.Actions, Action{Actor: m[1], Verb: m[2], Amount: amount, Street: street})
			continue
		}
		if m := showMuckRe.FindStringSubmatch(line); m != nil {
			hand.Actions = append(hand.Actions, Action{Actor: m[1], Verb: m[2], Street: street})
			continue
		}
		if m := collectedRe.FindStringSubmatch(line); m != nil {
			hand.Actions = append(hand.Actions, Action{Actor: m[1], Verb: "collected", Amount: parseAmount(m[2]), Street: street})
		}
	}
}

// assignButton tags the dealer seat from the header, falling back to the
// summary's "(button)" marker. In heads-up play the dealer also posts the
// small blind, so a single seat carries both roles.
func (p *Parser) assignButton(raw string, hand *Hand, headerSeat int) {
	seatNum := headerSeat
	if seatNum == 0 {
		if m := summaryButtonRe.FindStringSubmatch(raw); m != nil {
			seatNum, _ = strconv.Atoi(m[1])
		}
	}
	if seatNum == 0 {
		return
	}
	if s := hand.Seat(seatNum); s != nil {
		s.Button = true
	}
}

func parseBoard(raw string) []string {
	var board []string
	if m := flopRe.FindStringSubmatch(raw); m != nil {
		board = append(board, strings.Fields(m[1])...)
	}
	if m := turnRe.FindStringSubmatch(raw); m != nil {
		board = append(board, strings.Fields(m[1])...)
	}
	if m := riverRe.FindStringSubmatch(raw); m != nil {
		board = append(board, strings.Fields(m[1])...)
	}
	return board
}

func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	return v
}

func parseTimestamp(date, clock string) (time.Time, error) {
	stamp := strings.ReplaceAll(date, "-", "/") + " " + clock
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, stamp); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q %q", date, clock)
}
