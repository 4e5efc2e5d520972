package mapping

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handlens/handlens/internal/hh"
	"github.com/handlens/handlens/internal/ocr"
)

func testBuilder() *Builder {
	return NewBuilder(0.70, zerolog.New(io.Discard))
}

func threeHanded() *hh.Hand {
	return &hh.Hand{
		ID:      "100",
		TableID: "Aquila",
		Seats: []hh.Seat{
			{Number: 1, ID: "a11111", Stack: 10, SmallBlind: true},
			{Number: 2, ID: "b22222", Stack: 8.5, BigBlind: true},
			{Number: 3, ID: hh.HeroID, Stack: 12.25, Button: true},
		},
	}
}

// Three-handed with all role indicators visible: role alignment binds
// every seat, and the hero seat takes the dealer-tagged name even though
// the payload hero record disagrees.
func TestBuildAllRolesVisible(t *testing.T) {
	payload := &ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Alice", Stack: 12.25, Role: ocr.RoleDealer},
			{Name: "Bob", Stack: 10, Role: ocr.RoleSmallBlind},
			{Name: "Carol", Stack: 8.5, Role: ocr.RoleBigBlind},
		},
		Hero: &ocr.PlayerEntry{Name: "Carol", Stack: 8.5},
	}

	got, conflict := testBuilder().Build(threeHanded(), payload, nil)
	require.Nil(t, conflict)
	assert.Equal(t, map[string]string{
		"a11111":  "Bob",
		"b22222":  "Carol",
		hh.HeroID: "Alice",
	}, got)
}

// Only the dealer is tagged: SB and BB derive by clockwise rotation in
// payload player order.
func TestBuildDealerOnlyRotation(t *testing.T) {
	payload := &ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Alice", Stack: 12.25, Role: ocr.RoleDealer},
			{Name: "Bob", Stack: 10},
			{Name: "Carol", Stack: 8.5},
		},
		Hero: &ocr.PlayerEntry{Name: "Alice", Stack: 12.25},
	}

	got, conflict := testBuilder().Build(threeHanded(), payload, nil)
	require.Nil(t, conflict)
	assert.Equal(t, map[string]string{
		hh.HeroID: "Alice", // button
		"a11111":  "Bob",   // small blind = next after dealer
		"b22222":  "Carol", // big blind = next after that
	}, got)
}

func TestBuildHeadsUp(t *testing.T) {
	hand := &hh.Hand{
		ID:      "200",
		TableID: "Aquila",
		Seats: []hh.Seat{
			{Number: 1, ID: hh.HeroID, Stack: 9.8, Button: true, SmallBlind: true},
			{Number: 2, ID: "ff00ee", Stack: 11, BigBlind: true},
		},
	}
	payload := &ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Dana", Stack: 9.8, Role: ocr.RoleDealer},
			{Name: "Erin", Stack: 11, Role: ocr.RoleBigBlind},
		},
		Hero: &ocr.PlayerEntry{Name: "Dana", Stack: 9.8},
	}

	got, conflict := testBuilder().Build(hand, payload, nil)
	require.Nil(t, conflict)
	assert.Equal(t, map[string]string{hh.HeroID: "Dana", "ff00ee": "Erin"}, got)
}

// The SB tag alone suffices for the dealer seat in heads-up play.
func TestBuildHeadsUpSmallBlindTagOnly(t *testing.T) {
	hand := &hh.Hand{
		ID:      "201",
		TableID: "Aquila",
		Seats: []hh.Seat{
			{Number: 1, ID: hh.HeroID, Stack: 9.8, Button: true, SmallBlind: true},
			{Number: 2, ID: "ff00ee", Stack: 11, BigBlind: true},
		},
	}
	payload := &ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Dana", Stack: 9.8, Role: ocr.RoleSmallBlind},
			{Name: "Erin", Stack: 11},
		},
		Hero: &ocr.PlayerEntry{Name: "Dana", Stack: 9.8},
	}

	got, conflict := testBuilder().Build(hand, payload, nil)
	require.Nil(t, conflict)
	assert.Equal(t, map[string]string{hh.HeroID: "Dana", "ff00ee": "Erin"}, got)
}

// A provider bug tags two roles with the same display name: the whole
// per-hand mapping collapses and the conflict is reported.
func TestBuildDuplicateNameVoidsMapping(t *testing.T) {
	payload := &ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Hank", Stack: 12.25, Role: ocr.RoleDealer},
			{Name: "Hank", Stack: 10, Role: ocr.RoleSmallBlind},
			{Name: "Ivy", Stack: 8.5, Role: ocr.RoleBigBlind},
		},
		Hero: &ocr.PlayerEntry{Name: "Ivy", Stack: 8.5},
	}

	got, conflict := testBuilder().Build(threeHanded(), payload, nil)
	assert.Empty(t, got)
	require.NotNil(t, conflict)
	assert.Equal(t, "100", conflict.HandID)
	assert.Equal(t, "Hank", conflict.Name)
	assert.Len(t, conflict.IDs, 2)
}

// Four seats, only the dealer visible: the rotation covers three seats
// and positional alignment from the hero seat resolves the rest.
func TestBuildPositionalFallback(t *testing.T) {
	hand := &hh.Hand{
		ID:      "300",
		TableID: "Aquila",
		Seats: []hh.Seat{
			{Number: 1, ID: "a11111", Stack: 10, SmallBlind: true},
			{Number: 2, ID: "b22222", Stack: 8, BigBlind: true},
			{Number: 3, ID: "c33333", Stack: 20},
			{Number: 4, ID: hh.HeroID, Stack: 15, Button: true},
		},
	}
	// Player order is clockwise from the screenshot, hero included.
	payload := &ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Walt", Stack: 15, Role: ocr.RoleDealer},
			{Name: "Xena", Stack: 10},
			{Name: "Yuri", Stack: 8},
			{Name: "Zoe", Stack: 20},
		},
		Hero: &ocr.PlayerEntry{Name: "Walt", Stack: 15},
	}

	got, conflict := testBuilder().Build(hand, payload, nil)
	require.Nil(t, conflict)
	assert.Equal(t, map[string]string{
		hh.HeroID: "Walt",
		"a11111":  "Xena",
		"b22222":  "Yuri",
		"c33333":  "Zoe",
	}, got)
}

func TestBuildCompletesTruncatedNames(t *testing.T) {
	payload := &ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Alice", Stack: 12.25, Role: ocr.RoleDealer},
			{Name: "Maximilian…", Stack: 10, Role: ocr.RoleSmallBlind},
			{Name: "Carol", Stack: 8.5, Role: ocr.RoleBigBlind},
		},
		Hero: &ocr.PlayerEntry{Name: "Alice", Stack: 12.25},
	}
	known := []string{"MaximilianDerGrosse", "Carol", "Alice"}

	got, conflict := testBuilder().Build(threeHanded(), payload, known)
	require.Nil(t, conflict)
	assert.Equal(t, "MaximilianDerGrosse", got["a11111"])
}

func TestBuildKeepsTruncatedNameWithoutGoodCompletion(t *testing.T) {
	got := testBuilder().completeName("Zyx...", []string{"Alice", "Bob"})
	assert.Equal(t, "Zyx...", got)
}

// Names carry punctuation, brackets, and non-ASCII characters untouched.
func TestBuildPreservesNameBytes(t *testing.T) {
	payload := &ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "[VIP] Jörg-千葉", Stack: 12.25, Role: ocr.RoleDealer},
			{Name: "Bob", Stack: 10, Role: ocr.RoleSmallBlind},
			{Name: "Carol", Stack: 8.5, Role: ocr.RoleBigBlind},
		},
		Hero: &ocr.PlayerEntry{Name: "Carol", Stack: 8.5},
	}

	got, conflict := testBuilder().Build(threeHanded(), payload, nil)
	require.Nil(t, conflict)
	assert.Equal(t, "[VIP] Jörg-千葉", got[hh.HeroID])
}

func TestBuildNilPayload(t *testing.T) {
	got, conflict := testBuilder().Build(threeHanded(), nil, nil)
	assert.Nil(t, got)
	assert.Nil(t, conflict)
}
