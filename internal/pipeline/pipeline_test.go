package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handlens/handlens/internal/classify"
	"github.com/handlens/handlens/internal/config"
	"github.com/handlens/handlens/internal/events"
	"github.com/handlens/handlens/internal/match"
	"github.com/handlens/handlens/internal/ocr"
	"github.com/handlens/handlens/internal/storage"
)

const threeHanded = `Poker Hand #RC3141592653: Hold'em No Limit ($0.05/$0.10) - 2024/01/02 12:34:56
Table 'Aquila III' 6-max Seat #3 is the button
Seat 1: a11111 ($10.00 in chips)
Seat 2: b22222 ($8.50 in chips)
Seat 3: Hero ($12.25 in chips)
a11111: posts small blind $0.05
b22222: posts big blind $0.10
*** HOLE CARDS ***
Dealt to Hero [Ah Kd]
Hero: raises $0.20 to $0.30
a11111: folds
b22222: calls $0.20
*** FLOP *** [2c 3d 4h]
b22222: checks
Hero: bets $0.45
b22222: folds
Uncalled bet ($0.45) returned to Hero
Hero collected $0.70 from pot
*** SUMMARY ***
Total pot $0.75 | Rake $0.05
Board [2c 3d 4h]
Seat 1: a11111 (small blind) folded before Flop
Seat 2: b22222 (big blind) folded on the Flop
Seat 3: Hero (button) collected ($0.70)
`

const headsUp = `Poker Hand #RC2718281828: Hold'em No Limit ($0.05/$0.10) - 2024/01/02 12:40:10
Table 'Aquila III' 6-max Seat #1 is the button
Seat 1: Hero ($9.80 in chips)
Seat 2: ff00ee ($11.00 in chips)
Hero: posts small blind $0.05
ff00ee: posts big blind $0.10
*** HOLE CARDS ***
Dealt to Hero [7s 7d]
Hero: calls $0.05
ff00ee: checks
*** SUMMARY ***
Total pot $0.20 | Rake $0.01
Seat 1: Hero (button) (small blind) collected ($0.19)
Seat 2: ff00ee (big blind) folded before Flop
`

var shotTime = time.Date(2024, 1, 2, 12, 35, 10, 0, time.UTC)

func threeHandedPayload() ocr.PlayersResult {
	return ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Alice", Stack: 12.25, Role: ocr.RoleDealer},
			{Name: "Bob", Stack: 10.00, Role: ocr.RoleSmallBlind},
			{Name: "Carol", Stack: 8.50, Role: ocr.RoleBigBlind},
		},
		Hero: &ocr.PlayerEntry{Name: "Carol", Stack: 12.25},
	}
}

func newTestPipeline(t *testing.T, client ocr.Client, opts Options) *Pipeline {
	t.Helper()
	opts.Client = client
	opts.Logger = zerolog.New(io.Discard)
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func TestRunRewritesMatchedFile(t *testing.T) {
	client := ocr.NewScriptedClient()
	client.ScriptHandID("table.png", ocr.HandIDResult{HandID: "RC3141592653", Found: true}, nil)
	client.ScriptPlayers("table.png", threeHandedPayload(), nil)

	store := storage.NewMemoryStore()
	p := newTestPipeline(t, client, Options{Store: store})

	report, err := p.Run(context.Background(), &Job{
		ID:          "job-1",
		Tier:        config.TierUnrestricted,
		Files:       []HandFile{{Filename: "session.txt", Text: threeHanded}},
		Screenshots: []Screenshot{{Filename: "table.png", Data: []byte{1}, Timestamp: shotTime}},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 1, report.HandsParsed)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.CleanFiles)

	require.Len(t, report.Files, 1)
	body := string(report.Files[0].Body)
	assert.Contains(t, body, "Seat 1: Bob")
	assert.Contains(t, body, "Seat 2: Carol")
	assert.Contains(t, body, "Seat 3: Alice")
	assert.Contains(t, body, "Dealt to Alice [Ah Kd]")
	assert.NotContains(t, body, "a11111")
	assert.NotContains(t, body, "b22222")
	assert.Equal(t, classify.Clean, report.Files[0].Class)

	rec, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.Matched)

	outcomes, err := store.ListScreenshotOutcomes(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "3141592653", outcomes[0].MatchedHand)
	assert.Equal(t, 100, outcomes[0].Confidence)
}

// drainEvents empties everything the bus buffered during a run.
func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRunPublishesStageBoundaryEvents(t *testing.T) {
	client := ocr.NewScriptedClient()
	client.ScriptHandID("table.png", ocr.HandIDResult{HandID: "RC3141592653", Found: true}, nil)
	client.ScriptPlayers("table.png", threeHandedPayload(), nil)

	bus := events.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	p := newTestPipeline(t, client, Options{Bus: bus})
	_, err := p.Run(context.Background(), &Job{
		ID:          "job-1",
		Tier:        config.TierUnrestricted,
		Files:       []HandFile{{Filename: "session.txt", Text: threeHanded}},
		Screenshots: []Screenshot{{Filename: "table.png", Data: []byte{1}, Timestamp: shotTime}},
	})
	require.NoError(t, err)

	got := drainEvents(ch)
	require.NotEmpty(t, got)

	var started []string
	finished := make(map[string]events.Event)
	for _, ev := range got {
		switch ev.Type {
		case events.TypeStageStarted:
			started = append(started, ev.Stage)
		case events.TypeStageFinished:
			finished[ev.Stage] = ev
		}
	}
	wantStages := []string{
		StatusParsing, StatusOCRA, StatusMatching, StatusOCRB,
		StatusMapping, StatusAggregating, StatusRewriting, StatusClassifying,
	}
	assert.Equal(t, wantStages, started)
	require.Len(t, finished, len(wantStages))

	a := finished[StatusOCRA]
	assert.Equal(t, 1, a.Total)
	assert.Equal(t, 1, a.Succeeded)
	assert.Equal(t, 0, a.Failed)
	assert.Equal(t, 0, a.InFlight)

	assert.Equal(t, 1, finished[StatusMatching].Succeeded)
	assert.Equal(t, 1, finished[StatusClassifying].Succeeded)
	assert.Equal(t, 0, finished[StatusClassifying].Failed)

	last := got[len(got)-1]
	assert.Equal(t, events.TypeJobFinished, last.Type)
	assert.Equal(t, StatusCompleted, last.Detail)
}

func TestRunPublishesItemFailures(t *testing.T) {
	client := ocr.NewScriptedClient()
	client.ScriptHandID("table.png", ocr.HandIDResult{HandID: "RC3141592653", Found: true}, nil)
	client.ScriptPlayers("table.png", ocr.PlayersResult{},
		ocr.SchemaViolation(errors.New("players payload: players is required")))

	bus := events.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	p := newTestPipeline(t, client, Options{Bus: bus})
	_, err := p.Run(context.Background(), &Job{
		ID:          "job-1",
		Tier:        config.TierUnrestricted,
		Files:       []HandFile{{Filename: "session.txt", Text: threeHanded}},
		Screenshots: []Screenshot{{Filename: "table.png", Data: []byte{1}, Timestamp: shotTime}},
	})
	require.NoError(t, err)

	var failures []events.Event
	for _, ev := range drainEvents(ch) {
		if ev.Type == events.TypeItemFailed {
			failures = append(failures, ev)
		}
	}
	require.Len(t, failures, 1)
	assert.Equal(t, StatusOCRB, failures[0].Stage)
	assert.Equal(t, "table.png", failures[0].Item)
	assert.Equal(t, string(ocr.KindSchema), failures[0].Detail)
}

func TestSkippedRecordTextSurvivesInOutput(t *testing.T) {
	malformed := "Poker Hand #RC99: Hold'em No Limit - 2024/01/02 12:50:00\nTable 'Aquila III'\ncc33dd: obscured by a popup\n"
	client := ocr.NewScriptedClient()
	client.ScriptHandID("table.png", ocr.HandIDResult{HandID: "RC3141592653", Found: true}, nil)
	client.ScriptPlayers("table.png", threeHandedPayload(), nil)

	p := newTestPipeline(t, client, Options{})
	report, err := p.Run(context.Background(), &Job{
		ID:          "job-1",
		Tier:        config.TierUnrestricted,
		Files:       []HandFile{{Filename: "session.txt", Text: threeHanded + "\n" + malformed}},
		Screenshots: []Screenshot{{Filename: "table.png", Data: []byte{1}, Timestamp: shotTime}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.HandsParsed)
	assert.Equal(t, 1, report.HandsSkipped)

	// The malformed record rides along verbatim, in its original
	// position after the rewritten hand.
	require.Len(t, report.Files, 1)
	body := string(report.Files[0].Body)
	assert.Contains(t, body, "Seat 1: Bob")
	assert.Contains(t, body, "cc33dd: obscured by a popup")
	assert.Less(t, strings.Index(body, "Seat 1: Bob"), strings.Index(body, "cc33dd"))

	// Its identifiers were never mapped, so the file stays residual.
	assert.Equal(t, classify.Residual, report.Files[0].Class)
	assert.Contains(t, report.Files[0].Residuals, "cc33dd")
}

func TestFallbackBelowThresholdStaysUnmatched(t *testing.T) {
	client := ocr.NewScriptedClient()
	// The model responds but cannot read an identifier.
	client.ScriptHandID("table.png", ocr.HandIDResult{Found: false}, nil)
	client.ScriptPlayers("table.png", ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Alice", Stack: 12.00},
			{Name: "Bob", Stack: 10.00},
			{Name: "Carol", Stack: 8.50},
		},
		Hero:  &ocr.PlayerEntry{Name: "Alice", Stack: 12.00},
		Board: []string{"2c", "3d", "4h"},
	}, nil)

	p := newTestPipeline(t, client, Options{})
	report, err := p.Run(context.Background(), &Job{
		ID:          "job-1",
		Tier:        config.TierUnrestricted,
		Files:       []HandFile{{Filename: "session.txt", Text: threeHanded}},
		Screenshots: []Screenshot{{Filename: "table.png", Data: []byte{1}, Timestamp: shotTime}},
	})
	require.NoError(t, err)

	// Board, window, and hero-stack evidence alone cannot reach the
	// threshold, so the screenshot was worth the operation-B spend but
	// still falls out.
	assert.Equal(t, 1, client.Calls("b", "table.png"))
	assert.Equal(t, 0, report.Matched)
	assert.Equal(t, 1, report.ResidualFiles)
	require.Len(t, report.Screenshots, 1)
	assert.Equal(t, match.ReasonBelowCutoff, report.Screenshots[0].FailureKind)
	assert.Contains(t, report.Files[0].Residuals, "a11111")
}

func TestNoEvidenceScreenshotSkipsOperationB(t *testing.T) {
	client := ocr.NewScriptedClient()
	client.ScriptHandID("stray.png", ocr.HandIDResult{Found: false}, nil)

	p := newTestPipeline(t, client, Options{})
	report, err := p.Run(context.Background(), &Job{
		ID:    "job-1",
		Tier:  config.TierUnrestricted,
		Files: []HandFile{{Filename: "session.txt", Text: threeHanded}},
		Screenshots: []Screenshot{
			// Hours away from every hand: no fallback candidate exists.
			{Filename: "stray.png", Data: []byte{1}, Timestamp: shotTime.Add(6 * time.Hour)},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, client.Calls("b", "stray.png"))
	assert.Equal(t, 0, report.Matched)
	require.Len(t, report.Screenshots, 1)
	assert.Equal(t, match.ReasonNoEvidence, report.Screenshots[0].FailureKind)
}

func TestGateRejectionUnbindsPrimaryMatch(t *testing.T) {
	client := ocr.NewScriptedClient()
	client.ScriptHandID("table.png", ocr.HandIDResult{HandID: "RC3141592653", Found: true}, nil)
	// Two visible players against a three-seat hand: count parity gate.
	client.ScriptPlayers("table.png", ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Alice", Stack: 12.25, Role: ocr.RoleDealer},
			{Name: "Bob", Stack: 10.00, Role: ocr.RoleBigBlind},
		},
		Hero: &ocr.PlayerEntry{Name: "Alice", Stack: 12.25},
	}, nil)

	p := newTestPipeline(t, client, Options{})
	report, err := p.Run(context.Background(), &Job{
		ID:          "job-1",
		Tier:        config.TierUnrestricted,
		Files:       []HandFile{{Filename: "session.txt", Text: threeHanded}},
		Screenshots: []Screenshot{{Filename: "table.png", Data: []byte{1}, Timestamp: shotTime}},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, report.Matched)
	assert.Equal(t, 1, report.ResidualFiles)
	require.Len(t, report.Screenshots, 1)
	assert.Equal(t, match.ReasonGateRejected, report.Screenshots[0].FailureKind)
}

func TestMalformedPayloadIsolatedToItsScreenshot(t *testing.T) {
	client := ocr.NewScriptedClient()
	client.ScriptHandID("first.png", ocr.HandIDResult{HandID: "RC3141592653", Found: true}, nil)
	client.ScriptPlayers("first.png", ocr.PlayersResult{},
		ocr.SchemaViolation(errors.New("players payload: players is required")))
	client.ScriptHandID("second.png", ocr.HandIDResult{HandID: "RC2718281828", Found: true}, nil)
	client.ScriptPlayers("second.png", ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Dana", Stack: 9.80, Role: ocr.RoleDealer},
			{Name: "Erin", Stack: 11.00, Role: ocr.RoleBigBlind},
		},
		Hero: &ocr.PlayerEntry{Name: "Dana", Stack: 9.80},
	}, nil)

	p := newTestPipeline(t, client, Options{})
	report, err := p.Run(context.Background(), &Job{
		ID:   "job-1",
		Tier: config.TierUnrestricted,
		Files: []HandFile{
			{Filename: "a_session.txt", Text: threeHanded},
			{Filename: "b_session.txt", Text: headsUp},
		},
		Screenshots: []Screenshot{
			{Filename: "first.png", Data: []byte{1}, Timestamp: shotTime},
			{Filename: "second.png", Data: []byte{2}, Timestamp: shotTime.Add(5 * time.Minute)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)

	byFile := make(map[string]storage.ScreenshotOutcome)
	for _, o := range report.Screenshots {
		byFile[o.Filename] = o
	}
	assert.Equal(t, string(ocr.KindSchema), byFile["first.png"].FailureKind)
	assert.Empty(t, byFile["second.png"].FailureKind)

	// The heads-up mapping propagates across the shared table, so the
	// hero placeholder is renamed in both files; the first hand's own
	// identifiers stay anonymized.
	require.Len(t, report.Files, 2)
	assert.Equal(t, classify.Residual, report.Files[0].Class)
	assert.Contains(t, string(report.Files[0].Body), "Dealt to Dana")
	assert.Contains(t, report.Files[0].Residuals, "a11111")
	assert.Equal(t, classify.Clean, report.Files[1].Class)
	assert.Contains(t, string(report.Files[1].Body), "Seat 2: Erin")
}

func TestDuplicateNameVoidsMappingAndRecordsConflict(t *testing.T) {
	client := ocr.NewScriptedClient()
	client.ScriptHandID("table.png", ocr.HandIDResult{HandID: "RC3141592653", Found: true}, nil)
	client.ScriptPlayers("table.png", ocr.PlayersResult{
		Players: []ocr.PlayerEntry{
			{Name: "Hank", Stack: 12.25, Role: ocr.RoleDealer},
			{Name: "Hank", Stack: 10.00, Role: ocr.RoleSmallBlind},
			{Name: "Ivy", Stack: 8.50, Role: ocr.RoleBigBlind},
		},
		Hero: &ocr.PlayerEntry{Name: "Ivy", Stack: 12.25},
	}, nil)

	p := newTestPipeline(t, client, Options{})
	report, err := p.Run(context.Background(), &Job{
		ID:          "job-1",
		Tier:        config.TierUnrestricted,
		Files:       []HandFile{{Filename: "session.txt", Text: threeHanded}},
		Screenshots: []Screenshot{{Filename: "table.png", Data: []byte{1}, Timestamp: shotTime}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.ResidualFiles)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, []string{"Hank"}, report.Conflicts[0].Names)
}

func TestCancellationPersistsCompletedOutcomes(t *testing.T) {
	client := ocr.NewScriptedClient()
	for i := 1; i <= 3; i++ {
		client.ScriptHandID(fmt.Sprintf("s%d.png", i),
			ocr.HandIDResult{HandID: fmt.Sprintf("RC%d", 1000+i), Found: true}, nil)
	}
	// Two tokens: the first two calls pass, the third blocks until the
	// cancellation below wakes it.
	client.BlockA = make(chan struct{}, 3)
	client.BlockA <- struct{}{}
	client.BlockA <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	client.OnCallA = func(string) {
		if calls.Add(1) == 3 {
			cancel()
		}
	}

	store := storage.NewMemoryStore()
	p := newTestPipeline(t, client, Options{Store: store})
	report, err := p.Run(ctx, &Job{
		ID:    "job-1",
		Tier:  config.TierRestricted, // concurrency 1: deterministic order
		Files: []HandFile{{Filename: "session.txt", Text: threeHanded}},
		Screenshots: []Screenshot{
			{Filename: "s1.png", Data: []byte{1}, Timestamp: shotTime},
			{Filename: "s2.png", Data: []byte{2}, Timestamp: shotTime},
			{Filename: "s3.png", Data: []byte{3}, Timestamp: shotTime},
		},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, report.Status)

	rec, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.Contains(t, rec.Error, StatusOCRA)

	outcomes, err := store.ListScreenshotOutcomes(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	read := 0
	for _, o := range outcomes {
		if o.HandID != "" {
			read++
		}
	}
	assert.Equal(t, 2, read)
}

func TestStageTimeoutFailsJob(t *testing.T) {
	client := ocr.NewScriptedClient()
	client.ScriptHandID("slow.png", ocr.HandIDResult{Found: true, HandID: "RC3141592653"}, nil)
	client.BlockA = make(chan struct{}) // never released

	p := newTestPipeline(t, client, Options{StageTimeout: 50 * time.Millisecond})
	report, err := p.Run(context.Background(), &Job{
		ID:          "job-1",
		Tier:        config.TierUnrestricted,
		Files:       []HandFile{{Filename: "session.txt", Text: threeHanded}},
		Screenshots: []Screenshot{{Filename: "slow.png", Data: []byte{1}, Timestamp: shotTime}},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, report.Status)
}

func TestUnknownTierRefusesToStart(t *testing.T) {
	p := newTestPipeline(t, ocr.NewScriptedClient(), Options{})
	_, err := p.Run(context.Background(), &Job{ID: "job-1", Tier: "platinum"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config")
}
