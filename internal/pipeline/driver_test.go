package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handlens/handlens/internal/events"
	"github.com/handlens/handlens/internal/metrics"
	"github.com/handlens/handlens/internal/ocr"
	"github.com/handlens/handlens/internal/ratelimit"
)

func newTestDriver(client ocr.Client, clock quartz.Clock) *driver {
	return &driver{
		client:         client,
		limiter:        ratelimit.New(ratelimit.Options{Concurrency: 4}, clock),
		clock:          clock,
		bus:            events.NewBus(),
		jobID:          "job-1",
		timeout:        30 * time.Second,
		maxAttempts:    3,
		initialBackoff: time.Second,
		maxBackoff:     8 * time.Second,
		metrics:        metrics.NewNop(),
		logger:         zerolog.New(io.Discard),
	}
}

func TestCallRetriesTransientWithExponentialBackoff(t *testing.T) {
	mock := quartz.NewMock(t)
	trap := mock.Trap().NewTimer(BackoffTag)
	defer trap.Close()

	client := ocr.NewScriptedClient()
	client.ScriptHandID("x.png", ocr.HandIDResult{}, ocr.Transient(errors.New("503")))
	client.ScriptHandID("x.png", ocr.HandIDResult{}, ocr.Transient(errors.New("503")))
	client.ScriptHandID("x.png", ocr.HandIDResult{HandID: "RC42", Found: true}, nil)

	d := newTestDriver(client, mock)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- d.call(ctx, opExtractHandID, func(callCtx context.Context) error {
			_, err := d.client.ExtractHandID(callCtx, ocr.Image{Filename: "x.png"})
			return err
		})
	}()

	// First backoff: the seed of one second.
	call := trap.MustWait(ctx)
	assert.Equal(t, time.Second, call.Duration)
	call.Release()
	mock.Advance(time.Second).MustWait(ctx)

	// Second backoff doubles.
	call = trap.MustWait(ctx)
	assert.Equal(t, 2*time.Second, call.Duration)
	call.Release()
	mock.Advance(2 * time.Second).MustWait(ctx)

	require.NoError(t, <-done)
	assert.Equal(t, 3, client.Calls("a", "x.png"))
}

func TestCallBackoffIsCapped(t *testing.T) {
	mock := quartz.NewMock(t)
	trap := mock.Trap().NewTimer(BackoffTag)
	defer trap.Close()

	client := ocr.NewScriptedClient()
	client.ScriptHandID("x.png", ocr.HandIDResult{}, ocr.Transient(errors.New("timeout")))

	d := newTestDriver(client, mock)
	d.maxAttempts = 5
	d.maxBackoff = 2 * time.Second
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- d.call(ctx, opExtractHandID, func(callCtx context.Context) error {
			_, err := d.client.ExtractHandID(callCtx, ocr.Image{Filename: "x.png"})
			return err
		})
	}()

	wantWaits := []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}
	for _, want := range wantWaits {
		call := trap.MustWait(ctx)
		assert.Equal(t, want, call.Duration)
		call.Release()
		mock.Advance(want).MustWait(ctx)
	}

	err := <-done
	require.Error(t, err)
	assert.True(t, ocr.IsTransient(err))
	assert.Equal(t, 5, client.Calls("a", "x.png"))
}

func TestCallDoesNotRetryPermanentFailures(t *testing.T) {
	client := ocr.NewScriptedClient()
	client.ScriptHandID("x.png", ocr.HandIDResult{}, ocr.Permanent(errors.New("unreadable")))

	d := newTestDriver(client, quartz.NewReal())
	err := d.call(context.Background(), opExtractHandID, func(callCtx context.Context) error {
		_, err := d.client.ExtractHandID(callCtx, ocr.Image{Filename: "x.png"})
		return err
	})
	require.Error(t, err)
	assert.Equal(t, ocr.KindPermanent, ocr.KindOf(err))
	assert.Equal(t, 1, client.Calls("a", "x.png"))
}

func TestCallCountsRetriesInMetrics(t *testing.T) {
	mock := quartz.NewMock(t)
	trap := mock.Trap().NewTimer(BackoffTag)
	defer trap.Close()

	client := ocr.NewScriptedClient()
	client.ScriptHandID("x.png", ocr.HandIDResult{}, ocr.Transient(errors.New("503")))
	client.ScriptHandID("x.png", ocr.HandIDResult{Found: true, HandID: "RC1"}, nil)

	d := newTestDriver(client, mock)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- d.call(ctx, opExtractHandID, func(callCtx context.Context) error {
			_, err := d.client.ExtractHandID(callCtx, ocr.Image{Filename: "x.png"})
			return err
		})
	}()

	call := trap.MustWait(ctx)
	call.Release()
	mock.Advance(time.Second).MustWait(ctx)
	require.NoError(t, <-done)

	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.OCRRetries.WithLabelValues(opExtractHandID)))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.OCRCalls.WithLabelValues(opExtractHandID, "ok")))
}
