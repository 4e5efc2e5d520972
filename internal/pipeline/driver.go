package pipeline

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/handlens/handlens/internal/events"
	"github.com/handlens/handlens/internal/hh"
	"github.com/handlens/handlens/internal/metrics"
	"github.com/handlens/handlens/internal/ocr"
	"github.com/handlens/handlens/internal/ratelimit"
)

// BackoffTag marks retry-backoff timers on the mock clock.
const BackoffTag = "backoff"

// OCR operation labels, used in metrics and logs.
const (
	opExtractHandID  = "extract_hand_id"
	opExtractPlayers = "extract_players"
)

// driver fans OCR calls out over screenshots. It carries everything the
// two suspension points share: the transport, the tier limiter, retry
// policy, and the per-call timeout.
type driver struct {
	client         ocr.Client
	limiter        *ratelimit.Limiter
	clock          quartz.Clock
	bus            *events.Bus
	jobID          string
	timeout        time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	metrics        *metrics.Metrics
	logger         zerolog.Logger
}

// itemFailed announces one screenshot's terminal failure in a stage.
func (d *driver) itemFailed(stage, item, kind string) {
	d.bus.Publish(events.Event{Type: events.TypeItemFailed, JobID: d.jobID, Stage: stage, Item: item, Detail: kind})
}

// call runs one rate-limited OCR call with retry on transient failure.
// Each attempt takes its own limiter slot; failed attempts do not
// consume window budget.
func (d *driver) call(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := d.initialBackoff
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			d.metrics.OCRRetries.WithLabelValues(op).Inc()
			timer := d.clock.NewTimer(backoff, BackoffTag)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ocr.Transient(ctx.Err())
			}
			backoff *= 2
			if backoff > d.maxBackoff {
				backoff = d.maxBackoff
			}
		}

		if err := d.limiter.Acquire(ctx); err != nil {
			return ocr.Transient(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := fn(callCtx)
		cancel()
		d.limiter.Release(err == nil)

		if err == nil {
			d.metrics.OCRCalls.WithLabelValues(op, "ok").Inc()
			return nil
		}
		kind := ocr.KindOf(err)
		d.metrics.OCRCalls.WithLabelValues(op, string(kind)).Inc()
		if kind != ocr.KindTransient || ctx.Err() != nil {
			return err
		}
		lastErr = err
		d.logger.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("transient OCR failure")
	}
	return lastErr
}

// runA extracts hand identifiers for every screenshot. Per-screenshot
// failures are recorded on the shot; only context cancellation aborts
// the stage.
func (d *driver) runA(ctx context.Context, shots []*shot) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range shots {
		g.Go(func() error {
			img, err := s.image(gctx)
			if err != nil {
				s.aFailure = string(ocr.KindPermanent)
				d.itemFailed(StatusOCRA, s.src.Filename, s.aFailure)
				d.logger.Error().Str("screenshot", s.src.Filename).Err(err).Msg("cannot load screenshot")
				return nil
			}
			err = d.call(gctx, opExtractHandID, func(callCtx context.Context) error {
				res, err := d.client.ExtractHandID(callCtx, img)
				if err != nil {
					return err
				}
				if res.Found {
					s.handID = hh.NormalizeHandID(res.HandID)
				}
				return nil
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.aFailure = string(ocr.KindOf(err))
				d.metrics.PipelineErrors.WithLabelValues(s.aFailure).Inc()
				d.itemFailed(StatusOCRA, s.src.Filename, s.aFailure)
				d.logger.Warn().Str("screenshot", s.src.Filename).Str("kind", s.aFailure).Msg("hand id extraction failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// runB extracts players and roles for the given subset. Schema
// violations and permanent failures are recorded per shot; the job
// continues without that screenshot's payload.
func (d *driver) runB(ctx context.Context, shots []*shot) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range shots {
		g.Go(func() error {
			img, err := s.image(gctx)
			if err != nil {
				s.bFailure = string(ocr.KindPermanent)
				d.itemFailed(StatusOCRB, s.src.Filename, s.bFailure)
				d.logger.Error().Str("screenshot", s.src.Filename).Err(err).Msg("cannot load screenshot")
				return nil
			}
			err = d.call(gctx, opExtractPlayers, func(callCtx context.Context) error {
				res, err := d.client.ExtractPlayers(callCtx, img)
				if err != nil {
					return err
				}
				s.payload = &res
				return nil
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.bFailure = string(ocr.KindOf(err))
				d.metrics.PipelineErrors.WithLabelValues(s.bFailure).Inc()
				d.itemFailed(StatusOCRB, s.src.Filename, s.bFailure)
				d.logger.Warn().Str("screenshot", s.src.Filename).Str("kind", s.bFailure).Msg("players extraction failed")
			}
			return nil
		})
	}
	return g.Wait()
}
