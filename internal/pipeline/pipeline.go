// Package pipeline orchestrates one de-anonymization job: parsing,
// the two OCR fan-outs, matching, mapping, table aggregation,
// rewriting, and classification. Stages run in dependency order with a
// barrier between them; the OCR drivers are the only fan-out and the
// only suspension points.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/handlens/handlens/internal/classify"
	"github.com/handlens/handlens/internal/config"
	"github.com/handlens/handlens/internal/events"
	"github.com/handlens/handlens/internal/hh"
	"github.com/handlens/handlens/internal/mapping"
	"github.com/handlens/handlens/internal/match"
	"github.com/handlens/handlens/internal/metrics"
	"github.com/handlens/handlens/internal/ocr"
	"github.com/handlens/handlens/internal/ratelimit"
	"github.com/handlens/handlens/internal/rewrite"
	"github.com/handlens/handlens/internal/storage"
	"github.com/handlens/handlens/internal/table"
)

// shot is the orchestrator's per-screenshot state, populated stage by
// stage. Only the stage that owns a field writes it.
type shot struct {
	src  Screenshot
	data []byte

	handID   string // normalized OCR-A identifier
	aFailure string

	payload  *ocr.PlayersResult
	bFailure string

	matchedHand     string
	confidence      int
	unmatchedReason string
}

func (s *shot) image(ctx context.Context) (ocr.Image, error) {
	if s.data == nil {
		data, err := s.src.load(ctx)
		if err != nil {
			return ocr.Image{}, err
		}
		s.data = data
	}
	return ocr.Image{Filename: s.src.Filename, MediaType: s.src.MediaType, Data: s.data}, nil
}

// Options wires a Pipeline. Zero-value fields fall back to sane
// defaults: in-memory store, nop metrics, real clock, default config.
type Options struct {
	Config       *config.Config
	Client       ocr.Client
	Store        storage.Store
	Bus          *events.Bus
	Metrics      *metrics.Metrics
	Clock        quartz.Clock
	Logger       zerolog.Logger
	Validator    classify.Validator
	StageTimeout time.Duration
}

// Pipeline runs jobs. One Pipeline may run many jobs; rate-limit state
// is per job, not shared.
type Pipeline struct {
	cfg          *config.Config
	client       ocr.Client
	store        storage.Store
	bus          *events.Bus
	metrics      *metrics.Metrics
	clock        quartz.Clock
	logger       zerolog.Logger
	stageTimeout time.Duration

	parser     *hh.Parser
	matcher    *match.Matcher
	builder    *mapping.Builder
	aggregator *table.Aggregator
	rewriter   *rewrite.Rewriter
	classifier *classify.Classifier
}

// New builds a Pipeline from opts.
func New(opts Options) (*Pipeline, error) {
	if opts.Client == nil {
		return nil, errors.New("pipeline: OCR client is required")
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}

	matchOpts := match.Options{
		FallbackThreshold: opts.Config.Match.Threshold,
		TimeWindow:        time.Duration(opts.Config.Match.WindowSecs) * time.Second,
		HeroStackTol:      opts.Config.Match.HeroStackTolerance,
		OtherStacksTol:    opts.Config.Match.StackTolerance,
		OtherStacksMin:    opts.Config.Match.StackMinFraction,
	}

	return &Pipeline{
		cfg:          opts.Config,
		client:       opts.Client,
		store:        opts.Store,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		logger:       opts.Logger.With().Str("component", "pipeline").Logger(),
		stageTimeout: opts.StageTimeout,
		parser:       hh.NewParser(opts.Logger),
		matcher:      match.NewMatcher(matchOpts, opts.Logger),
		builder:      mapping.NewBuilder(opts.Config.Mapping.FuzzyThreshold, opts.Logger),
		aggregator:   table.NewAggregator(opts.Logger),
		rewriter:     rewrite.NewRewriter(),
		classifier:   classify.NewClassifier(opts.Validator, opts.Logger),
	}, nil
}

// Run drives job from initialized to a terminal status. The returned
// error is nil exactly when the job completed.
func (p *Pipeline) Run(ctx context.Context, job *Job) (*Report, error) {
	logger := p.logger.With().Str("job", job.ID).Logger()

	tier, err := p.cfg.Tier(job.Tier)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Options{
		Concurrency: tier.Concurrency,
		Window:      time.Duration(tier.WindowSecs) * time.Second,
		Budget:      tier.Budget,
		Paced:       tier.Paced,
	}, p.clock)
	drv := &driver{
		client:         p.client,
		limiter:        limiter,
		clock:          p.clock,
		bus:            p.bus,
		jobID:          job.ID,
		timeout:        p.cfg.OCR.Timeout(),
		maxAttempts:    p.cfg.OCR.MaxAttempts,
		initialBackoff: p.cfg.OCR.InitialBackoffDuration(),
		maxBackoff:     p.cfg.OCR.MaxBackoffDuration(),
		metrics:        p.metrics,
		logger:         logger,
	}

	p.metrics.JobsInflight.Inc()
	defer p.metrics.JobsInflight.Dec()

	rec := &storage.JobRecord{
		ID:               job.ID,
		Tier:             job.Tier,
		Status:           StatusInitialized,
		FilesTotal:       len(job.Files),
		ScreenshotsTotal: len(job.Screenshots),
	}
	if err := p.saveJob(ctx, rec); err != nil {
		return nil, err
	}

	shots := make([]*shot, len(job.Screenshots))
	for i, src := range job.Screenshots {
		shots[i] = &shot{src: src}
	}

	report := &Report{JobID: job.ID}

	// Stage boundary bookkeeping: every stage opens with a stage_started
	// event and closes with the per-item counts and elapsed time.
	var stageStart time.Time
	startStage := func(status string, total int) error {
		if err := p.setStage(ctx, rec, status, total); err != nil {
			return err
		}
		stageStart = p.clock.Now()
		return nil
	}
	endStage := func(total, succeeded, failed int) {
		p.bus.Publish(events.Event{
			Type:      events.TypeStageFinished,
			JobID:     rec.ID,
			Stage:     rec.Stage,
			Total:     total,
			Succeeded: succeeded,
			Failed:    failed,
			Elapsed:   p.clock.Since(stageStart),
		})
	}

	// Parsing. Pure computation; malformed hands are skipped, never
	// fatal.
	if err := startStage(StatusParsing, len(job.Files)); err != nil {
		return p.finish(ctx, rec, report, err)
	}
	var hands []*hh.Hand
	fileRecords := make(map[string][]hh.Record, len(job.Files))
	for i, f := range job.Files {
		res := p.parser.ParseFile(f.Filename, i, f.Text)
		hands = append(hands, res.Hands...)
		fileRecords[f.Filename] = res.Records
		report.Warnings = append(report.Warnings, res.Warnings...)
		report.HandsSkipped += res.Skipped
	}
	rec.HandsParsed = len(hands)
	report.HandsParsed = len(hands)
	endStage(len(hands)+report.HandsSkipped, len(hands), report.HandsSkipped)
	handIndex := make(map[string]*hh.Hand, len(hands))
	for _, h := range hands {
		if _, dup := handIndex[h.ID]; !dup {
			handIndex[h.ID] = h
		}
	}

	// OCR-A fan-out over every screenshot.
	if err := startStage(StatusOCRA, len(shots)); err != nil {
		return p.finish(ctx, rec, report, err)
	}
	err = p.withStageTimeout(ctx, func(stageCtx context.Context) error {
		return drv.runA(stageCtx, shots)
	})
	// Outcomes for completed screenshots are persisted even when the
	// stage was cut short.
	if saveErr := p.saveOutcomes(context.WithoutCancel(ctx), job.ID, shots); saveErr != nil && err == nil {
		err = saveErr
	}
	if err != nil {
		return p.finish(ctx, rec, report, err)
	}
	aFailed := 0
	for _, s := range shots {
		if s.aFailure != "" {
			aFailed++
		}
	}
	endStage(len(shots), len(shots)-aFailed, aFailed)

	// First matching pass: primary bindings on OCR-A identifiers.
	if err := startStage(StatusMatching, len(shots)); err != nil {
		return p.finish(ctx, rec, report, err)
	}
	p.applyMatchResult(shots, p.matcher.Match(hands, candidates(shots)))
	bound := 0
	for _, s := range shots {
		if s.matchedHand != "" {
			bound++
		}
	}
	endStage(len(shots), bound, len(shots)-bound)

	// OCR-B fan-out, gated to screenshots worth the spend: those bound
	// to a hand plus unmatched ones that can still win a fallback
	// re-match.
	var subset []*shot
	for _, s := range shots {
		if s.matchedHand != "" || fallbackEligible(s) {
			subset = append(subset, s)
		}
	}
	if err := startStage(StatusOCRB, len(subset)); err != nil {
		return p.finish(ctx, rec, report, err)
	}
	err = p.withStageTimeout(ctx, func(stageCtx context.Context) error {
		return drv.runB(stageCtx, subset)
	})
	for _, s := range shots {
		s.data = nil // last driver is done with the bytes
	}
	if err != nil {
		return p.finish(ctx, rec, report, err)
	}
	bFailed := 0
	for _, s := range subset {
		if s.bFailure != "" {
			bFailed++
		}
	}
	endStage(len(subset), len(subset)-bFailed, bFailed)

	// Mapping: settle matches with full evidence, then derive per-hand
	// identifier bindings.
	if err := startStage(StatusMapping, len(shots)); err != nil {
		return p.finish(ctx, rec, report, err)
	}
	p.matcher.SetKnownNames(p.knownNamesByTable(handIndex, shots))
	p.applyMatchResult(shots, p.matcher.Match(hands, candidates(shots)))
	if err := p.saveOutcomes(ctx, job.ID, shots); err != nil {
		return p.finish(ctx, rec, report, err)
	}

	namePool := fullNamePool(shots)
	var contribs []table.HandMapping
	var mappingConflicts []storage.TableConflict
	matched := 0
	for _, s := range shots {
		if s.matchedHand == "" {
			continue
		}
		matched++
		hand := handIndex[s.matchedHand]
		if hand == nil {
			continue
		}
		if s.payload == nil {
			// Operation B failed for this screenshot; nothing to map.
			continue
		}
		m, conflict := p.builder.Build(hand, s.payload, namePool)
		if conflict != nil {
			p.metrics.PipelineErrors.WithLabelValues("mapping_conflict").Inc()
			mappingConflicts = append(mappingConflicts, storage.TableConflict{
				TableID:     hand.TableID,
				AnonymousID: strings.Join(conflict.IDs, ","),
				Names:       []string{conflict.Name},
			})
			continue
		}
		if len(m) > 0 {
			contribs = append(contribs, table.HandMapping{TableID: hand.TableID, HandID: hand.ID, Mapping: m})
		}
	}
	rec.Matched = matched
	report.Matched = matched
	endStage(matched, matched-len(mappingConflicts), len(mappingConflicts))

	// Aggregating: one mapping per table, conflicts dropped.
	if err := startStage(StatusAggregating, len(contribs)); err != nil {
		return p.finish(ctx, rec, report, err)
	}
	tables := p.aggregator.Aggregate(contribs)
	conflicts := append([]storage.TableConflict(nil), mappingConflicts...)
	for _, tm := range tables {
		for _, c := range tm.Conflicts {
			p.metrics.PipelineErrors.WithLabelValues("table_conflict").Inc()
			conflicts = append(conflicts, storage.TableConflict{
				TableID:     c.TableID,
				AnonymousID: c.ID,
				Names:       c.Names,
			})
		}
	}
	if len(conflicts) > 0 {
		if err := p.store.SaveTableConflicts(ctx, job.ID, conflicts); err != nil {
			return p.finish(ctx, rec, report, fmt.Errorf("storage: %w", err))
		}
	}
	report.Conflicts = conflicts
	conflicted := 0
	for _, tm := range tables {
		if len(tm.Conflicts) > 0 {
			conflicted++
		}
	}
	endStage(len(tables), len(tables)-conflicted, conflicted)

	// Rewriting. Pure, per record, using the hand's table mapping. A
	// record the parser skipped keeps its original text so the output
	// file stays a complete transcript.
	if err := startStage(StatusRewriting, len(hands)); err != nil {
		return p.finish(ctx, rec, report, err)
	}
	rewritten := make(map[string][]string, len(job.Files))
	for _, f := range job.Files {
		recs := fileRecords[f.Filename]
		texts := make([]string, len(recs))
		for i, r := range recs {
			if r.Hand != nil {
				texts[i] = p.rewriter.Rewrite(r.Hand.Raw, tableMapping(tables, r.Hand.TableID))
			} else {
				texts[i] = r.Raw
			}
		}
		rewritten[f.Filename] = texts
	}
	endStage(len(hands), len(hands), 0)

	// Classifying, then the final persistence of output bodies.
	if err := startStage(StatusClassifying, len(job.Files)); err != nil {
		return p.finish(ctx, rec, report, err)
	}
	var outFiles []storage.RewrittenFile
	for _, f := range job.Files {
		recs := fileRecords[f.Filename]
		texts := rewritten[f.Filename]

		var body string
		var verdict classify.FileVerdict
		if len(recs) == 0 {
			// Nothing parseable; the original text passes through and
			// is judged as-is.
			body = f.Text
			verdict = classify.FileVerdict{Filename: f.Filename, Class: classify.Clean}
			if classify.HasResidual(f.Text) {
				verdict.Class = classify.Residual
			}
		} else {
			body = strings.Join(texts, "\n\n") + "\n"
			var fileHands []classify.RewrittenHand
			skippedResidual := false
			for i, r := range recs {
				if r.Hand != nil {
					fileHands = append(fileHands, classify.RewrittenHand{HandID: r.Hand.ID, Text: texts[i]})
				} else if classify.HasResidual(texts[i]) {
					skippedResidual = true
				}
			}
			verdict = p.classifier.ClassifyFile(ctx, f.Filename, fileHands)
			if skippedResidual {
				verdict.Class = classify.Residual
			}
		}

		if verdict.Class == classify.Clean {
			rec.CleanFiles++
		} else {
			rec.ResidualFiles++
		}
		outFiles = append(outFiles, storage.RewrittenFile{
			Filename: f.Filename,
			Class:    string(verdict.Class),
			Body:     []byte(body),
		})
		report.Files = append(report.Files, FileReport{
			Filename:  f.Filename,
			Class:     verdict.Class,
			Residuals: classify.Residuals(body),
			Body:      []byte(body),
		})
	}
	if err := p.store.SaveRewrittenFiles(ctx, job.ID, outFiles); err != nil {
		return p.finish(ctx, rec, report, fmt.Errorf("storage: %w", err))
	}
	report.CleanFiles = rec.CleanFiles
	report.ResidualFiles = rec.ResidualFiles
	report.Screenshots = outcomes(shots)
	endStage(len(job.Files), rec.CleanFiles, rec.ResidualFiles)

	return p.finish(ctx, rec, report, nil)
}

// finish drives rec to its terminal status and emits the job_finished
// event. A context error ends the job cancelled; anything else failed.
func (p *Pipeline) finish(ctx context.Context, rec *storage.JobRecord, report *Report, err error) (*Report, error) {
	switch {
	case err == nil:
		rec.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		rec.Status = StatusCancelled
		rec.Error = "cancelled during " + rec.Stage
	case errors.Is(err, context.DeadlineExceeded):
		rec.Status = StatusFailed
		rec.Error = "stage timeout during " + rec.Stage
	default:
		rec.Status = StatusFailed
		rec.Error = err.Error()
	}

	saveCtx := context.WithoutCancel(ctx)
	if saveErr := p.saveJob(saveCtx, rec); saveErr != nil && err == nil {
		err = saveErr
		rec.Status = StatusFailed
	}
	p.bus.Publish(events.Event{Type: events.TypeJobFinished, JobID: rec.ID, Detail: rec.Status})
	p.logger.Info().Str("job", rec.ID).Str("status", rec.Status).Msg("job finished")

	report.Status = rec.Status
	if err != nil {
		return report, err
	}
	return report, nil
}

func (p *Pipeline) setStage(ctx context.Context, rec *storage.JobRecord, status string, total int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.Status = status
	rec.Stage = status
	if err := p.saveJob(ctx, rec); err != nil {
		return err
	}
	p.bus.Publish(events.Event{Type: events.TypeStageStarted, JobID: rec.ID, Stage: status, Total: total})
	return nil
}

// saveJob retries the write a few times before giving up; a persistent
// storage failure is fatal to the job.
func (p *Pipeline) saveJob(ctx context.Context, rec *storage.JobRecord) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = p.store.SaveJob(ctx, rec); err == nil {
			return nil
		}
	}
	return fmt.Errorf("storage: %w", err)
}

func (p *Pipeline) saveOutcomes(ctx context.Context, jobID string, shots []*shot) error {
	if err := p.store.SaveScreenshotOutcomes(ctx, jobID, outcomes(shots)); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func (p *Pipeline) withStageTimeout(ctx context.Context, fn func(context.Context) error) error {
	if p.stageTimeout <= 0 {
		return fn(ctx)
	}
	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()
	err := fn(stageCtx)
	// Attribute the deadline to the stage, not the caller.
	if err != nil && ctx.Err() == nil && stageCtx.Err() != nil {
		return context.DeadlineExceeded
	}
	return err
}

func (p *Pipeline) applyMatchResult(shots []*shot, res match.Result) {
	byFile := make(map[string]*shot, len(shots))
	for _, s := range shots {
		s.matchedHand = ""
		s.confidence = 0
		s.unmatchedReason = ""
		byFile[s.src.Filename] = s
	}
	for _, m := range res.Matches {
		if s := byFile[m.Filename]; s != nil {
			s.matchedHand = m.HandID
			s.confidence = m.Confidence
		}
	}
	for _, u := range res.Unmatched {
		if s := byFile[u.Filename]; s != nil {
			s.unmatchedReason = u.Reason
			if u.Reason == match.ReasonGateRejected {
				p.metrics.PipelineErrors.WithLabelValues("match_gate_rejected").Inc()
			}
		}
	}
}

// knownNamesByTable derives real names per table from primary-bound
// screenshots, feeding the name-overlap signal of the fallback
// re-match.
func (p *Pipeline) knownNamesByTable(handIndex map[string]*hh.Hand, shots []*shot) map[string][]string {
	names := make(map[string][]string)
	for _, s := range shots {
		if s.matchedHand == "" || s.payload == nil {
			continue
		}
		hand := handIndex[s.matchedHand]
		if hand == nil {
			continue
		}
		for _, pl := range s.payload.Players {
			names[hand.TableID] = append(names[hand.TableID], pl.Name)
		}
	}
	return names
}

// fullNamePool collects every untruncated display name in the job, the
// completion pool for ellipsis-cut names.
func fullNamePool(shots []*shot) []string {
	seen := make(map[string]bool)
	var pool []string
	for _, s := range shots {
		if s.payload == nil {
			continue
		}
		for _, pl := range s.payload.Players {
			name := pl.Name
			if strings.HasSuffix(name, "…") || strings.HasSuffix(name, "...") {
				continue
			}
			if !seen[name] {
				seen[name] = true
				pool = append(pool, name)
			}
		}
	}
	sort.Strings(pool)
	return pool
}

// fallbackEligible reports whether a richer payload could still win a
// re-match for this screenshot. No-evidence screenshots have no hand in
// their time window, so operation B would be wasted spend.
func fallbackEligible(s *shot) bool {
	return s.unmatchedReason == match.ReasonBelowCutoff
}

func candidates(shots []*shot) []match.Candidate {
	out := make([]match.Candidate, 0, len(shots))
	for _, s := range shots {
		c := match.Candidate{
			Filename:  s.src.Filename,
			Timestamp: s.src.Timestamp,
			HandID:    s.handID,
		}
		if s.payload != nil {
			c.Players = s.payload
			c.HeroCards = s.payload.HeroCards
			c.Board = s.payload.Board
		}
		out = append(out, c)
	}
	return out
}

// tableMapping resolves a hand's table to its aggregated mapping,
// tolerating instance-suffix variations in the table identifier.
func tableMapping(tables map[string]*table.Mapping, tableID string) map[string]string {
	if tm, ok := tables[tableID]; ok {
		return tm.Accepted
	}
	for key, tm := range tables {
		if table.SameTable(key, tableID) {
			return tm.Accepted
		}
	}
	return nil
}

func outcomes(shots []*shot) []storage.ScreenshotOutcome {
	out := make([]storage.ScreenshotOutcome, 0, len(shots))
	for _, s := range shots {
		o := storage.ScreenshotOutcome{
			Filename:    s.src.Filename,
			HandID:      s.handID,
			MatchedHand: s.matchedHand,
			Confidence:  s.confidence,
		}
		switch {
		case s.aFailure != "":
			o.FailureKind = s.aFailure
		case s.bFailure != "":
			o.FailureKind = s.bFailure
		case s.unmatchedReason != "":
			o.FailureKind = s.unmatchedReason
		}
		out = append(out, o)
	}
	return out
}
