package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/handlens/handlens/cmd/handlens/shared"
	"github.com/handlens/handlens/internal/classify"
	"github.com/handlens/handlens/internal/config"
	"github.com/handlens/handlens/internal/events"
	"github.com/handlens/handlens/internal/fileutil"
	"github.com/handlens/handlens/internal/jobid"
	"github.com/handlens/handlens/internal/metrics"
	"github.com/handlens/handlens/internal/ocr/vision"
	"github.com/handlens/handlens/internal/pipeline"
	"github.com/handlens/handlens/internal/storage"
)

// RunCmd processes one batch of hand histories and screenshots.
type RunCmd struct {
	Hands       string `arg:"" help:"Directory of hand-history .txt files"`
	Screenshots string `arg:"" help:"Directory of client screenshots"`

	Config string `short:"c" default:"handlens.hcl" help:"Path to HCL configuration"`
	Tier   string `default:"restricted" enum:"restricted,unrestricted" help:"OCR service tier"`
	Output string `short:"o" help:"Output directory (overrides config)"`
	Listen string `help:"Optional address serving /metrics and /progress"`
	Diff   bool   `help:"Print a diff of each rewritten file"`
	Debug  bool   `short:"d" help:"Enable debug logging"`
}

func (cmd RunCmd) Run() error {
	logger := shared.SetupLogger(cmd.Debug)

	cfg, err := config.LoadConfig(cmd.Config)
	if err != nil {
		return err
	}
	apiKey, err := config.APIKey()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	client, err := vision.New(vision.Config{
		Endpoint: cfg.OCR.Endpoint,
		APIKey:   apiKey,
		Timeout:  cfg.OCR.Timeout(),
	}, logger)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	outDir := cfg.Output.Dir
	if cmd.Output != "" {
		outDir = cmd.Output
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	store, err := storage.NewSQLiteStore(cfg.Output.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	registry := prometheus.NewRegistry()
	mets := metrics.New(registry)

	stopProgress := startProgressPrinter(bus)
	defer stopProgress()

	if cmd.Listen != "" {
		srv := serveObservability(cmd.Listen, registry, bus, logger)
		defer srv.Close()
	}

	job, err := buildJob(cmd.Hands, cmd.Screenshots, cmd.Tier)
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Options{
		Config:  cfg,
		Client:  client,
		Store:   store,
		Bus:     bus,
		Metrics: mets,
		Logger:  shared.SetupFileLogger(cfg.Log.File, cmd.Debug),
	})
	if err != nil {
		return err
	}

	ctx := shared.SetupSignalHandlerWithLogger(logger)
	report, err := p.Run(ctx, job)
	if err != nil {
		return err
	}

	for _, f := range report.Files {
		dest := filepath.Join(outDir, f.Filename)
		if err := fileutil.WriteFileAtomic(dest, f.Body, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", dest, err)
		}
	}

	if cmd.Diff {
		printDiffs(job, report)
	}
	printSummary(report)
	return nil
}

// buildJob collects the batch inputs. Hand files sort by name; the
// screenshot timestamp is the file's modification time.
func buildJob(handsDir, screensDir, tier string) (*pipeline.Job, error) {
	handPaths, err := filepath.Glob(filepath.Join(handsDir, "*.txt"))
	if err != nil {
		return nil, err
	}
	if len(handPaths) == 0 {
		return nil, fmt.Errorf("no .txt hand histories in %s", handsDir)
	}
	sort.Strings(handPaths)

	job := &pipeline.Job{
		ID:   jobid.New(),
		Tier: tier,
	}
	for _, path := range handPaths {
		text, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		job.Files = append(job.Files, pipeline.HandFile{
			Filename: filepath.Base(path),
			Text:     string(text),
		})
	}

	entries, err := os.ReadDir(screensDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		mediaType := mediaTypeFor(e.Name())
		if mediaType == "" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		job.Screenshots = append(job.Screenshots, pipeline.Screenshot{
			Filename:  e.Name(),
			Path:      filepath.Join(screensDir, e.Name()),
			MediaType: mediaType,
			Timestamp: info.ModTime(),
		})
	}
	sort.Slice(job.Screenshots, func(i, j int) bool {
		return job.Screenshots[i].Filename < job.Screenshots[j].Filename
	})
	return job, nil
}

func mediaTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}

// serveObservability exposes the scrape endpoint and the WebSocket
// progress feed while a run is in flight.
func serveObservability(addr string, registry *prometheus.Registry, bus *events.Bus, logger zerolog.Logger) *http.Server {
	publisher := events.NewWSPublisher(bus, logger)
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("progress upgrade failed")
			return
		}
		publisher.Attach(conn)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("observability server stopped")
		}
	}()
	srv.RegisterOnShutdown(publisher.Close)
	return srv
}

func printSummary(report *pipeline.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Job %s (%s)", report.JobID, report.Status)
	t.AppendHeader(table.Row{"File", "Class", "Residual IDs", "Size"})
	for _, f := range report.Files {
		t.AppendRow(table.Row{
			f.Filename,
			f.Class,
			strings.Join(f.Residuals, " "),
			humanize.Bytes(uint64(len(f.Body))),
		})
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d hands (%d skipped)", report.HandsParsed, report.HandsSkipped),
		fmt.Sprintf("%d clean / %d residual", report.CleanFiles, report.ResidualFiles),
		fmt.Sprintf("%d matched", report.Matched), "",
	})
	t.Render()

	if len(report.Conflicts) > 0 {
		c := table.NewWriter()
		c.SetOutputMirror(os.Stdout)
		c.SetTitle("Name conflicts")
		c.AppendHeader(table.Row{"Table", "Identifier", "Names"})
		for _, conflict := range report.Conflicts {
			c.AppendRow(table.Row{conflict.TableID, conflict.AnonymousID, strings.Join(conflict.Names, ", ")})
		}
		c.Render()
	}

	for _, w := range report.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
}

func printDiffs(job *pipeline.Job, report *pipeline.Report) {
	original := make(map[string]string, len(job.Files))
	for _, f := range job.Files {
		original[f.Filename] = f.Text
	}

	dmp := diffmatchpatch.New()
	for _, f := range report.Files {
		if f.Class == classify.Clean && original[f.Filename] == string(f.Body) {
			continue
		}
		diffs := dmp.DiffMain(original[f.Filename], string(f.Body), false)
		fmt.Printf("--- %s\n%s\n", f.Filename, dmp.DiffPrettyText(diffs))
	}
}
