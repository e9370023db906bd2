// Package monitor runs one filing check across the watchlist.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DeafMist/filing-radar/internal/edgar"
	"github.com/DeafMist/filing-radar/internal/models"
	"github.com/DeafMist/filing-radar/internal/processing"
)

// FilingSource fetches filing metadata and documents.
type FilingSource interface {
	RecentFilings(ctx context.Context, cik string, forms []models.FormType, perForm int) (*edgar.Submissions, error)
	Holdings(ctx context.Context, rec models.FilingRecord) ([]models.Holding, error)
	InsiderReport(ctx context.Context, rec models.FilingRecord) (*models.InsiderReport, error)
	FilingURL(rec models.FilingRecord) string
}

// Notifier delivers a rendered alert.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// Sink receives alerts after they were delivered. Sink failures never undo a
// delivery.
type Sink interface {
	Name() string
	Record(ctx context.Context, alert models.Alert) error
}

// Ledger remembers which accession numbers were already notified.
type Ledger interface {
	IsSeen(accession string) bool
	MarkSeen(rec models.FilingRecord, at time.Time)
	Flush() error
}

// Options tune a cycle.
type Options struct {
	// Process144 adds Form 144 to the forms watched for companies.
	Process144 bool
	// Debug bypasses the ledger and the recency window.
	Debug bool
	// PerForm caps how many recent filings of each form are considered.
	PerForm int
	// MaxFilingAge is the recency window in calendar days.
	MaxFilingAge int
	// Workers bounds concurrent fetches.
	Workers int
	// ErrorAlerts sends a chat message when an entity fails persistently.
	ErrorAlerts bool
}

// Cycle wires the watchlist, fetcher, ledger and notifier together.
type Cycle struct {
	source   FilingSource
	notifier Notifier
	ledger   Ledger
	tickers  processing.TickerResolver
	sinks    []Sink
	opts     Options
	now      func() time.Time
	log      *slog.Logger
}

// New creates a cycle. tickers may be nil.
func New(source FilingSource, notifier Notifier, ledger Ledger, tickers processing.TickerResolver, opts Options, logger *slog.Logger) *Cycle {
	if opts.PerForm <= 0 {
		opts.PerForm = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cycle{
		source:   source,
		notifier: notifier,
		ledger:   ledger,
		tickers:  tickers,
		opts:     opts,
		now:      time.Now,
		log:      logger,
	}
}

// WithSinks attaches post-delivery sinks.
func (c *Cycle) WithSinks(sinks ...Sink) *Cycle {
	c.sinks = append(c.sinks, sinks...)
	return c
}

// WithClock replaces the wall clock, for tests.
func (c *Cycle) WithClock(now func() time.Time) *Cycle {
	c.now = now
	return c
}

// Report summarises one cycle.
type Report struct {
	RunID      string    `json:"run_id"`
	Debug      bool      `json:"debug"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Entities   int       `json:"entities"`
	Fetched    int       `json:"fetched"`
	Notified   int       `json:"notified"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors,omitempty"`
}

type fetchResult struct {
	entry models.WatchlistEntry
	subs  *edgar.Submissions
	err   error
}

// Run checks every active entry once. Entities are fetched with bounded
// parallelism; alerts are delivered one at a time in watchlist order.
func (c *Cycle) Run(ctx context.Context, entries []models.WatchlistEntry) Report {
	report := Report{
		RunID:     uuid.NewString(),
		Debug:     c.opts.Debug,
		StartedAt: c.now(),
	}
	log := c.log.With(slog.String("run_id", report.RunID))
	log.Info("filing check started",
		slog.Int("entries", len(entries)),
		slog.Bool("debug", c.opts.Debug),
		slog.Bool("process_144", c.opts.Process144),
	)

	results := c.fetchAll(ctx, log, entries)
	for _, res := range results {
		report.Entities++
		if res.err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s (%s): %v", res.entry.Name, res.entry.CIK, res.err))
			log.Warn("skip entity after fetch failure",
				slog.String("cik", res.entry.CIK),
				slog.String("name", res.entry.Name),
				slog.Any("err", res.err),
			)
			c.sendError(ctx, log, res.entry, res.err, report.RunID)
			continue
		}
		report.Fetched += len(res.subs.Filings)
		c.processEntity(ctx, log, res, &report)
	}

	report.FinishedAt = c.now()
	log.Info("filing check completed",
		slog.Int("entities", report.Entities),
		slog.Int("fetched", report.Fetched),
		slog.Int("notified", report.Notified),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report
}

func (c *Cycle) fetchAll(ctx context.Context, log *slog.Logger, entries []models.WatchlistEntry) []fetchResult {
	active := make([]models.WatchlistEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Active {
			log.Debug("skip inactive entity", slog.String("cik", e.CIK))
			continue
		}
		active = append(active, e)
	}

	results := make([]fetchResult, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i, e := range active {
		i, e := i, e
		g.Go(func() error {
			log.Info("checking entity",
				slog.String("cik", e.CIK),
				slog.String("name", e.Name),
				slog.String("entity_type", string(e.EntityType)),
			)
			subs, err := c.source.RecentFilings(gctx, e.CIK, e.Forms(c.opts.Process144), c.formLimit(e))
			results[i] = fetchResult{entry: e, subs: subs, err: err}
			// Per-entity failures are reported through results, never
			// through the group, so one entity cannot cancel the rest.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Cycle) formLimit(e models.WatchlistEntry) int {
	if e.EntityType == models.EntityFund {
		// The latest 13F is compared against the one before it.
		return 2
	}
	return c.opts.PerForm
}

func (c *Cycle) processEntity(ctx context.Context, log *slog.Logger, res fetchResult, report *Report) {
	entry := res.entry
	allowed := make(map[models.FormType]bool)
	for _, f := range entry.Forms(c.opts.Process144) {
		allowed[f] = true
	}

	candidates := res.subs.Filings
	if entry.EntityType == models.EntityFund {
		candidates = latestOfForm(candidates, models.Form13F)
	}

	for _, rec := range candidates {
		flog := log.With(
			slog.String("cik", entry.CIK),
			slog.String("form", string(rec.FormType)),
			slog.String("accession", rec.AccessionNumber),
		)

		if !allowed[rec.FormType] {
			flog.Debug("skip filing of unwatched form")
			report.Skipped++
			continue
		}
		if !c.opts.Debug && c.isStale(rec) {
			flog.Debug("skip stale filing", slog.String("filing_date", rec.FilingDate.Format(time.DateOnly)))
			report.Skipped++
			continue
		}
		if !c.opts.Debug && c.ledger.IsSeen(rec.AccessionNumber) {
			flog.Debug("skip already notified filing")
			report.Skipped++
			continue
		}

		alert := c.buildAlert(ctx, flog, entry, rec, res.subs, report.RunID)
		if err := c.notifier.Notify(ctx, alert); err != nil {
			flog.Error("notification failed, filing stays unseen", slog.Any("err", err))
			report.Errors = append(report.Errors, fmt.Sprintf("notify %s: %v", rec.AccessionNumber, err))
			continue
		}
		flog.Info("filing notified", slog.String("alert", alert.Text))
		flog.Debug("sent message", slog.String("html", alert.HTML))
		report.Notified++

		c.ledger.MarkSeen(rec, alert.SentAt)
		if err := c.ledger.Flush(); err != nil {
			flog.Error("flush ledger", slog.Any("err", err))
		}

		for _, sink := range c.sinks {
			if err := sink.Record(ctx, alert); err != nil {
				flog.Warn("sink failed", slog.String("sink", sink.Name()), slog.Any("err", err))
			}
		}
	}
}

// latestOfForm keeps only the newest filing of form. Older 13Fs are
// comparison input, not news.
func latestOfForm(filings []models.FilingRecord, form models.FormType) []models.FilingRecord {
	for _, rec := range filings {
		if rec.FormType == form {
			return []models.FilingRecord{rec}
		}
	}
	return nil
}

// isStale reports whether rec was filed more than MaxFilingAge calendar days
// before today.
func (c *Cycle) isStale(rec models.FilingRecord) bool {
	if rec.FilingDate.IsZero() {
		return false
	}
	now := c.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	filed := time.Date(rec.FilingDate.Year(), rec.FilingDate.Month(), rec.FilingDate.Day(), 0, 0, 0, 0, time.UTC)
	days := int(today.Sub(filed).Hours() / 24)
	return days > c.opts.MaxFilingAge
}

func (c *Cycle) buildAlert(ctx context.Context, log *slog.Logger, entry models.WatchlistEntry, rec models.FilingRecord, subs *edgar.Submissions, runID string) models.Alert {
	view := processing.FilingView{
		Entry:   entry,
		Filing:  rec,
		URL:     c.source.FilingURL(rec),
		Tickers: c.tickers,
	}
	if len(subs.Tickers) > 0 {
		view.Ticker = subs.Tickers[0]
	}

	switch rec.FormType {
	case models.Form13F:
		diff, err := c.holdingsDiff(ctx, rec, subs.Filings)
		if err != nil {
			log.Warn("13F comparison unavailable, sending basic alert", slog.Any("err", err))
		} else {
			view.Diff = diff
		}
	case models.Form4:
		report, err := c.source.InsiderReport(ctx, rec)
		if err != nil {
			log.Warn("form 4 details unavailable, sending basic alert", slog.Any("err", err))
		} else {
			view.Insider = report
			if report.Ticker != "" {
				view.Ticker = report.Ticker
			}
		}
	}

	html := processing.Render(view)
	return models.Alert{
		Entry:  entry,
		Filing: &rec,
		Ticker: view.Ticker,
		HTML:   html,
		Text:   processing.StripTags(html),
		RunID:  runID,
		SentAt: c.now(),
	}
}

func (c *Cycle) holdingsDiff(ctx context.Context, latest models.FilingRecord, filings []models.FilingRecord) (*models.HoldingsDiff, error) {
	current, err := c.source.Holdings(ctx, latest)
	if err != nil {
		return nil, fmt.Errorf("latest holdings: %w", err)
	}

	var previous []models.Holding
	var previousDate time.Time
	for _, rec := range filings {
		if rec.FormType != models.Form13F || rec.AccessionNumber == latest.AccessionNumber {
			continue
		}
		previous, err = c.source.Holdings(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("previous holdings: %w", err)
		}
		previousDate = rec.FilingDate
		break
	}

	diff := processing.DiffHoldings(current, previous, latest.FilingDate, previousDate)
	return &diff, nil
}

func (c *Cycle) sendError(ctx context.Context, log *slog.Logger, entry models.WatchlistEntry, cause error, runID string) {
	if !c.opts.ErrorAlerts || ctx.Err() != nil {
		return
	}
	html := processing.RenderError(entry, cause)
	alert := models.Alert{
		Entry:  entry,
		HTML:   html,
		Text:   processing.StripTags(html),
		RunID:  runID,
		SentAt: c.now(),
	}
	if err := c.notifier.Notify(ctx, alert); err != nil {
		log.Warn("error alert failed", slog.String("cik", entry.CIK), slog.Any("err", err))
	}
}
