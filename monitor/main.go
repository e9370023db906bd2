package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DeafMist/filing-radar/internal/config"
	"github.com/DeafMist/filing-radar/internal/dedupe"
	"github.com/DeafMist/filing-radar/internal/edgar"
	"github.com/DeafMist/filing-radar/internal/elasticsearch"
	"github.com/DeafMist/filing-radar/internal/events"
	"github.com/DeafMist/filing-radar/internal/logger"
	"github.com/DeafMist/filing-radar/internal/models"
	"github.com/DeafMist/filing-radar/internal/monitor"
	"github.com/DeafMist/filing-radar/internal/notify"
	"github.com/DeafMist/filing-radar/internal/schedule"
	"github.com/DeafMist/filing-radar/internal/tickers"
	"github.com/DeafMist/filing-radar/internal/watchlist"
)

const service = "filing-radar"

type options struct {
	process144    bool
	debug         bool
	runOnce       bool
	logLevel      string
	secretsPath   string
	watchlistPath string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           service,
		Short:         "Watch SEC EDGAR for new 13F, Form 4 and Form 144 filings and alert a Telegram chat",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateLogLevel(opts.logLevel); err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.process144, "process-144", false, "also alert on Form 144 filings of watched companies")
	flags.BoolVar(&opts.debug, "debug", false, "ignore the ledger and the recency window")
	flags.BoolVar(&opts.runOnce, "run-once", false, "run a single check now and exit")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (INFO or DEBUG); defaults to LOG_LEVEL")
	flags.StringVar(&opts.secretsPath, "secrets", "", "dotenv secrets file; defaults to SECRETS_PATH")
	flags.StringVar(&opts.watchlistPath, "watchlist", "", "watchlist CSV; defaults to WATCHLIST_PATH")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	boot := logger.NewWithLevel(service, firstNonEmpty(opts.logLevel, os.Getenv("LOG_LEVEL")), os.Stdout)

	cfg, err := config.LoadMonitor(opts.secretsPath)
	if err != nil {
		boot.Error("load config", slog.Any("err", err))
		return err
	}
	if opts.watchlistPath != "" {
		cfg.WatchlistPath = opts.watchlistPath
	}
	level := firstNonEmpty(opts.logLevel, cfg.LogLevel)

	log := logger.NewWithLevel(service, level, os.Stdout)
	if cfg.LogDir != "" {
		fileLog, closer, err := logger.NewFile(service, level, cfg.LogDir, time.Now())
		if err != nil {
			log.Error("open log file", slog.Any("err", err))
			return err
		}
		defer closer.Close()
		log = fileLog
	}

	entries, err := watchlist.Load(cfg.WatchlistPath, log)
	if err != nil {
		log.Error("load watchlist", slog.String("path", cfg.WatchlistPath), slog.Any("err", err))
		return err
	}

	lookup, err := tickers.Load(cfg.CUSIPPath)
	if err != nil {
		log.Error("load cusip table", slog.String("path", cfg.CUSIPPath), slog.Any("err", err))
		return err
	}

	ledger, err := dedupe.Open(cfg.LedgerPath)
	if err != nil {
		log.Error("open ledger", slog.String("path", cfg.LedgerPath), slog.Any("err", err))
		return err
	}

	sec, err := edgar.New(edgar.Options{
		UserAgent:  cfg.SECUserAgent,
		BaseURL:    cfg.SECBaseURL,
		ArchiveURL: cfg.SECArchiveURL,
		Timeout:    cfg.FetchTimeout,
		Retries:    cfg.FetchRetries,
		RateLimit:  cfg.SECRateLimit,
		Logger:     log,
	})
	if err != nil {
		log.Error("init edgar client", slog.Any("err", err))
		return err
	}

	telegram := notify.NewTelegram(cfg.TelegramAPIURL, cfg.TelegramBotToken, cfg.TelegramChatID, nil, log)

	var sinks []monitor.Sink
	var archive *elasticsearch.Client
	if cfg.Archive.Enabled() {
		archive, err = elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, nil, log)
		if err != nil {
			log.Error("init elasticsearch", slog.Any("err", err))
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := archive.Ping(pingCtx); err != nil {
			log.Warn("elasticsearch not reachable yet, archive writes will be retried per alert", slog.Any("err", err))
		}
		cancel()
		sinks = append(sinks, archive)
	}
	if cfg.Events.Enabled() {
		publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	cycle := monitor.New(sec, telegram, ledger, lookup, monitor.Options{
		Process144:   opts.process144,
		Debug:        opts.debug,
		PerForm:      cfg.FilingsPerForm,
		MaxFilingAge: cfg.MaxFilingAge,
		Workers:      cfg.FetchWorkers,
		ErrorAlerts:  true,
	}, log).WithSinks(sinks...)

	a := &app{
		log:           log,
		cycle:         cycle,
		tracker:       monitor.NewTracker(time.Now()),
		ledger:        ledger,
		retention:     cfg.LedgerRetention,
		watchlistPath: cfg.WatchlistPath,
		entries:       entries,
		now:           time.Now,
	}
	if archive != nil {
		a.archive = archive
	}

	log.Info("filing radar started",
		slog.Int("watchlist", len(entries)),
		slog.Int("cusips", lookup.Len()),
		slog.Int("ledger", ledger.Len()),
		slog.Bool("process_144", opts.process144),
		slog.Bool("debug", opts.debug),
		slog.Int("sinks", len(sinks)),
	)

	if opts.runOnce {
		a.runCycle(ctx)
		return nil
	}

	daily, err := schedule.Parse(cfg.ScheduleAt, cfg.ScheduleTZ)
	if err != nil {
		log.Error("parse schedule", slog.Any("err", err))
		return err
	}

	responder := notify.NewResponder(telegram, cfg.TelegramChatID, a.tracker, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("scheduler running", slog.String("at", daily.String()))
		err := daily.Run(gctx, a.runCycle, func(next time.Time) {
			a.tracker.SetNextRun(next)
			log.Info("next check scheduled", slog.Time("at", next))
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.BotUpdates == config.BotUpdatesPoll {
		g.Go(func() error {
			log.Info("bot long-polling started")
			notify.NewPoller(telegram, responder, log).Run(gctx)
			return nil
		})
	}

	if cfg.HTTPBindAddr != "" {
		srv := &server{log: log, tracker: a.tracker}
		if archive != nil {
			srv.archive = archive
		}
		if cfg.BotUpdates == config.BotUpdatesWebhook {
			srv.webhook = responder.WebhookHandler(cfg.TelegramWebhookSecret)
			if cfg.TelegramWebhookSecret == "" {
				log.Warn("telegram webhook has no secret token, any caller can trigger replies")
			}
		}
		httpServer := &http.Server{
			Addr:              cfg.HTTPBindAddr,
			Handler:           newRouter(srv),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      15 * time.Second,
		}
		g.Go(func() error {
			log.Info("http server starting", slog.String("addr", cfg.HTTPBindAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("stopped with error", slog.Any("err", err))
		return err
	}
	log.Info("shutdown signal received")
	return nil
}

type ledgerPruner interface {
	Prune(cutoff time.Time) int
	Flush() error
}

type archivePruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// app ties one scheduled trigger to a cycle run and the housekeeping after
// it.
type app struct {
	log           *slog.Logger
	cycle         *monitor.Cycle
	tracker       *monitor.Tracker
	ledger        ledgerPruner
	archive       archivePruner
	retention     time.Duration
	watchlistPath string
	entries       []models.WatchlistEntry
	now           func() time.Time
}

func (a *app) runCycle(ctx context.Context) {
	a.reloadWatchlist()

	report := a.cycle.Run(ctx, a.entries)
	a.tracker.Record(report)

	cutoff := a.now().Add(-a.retention)
	if removed := a.ledger.Prune(cutoff); removed > 0 {
		a.log.Info("ledger pruned", slog.Int("removed", removed))
		if err := a.ledger.Flush(); err != nil {
			a.log.Error("flush ledger", slog.Any("err", err))
		}
	}

	if a.archive != nil {
		subCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		deleted, err := a.archive.DeleteOlderThan(subCtx, cutoff, 1000)
		if err != nil {
			a.log.Warn("archive retention failed (will retry after next check)", slog.Any("err", err))
		} else if deleted > 0 {
			a.log.Info("archive retention completed", slog.Int64("deleted", deleted))
		}
	}
}

// reloadWatchlist picks up edits made between runs. A broken file keeps the
// previous list.
func (a *app) reloadWatchlist() {
	if a.watchlistPath == "" {
		return
	}
	entries, err := watchlist.Load(a.watchlistPath, a.log)
	if err != nil {
		a.log.Warn("reload watchlist failed, keeping previous entries",
			slog.Int("entries", len(a.entries)),
			slog.Any("err", err),
		)
		return
	}
	a.entries = entries
}

// validateLogLevel accepts INFO or DEBUG in any case. Empty defers to LOG_LEVEL.
func validateLogLevel(raw string) error {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "INFO", "DEBUG":
		return nil
	default:
		return fmt.Errorf("invalid --log-level %q: want INFO or DEBUG", raw)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
