package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/filing-radar/internal/dedupe"
	"github.com/DeafMist/filing-radar/internal/edgar"
	"github.com/DeafMist/filing-radar/internal/elasticsearch"
	"github.com/DeafMist/filing-radar/internal/logger"
	"github.com/DeafMist/filing-radar/internal/models"
	"github.com/DeafMist/filing-radar/internal/monitor"
	"github.com/DeafMist/filing-radar/internal/notify"
	"github.com/DeafMist/filing-radar/internal/tickers"
)

var testNow = time.Date(2025, 6, 2, 18, 30, 0, 0, time.UTC)

func discard() *slog.Logger {
	return logger.Discard()
}

type stubSource struct {
	calls []string
}

func (s *stubSource) RecentFilings(_ context.Context, cik string, _ []models.FormType, _ int) (*edgar.Submissions, error) {
	s.calls = append(s.calls, cik)
	return &edgar.Submissions{CIK: cik, Filings: []models.FilingRecord{{
		AccessionNumber: "0001-25-000123",
		FormType:        models.Form4,
		FilerCIK:        cik,
		FilingDate:      testNow,
	}}}, nil
}

func (s *stubSource) Holdings(context.Context, models.FilingRecord) ([]models.Holding, error) {
	return nil, errors.New("not used")
}

func (s *stubSource) InsiderReport(context.Context, models.FilingRecord) (*models.InsiderReport, error) {
	return nil, errors.New("not used")
}

func (s *stubSource) FilingURL(models.FilingRecord) string { return "" }

type stubNotifier struct {
	alerts []models.Alert
}

func (n *stubNotifier) Notify(_ context.Context, alert models.Alert) error {
	n.alerts = append(n.alerts, alert)
	return nil
}

type stubArchive struct {
	cutoff  time.Time
	params  elasticsearch.SearchParams
	healthy error
}

func (a *stubArchive) DeleteOlderThan(_ context.Context, cutoff time.Time, _ int) (int64, error) {
	a.cutoff = cutoff
	return 0, nil
}

func (a *stubArchive) Health(context.Context) error { return a.healthy }

func (a *stubArchive) SearchFilings(_ context.Context, params elasticsearch.SearchParams) (*elasticsearch.SearchResult, error) {
	a.params = params
	return &elasticsearch.SearchResult{Total: 1, Items: []elasticsearch.Document{{AccessionNumber: "0001-25-000123"}}}, nil
}

func writeWatchlist(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchlist.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	flags := cmd.Flags()

	for _, name := range []string{"process-144", "debug", "run-once", "log-level", "secrets", "watchlist"} {
		require.NotNil(t, flags.Lookup(name), name)
	}
	require.Equal(t, "false", flags.Lookup("process-144").DefValue)
	require.Equal(t, "false", flags.Lookup("debug").DefValue)

	require.NoError(t, flags.Parse([]string{"--process-144", "--debug", "--log-level", "DEBUG"}))
	v, err := flags.GetBool("process-144")
	require.NoError(t, err)
	require.True(t, v)
	level, err := flags.GetString("log-level")
	require.NoError(t, err)
	require.Equal(t, "DEBUG", level)
}

func TestRootCommandFailsWithoutSecrets(t *testing.T) {
	t.Setenv("SEC_USER_AGENT", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--run-once", "--secrets", filepath.Join(t.TempDir(), "missing.env")})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	require.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestRootCommandRejectsUnknownLogLevel(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--run-once", "--log-level", "verbose"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "--log-level")
}

func TestValidateLogLevel(t *testing.T) {
	for _, ok := range []string{"", "INFO", "debug", " Debug "} {
		require.NoError(t, validateLogLevel(ok), ok)
	}
	for _, bad := range []string{"verbose", "warn", "trace"} {
		require.Error(t, validateLogLevel(bad), bad)
	}
}

func TestRunCycleRecordsReportAndPrunes(t *testing.T) {
	ledger, err := dedupe.Open(filepath.Join(t.TempDir(), "processed_filings.csv"))
	require.NoError(t, err)
	ledger.MarkSeen(models.FilingRecord{AccessionNumber: "ancient", FormType: models.Form4, FilerCIK: "1045810"}, testNow.AddDate(0, 0, -120))
	require.NoError(t, ledger.Flush())

	source := &stubSource{}
	notifier := &stubNotifier{}
	cycle := monitor.New(source, notifier, ledger, tickers.New(nil), monitor.Options{MaxFilingAge: 1}, discard()).
		WithClock(func() time.Time { return testNow })
	archive := &stubArchive{}

	a := &app{
		log:           discard(),
		cycle:         cycle,
		tracker:       monitor.NewTracker(testNow),
		ledger:        ledger,
		archive:       archive,
		retention:     90 * 24 * time.Hour,
		watchlistPath: writeWatchlist(t, "cik,fund_name,entity_type,active\n1045810,NVIDIA Corp,company,true\n1321655,Palantir,company,false\n"),
		now:           func() time.Time { return testNow },
	}

	a.runCycle(context.Background())

	require.Equal(t, []string{"1045810"}, source.calls)
	require.Len(t, notifier.alerts, 1)

	last, ok := a.tracker.Last()
	require.True(t, ok)
	require.Equal(t, 1, last.Notified)

	require.False(t, ledger.IsSeen("ancient"))
	require.True(t, ledger.IsSeen("0001-25-000123"))
	require.Equal(t, testNow.Add(-90*24*time.Hour), archive.cutoff)

	a.runCycle(context.Background())
	require.Len(t, notifier.alerts, 1)
}

func TestRetentionNeverReopensRecentFilings(t *testing.T) {
	ledger, err := dedupe.Open(filepath.Join(t.TempDir(), "processed_filings.csv"))
	require.NoError(t, err)

	clock := testNow
	now := func() time.Time { return clock }
	notifier := &stubNotifier{}
	cycle := monitor.New(&stubSource{}, notifier, ledger, tickers.New(nil), monitor.Options{MaxFilingAge: 1}, discard()).
		WithClock(now)

	a := &app{
		log:       discard(),
		cycle:     cycle,
		tracker:   monitor.NewTracker(testNow),
		ledger:    ledger,
		retention: 73 * time.Hour,
		entries:   []models.WatchlistEntry{{CIK: "1045810", Name: "NVIDIA Corp", EntityType: models.EntityCompany, Active: true}},
		now:       now,
	}

	// Hourly checks from the filing day until well after the row is pruned.
	for step := 0; step <= 5*24; step++ {
		clock = testNow.Add(time.Duration(step) * time.Hour)
		a.runCycle(context.Background())
	}

	require.Len(t, notifier.alerts, 1)
	require.False(t, ledger.IsSeen("0001-25-000123"))
}

func TestReloadWatchlistKeepsPreviousEntries(t *testing.T) {
	previous := []models.WatchlistEntry{{CIK: "1045810", Name: "NVIDIA Corp", EntityType: models.EntityCompany, Active: true}}
	a := &app{
		log:           discard(),
		watchlistPath: filepath.Join(t.TempDir(), "gone.csv"),
		entries:       previous,
	}

	a.reloadWatchlist()
	require.Equal(t, previous, a.entries)
}

func newTestServer(t *testing.T, s *server) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newRouter(s))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthAndStatus(t *testing.T) {
	tracker := monitor.NewTracker(testNow)
	tracker.Record(monitor.Report{RunID: "run-9", Notified: 2})
	srv := newTestServer(t, &server{log: discard(), tracker: tracker})

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var snap monitor.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	require.NotNil(t, snap.LastRun)
	require.Equal(t, "run-9", snap.LastRun.RunID)
	require.Equal(t, 2, snap.LastRun.Notified)

	missing, err := http.Get(srv.URL + "/filings")
	require.NoError(t, err)
	missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHealthReportsArchiveOutage(t *testing.T) {
	srv := newTestServer(t, &server{
		log:     discard(),
		tracker: monitor.NewTracker(testNow),
		archive: &stubArchive{healthy: errors.New("cluster red")},
	})

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestSearchFilings(t *testing.T) {
	archive := &stubArchive{}
	srv := newTestServer(t, &server{log: discard(), tracker: monitor.NewTracker(testNow), archive: archive})

	res, err := http.Get(srv.URL + "/filings?q=nvidia&cik=1045810&forms=4,144&size=999&start=2025-06-01")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var result elasticsearch.SearchResult
	require.NoError(t, json.NewDecoder(res.Body).Decode(&result))
	require.EqualValues(t, 1, result.Total)

	require.Equal(t, "nvidia", archive.params.Query)
	require.Equal(t, "1045810", archive.params.CIK)
	require.Equal(t, []string{"4", "144"}, archive.params.Forms)
	require.Equal(t, maxPage, archive.params.Size)
	require.NotNil(t, archive.params.Start)
	require.Nil(t, archive.params.End)
}

type recordingSender struct {
	texts []string
}

func (s *recordingSender) SendMessage(_ context.Context, _ string, text string) error {
	s.texts = append(s.texts, text)
	return nil
}

func TestTelegramWebhook(t *testing.T) {
	tracker := monitor.NewTracker(testNow)
	sender := &recordingSender{}
	responder := notify.NewResponder(sender, "42", tracker, discard())
	srv := newTestServer(t, &server{log: discard(), tracker: tracker, webhook: responder.WebhookHandler("")})

	body := []byte(`{"update_id":1,"message":{"message_id":5,"chat":{"id":42},"text":"/alive"}}`)
	res, err := http.Post(srv.URL+"/telegram/webhook", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, sender.texts, 1)

	get, err := http.Get(srv.URL + "/telegram/webhook")
	require.NoError(t, err)
	get.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestClampInt(t *testing.T) {
	require.Equal(t, 20, clampInt("", 20, 200))
	require.Equal(t, 20, clampInt("abc", 20, 200))
	require.Equal(t, 20, clampInt("-5", 20, 200))
	require.Equal(t, 50, clampInt("50", 20, 200))
	require.Equal(t, 200, clampInt("1000", 20, 200))
}

func TestParseTime(t *testing.T) {
	require.Nil(t, parseTime(""))
	require.Nil(t, parseTime("yesterday"))

	ts := parseTime("2025-06-02T18:30:00Z")
	require.NotNil(t, ts)
	require.True(t, ts.Equal(testNow))

	day := parseTime("2025-06-02")
	require.NotNil(t, day)
	require.Equal(t, 2, day.Day())
}

func TestParseCSV(t *testing.T) {
	require.Nil(t, parseCSV(""))
	require.Equal(t, []string{"4", "144"}, parseCSV(" 4, ,144 "))
}

func TestFirstNonEmpty(t *testing.T) {
	require.Equal(t, "DEBUG", firstNonEmpty("", "DEBUG", "info"))
	require.Equal(t, "", firstNonEmpty("", ""))
}
