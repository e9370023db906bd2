package monitor_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/filing-radar/internal/dedupe"
	"github.com/DeafMist/filing-radar/internal/edgar"
	"github.com/DeafMist/filing-radar/internal/logger"
	"github.com/DeafMist/filing-radar/internal/models"
	"github.com/DeafMist/filing-radar/internal/monitor"
	"github.com/DeafMist/filing-radar/internal/tickers"
)

var now = time.Date(2025, 6, 2, 18, 30, 0, 0, time.UTC)

var today = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

type stubSource struct {
	mu       sync.Mutex
	subs     map[string]*edgar.Submissions
	errs     map[string]error
	holdings map[string][]models.Holding
	insider  map[string]*models.InsiderReport
	fetched  []string
	forms    map[string][]models.FormType
}

func newStubSource() *stubSource {
	return &stubSource{
		subs:     map[string]*edgar.Submissions{},
		errs:     map[string]error{},
		holdings: map[string][]models.Holding{},
		insider:  map[string]*models.InsiderReport{},
		forms:    map[string][]models.FormType{},
	}
}

func (s *stubSource) RecentFilings(_ context.Context, cik string, forms []models.FormType, _ int) (*edgar.Submissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = append(s.fetched, cik)
	s.forms[cik] = forms
	if err := s.errs[cik]; err != nil {
		return nil, err
	}
	subs, ok := s.subs[cik]
	if !ok {
		return &edgar.Submissions{CIK: cik}, nil
	}
	cp := *subs
	cp.Filings = append([]models.FilingRecord(nil), subs.Filings...)
	return &cp, nil
}

func (s *stubSource) Holdings(_ context.Context, rec models.FilingRecord) ([]models.Holding, error) {
	h, ok := s.holdings[rec.AccessionNumber]
	if !ok {
		return nil, errors.New("no holdings stubbed")
	}
	return h, nil
}

func (s *stubSource) InsiderReport(_ context.Context, rec models.FilingRecord) (*models.InsiderReport, error) {
	r, ok := s.insider[rec.AccessionNumber]
	if !ok {
		return nil, errors.New("no form 4 stubbed")
	}
	return r, nil
}

func (s *stubSource) FilingURL(rec models.FilingRecord) string {
	return "https://www.sec.gov/Archives/edgar/data/" + rec.FilerCIK + "/" + models.CompactAccession(rec.AccessionNumber) + "/"
}

type stubNotifier struct {
	alerts []models.Alert
	err    error
}

func (n *stubNotifier) Notify(_ context.Context, alert models.Alert) error {
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, alert)
	return nil
}

type stubSink struct {
	got []models.Alert
	err error
}

func (s *stubSink) Name() string { return "stub" }

func (s *stubSink) Record(_ context.Context, alert models.Alert) error {
	s.got = append(s.got, alert)
	return s.err
}

var nvidia = models.WatchlistEntry{CIK: "1045810", Name: "NVIDIA Corp", EntityType: models.EntityCompany, Active: true}

func form4(acc string, filed time.Time) models.FilingRecord {
	return models.FilingRecord{AccessionNumber: acc, FormType: models.Form4, FilerCIK: "1045810", FilingDate: filed}
}

func openLedger(t *testing.T) *dedupe.Ledger {
	t.Helper()
	ledger, err := dedupe.Open(filepath.Join(t.TempDir(), "processed_filings.csv"))
	require.NoError(t, err)
	return ledger
}

func newCycle(source monitor.FilingSource, notifier monitor.Notifier, ledger monitor.Ledger, opts monitor.Options) *monitor.Cycle {
	log := logger.Discard()
	return monitor.New(source, notifier, ledger, tickers.New(nil), opts, log).WithClock(func() time.Time { return now })
}

func TestCycleNotifiesNewForm4(t *testing.T) {
	source := newStubSource()
	source.subs["1045810"] = &edgar.Submissions{
		CIK:     "1045810",
		Name:    "NVIDIA CORP",
		Tickers: []string{"NVDA"},
		Filings: []models.FilingRecord{form4("0001-25-000123", today)},
	}
	notifier := &stubNotifier{}
	ledger := openLedger(t)

	report := newCycle(source, notifier, ledger, monitor.Options{MaxFilingAge: 1}).
		Run(context.Background(), []models.WatchlistEntry{nvidia})

	require.Len(t, notifier.alerts, 1)
	alert := notifier.alerts[0]
	require.Equal(t, "NVIDIA Corp", alert.Entry.Name)
	require.Equal(t, models.Form4, alert.Filing.FormType)
	require.Equal(t, "0001-25-000123", alert.Filing.AccessionNumber)
	require.Contains(t, alert.HTML, "NVIDIA Corp")
	require.Contains(t, alert.HTML, "<b>Form:</b> 4")
	require.Contains(t, alert.HTML, "0001-25-000123")
	require.Contains(t, alert.Text, "NVIDIA Corp (NVDA)")
	require.Equal(t, report.RunID, alert.RunID)

	require.True(t, ledger.IsSeen("0001-25-000123"))
	require.Equal(t, 1, report.Notified)
	require.Equal(t, 1, report.Entities)
}

func TestCycleIsIdempotentInNormalMode(t *testing.T) {
	source := newStubSource()
	source.subs["1045810"] = &edgar.Submissions{Filings: []models.FilingRecord{
		form4("0001-25-000123", today),
		form4("0001-25-000122", today.AddDate(0, 0, -1)),
	}}
	notifier := &stubNotifier{}
	cycle := newCycle(source, notifier, openLedger(t), monitor.Options{MaxFilingAge: 1})

	first := cycle.Run(context.Background(), []models.WatchlistEntry{nvidia})
	require.Equal(t, 2, first.Notified)

	second := cycle.Run(context.Background(), []models.WatchlistEntry{nvidia})
	require.Equal(t, 0, second.Notified)
	require.Equal(t, 2, second.Skipped)
	require.Len(t, notifier.alerts, 2)
}

func TestCycleDebugBypassesLedger(t *testing.T) {
	source := newStubSource()
	source.subs["1045810"] = &edgar.Submissions{Filings: []models.FilingRecord{form4("0001-25-000123", today)}}
	ledger := openLedger(t)
	ledger.MarkSeen(form4("0001-25-000123", today), now)

	notifier := &stubNotifier{}
	cycle := newCycle(source, notifier, ledger, monitor.Options{Debug: true})

	cycle.Run(context.Background(), []models.WatchlistEntry{nvidia})
	cycle.Run(context.Background(), []models.WatchlistEntry{nvidia})
	require.Len(t, notifier.alerts, 2)

	normal := &stubNotifier{}
	newCycle(source, normal, ledger, monitor.Options{MaxFilingAge: 1}).Run(context.Background(), []models.WatchlistEntry{nvidia})
	require.Empty(t, normal.alerts)
}

func TestCycleSkipsForm144WithoutFlag(t *testing.T) {
	source := newStubSource()
	source.subs["1045810"] = &edgar.Submissions{Filings: []models.FilingRecord{{
		AccessionNumber: "0001-25-000200",
		FormType:        models.Form144,
		FilerCIK:        "1045810",
		FilingDate:      today,
	}}}
	notifier := &stubNotifier{}
	ledger := openLedger(t)

	report := newCycle(source, notifier, ledger, monitor.Options{MaxFilingAge: 1}).
		Run(context.Background(), []models.WatchlistEntry{nvidia})

	require.Empty(t, notifier.alerts)
	require.Equal(t, 1, report.Skipped)
	require.False(t, ledger.IsSeen("0001-25-000200"))
	require.Equal(t, []models.FormType{models.Form4}, source.forms["1045810"])
}

func TestCycleNotifiesForm144WithFlag(t *testing.T) {
	source := newStubSource()
	source.subs["1045810"] = &edgar.Submissions{Filings: []models.FilingRecord{{
		AccessionNumber: "0001-25-000200",
		FormType:        models.Form144,
		FilerCIK:        "1045810",
		FilingDate:      today,
	}}}
	notifier := &stubNotifier{}

	newCycle(source, notifier, openLedger(t), monitor.Options{Process144: true, MaxFilingAge: 1}).
		Run(context.Background(), []models.WatchlistEntry{nvidia})

	require.Len(t, notifier.alerts, 1)
	require.Contains(t, notifier.alerts[0].HTML, "Form 144 — Insider Sale Notice")
	require.Contains(t, notifier.alerts[0].HTML, "View filing")
}

func TestCycleNeverFetchesInactiveEntries(t *testing.T) {
	source := newStubSource()
	inactive := models.WatchlistEntry{CIK: "1321655", Name: "Palantir", EntityType: models.EntityCompany, Active: false}

	newCycle(source, &stubNotifier{}, openLedger(t), monitor.Options{Workers: 3}).
		Run(context.Background(), []models.WatchlistEntry{nvidia, inactive})

	require.Equal(t, []string{"1045810"}, source.fetched)
}

func TestCycleNotificationFailureLeavesFilingUnseen(t *testing.T) {
	source := newStubSource()
	source.subs["1045810"] = &edgar.Submissions{Filings: []models.FilingRecord{form4("0001-25-000123", today)}}
	ledger := openLedger(t)
	sink := &stubSink{}

	failing := &stubNotifier{err: errors.New("telegram down")}
	report := newCycle(source, failing, ledger, monitor.Options{MaxFilingAge: 1}).WithSinks(sink).
		Run(context.Background(), []models.WatchlistEntry{nvidia})
	require.Equal(t, 0, report.Notified)
	require.Len(t, report.Errors, 1)
	require.False(t, ledger.IsSeen("0001-25-000123"))
	require.Empty(t, sink.got)

	working := &stubNotifier{}
	newCycle(source, working, ledger, monitor.Options{MaxFilingAge: 1}).WithSinks(sink).
		Run(context.Background(), []models.WatchlistEntry{nvidia})
	require.Len(t, working.alerts, 1)
	require.True(t, ledger.IsSeen("0001-25-000123"))
	require.Len(t, sink.got, 1)
}

func TestCycleSinkFailureDoesNotUndoDelivery(t *testing.T) {
	source := newStubSource()
	source.subs["1045810"] = &edgar.Submissions{Filings: []models.FilingRecord{form4("0001-25-000123", today)}}
	ledger := openLedger(t)

	newCycle(source, &stubNotifier{}, ledger, monitor.Options{MaxFilingAge: 1}).
		WithSinks(&stubSink{err: errors.New("kafka down")}).
		Run(context.Background(), []models.WatchlistEntry{nvidia})

	require.True(t, ledger.IsSeen("0001-25-000123"))
}

func TestCycleFetchFailureSkipsOnlyThatEntity(t *testing.T) {
	source := newStubSource()
	broken := models.WatchlistEntry{CIK: "1", Name: "Broken Co", EntityType: models.EntityCompany, Active: true}
	source.errs["1"] = errors.New("status 503")
	source.subs["1045810"] = &edgar.Submissions{Filings: []models.FilingRecord{form4("0001-25-000123", today)}}
	notifier := &stubNotifier{}

	report := newCycle(source, notifier, openLedger(t), monitor.Options{MaxFilingAge: 1, ErrorAlerts: true, Workers: 2}).
		Run(context.Background(), []models.WatchlistEntry{broken, nvidia})

	require.Equal(t, 2, report.Entities)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Notified)
	require.Len(t, notifier.alerts, 2)
	require.Nil(t, notifier.alerts[0].Filing)
	require.Contains(t, notifier.alerts[0].HTML, "Error processing Broken Co (CIK 1)")
	require.Equal(t, "0001-25-000123", notifier.alerts[1].Filing.AccessionNumber)
}

func TestCycleSkipsStaleFilingsOutsideDebug(t *testing.T) {
	source := newStubSource()
	source.subs["1045810"] = &edgar.Submissions{Filings: []models.FilingRecord{
		form4("old", today.AddDate(0, 0, -2)),
		form4("yesterday", today.AddDate(0, 0, -1)),
	}}

	normal := &stubNotifier{}
	newCycle(source, normal, openLedger(t), monitor.Options{MaxFilingAge: 1}).
		Run(context.Background(), []models.WatchlistEntry{nvidia})
	require.Len(t, normal.alerts, 1)
	require.Equal(t, "yesterday", normal.alerts[0].Filing.AccessionNumber)

	debug := &stubNotifier{}
	newCycle(source, debug, openLedger(t), monitor.Options{MaxFilingAge: 1, Debug: true}).
		Run(context.Background(), []models.WatchlistEntry{nvidia})
	require.Len(t, debug.alerts, 2)
}

func TestCycleForm4UsesInsiderDetails(t *testing.T) {
	source := newStubSource()
	source.subs["1045810"] = &edgar.Submissions{Filings: []models.FilingRecord{form4("0001-25-000123", today)}}
	source.insider["0001-25-000123"] = &models.InsiderReport{
		Issuer: "NVIDIA CORP",
		Ticker: "NVDA",
		Owner:  "HUANG JEN HSUN",
		Trades: []models.Trade{{Security: "Common Stock", Code: "S", Shares: 1000, Price: 130}},
	}
	notifier := &stubNotifier{}

	newCycle(source, notifier, openLedger(t), monitor.Options{MaxFilingAge: 1}).
		Run(context.Background(), []models.WatchlistEntry{nvidia})

	require.Len(t, notifier.alerts, 1)
	require.Equal(t, "NVDA", notifier.alerts[0].Ticker)
	require.Contains(t, notifier.alerts[0].HTML, "HUANG JEN HSUN")
	require.Contains(t, notifier.alerts[0].HTML, "1,000 shares @ $130.00")
}

func TestCycleFund13FComparesLatestTwo(t *testing.T) {
	fund := models.WatchlistEntry{CIK: "1067983", Name: "Berkshire Hathaway", EntityType: models.EntityFund, Active: true}
	latest := models.FilingRecord{AccessionNumber: "13f-new", FormType: models.Form13F, FilerCIK: "1067983", FilingDate: today}
	previous := models.FilingRecord{AccessionNumber: "13f-old", FormType: models.Form13F, FilerCIK: "1067983", FilingDate: today.AddDate(0, -3, 0)}

	source := newStubSource()
	source.subs["1067983"] = &edgar.Submissions{Filings: []models.FilingRecord{latest, previous}}
	source.holdings["13f-new"] = []models.Holding{
		{Issuer: "APPLE INC", CUSIP: "037833100", Shares: 100, ValueUSD: 20000},
		{Issuer: "NVIDIA", CUSIP: "67066G104", Shares: 10, ValueUSD: 1500},
	}
	source.holdings["13f-old"] = []models.Holding{
		{Issuer: "APPLE INC", CUSIP: "037833100", Shares: 100, ValueUSD: 19000},
		{Issuer: "INTEL", CUSIP: "458140100", Shares: 5, ValueUSD: 100},
	}
	notifier := &stubNotifier{}
	ledger := openLedger(t)

	log := logger.Discard()
	lookup := tickers.New(map[string]string{"67066G104": "NVDA"})
	report := monitor.New(source, notifier, ledger, lookup, monitor.Options{MaxFilingAge: 1}, log).
		WithClock(func() time.Time { return now }).
		Run(context.Background(), []models.WatchlistEntry{fund})

	require.Equal(t, 1, report.Notified)
	require.Equal(t, []models.FormType{models.Form13F}, source.forms["1067983"])
	html := notifier.alerts[0].HTML
	require.Contains(t, html, "13F Update for Berkshire Hathaway")
	require.Contains(t, html, "New Buys (1)")
	require.Contains(t, html, "NVIDIA (NVDA)")
	require.Contains(t, html, "Exits (1)")
	require.Contains(t, html, "INTEL (N/A)")
	require.True(t, ledger.IsSeen("13f-new"))
	require.False(t, ledger.IsSeen("13f-old"))
}

func TestCycleFund13FFallsBackToBasicAlert(t *testing.T) {
	fund := models.WatchlistEntry{CIK: "1067983", Name: "Berkshire Hathaway", EntityType: models.EntityFund, Active: true}
	source := newStubSource()
	source.subs["1067983"] = &edgar.Submissions{Filings: []models.FilingRecord{
		{AccessionNumber: "13f-new", FormType: models.Form13F, FilerCIK: "1067983", FilingDate: today},
	}}
	notifier := &stubNotifier{}

	newCycle(source, notifier, openLedger(t), monitor.Options{MaxFilingAge: 1}).
		Run(context.Background(), []models.WatchlistEntry{fund})

	require.Len(t, notifier.alerts, 1)
	require.Contains(t, notifier.alerts[0].HTML, "Form 13F-HR filed")
}
