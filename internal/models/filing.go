package models

import (
	"strings"
	"time"
)

// EntityType distinguishes watched companies (insider forms) from funds (13F).
type EntityType string

const (
	EntityCompany EntityType = "company"
	EntityFund    EntityType = "fund"
)

// ParseEntityType maps a watchlist cell to a known entity type.
func ParseEntityType(raw string) (EntityType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "company":
		return EntityCompany, true
	case "fund", "":
		return EntityFund, true
	default:
		return "", false
	}
}

// FormType is an SEC form code as it appears in EDGAR submissions.
type FormType string

const (
	Form13F FormType = "13F-HR"
	Form4   FormType = "4"
	Form144 FormType = "144"
)

// WatchlistEntry is one row of the watchlist file.
type WatchlistEntry struct {
	CIK        string     `json:"cik"`
	Name       string     `json:"name"`
	Notes      string     `json:"notes,omitempty"`
	EntityType EntityType `json:"entity_type"`
	Active     bool       `json:"active"`
}

// Forms returns the form types watched for the entry.
func (e WatchlistEntry) Forms(include144 bool) []FormType {
	if e.EntityType == EntityFund {
		return []FormType{Form13F}
	}
	if include144 {
		return []FormType{Form4, Form144}
	}
	return []FormType{Form4}
}

// FilingRecord is the metadata of a single EDGAR submission.
type FilingRecord struct {
	AccessionNumber string    `json:"accession_number"`
	FormType        FormType  `json:"form_type"`
	FilerCIK        string    `json:"filer_cik"`
	FilingDate      time.Time `json:"filing_date"`
	ReportDate      string    `json:"report_date,omitempty"`
	PrimaryDocument string    `json:"primary_document,omitempty"`
}

// Holding is one row of a 13F information table.
type Holding struct {
	Issuer   string `json:"issuer"`
	CUSIP    string `json:"cusip"`
	ValueUSD int64  `json:"value_usd"`
	Shares   int64  `json:"shares"`
}

// HoldingChange pairs the same position across two 13F filings.
type HoldingChange struct {
	Issuer    string `json:"issuer"`
	CUSIP     string `json:"cusip"`
	OldShares int64  `json:"old_shares"`
	NewShares int64  `json:"new_shares"`
	ValueUSD  int64  `json:"value_usd"`
}

// HoldingsDiff summarises how a fund's portfolio moved between two filings.
type HoldingsDiff struct {
	LatestDate   time.Time       `json:"latest_date"`
	PreviousDate time.Time       `json:"previous_date"`
	NewBuys      []Holding       `json:"new_buys"`
	Exits        []Holding       `json:"exits"`
	Increases    []HoldingChange `json:"increases"`
	Reductions   []HoldingChange `json:"reductions"`
}

// Trade is a non-derivative transaction reported on Form 4.
type Trade struct {
	Security string    `json:"security"`
	Insider  string    `json:"insider"`
	Date     time.Time `json:"date"`
	Code     string    `json:"code"`
	Shares   float64   `json:"shares"`
	Price    float64   `json:"price"`
}

// InsiderReport is a parsed Form 4 document.
type InsiderReport struct {
	Issuer string  `json:"issuer"`
	Ticker string  `json:"ticker,omitempty"`
	Owner  string  `json:"owner"`
	Trades []Trade `json:"trades"`
}

// Alert is a rendered notification for one filing, or an error report when
// Filing is nil.
type Alert struct {
	Entry  WatchlistEntry `json:"entry"`
	Filing *FilingRecord  `json:"filing,omitempty"`
	Ticker string         `json:"ticker"`
	HTML   string         `json:"-"`
	Text   string         `json:"text"`
	RunID  string         `json:"run_id"`
	SentAt time.Time      `json:"sent_at"`
}
