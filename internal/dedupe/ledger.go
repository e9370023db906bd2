package dedupe

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/DeafMist/filing-radar/internal/models"
)

var header = []string{"cik", "form_type", "accession_number", "filing_date", "processed_at"}

type entry struct {
	cik         string
	formType    string
	accession   string
	filingDate  string
	processedAt time.Time
}

// Ledger keeps the accession numbers that already triggered a notification.
// State lives in memory between Open and Flush.
type Ledger struct {
	mu    sync.Mutex
	path  string
	items map[string]entry
	dirty bool
}

// Open loads the ledger at path. A missing file yields an empty ledger.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, items: make(map[string]entry)}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(rows) == 0 {
		return l, nil
	}

	cols := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		cols[name] = i
	}
	accCol, ok := cols["accession_number"]
	if !ok {
		return nil, fmt.Errorf("ledger %s has no accession_number column", path)
	}

	get := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	for _, row := range rows[1:] {
		if accCol >= len(row) || row[accCol] == "" {
			continue
		}
		processedAt := parseProcessedAt(get(row, "processed_at"))
		l.items[row[accCol]] = entry{
			cik:         get(row, "cik"),
			formType:    get(row, "form_type"),
			accession:   row[accCol],
			filingDate:  get(row, "filing_date"),
			processedAt: processedAt,
		}
	}

	return l, nil
}

// IsSeen returns true when the accession number was already notified.
// It does not mark it; use MarkSeen() after a successful notification.
func (l *Ledger) IsSeen(accession string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.items[accession]
	return ok
}

// MarkSeen records that a filing has been notified.
func (l *Ledger) MarkSeen(rec models.FilingRecord, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	filingDate := ""
	if !rec.FilingDate.IsZero() {
		filingDate = rec.FilingDate.Format(time.DateOnly)
	}

	l.items[rec.AccessionNumber] = entry{
		cik:         rec.FilerCIK,
		formType:    string(rec.FormType),
		accession:   rec.AccessionNumber,
		filingDate:  filingDate,
		processedAt: at.UTC(),
	}
	l.dirty = true
}

// Prune drops entries processed before cutoff and returns how many went.
// Entries without a processing time are kept.
func (l *Ledger) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.items {
		if !e.processedAt.IsZero() && e.processedAt.Before(cutoff) {
			delete(l.items, key)
			removed++
		}
	}
	if removed > 0 {
		l.dirty = true
	}
	return removed
}

// Len reports how many accession numbers are recorded.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Flush writes the ledger to disk when it changed since the last flush.
// The file is replaced atomically.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dirty {
		return nil
	}

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-*.csv")
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := l.write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ledger temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}

	l.dirty = false
	return nil
}

func parseProcessedAt(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func (l *Ledger) write(w io.Writer) error {
	entries := make([]entry, 0, len(l.items))
	for _, e := range l.items {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].processedAt.Equal(entries[j].processedAt) {
			return entries[i].accession < entries[j].accession
		}
		return entries[i].processedAt.Before(entries[j].processedAt)
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write ledger header: %w", err)
	}
	for _, e := range entries {
		processedAt := ""
		if !e.processedAt.IsZero() {
			processedAt = e.processedAt.Format(time.RFC3339)
		}
		if err := cw.Write([]string{e.cik, e.formType, e.accession, e.filingDate, processedAt}); err != nil {
			return fmt.Errorf("write ledger row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	return nil
}
