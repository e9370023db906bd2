// Package watchlist loads the CSV list of companies and funds to monitor.
package watchlist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/DeafMist/filing-radar/internal/logger"
	"github.com/DeafMist/filing-radar/internal/models"
)

var cikPattern = regexp.MustCompile(`^\d{1,10}$`)

var requiredColumns = []string{"cik", "fund_name", "active"}

// Load reads the watchlist file and returns its active entries.
func Load(path string, log *slog.Logger) ([]models.WatchlistEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open watchlist: %w", err)
	}
	defer f.Close()

	return Parse(f, log)
}

// Parse reads watchlist rows from r. Malformed rows are logged and skipped;
// only a broken header is an error.
func Parse(r io.Reader, log *slog.Logger) ([]models.WatchlistEntry, error) {
	if log == nil {
		log = logger.Discard()
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("watchlist is empty")
		}
		return nil, fmt.Errorf("read watchlist header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("watchlist header missing column %q", name)
		}
	}

	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var entries []models.WatchlistEntry
	seen := make(map[string]struct{})
	line := 1
	for {
		row, err := reader.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn("skip unreadable watchlist row", slog.Int("line", line), slog.Any("err", err))
			continue
		}

		cik := cell(row, "cik")
		if !cikPattern.MatchString(cik) {
			log.Warn("skip watchlist row with invalid cik", slog.Int("line", line), slog.String("cik", cik))
			continue
		}
		cik = models.NormalizeCIK(cik)

		entityType, ok := models.ParseEntityType(cell(row, "entity_type"))
		if !ok {
			log.Warn("skip watchlist row with unknown entity type",
				slog.Int("line", line),
				slog.String("cik", cik),
				slog.String("entity_type", cell(row, "entity_type")),
			)
			continue
		}

		active, ok := parseBool(cell(row, "active"))
		if !ok {
			log.Warn("skip watchlist row with invalid active flag",
				slog.Int("line", line),
				slog.String("cik", cik),
				slog.String("active", cell(row, "active")),
			)
			continue
		}

		// Only kept rows claim a CIK, so an inactive row never hides an active one.
		if !active {
			log.Debug("watchlist entry inactive", slog.String("cik", cik))
			continue
		}

		if _, dup := seen[cik]; dup {
			log.Warn("skip duplicate watchlist cik, first active row wins", slog.Int("line", line), slog.String("cik", cik))
			continue
		}
		seen[cik] = struct{}{}

		name := cell(row, "fund_name")
		if name == "" {
			name = "CIK " + cik
		}

		entries = append(entries, models.WatchlistEntry{
			CIK:        cik,
			Name:       name,
			Notes:      cell(row, "notes"),
			EntityType: entityType,
			Active:     true,
		})
	}

	return entries, nil
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(raw) {
	case "true", "yes", "y", "1":
		return true, true
	case "false", "no", "n", "0", "":
		return false, true
	default:
		return false, false
	}
}
