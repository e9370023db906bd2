// Package tickers resolves CUSIP identifiers to exchange ticker symbols.
package tickers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Unknown is returned for CUSIPs without a mapping.
const Unknown = "N/A"

// Lookup is an immutable CUSIP -> ticker table.
type Lookup struct {
	symbols map[string]string
}

// New builds a lookup from an in-memory map.
func New(mapping map[string]string) *Lookup {
	symbols := make(map[string]string, len(mapping))
	for cusip, ticker := range mapping {
		cusip = normalize(cusip)
		ticker = strings.TrimSpace(ticker)
		if cusip == "" || ticker == "" {
			continue
		}
		symbols[cusip] = ticker
	}
	return &Lookup{symbols: symbols}
}

// Load reads a CSV file with a cusip column and a ticker (or symbol) column.
func Load(path string) (*Lookup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cusip table: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads the mapping table from r.
func Parse(r io.Reader) (*Lookup, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("cusip table is empty")
		}
		return nil, fmt.Errorf("read cusip header: %w", err)
	}

	cusipCol, tickerCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "cusip":
			cusipCol = i
		case "ticker", "symbol":
			if tickerCol < 0 {
				tickerCol = i
			}
		}
	}
	if cusipCol < 0 || tickerCol < 0 {
		return nil, fmt.Errorf("cusip table needs cusip and ticker columns, got %v", header)
	}

	symbols := make(map[string]string)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		if cusipCol >= len(row) || tickerCol >= len(row) {
			continue
		}
		cusip := normalize(row[cusipCol])
		ticker := strings.TrimSpace(row[tickerCol])
		if cusip == "" || ticker == "" {
			continue
		}
		symbols[cusip] = ticker
	}

	return &Lookup{symbols: symbols}, nil
}

// Resolve returns the ticker for cusip, or Unknown.
func (l *Lookup) Resolve(cusip string) string {
	if l == nil {
		return Unknown
	}
	if ticker, ok := l.symbols[normalize(cusip)]; ok {
		return ticker
	}
	return Unknown
}

// Len reports how many CUSIPs are mapped.
func (l *Lookup) Len() int {
	if l == nil {
		return 0
	}
	return len(l.symbols)
}

func normalize(cusip string) string {
	return strings.ToUpper(strings.TrimSpace(cusip))
}
