package edgar

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/filing-radar/internal/models"
)

type informationTable struct {
	Rows []struct {
		Issuer string `xml:"nameOfIssuer"`
		CUSIP  string `xml:"cusip"`
		Value  string `xml:"value"`
		Shares string `xml:"shrsOrPrnAmt>sshPrnamt"`
	} `xml:"infoTable"`
}

// Holdings downloads and parses the information table of a 13F filing.
func (c *Client) Holdings(ctx context.Context, rec models.FilingRecord) ([]models.Holding, error) {
	names, err := c.FilingIndex(ctx, rec)
	if err != nil {
		return nil, err
	}
	name := infoTableName(names)
	if name == "" {
		return nil, fmt.Errorf("no information table in filing %s", rec.AccessionNumber)
	}

	data, err := c.get(ctx, c.DocumentURL(rec, name))
	if err != nil {
		return nil, fmt.Errorf("fetch information table %s: %w", rec.AccessionNumber, err)
	}
	return ParseHoldings(data)
}

// ParseHoldings decodes a 13F information table. Rows sharing a CUSIP (split
// by manager or share class) are merged.
func ParseHoldings(data []byte) ([]models.Holding, error) {
	var table informationTable
	if err := decodeXML(data, &table); err != nil {
		return nil, fmt.Errorf("decode information table: %w", err)
	}

	index := make(map[string]int, len(table.Rows))
	holdings := make([]models.Holding, 0, len(table.Rows))
	for _, row := range table.Rows {
		cusip := strings.ToUpper(strings.TrimSpace(row.CUSIP))
		if cusip == "" {
			continue
		}
		value := parseInt(row.Value)
		shares := parseInt(row.Shares)

		if i, ok := index[cusip]; ok {
			holdings[i].ValueUSD += value
			holdings[i].Shares += shares
			continue
		}
		index[cusip] = len(holdings)
		holdings = append(holdings, models.Holding{
			Issuer:   strings.TrimSpace(row.Issuer),
			CUSIP:    cusip,
			ValueUSD: value,
			Shares:   shares,
		})
	}
	return holdings, nil
}

type ownershipDocument struct {
	Issuer struct {
		Name   string `xml:"issuerName"`
		Symbol string `xml:"issuerTradingSymbol"`
	} `xml:"issuer"`
	Owners []struct {
		Name string `xml:"reportingOwnerId>rptOwnerName"`
	} `xml:"reportingOwner"`
	Transactions []struct {
		Security string `xml:"securityTitle>value"`
		Date     string `xml:"transactionDate>value"`
		Code     string `xml:"transactionCoding>transactionCode"`
		Shares   string `xml:"transactionAmounts>transactionShares>value"`
		Price    string `xml:"transactionAmounts>transactionPricePerShare>value"`
	} `xml:"nonDerivativeTable>nonDerivativeTransaction"`
}

// InsiderReport downloads and parses the XML of a Form 4 filing.
func (c *Client) InsiderReport(ctx context.Context, rec models.FilingRecord) (*models.InsiderReport, error) {
	name := xmlName(rec.PrimaryDocument)
	if name == "" {
		names, err := c.FilingIndex(ctx, rec)
		if err != nil {
			return nil, err
		}
		name = firstXML(names)
	}
	if name == "" {
		return nil, fmt.Errorf("no xml document in filing %s", rec.AccessionNumber)
	}

	data, err := c.get(ctx, c.DocumentURL(rec, name))
	if err != nil {
		return nil, fmt.Errorf("fetch form 4 %s: %w", rec.AccessionNumber, err)
	}
	return ParseInsiderReport(data)
}

// ParseInsiderReport decodes a Form 4 ownership document.
func ParseInsiderReport(data []byte) (*models.InsiderReport, error) {
	var doc ownershipDocument
	if err := decodeXML(data, &doc); err != nil {
		return nil, fmt.Errorf("decode form 4: %w", err)
	}

	owners := make([]string, 0, len(doc.Owners))
	for _, o := range doc.Owners {
		if name := strings.TrimSpace(o.Name); name != "" {
			owners = append(owners, name)
		}
	}

	report := &models.InsiderReport{
		Issuer: strings.TrimSpace(doc.Issuer.Name),
		Ticker: strings.TrimSpace(doc.Issuer.Symbol),
		Owner:  strings.Join(owners, ", "),
		Trades: make([]models.Trade, 0, len(doc.Transactions)),
	}
	for _, tx := range doc.Transactions {
		date, _ := time.Parse(time.DateOnly, strings.TrimSpace(tx.Date))
		report.Trades = append(report.Trades, models.Trade{
			Security: strings.TrimSpace(tx.Security),
			Insider:  report.Owner,
			Date:     date,
			Code:     strings.TrimSpace(tx.Code),
			Shares:   parseFloat(tx.Shares),
			Price:    parseFloat(tx.Price),
		})
	}
	return report, nil
}

func decodeXML(data []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	return dec.Decode(v)
}

func infoTableName(names []string) string {
	for _, n := range names {
		lower := strings.ToLower(n)
		if strings.Contains(lower, "info") && strings.HasSuffix(lower, ".xml") {
			return n
		}
	}
	for _, n := range names {
		lower := strings.ToLower(n)
		if strings.HasSuffix(lower, ".xml") && lower != "primary_doc.xml" {
			return n
		}
	}
	return ""
}

func firstXML(names []string) string {
	for _, n := range names {
		if strings.HasSuffix(strings.ToLower(n), ".xml") {
			return n
		}
	}
	return ""
}

func parseInt(raw string) int64 {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if raw == "" {
		return 0
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int64(f)
	}
	return 0
}

func parseFloat(raw string) float64 {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return f
}
