package edgar

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/DeafMist/filing-radar/internal/models"
)

// Submissions is the registrant summary EDGAR publishes per CIK.
type Submissions struct {
	CIK     string
	Name    string
	Tickers []string
	Filings []models.FilingRecord
}

type submissionsPayload struct {
	CIK     string   `json:"cik"`
	Name    string   `json:"name"`
	Tickers []string `json:"tickers"`
	Filings struct {
		Recent struct {
			AccessionNumber []string `json:"accessionNumber"`
			FilingDate      []string `json:"filingDate"`
			ReportDate      []string `json:"reportDate"`
			Form            []string `json:"form"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

// Submissions downloads submissions/CIK##########.json for cik.
func (c *Client) Submissions(ctx context.Context, cik string) (*Submissions, error) {
	url := fmt.Sprintf("%s/submissions/CIK%s.json", c.baseURL, models.PadCIK(cik))
	data, err := c.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch submissions for cik %s: %w", cik, err)
	}
	return ParseSubmissions(data, cik)
}

// ParseSubmissions decodes a submissions document. Rows whose parallel arrays
// are short or whose date cannot be parsed are dropped.
func ParseSubmissions(data []byte, cik string) (*Submissions, error) {
	var payload submissionsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}

	filer := models.NormalizeCIK(cik)
	if payload.CIK != "" {
		filer = models.NormalizeCIK(payload.CIK)
	}

	recent := payload.Filings.Recent
	out := &Submissions{
		CIK:     filer,
		Name:    strings.TrimSpace(payload.Name),
		Tickers: payload.Tickers,
		Filings: make([]models.FilingRecord, 0, len(recent.Form)),
	}

	for i, form := range recent.Form {
		if i >= len(recent.AccessionNumber) || i >= len(recent.FilingDate) {
			break
		}
		filed, err := time.Parse(time.DateOnly, recent.FilingDate[i])
		if err != nil {
			continue
		}
		out.Filings = append(out.Filings, models.FilingRecord{
			AccessionNumber: recent.AccessionNumber[i],
			FormType:        models.FormType(strings.TrimSpace(form)),
			FilerCIK:        filer,
			FilingDate:      filed,
			ReportDate:      at(recent.ReportDate, i),
			PrimaryDocument: at(recent.PrimaryDocument, i),
		})
	}

	return out, nil
}

// RecentFilings returns at most perForm of the newest filings of each form in
// forms, newest first, along with the registrant details.
func (c *Client) RecentFilings(ctx context.Context, cik string, forms []models.FormType, perForm int) (*Submissions, error) {
	subs, err := c.Submissions(ctx, cik)
	if err != nil {
		return nil, err
	}
	subs.Filings = SelectRecent(subs.Filings, forms, perForm)
	return subs, nil
}

// SelectRecent keeps the first perForm filings of each wanted form. EDGAR
// lists recent filings newest first, so order is preserved.
func SelectRecent(filings []models.FilingRecord, forms []models.FormType, perForm int) []models.FilingRecord {
	wanted := make(map[models.FormType]int, len(forms))
	for _, f := range forms {
		wanted[f] = 0
	}

	out := make([]models.FilingRecord, 0, len(forms)*perForm)
	for _, rec := range filings {
		n, ok := wanted[rec.FormType]
		if !ok {
			continue
		}
		if perForm > 0 && n >= perForm {
			continue
		}
		wanted[rec.FormType] = n + 1
		out = append(out, rec)
	}
	return out
}

// FilingURL is the public archive folder of a filing.
func (c *Client) FilingURL(rec models.FilingRecord) string {
	return fmt.Sprintf("%s/%s/%s/", c.archiveURL, models.NormalizeCIK(rec.FilerCIK), models.CompactAccession(rec.AccessionNumber))
}

// DocumentURL is the URL of a named file inside a filing's archive folder.
func (c *Client) DocumentURL(rec models.FilingRecord, name string) string {
	return c.FilingURL(rec) + strings.TrimLeft(name, "/")
}

type indexPayload struct {
	Directory struct {
		Item []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"item"`
	} `json:"directory"`
}

// FilingIndex lists the file names in a filing's archive folder.
func (c *Client) FilingIndex(ctx context.Context, rec models.FilingRecord) ([]string, error) {
	data, err := c.get(ctx, c.DocumentURL(rec, "index.json"))
	if err != nil {
		return nil, fmt.Errorf("fetch filing index %s: %w", rec.AccessionNumber, err)
	}

	var payload indexPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode filing index %s: %w", rec.AccessionNumber, err)
	}

	names := make([]string, 0, len(payload.Directory.Item))
	for _, item := range payload.Directory.Item {
		if item.Name != "" {
			names = append(names, item.Name)
		}
	}
	return names, nil
}

func at(values []string, i int) string {
	if i < len(values) {
		return values[i]
	}
	return ""
}

func xmlName(primary string) string {
	if primary == "" || !strings.HasSuffix(strings.ToLower(primary), ".xml") {
		return ""
	}
	return path.Base(primary)
}
