// Package elasticsearch archives notified filings for later search.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/DeafMist/filing-radar/internal/models"
)

// Client wraps go-elasticsearch with the filing archive operations.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

// Document is one archived alert.
type Document struct {
	AccessionNumber string    `json:"accession_number"`
	CIK             string    `json:"cik"`
	EntityName      string    `json:"entity_name"`
	EntityType      string    `json:"entity_type"`
	FormType        string    `json:"form_type"`
	FilingDate      time.Time `json:"filing_date"`
	Ticker          string    `json:"ticker,omitempty"`
	Text            string    `json:"text"`
	RunID           string    `json:"run_id"`
	NotifiedAt      time.Time `json:"notified_at"`
}

// NewDocument converts a delivered alert. Alerts without a filing, such as
// error notices, are not archived.
func NewDocument(alert models.Alert) (Document, bool) {
	if alert.Filing == nil || alert.Filing.AccessionNumber == "" {
		return Document{}, false
	}
	return Document{
		AccessionNumber: alert.Filing.AccessionNumber,
		CIK:             alert.Entry.CIK,
		EntityName:      alert.Entry.Name,
		EntityType:      string(alert.Entry.EntityType),
		FormType:        string(alert.Filing.FormType),
		FilingDate:      alert.Filing.FilingDate,
		Ticker:          alert.Ticker,
		Text:            alert.Text,
		RunID:           alert.RunID,
		NotifiedAt:      alert.SentAt.UTC(),
	}, true
}

// SearchParams narrow an archive search.
type SearchParams struct {
	Query string
	CIK   string
	Forms []string
	From  int
	Size  int
	Sort  string
	Start *time.Time
	End   *time.Time
}

// SearchResult bundles hits and total count.
type SearchResult struct {
	Total int64      `json:"total"`
	Items []Document `json:"items"`
}

// New instantiates the Elasticsearch client. transport may be nil.
func New(addr, index string, transport http.RoundTripper, logger *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
		Transport: transport,
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{es: es, index: index, log: logger}, nil
}

// Name identifies the archive in sink logs.
func (c *Client) Name() string { return "elasticsearch" }

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

// Record archives a delivered alert, keyed by accession number so a
// re-notified filing overwrites its earlier document.
func (c *Client) Record(ctx context.Context, alert models.Alert) error {
	doc, ok := NewDocument(alert)
	if !ok {
		return nil
	}
	return c.IndexFiling(ctx, doc)
}

// IndexFiling writes a document into Elasticsearch.
func (c *Client) IndexFiling(ctx context.Context, doc Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal doc: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: doc.AccessionNumber,
		Body:       bytes.NewReader(payload),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("index doc: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index doc failed: %s", strings.TrimSpace(string(body)))
	}

	c.log.Debug("filing archived", slog.String("accession", doc.AccessionNumber))
	return nil
}

// BuildSearchBody renders the query DSL for params.
func BuildSearchBody(params SearchParams) map[string]any {
	if params.Size <= 0 {
		params.Size = 20
	}
	if params.Size > 200 {
		params.Size = 200
	}
	if params.From < 0 {
		params.From = 0
	}

	must := make([]map[string]any, 0, 1)
	filters := make([]map[string]any, 0, 3)

	if params.Query != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  params.Query,
				"fields": []string{"entity_name^2", "ticker^2", "text"},
			},
		})
	}

	if params.CIK != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"cik": params.CIK},
		})
	}

	if len(params.Forms) > 0 {
		filters = append(filters, map[string]any{
			"terms": map[string]any{"form_type": params.Forms},
		})
	}

	if params.Start != nil || params.End != nil {
		rangeQuery := map[string]any{}
		if params.Start != nil {
			rangeQuery["gte"] = params.Start.UTC().Format(time.RFC3339)
		}
		if params.End != nil {
			rangeQuery["lte"] = params.End.UTC().Format(time.RFC3339)
		}
		filters = append(filters, map[string]any{
			"range": map[string]any{"filing_date": rangeQuery},
		})
	}

	boolQuery := map[string]any{}
	if len(must) > 0 {
		boolQuery["must"] = must
	}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	if len(must) == 0 && len(filters) == 0 {
		boolQuery["must"] = []map[string]any{
			{"match_all": map[string]any{}},
		}
	}

	field, order := "notified_at", "desc"
	if params.Sort != "" {
		f, o, _ := strings.Cut(params.Sort, ":")
		if f != "" {
			field = f
		}
		if o == "asc" || o == "desc" {
			order = o
		}
	}

	return map[string]any{
		"from":             params.From,
		"size":             params.Size,
		"track_total_hits": true,
		"query":            map[string]any{"bool": boolQuery},
		"sort": []map[string]any{
			{field: map[string]any{"order": order}},
		},
	}
}

// SearchFilings executes a bool query over archived alerts.
func (c *Client) SearchFilings(ctx context.Context, params SearchParams) (*SearchResult, error) {
	payload, err := json.Marshal(BuildSearchBody(params))
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]Document, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, hit.Source)
	}

	return &SearchResult{
		Total: parsed.Hits.Total.Value,
		Items: items,
	}, nil
}

// DeleteOlderThan removes documents notified before cutoff using batched
// delete-by-query. It loops until a batch deletes fewer than batchSize.
func (c *Client) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	body := map[string]any{
		"query": map[string]any{
			"range": map[string]any{
				"notified_at": map[string]any{
					"lte": cutoff.UTC().Format(time.RFC3339),
				},
			},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal delete body: %w", err)
	}

	totalDeleted := int64(0)
	for {
		res, err := c.es.DeleteByQuery(
			[]string{c.index},
			bytes.NewReader(payload),
			c.es.DeleteByQuery.WithContext(ctx),
			c.es.DeleteByQuery.WithWaitForCompletion(true),
			c.es.DeleteByQuery.WithConflicts("proceed"),
			c.es.DeleteByQuery.WithScrollSize(batchSize),
		)
		if err != nil {
			return totalDeleted, fmt.Errorf("delete by query: %w", err)
		}

		if res.IsError() {
			data, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return totalDeleted, fmt.Errorf("delete by query failed: %s", strings.TrimSpace(string(data)))
		}

		var parsed struct {
			Deleted int64 `json:"deleted"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			res.Body.Close()
			return totalDeleted, fmt.Errorf("decode delete response: %w", err)
		}
		res.Body.Close()

		totalDeleted += parsed.Deleted
		if parsed.Deleted < int64(batchSize) {
			break
		}
	}

	return totalDeleted, nil
}

// Health checks cluster health.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}
