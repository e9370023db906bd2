// Package edgar reads filing metadata and documents from SEC EDGAR.
package edgar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/DeafMist/filing-radar/internal/logger"
)

// ErrNotFound is returned when EDGAR answers 404.
var ErrNotFound = errors.New("edgar: not found")

// Options configure a Client.
type Options struct {
	UserAgent    string
	BaseURL      string
	ArchiveURL   string
	Timeout      time.Duration
	Retries      int
	RateLimit    float64
	RetryInitial time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client issues rate limited, retried GETs against EDGAR.
type Client struct {
	http         *http.Client
	userAgent    string
	baseURL      string
	archiveURL   string
	retries      int
	retryInitial time.Duration
	limiter      *rate.Limiter
	log          *slog.Logger
}

// New creates a Client. UserAgent is mandatory: SEC rejects anonymous traffic.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.UserAgent) == "" {
		return nil, fmt.Errorf("edgar: user agent is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://data.sec.gov"
	}
	if opts.ArchiveURL == "" {
		opts.ArchiveURL = "https://www.sec.gov/Archives/edgar/data"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	return &Client{
		http:         opts.HTTPClient,
		userAgent:    opts.UserAgent,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		archiveURL:   strings.TrimRight(opts.ArchiveURL, "/"),
		retries:      opts.Retries,
		retryInitial: opts.RetryInitial,
		limiter:      rate.NewLimiter(rate.Limit(opts.RateLimit), 1),
		log:          opts.Logger,
	}, nil
}

// statusError carries a non-2xx response status.
type statusError struct {
	url    string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.url, e.status)
}

// get fetches url, retrying transient failures with exponential backoff.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	attempt := 0

	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json, application/xml, text/xml, */*")

		res, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("GET %s: %w", url, err)
		}
		defer res.Body.Close()

		if res.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("GET %s: %w", url, ErrNotFound))
		}
		if res.StatusCode >= http.StatusBadRequest {
			err := &statusError{url: url, status: res.StatusCode}
			if res.StatusCode < http.StatusInternalServerError && res.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}

		data, err := io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("read %s: %w", url, err)
		}
		body = data
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInitial
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		c.log.Warn("edgar request failed, retrying",
			slog.String("url", url),
			slog.Any("err", err),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
		)
	}

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.retries)), ctx),
		notify,
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}
