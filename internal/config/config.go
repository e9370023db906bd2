package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingSecret is returned when a required secret is absent from both the
// secrets file and the environment.
var ErrMissingSecret = errors.New("missing secret")

// Secrets holds credentials read from the dotenv secrets file.
type Secrets struct {
	SECUserAgent     string
	TelegramBotToken string
	TelegramChatID   string
	// TelegramWebhookSecret is optional. When set, webhook requests must echo
	// it in X-Telegram-Bot-Api-Secret-Token.
	TelegramWebhookSecret string
}

// Archive configures the optional Elasticsearch archive of notified filings.
type Archive struct {
	ElasticsearchAddr  string
	ElasticsearchIndex string
}

// Enabled reports whether an Elasticsearch address was configured.
func (a Archive) Enabled() bool { return a.ElasticsearchAddr != "" }

// Events configures the optional Kafka stream of filing alerts.
type Events struct {
	KafkaBrokers []string
	KafkaTopic   string
}

// Enabled reports whether at least one broker was configured.
func (e Events) Enabled() bool { return len(e.KafkaBrokers) > 0 }

// Monitor holds configuration for the filing monitor.
type Monitor struct {
	Secrets
	Archive
	Events

	SecretsPath     string
	WatchlistPath   string
	CUSIPPath       string
	LedgerPath      string
	LedgerRetention time.Duration

	ScheduleAt string
	ScheduleTZ string

	SECBaseURL     string
	SECArchiveURL  string
	SECRateLimit   float64
	FetchRetries   int
	FetchTimeout   time.Duration
	FetchWorkers   int
	FilingsPerForm int
	MaxFilingAge   int

	TelegramAPIURL string
	BotUpdates     string
	HTTPBindAddr   string

	LogLevel string
	LogDir   string
}

// Bot update modes.
const (
	BotUpdatesPoll    = "poll"
	BotUpdatesWebhook = "webhook"
	BotUpdatesOff     = "off"
)

// LoadMonitor builds a Monitor config from environment variables and the
// secrets file. A non-empty secretsPath overrides SECRETS_PATH.
func LoadMonitor(secretsPath string) (*Monitor, error) {
	if secretsPath == "" {
		secretsPath = getEnv("SECRETS_PATH", ".env")
	}

	c := &Monitor{
		Archive: Archive{
			ElasticsearchAddr:  getEnv("ELASTICSEARCH_ADDR", ""),
			ElasticsearchIndex: getEnv("ELASTICSEARCH_INDEX", "filings"),
		},
		Events: Events{
			KafkaBrokers: splitAndTrim(getEnv("KAFKA_BROKERS", "")),
			KafkaTopic:   getEnv("KAFKA_TOPIC", "filing_alerts"),
		},
		SecretsPath:     secretsPath,
		WatchlistPath:   getEnv("WATCHLIST_PATH", "watchlist.csv"),
		CUSIPPath:       getEnv("CUSIP_PATH", "CUSIP.csv"),
		LedgerPath:      getEnv("LEDGER_PATH", "data/processed_filings.csv"),
		LedgerRetention: getDuration("LEDGER_RETENTION", "2160h"),
		ScheduleAt:      getEnv("SCHEDULE_AT", "18:30"),
		ScheduleTZ:      getEnv("SCHEDULE_TZ", "America/New_York"),
		SECBaseURL:      strings.TrimRight(getEnv("SEC_BASE_URL", "https://data.sec.gov"), "/"),
		SECArchiveURL:   strings.TrimRight(getEnv("SEC_ARCHIVE_URL", "https://www.sec.gov/Archives/edgar/data"), "/"),
		SECRateLimit:    getFloat("SEC_RATE_LIMIT", 5),
		FetchRetries:    getInt("FETCH_RETRIES", 3),
		FetchTimeout:    getDuration("FETCH_TIMEOUT", "30s"),
		FetchWorkers:    getInt("FETCH_WORKERS", 2),
		FilingsPerForm:  getInt("FILINGS_PER_FORM", 5),
		MaxFilingAge:    getInt("MAX_FILING_AGE_DAYS", 1),
		TelegramAPIURL:  strings.TrimRight(getEnv("TELEGRAM_API_URL", "https://api.telegram.org"), "/"),
		BotUpdates:      strings.ToLower(getEnv("BOT_UPDATES", BotUpdatesPoll)),
		HTTPBindAddr:    getEnv("HTTP_BIND_ADDR", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogDir:          getEnv("LOG_DIR", ""),
	}

	secrets, err := LoadSecrets(secretsPath)
	if err != nil {
		return nil, err
	}
	c.Secrets = *secrets

	if c.SECRateLimit <= 0 {
		return nil, fmt.Errorf("SEC_RATE_LIMIT must be positive")
	}
	if c.FetchRetries < 0 {
		return nil, fmt.Errorf("FETCH_RETRIES cannot be negative")
	}
	if c.FetchTimeout <= 0 {
		return nil, fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if c.FetchWorkers <= 0 {
		return nil, fmt.Errorf("FETCH_WORKERS must be positive")
	}
	if c.FilingsPerForm <= 0 {
		return nil, fmt.Errorf("FILINGS_PER_FORM must be positive")
	}
	if c.MaxFilingAge < 0 {
		return nil, fmt.Errorf("MAX_FILING_AGE_DAYS cannot be negative")
	}
	if c.LedgerRetention <= 0 {
		return nil, fmt.Errorf("LEDGER_RETENTION must be positive")
	}
	// Rows must outlive the recency window, or a pruned filing becomes new again.
	if minRetention := time.Duration(c.MaxFilingAge+2) * 24 * time.Hour; c.LedgerRetention <= minRetention {
		return nil, fmt.Errorf("LEDGER_RETENTION %s must exceed %s for MAX_FILING_AGE_DAYS=%d", c.LedgerRetention, minRetention, c.MaxFilingAge)
	}
	switch c.BotUpdates {
	case BotUpdatesPoll, BotUpdatesOff:
	case BotUpdatesWebhook:
		if c.HTTPBindAddr == "" {
			return nil, fmt.Errorf("BOT_UPDATES=webhook requires HTTP_BIND_ADDR")
		}
	default:
		return nil, fmt.Errorf("BOT_UPDATES must be one of poll, webhook, off")
	}

	return c, nil
}

// LoadSecrets reads the dotenv secrets file. Values already present in the
// process environment win over the file. A missing file is tolerated when the
// environment supplies every secret.
func LoadSecrets(path string) (*Secrets, error) {
	values := map[string]string{}
	if path != "" {
		fileValues, err := godotenv.Read(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read secrets file %s: %w", path, err)
		}
		if fileValues != nil {
			values = fileValues
		}
	}

	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(values[key])
	}

	s := &Secrets{
		SECUserAgent:     lookup("SEC_USER_AGENT"),
		TelegramBotToken: lookup("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   lookup("TELEGRAM_CHAT_ID"),

		TelegramWebhookSecret: lookup("TELEGRAM_WEBHOOK_SECRET"),
	}

	var missing []string
	if s.SECUserAgent == "" {
		missing = append(missing, "SEC_USER_AGENT")
	}
	if s.TelegramBotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if s.TelegramChatID == "" {
		missing = append(missing, "TELEGRAM_CHAT_ID")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s (secrets file %s)", ErrMissingSecret, strings.Join(missing, ", "), path)
	}

	return s, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
