// Package notify delivers alerts through the Telegram Bot API and answers
// liveness queries sent to the bot.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DeafMist/filing-radar/internal/models"
)

// MaxMessageLen is Telegram's limit for a single message text.
const MaxMessageLen = 4096

const sendTimeout = 10 * time.Second

// Telegram is a minimal Bot API client.
type Telegram struct {
	http    *http.Client
	baseURL string
	token   string
	chatID  string
	log     *slog.Logger
}

// NewTelegram creates a client for the bot identified by token. Alerts go to
// chatID.
func NewTelegram(apiURL, token, chatID string, client *http.Client, logger *slog.Logger) *Telegram {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Telegram{
		http:    client,
		baseURL: strings.TrimRight(apiURL, "/"),
		token:   token,
		chatID:  chatID,
		log:     logger,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Notify sends a rendered alert to the configured chat.
func (t *Telegram) Notify(ctx context.Context, alert models.Alert) error {
	return t.SendMessage(ctx, t.chatID, alert.HTML)
}

// SendMessage posts an HTML message to chatID.
func (t *Telegram) SendMessage(ctx context.Context, chatID, text string) error {
	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", Truncate(text, MaxMessageLen))
	form.Set("parse_mode", "HTML")
	form.Set("disable_web_page_preview", "true")

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	_, err := t.call(ctx, "sendMessage", form)
	return err
}

func (t *Telegram) call(ctx context.Context, method string, form url.Values) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := t.http.Do(req)
	if err != nil {
		// The URL embeds the token; report the method only.
		return nil, fmt.Errorf("telegram %s: %w", method, unwrapURLError(err))
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read telegram %s response: %w", method, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("telegram %s: status %d: %s", method, res.StatusCode, strings.TrimSpace(string(body)))
	}
	if res.StatusCode >= http.StatusBadRequest || !parsed.OK {
		return nil, fmt.Errorf("telegram %s failed: status %d: %s", method, res.StatusCode, parsed.Description)
	}
	return parsed.Result, nil
}

func unwrapURLError(err error) error {
	if uerr, ok := err.(*url.Error); ok {
		return uerr.Err
	}
	return err
}

// Truncate shortens text to at most limit bytes, cutting at the last line
// break that fits and never inside a UTF-8 sequence.
func Truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	const marker = "\n…"
	cut := limit - len(marker)
	if cut <= 0 {
		return text[:limit]
	}
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	head := text[:cut]
	if i := strings.LastIndexByte(head, '\n'); i > 0 {
		head = head[:i]
	}
	return head + marker
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
