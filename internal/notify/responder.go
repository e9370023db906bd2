package notify

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Update is the subset of a Telegram update the responder reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is an inbound chat message.
type Message struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

// Sender delivers a text message to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// StatusSource describes the monitor's current state for status replies.
type StatusSource interface {
	StatusText() string
}

// Responder answers "alive" and "status" messages from the alert chat.
type Responder struct {
	sender Sender
	chatID string
	status StatusSource
	log    *slog.Logger
}

// NewResponder creates a responder replying through sender. Messages from
// chats other than chatID are ignored.
func NewResponder(sender Sender, chatID string, status StatusSource, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Responder{sender: sender, chatID: chatID, status: status, log: logger}
}

// Handle replies to u when it is a liveness query. It reports whether a reply
// was sent.
func (r *Responder) Handle(ctx context.Context, u Update) (bool, error) {
	if u.Message == nil {
		return false, nil
	}
	chat := strconv.FormatInt(u.Message.Chat.ID, 10)
	if chat != r.chatID {
		r.log.Debug("ignore message from foreign chat", slog.String("chat_id", chat))
		return false, nil
	}

	command, ok := parseCommand(u.Message.Text)
	if !ok {
		return false, nil
	}

	reply := "✅ <b>Filing radar is alive.</b>"
	if r.status != nil {
		if text := r.status.StatusText(); text != "" {
			reply += "\n" + text
		}
	}

	if err := r.sender.SendMessage(ctx, chat, reply); err != nil {
		return false, fmt.Errorf("reply to %s: %w", command, err)
	}
	r.log.Info("answered liveness query", slog.String("command", command), slog.Int64("update_id", u.UpdateID))
	return true, nil
}

// parseCommand accepts "alive", "/status", "Status@radar_bot" and similar.
func parseCommand(text string) (string, bool) {
	word := strings.ToLower(strings.TrimSpace(text))
	word = strings.TrimPrefix(word, "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	switch word {
	case "alive", "status":
		return word, true
	default:
		return "", false
	}
}

// SecretTokenHeader carries the secret_token registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookHandler accepts updates pushed by Telegram. A non-empty secret must
// match SecretTokenHeader. Decoded updates always get 200 so Telegram does not
// redeliver updates the responder chose to ignore.
func (r *Responder) WebhookHandler(secret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if secret != "" && subtle.ConstantTimeCompare([]byte(req.Header.Get(SecretTokenHeader)), []byte(secret)) != 1 {
			r.log.Warn("reject webhook update with bad secret token", slog.String("remote", req.RemoteAddr))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var u Update
		if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&u); err != nil {
			r.log.Warn("decode webhook update", slog.Any("err", err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, err := r.Handle(req.Context(), u); err != nil {
			r.log.Warn("handle webhook update", slog.Any("err", err))
		}
		w.WriteHeader(http.StatusOK)
	})
}

// GetUpdates long-polls the Bot API for updates after offset.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	form := url.Values{}
	form.Set("offset", strconv.FormatInt(offset, 10))
	form.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
	form.Set("allowed_updates", `["message"]`)

	ctx, cancel := context.WithTimeout(ctx, timeout+sendTimeout)
	defer cancel()

	raw, err := t.call(ctx, "getUpdates", form)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

// UpdateSource yields inbound updates.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Poller feeds long-polled updates to a Responder until its context ends.
type Poller struct {
	source    UpdateSource
	responder *Responder
	timeout   time.Duration
	retry     time.Duration
	log       *slog.Logger
}

// NewPoller creates a poller with a 30s long-poll timeout.
func NewPoller(source UpdateSource, responder *Responder, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{source: source, responder: responder, timeout: 30 * time.Second, retry: 5 * time.Second, log: logger}
}

// WithTimings overrides the long-poll timeout and the pause after errors.
func (p *Poller) WithTimings(timeout, retry time.Duration) *Poller {
	p.timeout = timeout
	p.retry = retry
	return p
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := p.source.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("poll bot updates failed", slog.Any("err", err), slog.Duration("retry_in", p.retry))
			select {
			case <-time.After(p.retry):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if _, err := p.responder.Handle(ctx, u); err != nil {
				p.log.Warn("handle bot update", slog.Any("err", err), slog.Int64("update_id", u.UpdateID))
			}
		}
	}
}
