// Package events publishes delivered filing alerts to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/filing-radar/internal/models"
)

// EventType tags every message on the alerts topic.
const EventType = "filing.notified"

// Event is the JSON value of an alert message.
type Event struct {
	Type            string    `json:"type"`
	RunID           string    `json:"run_id"`
	CIK             string    `json:"cik"`
	EntityName      string    `json:"entity_name"`
	EntityType      string    `json:"entity_type"`
	FormType        string    `json:"form_type"`
	AccessionNumber string    `json:"accession_number"`
	FilingDate      time.Time `json:"filing_date"`
	Ticker          string    `json:"ticker,omitempty"`
	Text            string    `json:"text"`
	NotifiedAt      time.Time `json:"notified_at"`
}

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one message per delivered filing alert.
type Publisher struct {
	writer MessageWriter
	topic  string
	log    *slog.Logger
}

// NewPublisher creates a publisher backed by a kafka-go writer.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     brokers,
		Topic:       topic,
		MaxAttempts: 3,
	})
	return NewPublisherWithWriter(writer, topic, logger)
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(writer MessageWriter, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{writer: writer, topic: topic, log: logger}
}

// Name identifies the publisher in sink logs.
func (p *Publisher) Name() string { return "kafka" }

// Record publishes alert. Alerts without a filing are not published.
func (p *Publisher) Record(ctx context.Context, alert models.Alert) error {
	msg, ok, err := BuildMessage(alert)
	if err != nil || !ok {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", alert.Filing.AccessionNumber, err)
	}
	p.log.Debug("alert published",
		slog.String("topic", p.topic),
		slog.String("accession", alert.Filing.AccessionNumber),
	)
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// BuildMessage encodes alert as a Kafka message keyed by the filer's CIK so
// one entity's alerts stay ordered within a partition.
func BuildMessage(alert models.Alert) (kafka.Message, bool, error) {
	if alert.Filing == nil {
		return kafka.Message{}, false, nil
	}

	event := Event{
		Type:            EventType,
		RunID:           alert.RunID,
		CIK:             alert.Entry.CIK,
		EntityName:      alert.Entry.Name,
		EntityType:      string(alert.Entry.EntityType),
		FormType:        string(alert.Filing.FormType),
		AccessionNumber: alert.Filing.AccessionNumber,
		FilingDate:      alert.Filing.FilingDate,
		Ticker:          alert.Ticker,
		Text:            alert.Text,
		NotifiedAt:      alert.SentAt.UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, false, fmt.Errorf("marshal event: %w", err)
	}

	return kafka.Message{
		Key:   []byte(alert.Entry.CIK),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventType)},
			{Key: "form_type", Value: []byte(alert.Filing.FormType)},
			{Key: "run_id", Value: []byte(alert.RunID)},
			{Key: "timestamp", Value: []byte(alert.SentAt.UTC().Format(time.RFC3339))},
		},
	}, true, nil
}
