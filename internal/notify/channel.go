// Package notify delivers change events over configured channels. Critical
// events go out immediately; lower tiers are batched into digest deliveries
// on a fixed window.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"trustcheck/internal/domain"
)

// Channel delivers one batch of events. Send must be safe to retry: a batch
// may be redelivered after a transient failure.
type Channel interface {
	Name() string
	Send(ctx context.Context, events []domain.ChangeEvent) error
}

// LogChannel writes every event to the structured log. It is always
// configured and serves as the delivery of last resort.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel builds the channel. logger may be nil.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, events []domain.ChangeEvent) error {
	for _, ev := range events {
		c.logger.Info("sanctions change",
			"event_id", ev.EventID, "source", ev.Source, "type", ev.Type,
			"risk", ev.Risk, "entity", ev.EntityName, "summary", ev.Summary)
	}
	return nil
}

// webhookEnvelope is the JSON body posted to the configured webhook.
type webhookEnvelope struct {
	Events []webhookEvent `json:"events"`
	Count  int            `json:"count"`
	SentAt time.Time      `json:"sent_at"`
}

type webhookEvent struct {
	EventID    string               `json:"event_id"`
	EntityUID  string               `json:"entity_uid"`
	EntityName string               `json:"entity_name"`
	Source     domain.Source        `json:"source"`
	Type       domain.ChangeType    `json:"change_type"`
	Risk       domain.RiskLevel     `json:"risk_level"`
	Summary    string               `json:"summary"`
	Fields     []domain.FieldChange `json:"field_changes,omitempty"`
	DetectedAt time.Time            `json:"detected_at"`
	RunID      string               `json:"run_id"`
}

// WebhookChannel posts event batches as JSON to one URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel builds the channel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, events []domain.ChangeEvent) error {
	envelope := webhookEnvelope{
		Events: make([]webhookEvent, 0, len(events)),
		Count:  len(events),
		SentAt: time.Now().UTC(),
	}
	for _, ev := range events {
		envelope.Events = append(envelope.Events, webhookEvent{
			EventID: ev.EventID, EntityUID: ev.EntityUID, EntityName: ev.EntityName,
			Source: ev.Source, Type: ev.Type, Risk: ev.Risk, Summary: ev.Summary,
			Fields: ev.FieldChanges, DetectedAt: ev.DetectedAt, RunID: ev.RunID,
		})
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailChannel sends a plain-text digest over SMTP.
type EmailChannel struct {
	addr string
	from string
	to   []string
	send func(addr, from string, to []string, msg []byte) error
}

// NewEmailChannel builds the channel against an SMTP server address
// (host:port).
func NewEmailChannel(addr, from string, to []string) *EmailChannel {
	return &EmailChannel{
		addr: addr,
		from: from,
		to:   to,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(_ context.Context, events []domain.ChangeEvent) error {
	msg := buildEmail(c.from, c.to, events)
	if err := c.send(c.addr, c.from, c.to, msg); err != nil {
		return fmt.Errorf("send email digest: %w", err)
	}
	return nil
}

func buildEmail(from string, to []string, events []domain.ChangeEvent) []byte {
	highest := domain.RiskLow
	for _, ev := range events {
		if ev.Risk.Priority() > highest.Priority() {
			highest = ev.Risk
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %d sanctions list change(s)\r\n", highest, len(events))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")

	for _, ev := range events {
		fmt.Fprintf(&b, "[%s] %s (%s)\r\n  %s\r\n", ev.Risk, ev.EntityName, ev.Source, ev.Summary)
		for _, fc := range ev.FieldChanges {
			fmt.Fprintf(&b, "  - %s: %v -> %v\r\n", fc.Field, fc.Old, fc.New)
		}
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// KafkaChannel produces one record per event to a topic, keyed by entity UID
// so per-entity ordering holds within a partition.
type KafkaChannel struct {
	client *kgo.Client
	topic  string
}

// NewKafkaChannel builds the channel over an existing franz-go client.
func NewKafkaChannel(client *kgo.Client, topic string) *KafkaChannel {
	return &KafkaChannel{client: client, topic: topic}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Send(ctx context.Context, events []domain.ChangeEvent) error {
	records := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(webhookEvent{
			EventID: ev.EventID, EntityUID: ev.EntityUID, EntityName: ev.EntityName,
			Source: ev.Source, Type: ev.Type, Risk: ev.Risk, Summary: ev.Summary,
			Fields: ev.FieldChanges, DetectedAt: ev.DetectedAt, RunID: ev.RunID,
		})
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}
		records = append(records, &kgo.Record{
			Topic: c.topic,
			Key:   []byte(ev.EntityUID),
			Value: value,
		})
	}

	results := c.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", c.topic, err)
	}
	return nil
}
