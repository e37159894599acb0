package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/slack-go/slack"
)

// LogEvent writes one structured log line per event.
func LogEvent(e *Event) {
	attrs := []any{"type", e.Type, "event_id", e.ID}
	if e.GroupID != "" {
		attrs = append(attrs, "group_id", e.GroupID)
	}
	if e.GroupTag != "" {
		attrs = append(attrs, "group_tag", e.GroupTag)
	}
	if e.ChannelID != "" {
		attrs = append(attrs, "channel_id", e.ChannelID)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	switch e.Type {
	case RelayFailed, WebhookOrphaned:
		slog.Warn("Lifecycle event", attrs...)
	default:
		slog.Info("Lifecycle event", attrs...)
	}
}

// SlackSink posts lifecycle events to a Slack incoming webhook for operators.
type SlackSink struct {
	webhookURL string
	client     *http.Client
	types      map[EventType]bool
}

// NewSlackSink creates a sink for the given incoming webhook URL. When types
// is empty every event is posted.
func NewSlackSink(webhookURL string, types ...EventType) *SlackSink {
	s := &SlackSink{
		webhookURL: strings.TrimSpace(webhookURL),
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	return s
}

// Handle posts e. Errors are logged, never returned to the dispatcher.
func (s *SlackSink) Handle(e *Event) {
	if s.webhookURL == "" || (s.types != nil && !s.types[e.Type]) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, slackMessage(e)); err != nil {
		slog.Warn("SlackSink: post failed", "type", e.Type, "error", err)
	}
}

func slackMessage(e *Event) *slack.WebhookMessage {
	fields := []slack.AttachmentField{}
	if e.GroupTag != "" || e.GroupID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Group", Value: strings.TrimSpace(e.GroupTag + " " + e.GroupID), Short: true})
	}
	if e.ChannelID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Channel", Value: e.ChannelID, Short: true})
	}
	color := "#5e92cc"
	if e.Type == RelayFailed || e.Type == WebhookOrphaned {
		color = "danger"
	}
	return &slack.WebhookMessage{
		Text: fmt.Sprintf("concord: %s", e.Type),
		Attachments: []slack.Attachment{{
			Color:    color,
			Fallback: fmt.Sprintf("%s %s", e.Type, e.Detail),
			Text:     e.Detail,
			Fields:   fields,
			Footer:   e.ID,
		}},
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes lifecycle events as JSON onto a Kafka topic keyed by
// group id, so consumers see one group's history in order.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to topic on the comma separated brokers.
func NewKafkaSink(brokers, topic string) *KafkaSink {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}
	return &KafkaSink{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokerList...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Handle writes e to the topic.
func (k *KafkaSink) Handle(e *Event) {
	value, err := json.Marshal(e)
	if err != nil {
		slog.Warn("KafkaSink: marshal failed", "type", e.Type, "error", err)
		return
	}
	key := e.GroupID
	if key == "" {
		key = e.ChannelID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  e.Timestamp,
	}); err != nil {
		slog.Warn("KafkaSink: write failed", "topic", k.topic, "type", e.Type, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
