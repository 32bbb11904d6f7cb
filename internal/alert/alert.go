package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"citydata/internal/logging"
)

// ─────────────────────────────────────────────────────────────
// Sink: where validation failures and diff summaries go
// ─────────────────────────────────────────────────────────────

// Sink delivers a plain-text message to a named channel.
type Sink interface {
	Send(ctx context.Context, channel, message string) error
}

// ── Slack ──────────────────────────────────────────────────

// SlackSink posts to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
	client     *http.Client
}

// NewSlackSink creates a sink for the given webhook URL.
func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

type slackMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

func (s *SlackSink) Send(ctx context.Context, channel, message string) error {
	body, err := json.Marshal(slackMessage{Channel: channel, Text: message})
	if err != nil {
		return fmt.Errorf("encode slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack http %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// ── Log ────────────────────────────────────────────────────

// LogSink writes alerts to the alert log category. Used when no webhook is
// configured.
type LogSink struct {
	log *logrus.Entry
}

// NewLogSink creates a sink logging through l.
func NewLogSink(l *logging.Logger) *LogSink {
	return &LogSink{log: l.Category(logging.Alert)}
}

func (s *LogSink) Send(_ context.Context, channel, message string) error {
	s.log.WithField("channel", channel).Warn(message)
	return nil
}

// ── Multi ──────────────────────────────────────────────────

// Multi fans a message out to every sink and returns the first error.
type Multi []Sink

func (m Multi) Send(ctx context.Context, channel, message string) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, channel, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ── Recorder ───────────────────────────────────────────────

// Message is a single recorded alert.
type Message struct {
	Channel string
	Text    string
}

// Recorder is a test-friendly Sink that records all calls.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
	Err      error // returned from every Send when set
}

func (r *Recorder) Send(_ context.Context, channel, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Message{Channel: channel, Text: message})
	return r.Err
}

// Sent returns a copy of the recorded messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.Messages...)
}
