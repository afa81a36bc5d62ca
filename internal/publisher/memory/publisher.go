// Package memory keeps completion notifications in process when Pub/Sub is
// not configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHistory bounds how many notifications a Publisher keeps.
const DefaultHistory = 256

// Message is one notification as it would have been sent to Pub/Sub.
type Message struct {
	ID          string
	Topic       string
	Data        []byte
	PublishedAt time.Time
}

// Decode unmarshals the JSON body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// Publisher encodes payloads the way the Pub/Sub publisher does, logs them and
// keeps the most recent ones.
type Publisher struct {
	logger  *zap.Logger
	history int
	now     func() time.Time

	mu       sync.Mutex
	seq      int
	messages []Message
}

// New returns a Publisher keeping up to history messages. A nil logger
// disables logging; history <= 0 uses DefaultHistory.
func New(logger *zap.Logger, history int) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if history <= 0 {
		history = DefaultHistory
	}
	return &Publisher{logger: logger.Named("publisher"), history: history, now: time.Now}
}

// Publish marshals payload to JSON and records it under topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	p.seq++
	msg := Message{ID: fmt.Sprintf("local-%d", p.seq), Topic: topic, Data: data, PublishedAt: p.now()}
	p.messages = append(p.messages, msg)
	if over := len(p.messages) - p.history; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
	}
	p.mu.Unlock()

	p.logger.Info("notification published",
		zap.String("topic", topic),
		zap.String("message_id", msg.ID),
		zap.ByteString("data", data),
	)
	return msg.ID, nil
}

// Messages returns the retained notifications, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
