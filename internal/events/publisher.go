package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/chainlink/internal/model"
)

// Publisher delivers run events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
	Close() error
}

// Message is the envelope written to the broker.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Payload   model.Event `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage wraps ev in an envelope with a fresh message ID.
func NewMessage(ev model.Event) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      ev.Type,
		Payload:   ev,
		Timestamp: time.Now().UTC(),
	}
}

// NopPublisher discards events. It is used when no broker is configured.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, model.Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
