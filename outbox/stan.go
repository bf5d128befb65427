package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// stanPublisher is the subset of stan.Conn used to publish.
type stanPublisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is what the ledger receives on the wire.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// STANPublisher publishes outbox messages to NATS Streaming on
// "<subject>.<topic>".
type STANPublisher struct {
	conn    stanPublisher
	subject string
}

var _ Publisher = (*STANPublisher)(nil)

func NewSTANPublisher(conn stanPublisher, subject string) *STANPublisher {
	if subject == "" {
		subject = "ledger"
	}
	return &STANPublisher{conn: conn, subject: subject}
}

func (p *STANPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := msg.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	data, err := json.Marshal(Envelope{
		ID:        msg.ID,
		Topic:     msg.Topic,
		Payload:   json.RawMessage(payload),
		CreatedAt: msg.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("outbox: marshal envelope: %w", err)
	}
	if err := p.conn.Publish(p.subject+"."+msg.Topic, data); err != nil {
		return fmt.Errorf("outbox: stan publish: %w", err)
	}
	return nil
}
