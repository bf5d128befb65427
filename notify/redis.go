package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher is the subset of *redis.Client used for notifications.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Message is the JSON document published per recipient.
type Message struct {
	RecipientID string         `json:"recipient_id"`
	Event       EventType      `json:"event"`
	Payload     map[string]any `json:"payload,omitempty"`
	SentAt      time.Time      `json:"sent_at"`
}

// RedisNotifier publishes each notification on "<prefix><recipient>" so
// per-user delivery workers can subscribe to their own channel.
type RedisNotifier struct {
	client Publisher
	prefix string
	now    func() time.Time
}

var _ Notifier = (*RedisNotifier)(nil)

func NewRedisNotifier(client Publisher, channelPrefix string) *RedisNotifier {
	if channelPrefix == "" {
		channelPrefix = "escrow:notify:"
	}
	return &RedisNotifier{client: client, prefix: channelPrefix, now: time.Now}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: connect redis: %w", err)
	}
	return client, nil
}

func (n *RedisNotifier) Notify(ctx context.Context, recipientID string, event EventType, payload map[string]any) error {
	msg, err := json.Marshal(Message{
		RecipientID: recipientID,
		Event:       event,
		Payload:     payload,
		SentAt:      n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal message: %w", err)
	}
	if err := n.client.Publish(ctx, n.prefix+recipientID, msg).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}
