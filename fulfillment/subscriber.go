package fulfillment

import (
	"context"
	"fmt"
	"time"

	stan "github.com/nats-io/stan.go"
	"go.uber.org/zap"

	"escrowflow/logging"
)

// queueSubscriber is the subset of stan.Conn the subscriber needs.
type queueSubscriber interface {
	QueueSubscribe(subject, qgroup string, cb stan.MsgHandler, opts ...stan.SubscriptionOption) (stan.Subscription, error)
}

// MessageHandler processes one raw message body.
type MessageHandler func(ctx context.Context, raw []byte) error

// Subscriber feeds a durable NATS Streaming queue into a MessageHandler.
// Messages are acked after successful handling or a permanent failure;
// anything else is left unacked and redelivered after AckWait.
type Subscriber struct {
	Conn           queueSubscriber
	Subject        string
	Queue          string
	Durable        string
	AckWait        time.Duration
	HandlerTimeout time.Duration
	Logger         *zap.Logger
}

// Subscribe registers the queue subscription and closes it when ctx ends.
func (s *Subscriber) Subscribe(ctx context.Context, handler MessageHandler) (stan.Subscription, error) {
	if s.Conn == nil {
		return nil, fmt.Errorf("fulfillment: nil stan connection")
	}
	ackWait := s.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	queue := s.Queue
	if queue == "" {
		queue = "escrow-fulfillment"
	}

	sub, err := s.Conn.QueueSubscribe(s.Subject, queue, func(m *stan.Msg) {
		s.deliver(ctx, m.Data, m.Ack, handler)
	}, stan.DurableName(s.Durable), stan.SetManualAckMode(), stan.AckWait(ackWait), stan.DeliverAllAvailable())
	if err != nil {
		return nil, fmt.Errorf("fulfillment: subscribe %s: %w", s.Subject, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub, nil
}

func (s *Subscriber) deliver(ctx context.Context, data []byte, ack func() error, handler MessageHandler) {
	logger := logging.OrNop(s.Logger)
	timeout := s.HandlerTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := handler(hctx, data); err != nil {
		if !Permanent(err) {
			logger.Warn("fulfillment signal failed, awaiting redelivery", zap.Error(err))
			return
		}
		logger.Error("fulfillment signal dropped", zap.Error(err), zap.ByteString("body", data))
	}
	if err := ack(); err != nil {
		logger.Warn("fulfillment ack failed", zap.Error(err))
	}
}
