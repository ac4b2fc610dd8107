package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/queue"
)

// AMQPSender publishes nudges to a durable RabbitMQ queue for an external
// consumer. The connection is opened on first use and again after any
// publish error.
type AMQPSender struct {
	url       string
	queueName string
	log       zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSender(url, queueName string, log zerolog.Logger) *AMQPSender {
	if queueName == "" {
		queueName = "nudges"
	}
	return &AMQPSender{url: url, queueName: queueName, log: log}
}

func (s *AMQPSender) Send(ctx context.Context, item models.QueueItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return queue.Permanent(fmt.Errorf("encode nudge: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channel()
	if err != nil {
		return err
	}
	err = ch.Publish(
		"",
		s.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    item.ID,
			Timestamp:    time.Now().UTC(),
			Type:         item.RecipeName,
			Body:         body,
		},
	)
	if err != nil {
		s.reset()
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (s *AMQPSender) channel() (*amqp.Channel, error) {
	if s.ch != nil && s.conn != nil && !s.conn.IsClosed() {
		return s.ch, nil
	}
	s.reset()

	conn, err := amqp.Dial(s.url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(s.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", s.queueName, err)
	}
	s.log.Info().Str("queue", s.queueName).Msg("connected to amqp broker")
	s.conn, s.ch = conn, ch
	return ch, nil
}

func (s *AMQPSender) reset() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.ch, s.conn = nil, nil
}

func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
