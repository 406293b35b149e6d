package usage

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const usageExchange = "platform.usage"

// AMQPRecorder publishes usage events as JSON to a fanout exchange, for the
// analytics pipeline to consume downstream.
type AMQPRecorder struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

var _ Recorder = (*AMQPRecorder)(nil)

// NewAMQPRecorder connects to the broker and declares the usage exchange.
func NewAMQPRecorder(amqpURL string) (*AMQPRecorder, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(usageExchange, "fanout", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare usage exchange: %w", err)
	}
	return &AMQPRecorder{conn: conn, channel: channel}, nil
}

// Close releases the channel and connection.
func (r *AMQPRecorder) Close() error {
	_ = r.channel.Close()
	return r.conn.Close()
}

// Record publishes the event. Delivery is fire-and-forget; the caller treats
// failures as log-only.
func (r *AMQPRecorder) Record(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.channel.PublishWithContext(ctx, usageExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}
