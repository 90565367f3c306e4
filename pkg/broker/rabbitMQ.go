// Package broker publishes booking lifecycle events to a RabbitMQ topic
// exchange.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ds124wfegd/playverse/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Routing keys of booking lifecycle events.
const (
	RoutingBookingInitiated = "booking.initiated"
	RoutingBookingConfirmed = "booking.confirmed"
	RoutingBookingFailed    = "booking.failed"
	RoutingBookingOversold  = "booking.oversold"
	RoutingBookingExpired   = "booking.expired"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, message interface{}) error
	Close() error
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type RabbitMQ struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	mu       sync.Mutex
}

// NewRabbitMQ declares a durable topic exchange and a durable queue bound
// to every booking.* key.
func NewRabbitMQ(cfg *config.RabbitMQConfig) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	closeAll := func() {
		channel.Close()
		conn.Close()
	}

	if err := channel.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // kind
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,
	); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := channel.QueueDeclare(
		cfg.QueueName, // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		amqp.Table{"x-queue-mode": "lazy"},
	)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := channel.QueueBind(q.Name, "booking.#", cfg.Exchange, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logrus.WithFields(logrus.Fields{"exchange": cfg.Exchange, "queue": q.Name}).Info("Connected to RabbitMQ")

	return &RabbitMQ{conn: conn, channel: channel, exchange: cfg.Exchange}, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// amqp channels are not safe for concurrent publishing
	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.channel.PublishWithContext(
		ctx,
		r.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close RabbitMQ channel")
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// LogPublisher is used when RabbitMQ is disabled.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, routingKey string, message interface{}) error {
	logrus.WithFields(logrus.Fields{"routing_key": routingKey, "message": message}).Debug("Broker disabled, event not published")
	return nil
}

func (LogPublisher) Close() error { return nil }
