// Package kafka writes the payment audit log: every inbound gateway
// payload, accepted or rejected, becomes one message keyed by txnRef.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ds124wfegd/playverse/config"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type Producer interface {
	SendMessage(ctx context.Context, key string, message interface{}) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaProducer struct {
	writer messageWriter
	topic  string
}

// NewProducer falls back to a logging producer when the brokers cannot be
// reached, so the service still runs without Kafka.
func NewProducer(cfg *config.KafkaConfig) Producer {
	brokers := strings.Split(cfg.Brokers, ",")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		logrus.WithError(err).WithField("brokers", cfg.Brokers).Warn("Kafka connection failed, using mock producer")
		return &mockProducer{topic: cfg.AuditTopic}
	}
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.AuditTopic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		logrus.WithError(err).Debug("Could not create topic (might already exist)")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.AuditTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	logrus.WithFields(logrus.Fields{"brokers": cfg.Brokers, "topic": cfg.AuditTopic}).Info("Connected to Kafka")
	return newKafkaProducer(writer, cfg.AuditTopic)
}

func newKafkaProducer(w messageWriter, topic string) *kafkaProducer {
	return &kafkaProducer{writer: w, topic: topic}
}

func (p *kafkaProducer) SendMessage(ctx context.Context, key string, message interface{}) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal audit message: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: messageBytes,
		Time:  time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	logrus.WithFields(logrus.Fields{"topic": p.topic, "key": key}).Debug("Audit message sent")
	return nil
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

type mockProducer struct {
	topic string
}

// NewMockProducer logs messages instead of sending them.
func NewMockProducer(topic string) Producer {
	return &mockProducer{topic: topic}
}

func (m *mockProducer) SendMessage(_ context.Context, key string, message interface{}) error {
	logrus.WithFields(logrus.Fields{"topic": m.topic, "key": key, "message": message}).Debug("MOCK: audit message")
	return nil
}

func (m *mockProducer) Close() error {
	return nil
}
