// Package eventbus publishes fraud events to the configured broker.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher sends JSON-encoded events keyed for ordering
type Publisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
	Close() error
}

// New builds the publisher selected by cfg.Backend ("nats", "kafka" or "none")
func New(cfg config.EventsConfig) (Publisher, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return NoopPublisher{}, nil
	case "nats":
		conn, err := nats.Connect(cfg.NATSURL,
			nats.Name("fraud-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", zap.Error(err))
				}
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return NewNATSPublisher(conn, cfg.Subject), nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka backend requires KAFKA_BROKERS")
		}
		w := &kafka.Writer{
			Addr:         kafka.TCP(cfg.KafkaBrokers...),
			Topic:        cfg.KafkaTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		}
		return NewKafkaPublisher(w), nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}

// NoopPublisher drops every event
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, interface{}) error { return nil }
func (NoopPublisher) Close() error                                       { return nil }

// ----------------------------------------------------------------------------
// NATS
// ----------------------------------------------------------------------------

// NATSConn is the subset of *nats.Conn used by the publisher
type NATSConn interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSPublisher publishes to a single subject. The key travels as a header.
type NATSPublisher struct {
	conn    NATSConn
	subject string
}

// NewNATSPublisher wraps an established connection
func NewNATSPublisher(conn NATSConn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

func (p *NATSPublisher) Publish(ctx context.Context, key string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Header.Set("Event-Key", key)
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		msg.Header.Set("X-Request-ID", id)
	}
	msg.Data = data

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// ----------------------------------------------------------------------------
// Kafka
// ----------------------------------------------------------------------------

// KafkaWriter is the subset of *kafka.Writer used by the publisher
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per event, keyed for partition affinity
type KafkaPublisher struct {
	writer KafkaWriter
}

// NewKafkaPublisher wraps a writer
func NewKafkaPublisher(w KafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{Key: []byte(key), Value: data}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "X-Request-ID", Value: []byte(id)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
