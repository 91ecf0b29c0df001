package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaTopic    = "herald.updates"
	defaultKafkaGroup    = "herald-relay"
	defaultKafkaAttempts = 5
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures Kafka publishing and consumption.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// Attempts bounds delivery retries per message before it is committed
	// and logged as dropped.
	Attempts uint
	Logger   *log.Logger
}

func (c KafkaConfig) normalize() KafkaConfig {
	if strings.TrimSpace(c.Topic) == "" {
		c.Topic = defaultKafkaTopic
	}
	if strings.TrimSpace(c.GroupID) == "" {
		c.GroupID = defaultKafkaGroup
	}
	if c.Attempts == 0 {
		c.Attempts = defaultKafkaAttempts
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "dispatch/kafka ", log.LstdFlags|log.Lmicroseconds)
	}
	return c
}

// NewKafkaWriter builds a synchronous writer for cfg.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker address is required")
	}
	cfg = cfg.normalize()
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, nil
}

// NewKafkaReader builds a consumer-group reader for cfg.
func NewKafkaReader(cfg KafkaConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker address is required")
	}
	cfg = cfg.normalize()
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	}), nil
}

// KafkaQueue writes envelopes to a Kafka topic keyed by envelope id.
type KafkaQueue struct {
	writer  kafkaWriter
	metrics queueMetrics
}

// NewKafkaQueue wraps writer.
func NewKafkaQueue(writer kafkaWriter) (*KafkaQueue, error) {
	if writer == nil {
		return nil, fmt.Errorf("kafka queue: writer required")
	}
	return &KafkaQueue{writer: writer, metrics: newQueueMetrics(KindKafka)}, nil
}

// Kind reports KindKafka.
func (q *KafkaQueue) Kind() string { return KindKafka }

// Enqueue writes the envelope.
func (q *KafkaQueue) Enqueue(ctx context.Context, env Envelope) error {
	env = env.withDefaults()
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(env.ID),
		Value: data,
		Time:  env.EnqueuedAt,
	}
	if env.Hub != "" {
		msg.Headers = []kafka.Header{{Key: headerHub, Value: []byte(env.Hub)}}
	}
	err = q.writer.WriteMessages(ctx, msg)
	q.metrics.recordEnqueue(ctx, err)
	if err != nil {
		return fmt.Errorf("kafka queue write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (q *KafkaQueue) Close() error { return q.writer.Close() }

// KafkaRelay consumes envelopes and delivers them, committing offsets only
// after delivery.
type KafkaRelay struct {
	reader    kafkaReader
	deliverer Deliverer
	cfg       KafkaConfig
	metrics   queueMetrics
}

// NewKafkaRelay constructs a relay; call Run to consume.
func NewKafkaRelay(reader kafkaReader, deliverer Deliverer, cfg KafkaConfig) (*KafkaRelay, error) {
	if reader == nil || deliverer == nil {
		return nil, fmt.Errorf("kafka relay: reader and deliverer required")
	}
	return &KafkaRelay{reader: reader, deliverer: deliverer, cfg: cfg.normalize(), metrics: newQueueMetrics(KindKafka)}, nil
}

// Run consumes until ctx is cancelled, then closes the reader.
func (r *KafkaRelay) Run(ctx context.Context) error {
	defer func() {
		if err := r.reader.Close(); err != nil {
			r.cfg.Logger.Printf("reader close failed: %v", err)
		}
	}()
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			r.cfg.Logger.Printf("fetch failed: %v", err)
			continue
		}
		r.handle(ctx, msg)
		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.cfg.Logger.Printf("commit failed: partition=%d offset=%d err=%v", msg.Partition, msg.Offset, err)
		}
	}
}

func (r *KafkaRelay) handle(ctx context.Context, msg kafka.Message) {
	env, err := decodeEnvelope(msg.Value)
	if err != nil {
		r.metrics.recordFailure(ctx, "decode")
		r.cfg.Logger.Printf("decode failed: offset=%d err=%v", msg.Offset, err)
		return
	}
	if env.Hub == "" {
		for _, header := range msg.Headers {
			if header.Key == headerHub {
				env.Hub = string(header.Value)
			}
		}
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := r.deliverer.Deliver(ctx, env)
		r.metrics.recordDelivery(ctx, err)
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(r.cfg.Attempts))
	if err != nil {
		r.cfg.Logger.Printf("dropping envelope after %d attempts: id=%s err=%v", r.cfg.Attempts, env.ID, err)
	}
}
