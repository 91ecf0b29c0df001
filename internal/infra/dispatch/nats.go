package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	nats "github.com/nats-io/nats.go"
)

const (
	defaultNATSSubject = "herald.updates"
	defaultNATSGroup   = "herald-relay"
	// JetStream streams use this header to drop duplicate publishes.
	natsMsgIDHeader = "Nats-Msg-Id"
)

// natsConn is the subset of *nats.Conn the queue and relay use.
type natsConn interface {
	PublishMsg(msg *nats.Msg) error
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Flush() error
	Close()
}

// NATSConfig configures NATS publishing and consumption.
type NATSConfig struct {
	URL     string
	Subject string
	// Group is the queue group relays join so each envelope is handled once.
	Group  string
	Logger *log.Logger
}

func (c NATSConfig) normalize() NATSConfig {
	if strings.TrimSpace(c.Subject) == "" {
		c.Subject = defaultNATSSubject
	}
	if strings.TrimSpace(c.Group) == "" {
		c.Group = defaultNATSGroup
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "dispatch/nats ", log.LstdFlags|log.Lmicroseconds)
	}
	return c
}

// DialNATS connects to cfg.URL.
func DialNATS(cfg NATSConfig) (*nats.Conn, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("herald"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return conn, nil
}

// NATSQueue publishes envelopes to a NATS subject.
type NATSQueue struct {
	conn    natsConn
	cfg     NATSConfig
	metrics queueMetrics
	owned   bool
}

// NewNATSQueue publishes through conn. The queue closes conn on Close when
// owned is true.
func NewNATSQueue(conn natsConn, cfg NATSConfig, owned bool) (*NATSQueue, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats queue: connection required")
	}
	return &NATSQueue{conn: conn, cfg: cfg.normalize(), metrics: newQueueMetrics(KindNATS), owned: owned}, nil
}

// Kind reports KindNATS.
func (q *NATSQueue) Kind() string { return KindNATS }

// Enqueue publishes the envelope with its id in the Nats-Msg-Id header.
func (q *NATSQueue) Enqueue(ctx context.Context, env Envelope) error {
	env = env.withDefaults()
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(q.cfg.Subject)
	msg.Data = data
	msg.Header.Set(natsMsgIDHeader, env.ID)
	if env.Hub != "" {
		msg.Header.Set(headerHub, env.Hub)
	}
	err = q.conn.PublishMsg(msg)
	q.metrics.recordEnqueue(ctx, err)
	if err != nil {
		return fmt.Errorf("nats queue publish: %w", err)
	}
	return nil
}

// Close flushes pending publishes.
func (q *NATSQueue) Close() error {
	err := q.conn.Flush()
	if q.owned {
		q.conn.Close()
	}
	return err
}

// NATSRelay consumes envelopes from a NATS queue group and delivers them.
type NATSRelay struct {
	conn      natsConn
	cfg       NATSConfig
	deliverer Deliverer
	metrics   queueMetrics

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSRelay constructs a relay; call Run to consume.
func NewNATSRelay(conn natsConn, deliverer Deliverer, cfg NATSConfig) (*NATSRelay, error) {
	if conn == nil || deliverer == nil {
		return nil, fmt.Errorf("nats relay: connection and deliverer required")
	}
	return &NATSRelay{conn: conn, cfg: cfg.normalize(), deliverer: deliverer, metrics: newQueueMetrics(KindNATS)}, nil
}

// Run subscribes and blocks until ctx is cancelled.
func (r *NATSRelay) Run(ctx context.Context) error {
	sub, err := r.conn.QueueSubscribe(r.cfg.Subject, r.cfg.Group, func(msg *nats.Msg) {
		r.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("nats relay subscribe %s: %w", r.cfg.Subject, err)
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	r.cfg.Logger.Printf("consuming subject=%s group=%s", r.cfg.Subject, r.cfg.Group)

	<-ctx.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.cfg.Logger.Printf("unsubscribe failed: %v", err)
		}
	}
	return nil
}

func (r *NATSRelay) handle(ctx context.Context, msg *nats.Msg) {
	env, err := decodeEnvelope(msg.Data)
	if err != nil {
		r.metrics.recordFailure(ctx, "decode")
		r.cfg.Logger.Printf("decode failed: subject=%s err=%v", msg.Subject, err)
		return
	}
	if env.Hub == "" && msg.Header != nil {
		env.Hub = msg.Header.Get(headerHub)
	}
	err = r.deliverer.Deliver(ctx, env)
	r.metrics.recordDelivery(ctx, err)
	if err != nil {
		r.cfg.Logger.Printf("delivery failed: id=%s err=%v", env.ID, err)
	}
}
