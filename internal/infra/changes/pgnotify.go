package changes

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
)

const (
	// DefaultChannel is the channel the herald_notify_change trigger notifies on.
	DefaultChannel = "herald_changes"

	defaultSettleWindow = 50 * time.Millisecond
	defaultMaxBatch     = 512
	notifyComponent     = "changes/pgnotify"
)

// Decoder turns the JSON row of a notification into a resource object.
type Decoder func(row json.RawMessage) (any, error)

// JSONDecoder decodes rows into *T.
func JSONDecoder[T any]() Decoder {
	return func(row json.RawMessage) (any, error) {
		obj := new(T)
		if err := json.Unmarshal(row, obj); err != nil {
			return nil, err
		}
		return obj, nil
	}
}

// Notification is the payload emitted by herald_notify_change.
type Notification struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	TxID  int64           `json:"txid"`
	Row   json.RawMessage `json:"row"`
}

// ListenConn is the part of *pgx.Conn the source needs.
type ListenConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// SourceOption configures a NotifySource.
type SourceOption func(*NotifySource)

// WithChannel overrides the notification channel.
func WithChannel(channel string) SourceOption {
	return func(s *NotifySource) {
		if channel = strings.TrimSpace(channel); channel != "" {
			s.channel = channel
		}
	}
}

// WithSettleWindow sets how long Drain waits for more rows of the same transaction.
func WithSettleWindow(window time.Duration) SourceOption {
	return func(s *NotifySource) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithMaxBatch caps the rows returned by one Drain.
func WithMaxBatch(limit int) SourceOption {
	return func(s *NotifySource) {
		if limit > 0 {
			s.maxBatch = limit
		}
	}
}

// WithSourceLogger overrides the source logger.
func WithSourceLogger(logger *log.Logger) SourceOption {
	return func(s *NotifySource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NotifySource turns Postgres row notifications into change sets, one
// transaction per Drain.
type NotifySource struct {
	conn     ListenConn
	channel  string
	window   time.Duration
	maxBatch int
	logger   *log.Logger

	mu        sync.Mutex
	decoders  map[string]Decoder
	listening bool
	carry     *Notification
}

// NewNotifySource wraps a dedicated connection.
func NewNotifySource(conn ListenConn, opts ...SourceOption) *NotifySource {
	s := &NotifySource{
		conn:     conn,
		channel:  DefaultChannel,
		window:   defaultSettleWindow,
		maxBatch: defaultMaxBatch,
		logger:   log.New(os.Stdout, "pgnotify ", log.LstdFlags|log.Lmicroseconds),
		decoders: make(map[string]Decoder),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register maps table onto decoder.
func (s *NotifySource) Register(table string, decoder Decoder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decoders[strings.ToLower(strings.TrimSpace(table))] = decoder
}

// Listen subscribes the connection to the channel. Drain calls it on first use.
func (s *NotifySource) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return nil
	}
	if _, err := s.conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return errs.New(notifyComponent, errs.CodeTransport,
			errs.WithMessage("listen"),
			errs.WithField("channel", s.channel),
			errs.WithCause(err))
	}
	s.listening = true
	return nil
}

// Drain blocks until a notification arrives, then gathers the rows of that
// transaction. Rows of tables without a decoder are skipped.
func (s *NotifySource) Drain(ctx context.Context) (schema.ChangeSet, error) {
	if err := s.Listen(ctx); err != nil {
		return schema.ChangeSet{}, err
	}

	first := s.takeCarry()
	if first == nil {
		var err error
		if first, err = s.next(ctx); err != nil {
			return schema.ChangeSet{}, err
		}
	}

	var set schema.ChangeSet
	s.add(&set, *first)
	for set.Len() < s.maxBatch {
		waitCtx, cancel := context.WithTimeout(ctx, s.window)
		n, err := s.next(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if ctx.Err() != nil {
				return set, ctx.Err()
			}
			return set, err
		}
		if n.TxID != first.TxID {
			s.setCarry(n)
			break
		}
		s.add(&set, *n)
	}
	return set, nil
}

func (s *NotifySource) next(ctx context.Context) (*Notification, error) {
	for {
		raw, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errs.New(notifyComponent, errs.CodeTransport,
				errs.WithMessage("wait for notification"),
				errs.WithCause(err))
		}
		if raw.Channel != s.channel {
			continue
		}
		var n Notification
		if err := json.Unmarshal([]byte(raw.Payload), &n); err != nil {
			s.logger.Printf("skipping malformed notification: %v", err)
			continue
		}
		return &n, nil
	}
}

func (s *NotifySource) add(set *schema.ChangeSet, n Notification) {
	outcome, err := schema.ParseOutcome(n.Op)
	if err != nil {
		s.logger.Printf("skipping notification for %s: %v", n.Table, err)
		return
	}
	s.mu.Lock()
	decoder, ok := s.decoders[strings.ToLower(n.Table)]
	s.mu.Unlock()
	if !ok {
		return
	}
	obj, err := decoder(n.Row)
	if err != nil {
		s.logger.Printf("skipping %s row of %s: %v", n.Op, n.Table, fmt.Errorf("decode: %w", err))
		return
	}
	set.Add(obj, outcome)
}

func (s *NotifySource) takeCarry() *Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.carry
	s.carry = nil
	return n
}

func (s *NotifySource) setCarry(n *Notification) {
	s.mu.Lock()
	s.carry = n
	s.mu.Unlock()
}

// Run drains change sets and hands each to handle until ctx ends. Handler
// errors are logged and do not stop the loop.
func (s *NotifySource) Run(ctx context.Context, handle func(ctx context.Context, set schema.ChangeSet) error) error {
	for {
		set, err := s.Drain(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if set.Len() == 0 {
			continue
		}
		if err := handle(ctx, set); err != nil {
			s.logger.Printf("publish change set: %v", err)
		}
	}
}
