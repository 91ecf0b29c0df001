package hub

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
)

const (
	websocketComponent      = "hub/websocket"
	defaultDialAttempts     = 3
	defaultWriteTimeout     = 5 * time.Second
	maxWebsocketDialBackoff = 2 * time.Second
)

// WebsocketConfig configures a hub that streams updates to a relay over a
// websocket connection.
type WebsocketConfig struct {
	Name string
	// URL is the ws:// or wss:// endpoint updates are written to.
	URL string
	// PublicURL is advertised to subscribers; defaults to URL.
	PublicURL    string
	DialAttempts uint
	WriteTimeout time.Duration
	Logger       *log.Logger
}

// WebsocketHub writes each update as one JSON text frame. The connection is
// dialled lazily and re-dialled after a failed write.
type WebsocketHub struct {
	cfg     WebsocketConfig
	metrics hubMetrics

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWebsocketHub constructs the hub without dialling.
func NewWebsocketHub(cfg WebsocketConfig) (*WebsocketHub, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, errs.New(websocketComponent, errs.CodeConfiguration,
			errs.WithMessage("websocket hub url must use ws:// or wss://"),
			errs.WithField("hub", cfg.Name))
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = cfg.URL
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = defaultDialAttempts
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "hub/websocket ", log.LstdFlags|log.Lmicroseconds)
	}
	return &WebsocketHub{cfg: cfg, metrics: newHubMetrics()}, nil
}

// Name returns the hub name.
func (h *WebsocketHub) Name() string { return h.cfg.Name }

// URL returns the subscriber-facing endpoint.
func (h *WebsocketHub) URL() string { return h.cfg.PublicURL }

// Publish writes the update to the relay connection.
func (h *WebsocketHub) Publish(ctx context.Context, update schema.Update) (err error) {
	start := time.Now()
	defer func() { h.metrics.observe(ctx, h.cfg.Name, start, err) }()

	if len(update.Topics) == 0 {
		return errs.New(websocketComponent, errs.CodeInvalid, errs.WithMessage("update has no topic"))
	}
	frame, err := json.Marshal(update)
	if err != nil {
		return errs.New(websocketComponent, errs.CodeSerialization, errs.WithMessage("encode update"), errs.WithCause(err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errs.New(websocketComponent, errs.CodeTransport, errs.WithMessage("hub closed"))
	}
	conn, err := h.connectLocked(ctx)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "write failed")
		h.conn = nil
		h.metrics.connection(h.cfg.Name, "disconnected")
		return errs.New(websocketComponent, errs.CodeTransport,
			errs.WithMessage("write update"),
			errs.WithField("hub", h.cfg.Name),
			errs.WithCause(err))
	}
	return nil
}

// Close closes the relay connection.
func (h *WebsocketHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close(websocket.StatusNormalClosure, "shutdown")
	h.conn = nil
	return err
}

func (h *WebsocketHub) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if h.conn != nil {
		return h.conn, nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxWebsocketDialBackoff
	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, _, dialErr := websocket.Dial(ctx, h.cfg.URL, nil)
		if dialErr != nil {
			h.cfg.Logger.Printf("dial failed: hub=%s url=%s err=%v", h.cfg.Name, h.cfg.URL, dialErr)
			return nil, dialErr
		}
		return conn, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(h.cfg.DialAttempts))
	if err != nil {
		return nil, errs.New(websocketComponent, errs.CodeTransport,
			errs.WithMessage(fmt.Sprintf("dial %s", h.cfg.URL)),
			errs.WithField("hub", h.cfg.Name),
			errs.WithCause(err))
	}
	// The relay never sends data frames; CloseRead keeps control frames flowing.
	conn.CloseRead(context.Background())
	h.conn = conn
	h.metrics.connection(h.cfg.Name, "connected")
	return conn, nil
}
