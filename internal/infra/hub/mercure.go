package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
)

const (
	mercureComponent   = "hub/mercure"
	defaultJWTTTL      = time.Hour
	defaultHTTPTimeout = 10 * time.Second
	// Tokens are re-minted this long before they expire.
	tokenRefreshMargin = 30 * time.Second
)

// MercureConfig configures a Mercure hub publisher.
type MercureConfig struct {
	Name string
	// URL is the hub endpoint updates are POSTed to.
	URL string
	// PublicURL is the subscriber-facing endpoint; defaults to URL.
	PublicURL string
	// JWT is a pre-signed publisher token. When empty one is minted from JWTSecret.
	JWT       string
	JWTSecret string
	JWTTTL    time.Duration
	// PublishTopics populates the mercure.publish claim; defaults to "*".
	PublishTopics []string
	Client        *http.Client
}

// MercureHub publishes updates with the Mercure protocol.
type MercureHub struct {
	cfg     MercureConfig
	client  *http.Client
	metrics hubMetrics

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	now      func() time.Time
}

type mercureClaims struct {
	Mercure mercureGrant `json:"mercure"`
	jwt.RegisteredClaims
}

type mercureGrant struct {
	Publish []string `json:"publish"`
}

// NewMercureHub validates cfg and constructs the hub.
func NewMercureHub(cfg MercureConfig) (*MercureHub, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	endpoint, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, errs.New(mercureComponent, errs.CodeConfiguration,
			errs.WithMessage("hub url must be absolute"),
			errs.WithField("hub", cfg.Name),
			errs.WithCause(err))
	}
	cfg.URL = endpoint.String()
	if strings.TrimSpace(cfg.PublicURL) == "" {
		cfg.PublicURL = cfg.URL
	}
	if cfg.JWT == "" && cfg.JWTSecret == "" {
		return nil, errs.New(mercureComponent, errs.CodeConfiguration,
			errs.WithMessage("jwt or jwt secret required"),
			errs.WithField("hub", cfg.Name))
	}
	if cfg.JWTTTL <= 0 {
		cfg.JWTTTL = defaultJWTTTL
	}
	if len(cfg.PublishTopics) == 0 {
		cfg.PublishTopics = []string{"*"}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &MercureHub{
		cfg:     cfg,
		client:  client,
		metrics: newHubMetrics(),
		now:     time.Now,
	}, nil
}

// Name returns the hub name.
func (h *MercureHub) Name() string { return h.cfg.Name }

// URL returns the subscriber-facing endpoint.
func (h *MercureHub) URL() string { return h.cfg.PublicURL }

// Publish POSTs the update as a form to the hub.
func (h *MercureHub) Publish(ctx context.Context, update schema.Update) (err error) {
	start := time.Now()
	defer func() { h.metrics.observe(ctx, h.cfg.Name, start, err) }()

	if len(update.Topics) == 0 {
		return errs.New(mercureComponent, errs.CodeInvalid, errs.WithMessage("update has no topic"))
	}
	token, err := h.bearer()
	if err != nil {
		return err
	}
	body := encodeForm(update)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, strings.NewReader(body))
	if err != nil {
		return errs.New(mercureComponent, errs.CodeTransport, errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		return errs.New(mercureComponent, errs.CodeTransport,
			errs.WithMessage("post update"),
			errs.WithField("hub", h.cfg.Name),
			errs.WithCause(err))
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.New(mercureComponent, errs.CodeTransport,
			errs.WithMessage(fmt.Sprintf("hub responded %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))),
			errs.WithField("hub", h.cfg.Name))
	}
	return nil
}

func (h *MercureHub) bearer() (string, error) {
	if h.cfg.JWT != "" {
		return h.cfg.JWT, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if h.token != "" && now.Add(tokenRefreshMargin).Before(h.tokenExp) {
		return h.token, nil
	}
	exp := now.Add(h.cfg.JWTTTL)
	claims := mercureClaims{
		Mercure: mercureGrant{Publish: append([]string(nil), h.cfg.PublishTopics...)},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		return "", errs.New(mercureComponent, errs.CodeConfiguration,
			errs.WithMessage("sign publisher jwt"),
			errs.WithCause(err))
	}
	h.token = signed
	h.tokenExp = exp
	return signed, nil
}

// encodeForm renders the Mercure publish form. Topics repeat the topic field
// in order.
func encodeForm(update schema.Update) string {
	form := url.Values{}
	for _, topic := range update.Topics {
		form.Add("topic", topic)
	}
	form.Set("data", update.Data)
	if update.Private {
		form.Set("private", "on")
	}
	if update.ID != "" {
		form.Set("id", update.ID)
	}
	if update.Type != "" {
		form.Set("type", update.Type)
	}
	if update.Retry > 0 {
		form.Set("retry", strconv.Itoa(update.Retry))
	}
	return form.Encode()
}
