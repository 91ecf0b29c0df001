// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PublisherConfig controls how mutations become hub updates.
type PublisherConfig struct {
	// Format is the serialization format of update payloads (jsonld or json).
	Format      string `yaml:"format"`
	IncludeType bool   `yaml:"includeType"`
	// BaseURL roots absolute IRIs, e.g. https://api.example.com.
	BaseURL    string `yaml:"baseURL"`
	DefaultHub string `yaml:"defaultHub"`
}

// ExpressionConfig selects the engine evaluating "@=" expressions.
type ExpressionConfig struct {
	Engine string `yaml:"engine"`
}

// HubConfig describes one named hub.
type HubConfig struct {
	Kind      HubKind       `yaml:"kind"`
	URL       string        `yaml:"url"`
	PublicURL string        `yaml:"publicURL"`
	JWT       string        `yaml:"jwt"`
	JWTSecret string        `yaml:"jwtSecret"`
	JWTTTL    time.Duration `yaml:"jwtTTL"`
	// Topics populates the publish claim of minted tokens.
	Topics       []string      `yaml:"topics"`
	BufferSize   int           `yaml:"bufferSize"`
	DialAttempts uint          `yaml:"dialAttempts"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// NATSConfig configures the NATS dispatch channel.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Group   string `yaml:"group"`
}

// KafkaConfig configures the Kafka dispatch channel.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	GroupID  string   `yaml:"groupID"`
	Attempts uint     `yaml:"attempts"`
}

// OutboxConfig configures the Postgres outbox dispatch channel.
type OutboxConfig struct {
	ReplayInterval time.Duration `yaml:"replayInterval"`
	BatchSize      int           `yaml:"batchSize"`
	Retention      time.Duration `yaml:"retention"`
	ClaimLease     time.Duration `yaml:"claimLease"`
	RetryInterval  time.Duration `yaml:"retryInterval"`
}

// DispatchConfig selects and sizes the async dispatch channel.
type DispatchConfig struct {
	Kind          QueueKind    `yaml:"kind"`
	Workers       int          `yaml:"workers"`
	QueueSize     int          `yaml:"queueSize"`
	RatePerSecond float64      `yaml:"ratePerSecond"`
	NATS          NATSConfig   `yaml:"nats"`
	Kafka         KafkaConfig  `yaml:"kafka"`
	Outbox        OutboxConfig `yaml:"outbox"`
}

// SubscriptionsConfig configures the subscription tracker.
type SubscriptionsConfig struct {
	Enabled bool          `yaml:"enabled"`
	Cache   CacheKind     `yaml:"cache"`
	TTL     time.Duration `yaml:"ttl"`
	// BaseURL roots subscription topics; defaults to publisher.baseURL.
	BaseURL    string `yaml:"baseURL"`
	CASRetries uint   `yaml:"casRetries"`
	// RefreshSnapshot defaults to true when omitted.
	RefreshSnapshot *bool `yaml:"refreshSnapshot"`
}

// Refresh reports whether pushes replace the stored snapshot.
func (c SubscriptionsConfig) Refresh() bool {
	return c.RefreshSnapshot == nil || *c.RefreshSnapshot
}

// RedisConfig configures the Redis subscription cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ChangesConfig configures the Postgres change notification source.
type ChangesConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Channel      string        `yaml:"channel"`
	SettleWindow time.Duration `yaml:"settleWindow"`
	MaxBatch     int           `yaml:"maxBatch"`
}

// AdminConfig configures the operator HTTP API. An empty Addr disables it.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	// MigrationsDir overrides the embedded migrations when set.
	MigrationsDir string `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/herald"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified herald configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment          `yaml:"environment"`
	Publisher     PublisherConfig      `yaml:"publisher"`
	Expression    ExpressionConfig     `yaml:"expression"`
	Hubs          map[string]HubConfig `yaml:"hubs"`
	Dispatch      DispatchConfig       `yaml:"dispatch"`
	Subscriptions SubscriptionsConfig  `yaml:"subscriptions"`
	Changes       ChangesConfig        `yaml:"changes"`
	Resources     ResourcesConfig      `yaml:"resources"`
	Redis         RedisConfig          `yaml:"redis"`
	Admin         AdminConfig          `yaml:"admin"`
	Database      DatabaseConfig       `yaml:"database"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
}

// DefaultAppConfig returns a configuration with a single in-process hub and
// synchronous delivery.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Publisher: PublisherConfig{
			Format:      "jsonld",
			IncludeType: false,
			BaseURL:     "http://localhost",
			DefaultHub:  "default",
		},
		Expression: ExpressionConfig{Engine: "goja"},
		Hubs: map[string]HubConfig{
			"default": {Kind: HubMemory, URL: "http://localhost/.well-known/mercure"},
		},
		Dispatch:      DispatchConfig{Kind: QueueNone},
		Subscriptions: SubscriptionsConfig{Enabled: false, Cache: CacheMemory},
		Telemetry:     TelemetryConfig{ServiceName: "herald", EnableMetrics: false},
	}
	if err := cfg.normalise(); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes, normalises and validates a YAML document.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the
// file does not exist. loaded reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (cfg AppConfig, loaded bool, err error) {
	cfg, err = Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return DefaultAppConfig(), false, nil
	}
	return AppConfig{}, false, err
}

// Marshal renders cfg as YAML.
func Marshal(cfg AppConfig) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// SaveAppConfig writes cfg to path atomically.
func SaveAppConfig(path string, cfg AppConfig) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".herald-config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeName(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Publisher.Format = normalizeName(c.Publisher.Format)
	if c.Publisher.Format == "" {
		c.Publisher.Format = "jsonld"
	}
	c.Publisher.BaseURL = strings.TrimRight(strings.TrimSpace(c.Publisher.BaseURL), "/")
	c.Publisher.DefaultHub = normalizeName(c.Publisher.DefaultHub)

	c.Expression.Engine = normalizeName(c.Expression.Engine)
	if c.Expression.Engine == "" {
		c.Expression.Engine = "goja"
	}

	hubs := make(map[string]HubConfig, len(c.Hubs))
	for name, hub := range c.Hubs {
		key := normalizeName(name)
		if key == "" {
			return fmt.Errorf("hub name required")
		}
		if _, exists := hubs[key]; exists {
			return fmt.Errorf("duplicate hub name %q", key)
		}
		hub.Kind = HubKind(normalizeName(string(hub.Kind)))
		if hub.Kind == "" {
			hub.Kind = HubMercure
		}
		hub.URL = strings.TrimSpace(hub.URL)
		hub.PublicURL = strings.TrimSpace(hub.PublicURL)
		hubs[key] = hub
	}
	c.Hubs = hubs
	if c.Publisher.DefaultHub == "" && len(hubs) > 0 {
		names := c.HubNames()
		c.Publisher.DefaultHub = names[0]
		if _, ok := hubs["default"]; ok {
			c.Publisher.DefaultHub = "default"
		}
	}

	c.Dispatch.Kind = QueueKind(normalizeName(string(c.Dispatch.Kind)))
	if c.Dispatch.Kind == "" {
		c.Dispatch.Kind = QueueNone
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = 1024
	}
	brokers := make([]string, 0, len(c.Dispatch.Kafka.Brokers))
	for _, broker := range c.Dispatch.Kafka.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	c.Dispatch.Kafka.Brokers = brokers
	c.Dispatch.NATS.URL = strings.TrimSpace(c.Dispatch.NATS.URL)

	c.Subscriptions.Cache = CacheKind(normalizeName(string(c.Subscriptions.Cache)))
	if c.Subscriptions.Cache == "" {
		c.Subscriptions.Cache = CacheMemory
	}
	if c.Subscriptions.TTL <= 0 {
		c.Subscriptions.TTL = time.Hour
	}
	if c.Subscriptions.CASRetries == 0 {
		c.Subscriptions.CASRetries = 5
	}
	c.Subscriptions.BaseURL = strings.TrimRight(strings.TrimSpace(c.Subscriptions.BaseURL), "/")
	if c.Subscriptions.BaseURL == "" {
		c.Subscriptions.BaseURL = c.Publisher.BaseURL
	}

	c.Changes.Channel = strings.TrimSpace(c.Changes.Channel)
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	c.Admin.Addr = strings.TrimSpace(c.Admin.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "herald"
	}

	if err := c.Resources.normalise(); err != nil {
		return err
	}
	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Publisher.Format {
	case "jsonld", "json":
	default:
		return fmt.Errorf("publisher format must be jsonld or json")
	}
	if err := absoluteURL(c.Publisher.BaseURL); err != nil {
		return fmt.Errorf("publisher baseURL: %w", err)
	}
	switch c.Expression.Engine {
	case "goja", "expr":
	default:
		return fmt.Errorf("expression engine must be goja or expr")
	}

	if len(c.Hubs) == 0 {
		return fmt.Errorf("at least one hub required")
	}
	if _, ok := c.Hubs[c.Publisher.DefaultHub]; !ok {
		return fmt.Errorf("publisher defaultHub %q is not a configured hub", c.Publisher.DefaultHub)
	}
	for _, name := range c.HubNames() {
		if err := c.Hubs[name].validate(); err != nil {
			return fmt.Errorf("hub %s: %w", name, err)
		}
	}

	if err := c.Dispatch.validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	if c.Subscriptions.Enabled {
		switch c.Subscriptions.Cache {
		case CacheMemory, CachePostgres:
		case CacheRedis:
			if c.Redis.Addr == "" {
				return fmt.Errorf("subscriptions: redis addr required for the redis cache")
			}
		default:
			return fmt.Errorf("subscriptions: cache must be memory, redis or postgres")
		}
		if err := absoluteURL(c.Subscriptions.BaseURL); err != nil {
			return fmt.Errorf("subscriptions baseURL: %w", err)
		}
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// UsesDatabase reports whether any configured component needs Postgres.
func (c AppConfig) UsesDatabase() bool {
	return c.Dispatch.Kind == QueueOutbox ||
		(c.Subscriptions.Enabled && c.Subscriptions.Cache == CachePostgres) ||
		c.Changes.Enabled
}

// HubNames returns the configured hub names in sorted order.
func (c AppConfig) HubNames() []string {
	names := make([]string, 0, len(c.Hubs))
	for name := range c.Hubs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the configuration.
func (c AppConfig) Clone() AppConfig {
	out := c
	if c.Hubs != nil {
		out.Hubs = make(map[string]HubConfig, len(c.Hubs))
		for name, hub := range c.Hubs {
			hub.Topics = append([]string(nil), hub.Topics...)
			out.Hubs[name] = hub
		}
	}
	out.Dispatch.Kafka.Brokers = append([]string(nil), c.Dispatch.Kafka.Brokers...)
	if c.Subscriptions.RefreshSnapshot != nil {
		refresh := *c.Subscriptions.RefreshSnapshot
		out.Subscriptions.RefreshSnapshot = &refresh
	}
	out.Resources = c.Resources.Clone()
	return out
}

func (h HubConfig) validate() error {
	switch h.Kind {
	case HubMemory:
		return nil
	case HubMercure:
		if err := absoluteURL(h.URL); err != nil {
			return fmt.Errorf("url: %w", err)
		}
		if h.JWT == "" && h.JWTSecret == "" {
			return fmt.Errorf("jwt or jwtSecret required")
		}
		return nil
	case HubWebsocket:
		parsed, err := url.Parse(h.URL)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			return fmt.Errorf("url must be a ws:// or wss:// URL")
		}
		return nil
	default:
		return fmt.Errorf("kind must be memory, mercure or websocket")
	}
}

func (d DispatchConfig) validate() error {
	switch d.Kind {
	case QueueNone, QueueMemory, QueueOutbox:
	case QueueNATS:
		if d.NATS.URL == "" {
			return fmt.Errorf("nats url required")
		}
	case QueueKafka:
		if len(d.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
	default:
		return fmt.Errorf("kind must be none, memory, outbox, nats or kafka")
	}
	if d.RatePerSecond < 0 {
		return fmt.Errorf("ratePerSecond must be >= 0")
	}
	if d.Outbox.BatchSize < 0 {
		return fmt.Errorf("outbox batchSize must be >= 0")
	}
	return nil
}

func absoluteURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
