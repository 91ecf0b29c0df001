// Package runtime assembles publishers, hubs, dispatch channels and the
// subscription tracker from an AppConfig.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/app/expression"
	"github.com/coachpo/herald/internal/app/policy"
	"github.com/coachpo/herald/internal/app/publisher"
	"github.com/coachpo/herald/internal/app/serializer"
	"github.com/coachpo/herald/internal/app/subscription"
	"github.com/coachpo/herald/internal/domain/resource"
	"github.com/coachpo/herald/internal/domain/schema"
	"github.com/coachpo/herald/internal/infra/changes"
	"github.com/coachpo/herald/internal/infra/config"
	"github.com/coachpo/herald/internal/infra/dispatch"
	"github.com/coachpo/herald/internal/infra/hub"
	"github.com/coachpo/herald/internal/infra/persistence/migrations"
	"github.com/coachpo/herald/internal/infra/persistence/postgres"
)

const (
	component          = "runtime"
	defaultPrunePeriod = time.Minute
)

// Runner is a background loop started by Run.
type Runner func(ctx context.Context) error

// Option configures Build.
type Option func(*settings)

type settings struct {
	logger   *log.Logger
	relays   bool
	pool     *pgxpool.Pool
	hubs     []hub.Hub
	decoders map[string]changes.Decoder
}

// WithLogger overrides the runtime logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRelays controls whether Run consumes the async dispatch channel.
// Producers that leave delivery to a separate relay process disable it.
func WithRelays(enabled bool) Option {
	return func(s *settings) {
		s.relays = enabled
	}
}

// WithPool reuses an existing connection pool instead of dialling one.
// The runtime does not close a supplied pool.
func WithPool(p *pgxpool.Pool) Option {
	return func(s *settings) {
		s.pool = p
	}
}

// WithHub registers a prebuilt hub, replacing any configured hub of the same name.
func WithHub(h hub.Hub) Option {
	return func(s *settings) {
		if h != nil {
			s.hubs = append(s.hubs, h)
		}
	}
}

// WithChangeDecoder maps a table of the change feed onto a resource type.
func WithChangeDecoder(table string, decoder changes.Decoder) Option {
	return func(s *settings) {
		if decoder != nil {
			s.decoders[table] = decoder
		}
	}
}

// Runtime owns every long-lived component built from the configuration.
type Runtime struct {
	cfg      config.AppConfig
	logger   *log.Logger
	registry *resource.Registry

	hubs       *hub.Registry
	resolver   *policy.Resolver
	serializer *serializer.JSONLD
	queue      dispatch.Queue
	sender     *dispatch.Sender
	tracker    *subscription.Tracker
	source     *changes.NotifySource

	db     *pgxpool.Pool
	ownsDB bool

	runners []Runner
	closers []func(ctx context.Context) error

	closeOnce sync.Once
}

// Build validates cfg, applies its resource policy overrides to registry and
// constructs the configured components. On error everything already built
// is closed.
func Build(ctx context.Context, cfg config.AppConfig, registry *resource.Registry, opts ...Option) (rt *Runtime, err error) {
	if registry == nil {
		return nil, errs.New(component, errs.CodeConfiguration, errs.WithMessage("resource registry required"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errs.Configuration(component, "config", "invalid_config", "invalid configuration", errs.WithCause(err))
	}
	s := settings{
		logger:   log.New(os.Stdout, "runtime ", log.LstdFlags|log.Lmicroseconds),
		relays:   true,
		decoders: make(map[string]changes.Decoder),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	rt = &Runtime{cfg: cfg.Clone(), logger: s.logger, registry: registry, db: s.pool}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
			rt = nil
		}
	}()

	if err = cfg.Resources.Apply(registry); err != nil {
		return rt, errs.Configuration(component, "resources", "invalid_policy", "apply resource policies", errs.WithCause(err))
	}
	if err = rt.openDatabase(ctx); err != nil {
		return rt, err
	}
	if err = rt.buildHubs(s.hubs); err != nil {
		return rt, err
	}

	evaluator, err := expression.New(cfg.Expression.Engine, func(obj any) (string, error) {
		return registry.IRI(obj, resource.AbsURL)
	})
	if err != nil {
		return rt, err
	}
	rt.resolver = policy.NewResolver(evaluator, registry)
	rt.serializer = serializer.New(registry)

	if err = rt.buildDispatch(s.relays); err != nil {
		return rt, err
	}
	if cfg.Subscriptions.Enabled {
		if err = rt.buildTracker(ctx); err != nil {
			return rt, err
		}
	}
	if cfg.Changes.Enabled {
		if err = rt.buildChangeSource(ctx, s.decoders); err != nil {
			return rt, err
		}
	}

	// Surface bad policies at startup rather than on the first flush.
	check, err := rt.NewPublisher()
	if err != nil {
		return rt, err
	}
	if err = check.Validate(); err != nil {
		return rt, err
	}
	return rt, nil
}

func (rt *Runtime) openDatabase(ctx context.Context) error {
	if !rt.cfg.UsesDatabase() {
		return nil
	}
	db := rt.cfg.Database
	if db.RunMigrations {
		if err := migrations.Apply(ctx, db.DSN, db.MigrationsDir, rt.logger); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	if rt.db != nil {
		return nil
	}
	conn, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:               db.DSN,
		MaxConns:          db.MaxConns,
		MinConns:          db.MinConns,
		MaxConnLifetime:   db.MaxConnLifetime,
		MaxConnIdleTime:   db.MaxConnIdleTime,
		HealthCheckPeriod: db.HealthCheckPeriod,
	}, "herald")
	if err != nil {
		return err
	}
	rt.db = conn
	rt.ownsDB = true
	return nil
}

func (rt *Runtime) buildHubs(prebuilt []hub.Hub) error {
	rt.hubs = hub.NewRegistry()
	rt.closers = append(rt.closers, func(context.Context) error { return rt.hubs.Close() })

	overridden := make(map[string]bool, len(prebuilt))
	for _, h := range prebuilt {
		overridden[strings.ToLower(strings.TrimSpace(h.Name()))] = true
	}
	for _, name := range rt.cfg.HubNames() {
		if overridden[name] {
			continue
		}
		h, err := newHub(name, rt.cfg.Hubs[name], rt.logger)
		if err != nil {
			return err
		}
		rt.hubs.Register(h)
	}
	for _, h := range prebuilt {
		rt.hubs.Register(h)
	}
	return rt.hubs.SetDefault(rt.cfg.Publisher.DefaultHub)
}

func newHub(name string, cfg config.HubConfig, logger *log.Logger) (hub.Hub, error) {
	switch cfg.Kind {
	case config.HubMemory:
		return hub.NewMemoryHub(hub.MemoryConfig{
			Name:       name,
			URL:        cfg.URL,
			BufferSize: cfg.BufferSize,
			Logger:     logger,
		}), nil
	case config.HubMercure:
		return hub.NewMercureHub(hub.MercureConfig{
			Name:          name,
			URL:           cfg.URL,
			PublicURL:     cfg.PublicURL,
			JWT:           cfg.JWT,
			JWTSecret:     cfg.JWTSecret,
			JWTTTL:        cfg.JWTTTL,
			PublishTopics: cfg.Topics,
		})
	case config.HubWebsocket:
		return hub.NewWebsocketHub(hub.WebsocketConfig{
			Name:         name,
			URL:          cfg.URL,
			PublicURL:    cfg.PublicURL,
			DialAttempts: cfg.DialAttempts,
			WriteTimeout: cfg.WriteTimeout,
			Logger:       logger,
		})
	default:
		return nil, errs.Configuration(component, name, "unknown_hub_kind", "unknown hub kind "+string(cfg.Kind))
	}
}

func (rt *Runtime) addRunner(name string, run Runner) {
	rt.runners = append(rt.runners, func(ctx context.Context) error {
		rt.logger.Printf("%s started", name)
		err := run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		rt.logger.Printf("%s stopped", name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// Config returns the configuration the runtime was built from.
func (rt *Runtime) Config() config.AppConfig { return rt.cfg.Clone() }

// Hubs returns the hub registry.
func (rt *Runtime) Hubs() *hub.Registry { return rt.hubs }

// Sender returns the delivery front shared by the publisher and the tracker.
func (rt *Runtime) Sender() *dispatch.Sender { return rt.sender }

// Tracker returns the subscription tracker, or nil when subscriptions are disabled.
func (rt *Runtime) Tracker() *subscription.Tracker { return rt.tracker }

// ChangeSource returns the Postgres change source, or nil when disabled.
func (rt *Runtime) ChangeSource() *changes.NotifySource { return rt.source }

// NewPublisher returns a publisher for one transaction. With subscriptions
// enabled it forwards flushed objects to the tracker's background loop.
func (rt *Runtime) NewPublisher() (*publisher.Publisher, error) {
	if rt.tracker == nil {
		return rt.newPublisher(nil)
	}
	return rt.newPublisher(rt.tracker)
}

func (rt *Runtime) newPublisher(tracker publisher.Tracker) (*publisher.Publisher, error) {
	opts := []publisher.Option{
		publisher.WithLogger(rt.logger),
		publisher.WithFormat(rt.cfg.Publisher.Format),
		publisher.WithIncludeType(rt.cfg.Publisher.IncludeType),
	}
	if tracker != nil {
		opts = append(opts, publisher.WithTracker(tracker))
	}
	return publisher.New(rt.registry, rt.resolver, rt.serializer, rt.sender, opts...)
}

// newBatchPublisher returns a publisher whose flushed objects go to a batch
// private to the caller, or a nil batch when subscriptions are disabled.
func (rt *Runtime) newBatchPublisher() (*publisher.Publisher, *subscription.Batch, error) {
	if rt.tracker == nil {
		pub, err := rt.newPublisher(nil)
		return pub, nil, err
	}
	batch := rt.tracker.NewBatch()
	pub, err := rt.newPublisher(batch)
	return pub, batch, err
}

// NewUnitOfWork opens a unit of work on a fresh publisher. With subscriptions
// enabled Commit also pushes the subscription diffs of exactly the objects it
// flushed and returns their push errors.
func (rt *Runtime) NewUnitOfWork() (*changes.UnitOfWork, error) {
	pub, batch, err := rt.newBatchPublisher()
	if err != nil {
		return nil, err
	}
	var opts []changes.UnitOption
	if batch != nil {
		opts = append(opts, changes.WithPusher(batch))
	}
	return changes.NewUnitOfWork(pub, opts...), nil
}

// PublishChanges publishes one change set on a fresh publisher and pushes
// the subscription diffs it caused.
func (rt *Runtime) PublishChanges(ctx context.Context, set schema.ChangeSet) error {
	pub, batch, err := rt.newBatchPublisher()
	if err != nil {
		return err
	}
	if err := pub.CollectSet(ctx, set); err != nil {
		pub.Reset()
		return err
	}
	if err := pub.Flush(ctx); err != nil {
		return err
	}
	if batch != nil {
		if err := batch.DrainAndPush(ctx); err != nil {
			return fmt.Errorf("push subscriptions: %w", err)
		}
	}
	return nil
}

// Run starts the background loops and blocks until ctx is cancelled or one
// of them fails.
func (rt *Runtime) Run(ctx context.Context) error {
	if len(rt.runners) == 0 {
		<-ctx.Done()
		return nil
	}
	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	for _, run := range rt.runners {
		p.Go(run)
	}
	return p.Wait()
}

// Close releases every component in reverse construction order.
func (rt *Runtime) Close(ctx context.Context) error {
	var closeErr error
	rt.closeOnce.Do(func() {
		var failures []error
		for i := len(rt.closers) - 1; i >= 0; i-- {
			if err := rt.closers[i](ctx); err != nil {
				failures = append(failures, err)
			}
		}
		if rt.ownsDB && rt.db != nil {
			rt.db.Close()
		}
		closeErr = errors.Join(failures...)
	})
	return closeErr
}
