package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/app/subscription"
	"github.com/coachpo/herald/internal/domain/subscriptionstore"
	"github.com/coachpo/herald/internal/infra/cache/memory"
	"github.com/coachpo/herald/internal/infra/cache/redis"
	"github.com/coachpo/herald/internal/infra/changes"
	"github.com/coachpo/herald/internal/infra/config"
	"github.com/coachpo/herald/internal/infra/dispatch"
	"github.com/coachpo/herald/internal/infra/persistence/postgres"
)

func (rt *Runtime) buildDispatch(relays bool) error {
	d := rt.cfg.Dispatch
	deliverer := dispatch.NewHubDeliverer(rt.hubs)

	switch d.Kind {
	case config.QueueNone:
	case config.QueueMemory:
		queue, err := dispatch.NewMemoryQueue(deliverer, dispatch.MemoryConfig{
			Workers:       d.Workers,
			QueueSize:     d.QueueSize,
			RatePerSecond: d.RatePerSecond,
			Logger:        rt.logger,
		})
		if err != nil {
			return err
		}
		rt.queue = queue
		rt.closers = append(rt.closers, queue.Shutdown)
	case config.QueueOutbox:
		store := postgres.NewOutboxStore(rt.db,
			postgres.WithClaimLease(d.Outbox.ClaimLease),
			postgres.WithRetryInterval(d.Outbox.RetryInterval))
		queue, err := dispatch.NewOutboxQueue(store)
		if err != nil {
			return err
		}
		rt.queue = queue
		if relays {
			opts := []dispatch.RelayOption{
				dispatch.WithRelayLogger(rt.logger),
				dispatch.WithReplayInterval(d.Outbox.ReplayInterval),
				dispatch.WithReplayBatchSize(d.Outbox.BatchSize),
				dispatch.WithRelayRateLimit(d.RatePerSecond),
			}
			if d.Outbox.Retention > 0 {
				opts = append(opts, dispatch.WithRetention(d.Outbox.Retention))
			}
			relay, err := dispatch.NewOutboxRelay(store, deliverer, opts...)
			if err != nil {
				return err
			}
			rt.addRunner("outbox relay", relay.Run)
		}
	case config.QueueNATS:
		natsCfg := dispatch.NATSConfig{
			URL:     d.NATS.URL,
			Subject: d.NATS.Subject,
			Group:   d.NATS.Group,
			Logger:  rt.logger,
		}
		conn, err := dispatch.DialNATS(natsCfg)
		if err != nil {
			return errs.New(component, errs.CodeTransport, errs.WithMessage("dial nats"), errs.WithCause(err))
		}
		queue, err := dispatch.NewNATSQueue(conn, natsCfg, true)
		if err != nil {
			conn.Close()
			return err
		}
		rt.queue = queue
		rt.closers = append(rt.closers, func(context.Context) error { return queue.Close() })
		if relays {
			relay, err := dispatch.NewNATSRelay(conn, deliverer, natsCfg)
			if err != nil {
				return err
			}
			rt.addRunner("nats relay", relay.Run)
		}
	case config.QueueKafka:
		kafkaCfg := dispatch.KafkaConfig{
			Brokers:  d.Kafka.Brokers,
			Topic:    d.Kafka.Topic,
			GroupID:  d.Kafka.GroupID,
			Attempts: d.Kafka.Attempts,
			Logger:   rt.logger,
		}
		writer, err := dispatch.NewKafkaWriter(kafkaCfg)
		if err != nil {
			return err
		}
		queue, err := dispatch.NewKafkaQueue(writer)
		if err != nil {
			_ = writer.Close()
			return err
		}
		rt.queue = queue
		rt.closers = append(rt.closers, func(context.Context) error { return queue.Close() })
		if relays {
			reader, err := dispatch.NewKafkaReader(kafkaCfg)
			if err != nil {
				return err
			}
			relay, err := dispatch.NewKafkaRelay(reader, deliverer, kafkaCfg)
			if err != nil {
				_ = reader.Close()
				return err
			}
			rt.addRunner("kafka relay", relay.Run)
		}
	default:
		return errs.Configuration(component, "dispatch", "unknown_queue_kind", "unknown dispatch kind "+string(d.Kind))
	}

	rt.sender = dispatch.NewSender(rt.hubs, rt.queue)
	return nil
}

func (rt *Runtime) buildTracker(ctx context.Context) error {
	subs := rt.cfg.Subscriptions
	store, err := rt.subscriptionStore(ctx, subs)
	if err != nil {
		return err
	}

	defaultHub, err := rt.hubs.Hub("")
	if err != nil {
		return err
	}
	tracker, err := subscription.NewTracker(
		store,
		rt.registry,
		rt.resolver,
		subscription.NewSerializerProjector(rt.serializer),
		subscription.NewIRIGenerator(subs.BaseURL, defaultHub.URL()),
		rt.sender,
		subscription.WithLogger(rt.logger),
		subscription.WithRefreshSnapshot(subs.Refresh()),
		subscription.WithCASAttempts(subs.CASRetries),
		subscription.WithTTL(subs.TTL),
	)
	if err != nil {
		return err
	}
	rt.tracker = tracker
	rt.addRunner("subscription tracker", tracker.Run)
	return nil
}

func (rt *Runtime) subscriptionStore(ctx context.Context, subs config.SubscriptionsConfig) (subscriptionstore.Store, error) {
	switch subs.Cache {
	case config.CacheMemory:
		store := memory.NewStore(memory.WithTTL(subs.TTL))
		rt.closers = append(rt.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		return store, nil
	case config.CacheRedis:
		r := rt.cfg.Redis
		opts := []redis.Option{redis.WithTTL(subs.TTL)}
		if r.Prefix != "" {
			opts = append(opts, redis.WithPrefix(r.Prefix))
		}
		store, err := redis.Dial(ctx, r.Addr, r.Password, r.DB, opts...)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })
		return store, nil
	case config.CachePostgres:
		store := postgres.NewSubscriptionStore(rt.db, subs.TTL)
		rt.addRunner("subscription pruner", func(ctx context.Context) error {
			return prune(ctx, store, defaultPrunePeriod, rt.logger.Printf)
		})
		return store, nil
	default:
		return nil, errs.Configuration(component, "subscriptions", "unknown_cache_kind", "unknown cache kind "+string(subs.Cache))
	}
}

type expiredPruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

func prune(ctx context.Context, store expiredPruner, every time.Duration, logf func(string, ...any)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := store.PruneExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logf("prune expired subscriptions: %v", err)
				continue
			}
			if removed > 0 {
				logf("pruned %d expired subscription entries", removed)
			}
		}
	}
}

func (rt *Runtime) buildChangeSource(ctx context.Context, decoders map[string]changes.Decoder) error {
	if len(decoders) == 0 {
		return errs.Configuration(component, "changes", "no_decoders", "change feed enabled without table decoders")
	}
	pooled, err := rt.db.Acquire(ctx)
	if err != nil {
		return errs.New(component, errs.CodeTransport, errs.WithMessage("acquire listen connection"), errs.WithCause(err))
	}
	// LISTEN state must not leak back into the pool.
	conn := pooled.Hijack()
	rt.closers = append(rt.closers, func(ctx context.Context) error {
		if err := conn.Close(ctx); err != nil {
			return fmt.Errorf("close listen connection: %w", err)
		}
		return nil
	})

	source := changes.NewNotifySource(conn,
		changes.WithChannel(rt.cfg.Changes.Channel),
		changes.WithSettleWindow(rt.cfg.Changes.SettleWindow),
		changes.WithMaxBatch(rt.cfg.Changes.MaxBatch),
		changes.WithSourceLogger(rt.logger))
	for table, decoder := range decoders {
		source.Register(table, decoder)
	}
	if err := source.Listen(ctx); err != nil {
		return err
	}
	rt.source = source
	rt.addRunner("change feed", func(ctx context.Context) error {
		return source.Run(ctx, rt.PublishChanges)
	})
	return nil
}
