package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	_ "github.com/danielgtaylor/huma/v2/formats/cbor" // CBOR format support for huma
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jaevor/go-nanoid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/serroba/edge-guard/internal/cache"
	"github.com/serroba/edge-guard/internal/clock"
	"github.com/serroba/edge-guard/internal/config"
	"github.com/serroba/edge-guard/internal/events"
	eventstore "github.com/serroba/edge-guard/internal/events/store"
	"github.com/serroba/edge-guard/internal/handlers"
	"github.com/serroba/edge-guard/internal/health"
	"github.com/serroba/edge-guard/internal/idempotency"
	"github.com/serroba/edge-guard/internal/keyedstore"
	"github.com/serroba/edge-guard/internal/messaging"
	"github.com/serroba/edge-guard/internal/middleware"
	"github.com/serroba/edge-guard/internal/orders"
	"github.com/serroba/edge-guard/internal/ratelimit"
	"github.com/serroba/edge-guard/internal/store"
	"go.uber.org/zap"
)

// Order store backends.
const (
	OrderStoreMemory = "memory"
	OrderStoreRedis  = "redis"
)

// ErrNoDatabase is returned when Postgres is requested without a database URL.
var ErrNoDatabase = errors.New("database url is not configured")

// ConsumerGroupName is the Redis stream consumer group reading decision events.
const ConsumerGroupName = "edge-guard-decisions"

type Options struct {
	Port        int    `default:"8888"           help:"Port to listen on"                                  short:"p"`
	RedisAddr   string `default:"localhost:6379" help:"Redis server address"                               short:"r"`
	DatabaseURL string `default:""               help:"PostgreSQL URL for decision events, empty to log"   short:"d"`
	LogFormat   string `default:"console"        help:"Log format: json or console"                        short:"l"`
	PolicyFile  string `default:""               help:"Path to the YAML policy file, empty for defaults"   short:"c"`
	OrderStore  string `default:"memory"         help:"Order store: memory or redis"                       short:"o"`
	CodeLength  int    `default:"8"              help:"Length of generated order IDs"                      short:"n"`
	Events      bool   `default:"true"           help:"Publish policy decisions to the Redis event stream" short:"e"`
	EventBuffer int    `default:"1024"           help:"Decision events queued before new ones are dropped" short:"b"`
}

// LoggerPackage provides the application logger.
func LoggerPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*zap.Logger, error) {
		opts := do.MustInvoke[*Options](i)

		if opts.LogFormat == "json" {
			return zap.NewProduction()
		}

		return zap.NewDevelopment()
	})
}

// RedisPackage provides the Redis client.
func RedisPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*redis.Client, error) {
		opts := do.MustInvoke[*Options](i)

		return redis.NewClient(&redis.Options{Addr: opts.RedisAddr}), nil
	})
}

// PostgresPackage provides the connection pool used by the decision sink.
func PostgresPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*pgxpool.Pool, error) {
		opts := do.MustInvoke[*Options](i)

		if opts.DatabaseURL == "" {
			return nil, ErrNoDatabase
		}

		return pgxpool.New(context.Background(), opts.DatabaseURL)
	})
}

// PolicyPackage provides the clock and the validated policy.
func PolicyPackage(i *do.Injector) {
	do.ProvideValue[clock.Clock](i, clock.New())
	do.Provide(i, func(i *do.Injector) (*config.Policy, error) {
		opts := do.MustInvoke[*Options](i)

		return config.Load(opts.PolicyFile)
	})
}

// storeOptions maps the policy's store section to keyed store options.
// Stores refuse new keys when full unless overflow says otherwise.
func storeOptions(policy *config.Policy, overflow keyedstore.Overflow) keyedstore.Options {
	return keyedstore.Options{
		Shards:     policy.Store.Shards,
		MaxEntries: policy.Store.MaxEntries,
		MaxRetries: policy.Store.MaxRetries,
		Overflow:   overflow,
	}
}

func newStore[T any](i *do.Injector) (*keyedstore.Store[T], error) {
	return newStoreWith[T](i, keyedstore.OverflowReject)
}

// newEvictingStore is for state that can be rebuilt, such as cached responses.
func newEvictingStore[T any](i *do.Injector) (*keyedstore.Store[T], error) {
	return newStoreWith[T](i, keyedstore.OverflowEvict)
}

func newStoreWith[T any](i *do.Injector, overflow keyedstore.Overflow) (*keyedstore.Store[T], error) {
	policy := do.MustInvoke[*config.Policy](i)

	s, err := keyedstore.New[T](do.MustInvoke[clock.Clock](i), storeOptions(policy, overflow))
	if err != nil {
		return nil, err
	}

	s.StartJanitor(policy.Store.SweepInterval)

	return s, nil
}

// limiterState owns the limiter and the store it counts in.
type limiterState struct {
	limiter ratelimit.Limiter
	store   interface {
		Len() int
		Shutdown() error
	}
}

func (s *limiterState) Len() int        { return s.store.Len() }
func (s *limiterState) Shutdown() error { return s.store.Shutdown() }

// RateLimitPackage provides the sliding window limiter selected by the policy
// and the policy limiter built on top of it.
func RateLimitPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*limiterState, error) {
		policy := do.MustInvoke[*config.Policy](i)
		clk := do.MustInvoke[clock.Clock](i)

		if policy.RateLimit.Algorithm == config.AlgorithmBucketed {
			s, err := newStore[ratelimit.Ring](i)
			if err != nil {
				return nil, err
			}

			l, err := ratelimit.NewBucketedLimiter(clk, s, policy.RateLimit.BucketCount)
			if err != nil {
				_ = s.Shutdown()

				return nil, err
			}

			return &limiterState{limiter: l, store: s}, nil
		}

		s, err := newStore[ratelimit.Log](i)
		if err != nil {
			return nil, err
		}

		return &limiterState{limiter: ratelimit.NewSlidingWindowLimiter(clk, s), store: s}, nil
	})

	do.Provide(i, func(i *do.Injector) (*ratelimit.PolicyLimiter, error) {
		state := do.MustInvoke[*limiterState](i)
		policy := do.MustInvoke[*config.Policy](i)

		return ratelimit.NewPolicyLimiter(state.limiter, policy.RateLimitPolicy()), nil
	})
}

// IdempotencyPackage provides the idempotency coordinator and its store.
func IdempotencyPackage(i *do.Injector) {
	do.Provide(i, newStore[idempotency.Slot[cache.Payload]])
	do.Provide(i, func(i *do.Injector) (*idempotency.Coordinator[cache.Payload], error) {
		policy := do.MustInvoke[*config.Policy](i)

		return idempotency.New(
			do.MustInvoke[clock.Clock](i),
			do.MustInvoke[*keyedstore.Store[idempotency.Slot[cache.Payload]]](i),
			idempotency.Options{WaitTimeout: policy.Idempotency.WaitTimeout},
			do.MustInvoke[*zap.Logger](i),
		)
	})
}

// CachePackage provides the response cache and its store.
func CachePackage(i *do.Injector) {
	do.Provide(i, newEvictingStore[cache.Entry])
	do.Provide(i, func(i *do.Injector) (*cache.Cache, error) {
		policy := do.MustInvoke[*config.Policy](i)

		return cache.New(
			do.MustInvoke[clock.Clock](i),
			do.MustInvoke[*keyedstore.Store[cache.Entry]](i),
			cache.Options{
				RetainPayload: policy.Cache.RetainPayload,
				Weak:          policy.Cache.Weak,
				Algorithm:     cache.Algorithm(policy.Cache.HashAlgorithm),
			},
		)
	})
}

// RepositoryPackage provides the order repository and service.
func RepositoryPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (orders.Repository, error) {
		opts := do.MustInvoke[*Options](i)

		switch opts.OrderStore {
		case OrderStoreMemory:
			return store.NewMemoryStore(), nil
		case OrderStoreRedis:
			return store.NewRedisStore(do.MustInvoke[*redis.Client](i)), nil
		default:
			return nil, fmt.Errorf("unknown order store %q", opts.OrderStore)
		}
	})

	do.Provide(i, func(i *do.Injector) (*orders.Service, error) {
		opts := do.MustInvoke[*Options](i)

		generate, err := nanoid.Standard(opts.CodeLength)
		if err != nil {
			return nil, err
		}

		return orders.NewService(do.MustInvoke[orders.Repository](i), generate, do.MustInvoke[clock.Clock](i)), nil
	})
}

// PublisherGroupPackage provides the Redis stream publisher and the decision
// recorder on top of it. With events disabled decisions are discarded.
func PublisherGroupPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*messaging.PublisherGroup, error) {
		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client:     do.MustInvoke[*redis.Client](i),
				Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
			},
			messaging.NewZapLogger(do.MustInvoke[*zap.Logger](i)),
		)
		if err != nil {
			return nil, err
		}

		return messaging.NewPublisherGroup(publisher), nil
	})

	do.Provide(i, func(i *do.Injector) (events.Recorder, error) {
		opts := do.MustInvoke[*Options](i)
		if !opts.Events {
			return events.Discard{}, nil
		}

		group := do.MustInvoke[*messaging.PublisherGroup](i)

		return events.NewPublisher(
			group.Publisher(),
			do.MustInvoke[clock.Clock](i),
			do.MustInvoke[*zap.Logger](i),
			events.PublisherOptions{Buffer: opts.EventBuffer},
		), nil
	})
}

// HTTPPackage provides the router and the Huma API with every policy
// middleware and route registered. Middlewares run in the order: request
// metadata, rate limit, idempotency, response cache.
func HTTPPackage(i *do.Injector) {
	do.Provide(i, func(_ *do.Injector) (*chi.Mux, error) {
		return chi.NewMux(), nil
	})

	do.Provide(i, func(i *do.Injector) (huma.API, error) {
		router := do.MustInvoke[*chi.Mux](i)
		policy := do.MustInvoke[*config.Policy](i)
		recorder := do.MustInvoke[events.Recorder](i)
		logger := do.MustInvoke[*zap.Logger](i)

		api := humachi.New(router, huma.DefaultConfig("Edge Guard", "1.0.0"))
		api.UseMiddleware(middleware.RequestMeta(api))

		counters := map[string]health.Counter{}

		if policy.RateLimit.Enabled {
			state := do.MustInvoke[*limiterState](i)
			counters["ratelimit"] = state

			api.UseMiddleware(middleware.PolicyRateLimiter(
				api,
				do.MustInvoke[*ratelimit.PolicyLimiter](i),
				ratelimit.NewOperationScopeResolver(),
				recorder,
				logger,
			))
		}

		if policy.Idempotency.Enabled {
			counters["idempotency"] = do.MustInvoke[*keyedstore.Store[idempotency.Slot[cache.Payload]]](i)

			api.UseMiddleware(middleware.Idempotency(
				api,
				do.MustInvoke[*idempotency.Coordinator[cache.Payload]](i),
				policy.Idempotency,
				recorder,
				logger,
			))
		}

		if policy.Cache.Enabled {
			c := do.MustInvoke[*cache.Cache](i)
			counters["cache"] = c

			api.UseMiddleware(middleware.ResponseCache(api, c, policy.Cache, recorder, logger))
		}

		handlers.RegisterRoutes(api, handlers.NewOrderHandler(do.MustInvoke[*orders.Service](i), logger))
		health.RegisterRoutes(api, health.NewHandler(
			health.NewRedisChecker(do.MustInvoke[*redis.Client](i)),
			counters,
		))

		return api, nil
	})
}

// ConsumerGroupPackage provides the consumer group persisting decision
// events. Events go to Postgres when a database URL is set and to the log
// otherwise.
func ConsumerGroupPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (events.Store, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)

		if opts.DatabaseURL == "" {
			return eventstore.NewNoop(logger), nil
		}

		pg := eventstore.NewPostgres(do.MustInvoke[*pgxpool.Pool](i))
		if err := pg.Migrate(context.Background()); err != nil {
			return nil, err
		}

		return pg, nil
	})

	do.Provide(i, func(i *do.Injector) (*messaging.ConsumerGroup, error) {
		logger := do.MustInvoke[*zap.Logger](i)

		subscriber, err := redisstream.NewSubscriber(
			redisstream.SubscriberConfig{
				Client:        do.MustInvoke[*redis.Client](i),
				Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
				ConsumerGroup: ConsumerGroupName,
			},
			messaging.NewZapLogger(logger),
		)
		if err != nil {
			return nil, err
		}

		group := messaging.NewConsumerGroup(subscriber, logger)
		group.Add(events.NewConsumer(subscriber, do.MustInvoke[events.Store](i), logger))

		return group, nil
	})
}
