package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avauthz/internal/observability"
	"github.com/vyrodovalexey/avauthz/internal/retry"
)

const (
	cacheTracerName   = "avauthz/cache"
	defaultKeyPrefix  = "authz:"
	defaultRedisTTL   = time.Hour
	redisPingTimeout  = 5 * time.Second
	maxTTLJitterRatio = 1.0
)

// RedisConfig configures a Redis cache.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string
	// Password overrides any password in URL.
	Password   string
	KeyPrefix  string
	DefaultTTL time.Duration
	// TTLJitter spreads expiries by up to this fraction of the TTL.
	TTLJitter float64
	// HashKeys stores keys as SHA-256 digests.
	HashKeys bool
	Retry    *retry.Config
}

// RedisCache is a Cache backed by Redis.
type RedisCache struct {
	client       *redis.Client
	keyPrefix    string
	defaultTTL   time.Duration
	ttlJitter    float64
	hashKeys     bool
	retryConfig  *retry.Config
	logger       observability.Logger
	metrics      *Metrics
	retryMetrics *retry.Metrics
}

// Option configures a RedisCache.
type Option func(*RedisCache)

// WithLogger sets the cache logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *RedisCache) { c.logger = logger }
}

// WithMetrics sets the cache metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *RedisCache) { c.metrics = m }
}

// WithRetryMetrics sets the metrics recorded for retried operations.
func WithRetryMetrics(m *retry.Metrics) Option {
	return func(c *RedisCache) { c.retryMetrics = m }
}

// defaultRedisRetry returns the retry configuration for Redis operations.
func defaultRedisRetry() *retry.Config {
	return &retry.Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFactor:   retry.DefaultJitterFactor,
	}
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisCache, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: redis url is required", ErrInvalidConfig)
	}
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Password != "" {
		redisOpts.Password = cfg.Password
	}

	c := &RedisCache{
		client:      redis.NewClient(redisOpts),
		keyPrefix:   cfg.KeyPrefix,
		defaultTTL:  cfg.DefaultTTL,
		ttlJitter:   cfg.TTLJitter,
		hashKeys:    cfg.HashKeys,
		retryConfig: cfg.Retry,
		logger:      observability.NopLogger(),
	}
	if c.keyPrefix == "" {
		c.keyPrefix = defaultKeyPrefix
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = defaultRedisTTL
	}
	if c.retryConfig == nil {
		c.retryConfig = defaultRedisRetry()
	}
	for _, opt := range opts {
		opt(c)
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := c.client.Ping(pingCtx).Err(); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.logger.Info("redis cache initialized",
		observability.String("keyPrefix", c.keyPrefix),
		observability.Duration("defaultTTL", c.defaultTTL),
		observability.Float64("ttlJitter", c.ttlJitter),
		observability.Bool("hashKeys", c.hashKeys),
	)
	return c, nil
}

// isRetryableRedisError reports whether err looks like a transient
// connection failure.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, redis.Nil) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// applyTTLJitter varies ttl by up to ±jitterFactor.
func applyTTLJitter(ttl time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || ttl <= 0 {
		return ttl
	}
	if jitterFactor > maxTTLJitterRatio {
		jitterFactor = maxTTLJitterRatio
	}
	//nolint:gosec // G404: TTL jitter does not need cryptographic randomness
	jitter := time.Duration(float64(ttl) * jitterFactor * (2*rand.Float64() - 1))
	if result := ttl + jitter; result > 0 {
		return result
	}
	return ttl
}

func (c *RedisCache) resolveKey(key string) string {
	if c.hashKeys {
		return c.keyPrefix + HashKey(key)
	}
	return c.keyPrefix + key
}

func (c *RedisCache) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return otel.Tracer(cacheTracerName).Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
}

func (c *RedisCache) do(ctx context.Context, op, key string, fn retry.RetryableFunc) error {
	return retry.Do(ctx, c.retryConfig, fn, &retry.Options{
		Operation:   "redis_" + op,
		ShouldRetry: isRetryableRedisError,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			c.logger.Debug("retrying redis "+op,
				observability.String("key", key),
				observability.Int("attempt", attempt),
				observability.Error(err),
			)
		},
		Metrics: c.retryMetrics,
	})
}

func (c *RedisCache) fail(span trace.Span, op, key string, err error) {
	c.metrics.failed(op)
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	c.logger.Error("redis "+op+" failed",
		observability.String("key", key),
		observability.Error(err),
	)
}

// Get retrieves a value. A missing key returns ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := c.startSpan(ctx, "Get", key)
	defer span.End()
	start := time.Now()
	defer func() { c.metrics.observe("get", time.Since(start)) }()

	fullKey := c.resolveKey(key)
	var result []byte
	err := c.do(ctx, "get", key, func(ctx context.Context) error {
		val, err := c.client.Get(ctx, fullKey).Bytes()
		if err != nil {
			return err
		}
		result = val
		return nil
	})

	switch {
	case err == nil:
		c.metrics.hit()
		span.SetAttributes(attribute.Bool("cache.hit", true), attribute.Int("cache.value_size", len(result)))
		return result, nil
	case errors.Is(err, redis.Nil):
		c.metrics.miss()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	default:
		c.fail(span, "get", key, err)
		return nil, err
	}
}

// Set stores a value. A zero ttl uses the default; jitter is applied on top.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := c.startSpan(ctx, "Set", key)
	defer span.End()
	start := time.Now()
	defer func() { c.metrics.observe("set", time.Since(start)) }()

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	ttl = applyTTLJitter(ttl, c.ttlJitter)
	span.SetAttributes(attribute.Int("cache.value_size", len(value)))

	fullKey := c.resolveKey(key)
	err := c.do(ctx, "set", key, func(ctx context.Context) error {
		return c.client.Set(ctx, fullKey, value, ttl).Err()
	})
	if err != nil {
		c.fail(span, "set", key, err)
		return err
	}
	c.logger.Debug("cache set",
		observability.String("key", key),
		observability.Duration("ttl", ttl),
		observability.Int("size", len(value)),
	)
	return nil
}

// Delete removes a value.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, span := c.startSpan(ctx, "Delete", key)
	defer span.End()
	start := time.Now()
	defer func() { c.metrics.observe("delete", time.Since(start)) }()

	fullKey := c.resolveKey(key)
	err := c.do(ctx, "delete", key, func(ctx context.Context) error {
		return c.client.Del(ctx, fullKey).Err()
	})
	if err != nil {
		c.fail(span, "delete", key, err)
		return err
	}
	return nil
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	c.logger.Info("redis cache closing")
	return c.client.Close()
}
