package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avauthz/internal/observability"
	"github.com/vyrodovalexey/avauthz/internal/retry"
)

var jwtTracer = otel.Tracer("avauthz/jwt")

// Key cache defaults.
const (
	DefaultKeyCacheTTL        = time.Hour
	DefaultFetchTimeout       = 10 * time.Second
	DefaultMinRefreshInterval = 30 * time.Second
)

// SharedStore holds raw key set documents shared between replicas.
type SharedStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// KeyCacheConfig configures a KeyCache.
type KeyCacheConfig struct {
	// Sources maps each federated issuer to its key set URL.
	Sources map[string]string

	TTL                time.Duration
	FetchTimeout       time.Duration
	MinRefreshInterval time.Duration
	Retry              *retry.Config
}

type keyEntry struct {
	set       jwk.Set
	fetchedAt time.Time
}

// sharedKeySet is the shared store document. It keeps the original download
// time so replicas age the set from when it left the identity provider.
type sharedKeySet struct {
	FetchedAt time.Time       `json:"fetchedAt"`
	JWKS      json.RawMessage `json:"jwks"`
}

// KeyCache caches signing key sets per issuer.
//
// Concurrent callers that find an issuer's entry missing or stale share one
// fetch. The fetch runs under its own timeout, detached from any single
// caller, so a caller giving up does not abort it for the others. A failed
// refresh is never papered over with stale keys.
type KeyCache struct {
	sources     map[string]string
	ttl         time.Duration
	timeout     time.Duration
	minRefresh  time.Duration
	retryConfig *retry.Config

	fetcher      Fetcher
	store        SharedStore
	logger       observability.Logger
	metrics      *Metrics
	retryMetrics *retry.Metrics
	now          func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	entries   map[string]*keyEntry
	limiters  map[string]*rate.Limiter
	skipStore map[string]bool
}

// KeyCacheOption configures a KeyCache.
type KeyCacheOption func(*KeyCache)

// WithFetcher sets how key sets are downloaded.
func WithFetcher(f Fetcher) KeyCacheOption {
	return func(c *KeyCache) { c.fetcher = f }
}

// WithSharedStore sets a store consulted before downloading.
func WithSharedStore(s SharedStore) KeyCacheOption {
	return func(c *KeyCache) { c.store = s }
}

// WithKeyCacheLogger sets the cache logger.
func WithKeyCacheLogger(logger observability.Logger) KeyCacheOption {
	return func(c *KeyCache) { c.logger = logger }
}

// WithKeyCacheMetrics sets the cache metrics.
func WithKeyCacheMetrics(m *Metrics) KeyCacheOption {
	return func(c *KeyCache) { c.metrics = m }
}

// WithRetryMetrics sets the metrics recorded for fetch retries.
func WithRetryMetrics(m *retry.Metrics) KeyCacheOption {
	return func(c *KeyCache) { c.retryMetrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) KeyCacheOption {
	return func(c *KeyCache) { c.now = now }
}

// NewKeyCache creates a KeyCache.
func NewKeyCache(cfg KeyCacheConfig, opts ...KeyCacheOption) *KeyCache {
	c := &KeyCache{
		sources:     make(map[string]string, len(cfg.Sources)),
		ttl:         orDefault(cfg.TTL, DefaultKeyCacheTTL),
		timeout:     orDefault(cfg.FetchTimeout, DefaultFetchTimeout),
		minRefresh:  orDefault(cfg.MinRefreshInterval, DefaultMinRefreshInterval),
		retryConfig: cfg.Retry,
		logger:      observability.NopLogger(),
		now:         time.Now,
		entries:     make(map[string]*keyEntry),
		limiters:    make(map[string]*rate.Limiter),
		skipStore:   make(map[string]bool),
	}
	for issuer, url := range cfg.Sources {
		c.sources[issuer] = url
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = NewHTTPFetcher(WithFetcherLogger(c.logger), WithFetcherMetrics(c.metrics))
	}
	return c
}

// Serves reports whether issuer is a configured federated issuer.
func (c *KeyCache) Serves(issuer string) bool {
	_, ok := c.sources[issuer]
	return ok
}

// Keys returns the key set for issuer, fetching it if the cached copy is
// missing or older than the TTL.
func (c *KeyCache) Keys(ctx context.Context, issuer string) (jwk.Set, error) {
	e, err := c.current(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return e.set, nil
}

// Key returns the key with kid for issuer. A kid absent from the cached set
// forces one refresh, unless a forced refresh already ran for the issuer
// within the last MinRefreshInterval.
func (c *KeyCache) Key(ctx context.Context, issuer, kid string) (jwk.Key, error) {
	e, err := c.current(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if key, ok := lookupKey(e.set, kid); ok {
		return key, nil
	}

	if !c.limiter(issuer).AllowN(c.now(), 1) {
		c.metrics.recordRefreshLimited()
		c.logger.WithContext(ctx).Debug("key refresh skipped, forced refresh ran recently",
			observability.String("issuer", issuer),
			observability.String("kid", kid),
		)
		return nil, fmt.Errorf("%w %q", ErrKeyNotFound, kid)
	}

	c.metrics.recordLookup("kid_miss")
	e, err = c.refresh(ctx, issuer, e, true)
	if err != nil {
		return nil, err
	}
	if key, ok := lookupKey(e.set, kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w %q", ErrKeyNotFound, kid)
}

// Invalidate drops the cached key set for issuer. The next access downloads
// it again without consulting the shared store.
func (c *KeyCache) Invalidate(issuer string) {
	c.mu.Lock()
	delete(c.entries, issuer)
	c.skipStore[issuer] = true
	c.mu.Unlock()
	c.group.Forget(issuer)
}

// FetchedAt returns when issuer's key set was last loaded.
func (c *KeyCache) FetchedAt(issuer string) (time.Time, bool) {
	e := c.entry(issuer)
	if e == nil {
		return time.Time{}, false
	}
	return e.fetchedAt, true
}

func (c *KeyCache) current(ctx context.Context, issuer string) (*keyEntry, error) {
	if !c.Serves(issuer) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, issuer)
	}
	e := c.entry(issuer)
	switch {
	case e == nil:
		c.metrics.recordLookup("miss")
	case c.fresh(e):
		c.metrics.recordLookup("hit")
		return e, nil
	default:
		c.metrics.recordLookup("stale")
	}
	return c.refresh(ctx, issuer, e, false)
}

// refresh loads issuer's key set once for all concurrent callers. seen is
// the entry the caller found; if another flight has replaced it since, that
// result is used instead of fetching again.
func (c *KeyCache) refresh(ctx context.Context, issuer string, seen *keyEntry, force bool) (*keyEntry, error) {
	ch := c.group.DoChan(issuer, func() (interface{}, error) {
		if cur := c.entry(issuer); cur != nil && cur != seen && c.fresh(cur) {
			return cur, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		e, err := c.load(fetchCtx, issuer, force)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[issuer] = e
		c.mu.Unlock()
		return e, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keyEntry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *KeyCache) load(ctx context.Context, issuer string, force bool) (*keyEntry, error) {
	url := c.sources[issuer]
	ctx, span := jwtTracer.Start(ctx, "jwks.load")
	span.SetAttributes(
		attribute.String("jwks.issuer", issuer),
		attribute.Bool("jwks.forced", force),
	)
	defer span.End()

	c.mu.Lock()
	skipStore := force || c.skipStore[issuer]
	delete(c.skipStore, issuer)
	c.mu.Unlock()

	if c.store != nil && !skipStore {
		if data, ok, err := c.store.Get(ctx, issuer); err != nil {
			c.logger.Warn("shared key store read failed",
				observability.String("issuer", issuer),
				observability.Error(err),
			)
		} else if ok {
			if e, ok := c.decodeShared(data); ok {
				c.metrics.recordLookup("shared")
				return e, nil
			}
		}
	}

	start := time.Now()
	var set jwk.Set
	var data []byte
	err := retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
		body, err := c.fetcher.Fetch(ctx, url)
		if err != nil {
			return err
		}
		parsed, err := ParseKeySet(body)
		if err != nil {
			return err
		}
		set, data = parsed, body
		return nil
	}, &retry.Options{
		Operation:   "jwks_fetch",
		ShouldRetry: func(err error) bool { return errors.Is(err, ErrKeyFetch) },
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			c.logger.Warn("retrying key set fetch",
				observability.String("issuer", issuer),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
		Metrics: c.retryMetrics,
	})
	c.metrics.recordFetch(issuer, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "key set fetch failed")
		c.logger.Error("key set fetch failed",
			observability.String("issuer", issuer),
			observability.String("url", url),
			observability.Error(err),
		)
		return nil, err
	}

	fetchedAt := c.now()
	if c.store != nil {
		if err := c.storeShared(ctx, issuer, data, fetchedAt); err != nil {
			c.logger.Warn("shared key store write failed",
				observability.String("issuer", issuer),
				observability.Error(err),
			)
		}
	}

	c.logger.Info("key set refreshed",
		observability.String("issuer", issuer),
		observability.Int("keys", set.Len()),
		observability.Bool("forced", force),
	)
	return &keyEntry{set: set, fetchedAt: fetchedAt}, nil
}

// decodeShared returns the stored set if it is still within the TTL of its
// original download.
func (c *KeyCache) decodeShared(data []byte) (*keyEntry, bool) {
	var doc sharedKeySet
	if err := json.Unmarshal(data, &doc); err != nil || doc.FetchedAt.IsZero() || len(doc.JWKS) == 0 {
		return nil, false
	}
	fetchedAt := doc.FetchedAt
	if now := c.now(); fetchedAt.After(now) {
		fetchedAt = now
	}
	e := &keyEntry{fetchedAt: fetchedAt}
	if !c.fresh(e) {
		return nil, false
	}
	set, err := ParseKeySet(doc.JWKS)
	if err != nil {
		return nil, false
	}
	e.set = set
	return e, true
}

func (c *KeyCache) storeShared(ctx context.Context, issuer string, data []byte, fetchedAt time.Time) error {
	doc, err := json.Marshal(sharedKeySet{FetchedAt: fetchedAt, JWKS: data})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, issuer, doc, c.ttl)
}

func (c *KeyCache) entry(issuer string) *keyEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[issuer]
}

func (c *KeyCache) fresh(e *keyEntry) bool {
	return c.now().Sub(e.fetchedAt) < c.ttl
}

func (c *KeyCache) limiter(issuer string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[issuer]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.minRefresh), 1)
		c.limiters[issuer] = l
	}
	return l
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
