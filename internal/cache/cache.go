package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrConnectionFailed indicates that the cache connection failed.
	ErrConnectionFailed = errors.New("cache connection failed")
)

// Cache stores opaque values under string keys.
type Cache interface {
	// Get retrieves a value. Returns ErrCacheMiss if the key is not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. Zero uses the cache default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying connection.
	Close() error
}

// Store adapts a Cache to lookups that report a miss through ok instead of
// an error. It satisfies the signing key cache's shared store.
type Store struct {
	cache Cache
}

// NewStore wraps c.
func NewStore(c Cache) *Store {
	return &Store{cache: c}
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.cache.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores value under key for ttl.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.cache.Set(ctx, key, value, ttl)
}

// HashKey returns the hex SHA-256 digest of key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
