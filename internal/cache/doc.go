// Package cache provides a Redis-backed cache shared between authorizer
// replicas.
//
// The authorizer stores raw signing key set documents here so that a fleet
// of replicas downloads each identity provider's keys once per TTL instead
// of once per replica. Operations are retried on connection errors, traced
// with OpenTelemetry and counted in Prometheus.
//
// # Example Usage
//
//	rc, err := cache.NewRedis(ctx, cache.RedisConfig{
//	    URL:       "redis://localhost:6379/0",
//	    KeyPrefix: "authz:jwks:",
//	})
//	if err != nil {
//	    return err
//	}
//	defer rc.Close()
//
//	keys := jwt.NewKeyCache(cfg, jwt.WithSharedStore(cache.NewStore(rc)))
package cache
