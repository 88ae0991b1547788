// Package retry provides bounded exponential backoff for calls to external
// services such as identity providers and secret stores.
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return fetch(ctx)
//	}, &retry.Options{Operation: "jwks_fetch"})
//
// Wrap an error with Permanent to stop retrying immediately.
package retry
