package jwt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// maxKeySetBytes bounds the size of a downloaded key set document.
const maxKeySetBytes = 1 << 20

// Fetcher downloads a key set document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher downloads key sets over HTTP, optionally behind a circuit
// breaker so an unreachable identity provider is not hammered.
type HTTPFetcher struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics *Metrics
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithFetcherLogger sets the fetcher logger.
func WithFetcherLogger(logger observability.Logger) FetcherOption {
	return func(f *HTTPFetcher) { f.logger = logger }
}

// WithFetcherMetrics sets the fetcher metrics.
func WithFetcherMetrics(m *Metrics) FetcherOption {
	return func(f *HTTPFetcher) { f.metrics = m }
}

// WithCircuitBreaker opens the breaker after threshold consecutive failures
// and keeps it open for openTimeout.
func WithCircuitBreaker(threshold uint32, openTimeout time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		if threshold == 0 {
			threshold = 1
		}
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "jwks",
			MaxRequests: 1,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				f.logger.Warn("circuit breaker state change",
					observability.String("name", name),
					observability.String("from", from.String()),
					observability.String("to", to.String()),
				)
				f.metrics.setBreakerState(name, float64(to))
			},
		})
	}
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the document at url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.breaker == nil {
		return f.fetch(ctx, url)
	}
	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetch(ctx, url)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &FetchError{URL: url, Cause: err}
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, &FetchError{URL: url, Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	observability.InjectTraceContext(ctx, req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes+1))
	if err != nil {
		return nil, &FetchError{URL: url, Cause: err}
	}
	if len(body) > maxKeySetBytes {
		return nil, &FetchError{URL: url, Cause: errors.New("key set document too large")}
	}
	return body, nil
}

// ParseKeySet parses a JWKS document. A document without keys is rejected.
func ParseKeySet(data []byte) (jwk.Set, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed key set: %v", ErrKeyFetch, err)
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("%w: key set is empty", ErrKeyFetch)
	}
	return set, nil
}

// lookupKey returns the key for kid. A token without kid is accepted only
// when the set holds exactly one key.
func lookupKey(set jwk.Set, kid string) (jwk.Key, bool) {
	if kid != "" {
		return set.LookupKeyID(kid)
	}
	if set.Len() == 1 {
		return set.Key(0)
	}
	return nil, false
}
