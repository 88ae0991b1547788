package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	DefaultMaxRetries     = 1
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultJitterFactor   = 0.25
	MaxJitterFactor       = 1.0
)

// Config contains retry configuration parameters.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration `yaml:"initialBackoff,omitempty" json:"initialBackoff,omitempty"`

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration `yaml:"maxBackoff,omitempty" json:"maxBackoff,omitempty"`

	// JitterFactor adds up to this fraction of the backoff as random jitter.
	JitterFactor float64 `yaml:"jitterFactor,omitempty" json:"jitterFactor,omitempty"`
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// GetMaxRetries returns the effective max retries.
func (c *Config) GetMaxRetries() int {
	if c == nil || c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// GetInitialBackoff returns the effective initial backoff.
func (c *Config) GetInitialBackoff() time.Duration {
	if c == nil || c.InitialBackoff <= 0 {
		return DefaultInitialBackoff
	}
	return c.InitialBackoff
}

// GetMaxBackoff returns the effective max backoff.
func (c *Config) GetMaxBackoff() time.Duration {
	if c == nil || c.MaxBackoff <= 0 {
		return DefaultMaxBackoff
	}
	return c.MaxBackoff
}

// GetJitterFactor returns the effective jitter factor.
func (c *Config) GetJitterFactor() float64 {
	if c == nil || c.JitterFactor <= 0 {
		return DefaultJitterFactor
	}
	return math.Min(c.JitterFactor, MaxJitterFactor)
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Options contains optional retry behavior configuration.
type Options struct {
	// Operation labels metrics and is required when Metrics is set.
	Operation string

	// ShouldRetry decides whether an error is retried. Nil retries every
	// error that is not marked Permanent.
	ShouldRetry func(error) bool

	// OnRetry is called before each retry wait.
	OnRetry func(attempt int, err error, backoff time.Duration)

	// Metrics records attempts and outcomes when set.
	Metrics *Metrics
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done.
func Do(ctx context.Context, cfg *Config, fn RetryableFunc, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}

	maxRetries := cfg.GetMaxRetries()
	initial := cfg.GetInitialBackoff()
	maxBackoff := cfg.GetMaxBackoff()
	jitter := cfg.GetJitterFactor()
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			opts.Metrics.observe(opts.Operation, attempt, true, time.Since(start))
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			opts.Metrics.observe(opts.Operation, attempt, false, time.Since(start))
			return perm.err
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			opts.Metrics.observe(opts.Operation, attempt, false, time.Since(start))
			return lastErr
		}

		if attempt == maxRetries {
			break
		}

		backoff := CalculateBackoff(attempt, initial, maxBackoff, jitter)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, lastErr, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	opts.Metrics.observe(opts.Operation, maxRetries, false, time.Since(start))
	return lastErr
}

// CalculateBackoff returns the exponential backoff for attempt, with jitter,
// capped at maxBackoff.
func CalculateBackoff(attempt int, initial, maxBackoff time.Duration, jitterFactor float64) time.Duration {
	backoff := float64(initial) * math.Pow(2, float64(attempt))

	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	backoff += backoff * jitterFactor * rand.Float64()

	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}
