package authorizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avauthz/internal/audit"
	"github.com/vyrodovalexey/avauthz/internal/auth/jwt"
	"github.com/vyrodovalexey/avauthz/internal/config"
	"github.com/vyrodovalexey/avauthz/internal/handler"
	"github.com/vyrodovalexey/avauthz/internal/observability"
	"github.com/vyrodovalexey/avauthz/internal/policy"
)

// DefaultDrainDelay is how long a replaced pipeline stays open for requests
// that started before the swap.
const DefaultDrainDelay = 30 * time.Second

// ErrClosed is returned after Close.
var ErrClosed = errors.New("authorizer is closed")

// ReloadObserver is told the result of every reload.
type ReloadObserver func(ok bool)

// Authorizer serves requests from the current pipeline and replaces it on
// reload. A request always runs against one pipeline from start to end.
type Authorizer struct {
	current    atomic.Pointer[Pipeline]
	deps       Deps
	drainDelay time.Duration
	onReload   ReloadObserver

	mu       sync.Mutex
	closed   bool
	retired  map[*Pipeline]*time.Timer
	draining sync.WaitGroup
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithDrainDelay sets how long replaced pipelines stay open.
func WithDrainDelay(d time.Duration) Option {
	return func(a *Authorizer) { a.drainDelay = d }
}

// WithReloadObserver sets a callback run after each reload attempt.
func WithReloadObserver(fn ReloadObserver) Option {
	return func(a *Authorizer) { a.onReload = fn }
}

// New builds the initial pipeline from cfg.
func New(ctx context.Context, cfg *config.Config, deps Deps, opts ...Option) (*Authorizer, error) {
	deps.applyDefaults()
	a := &Authorizer{
		deps:       deps,
		drainDelay: DefaultDrainDelay,
		retired:    make(map[*Pipeline]*time.Timer),
	}
	for _, opt := range opts {
		opt(a)
	}

	p, err := Build(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	a.current.Store(p)
	return a, nil
}

// Pipeline returns the pipeline currently serving requests.
func (a *Authorizer) Pipeline() *Pipeline {
	return a.current.Load()
}

// Handle authorizes req with the current pipeline.
func (a *Authorizer) Handle(ctx context.Context, req *handler.Request) (*policy.Document, error) {
	p := a.current.Load()
	if p == nil {
		return nil, ErrClosed
	}
	return p.Handler().Handle(ctx, req)
}

// Signer returns the current internal token signer, or nil.
func (a *Authorizer) Signer() *jwt.Signer {
	if p := a.current.Load(); p != nil {
		return p.Signer()
	}
	return nil
}

// Ready checks the current pipeline's backends.
func (a *Authorizer) Ready(ctx context.Context) error {
	p := a.current.Load()
	if p == nil {
		return ErrClosed
	}
	return p.Ready(ctx)
}

// Reload builds a pipeline from cfg and swaps it in. On failure the current
// pipeline keeps serving and the error is returned.
func (a *Authorizer) Reload(ctx context.Context, cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	p, err := Build(ctx, cfg, a.deps)
	a.auditReload(ctx, err)
	if a.onReload != nil {
		a.onReload(err == nil)
	}
	if err != nil {
		a.deps.Logger.Error("configuration reload rejected, keeping current pipeline", observability.Error(err))
		return err
	}

	old := a.current.Swap(p)
	a.retire(old)
	a.deps.Logger.Info("authorization pipeline replaced")
	return nil
}

// Close closes the current pipeline and any replaced pipeline still
// draining.
func (a *Authorizer) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	p := a.current.Swap(nil)
	var now []*Pipeline
	for old, t := range a.retired {
		if t.Stop() {
			now = append(now, old)
			delete(a.retired, old)
		}
	}
	a.mu.Unlock()

	errs := make([]error, 0, len(now)+1)
	for _, old := range now {
		errs = append(errs, old.Close())
		a.draining.Done()
	}
	a.draining.Wait()
	if p != nil {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// retire schedules p to close after the drain delay. Callers hold a.mu.
func (a *Authorizer) retire(p *Pipeline) {
	if p == nil {
		return
	}
	a.draining.Add(1)
	a.retired[p] = time.AfterFunc(a.drainDelay, func() {
		defer a.draining.Done()
		a.mu.Lock()
		delete(a.retired, p)
		a.mu.Unlock()
		if err := p.Close(); err != nil {
			a.deps.Logger.Warn("failed to close replaced pipeline", observability.Error(err))
		}
	})
}

func (a *Authorizer) auditReload(ctx context.Context, err error) {
	outcome := audit.OutcomeSuccess
	reason := ""
	if err != nil {
		outcome = audit.OutcomeFailure
		reason = err.Error()
	}
	a.deps.Auditor.LogEvent(ctx, audit.NewEvent(audit.EventTypeConfiguration, audit.ActionConfigReload, outcome).
		WithReason(reason))
}
