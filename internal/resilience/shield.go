package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"quote_scanner/internal/clock"
	"quote_scanner/internal/domain"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/timeout"
)

// ErrTimeout is returned when a guarded call exceeds the time limit.
var ErrTimeout = fmt.Errorf("call timed out: %w", context.DeadlineExceeded)

// Config assembles a Shield
type Config struct {
	Breaker BreakerConfig
	Retry   RetryConfig
	Timeout time.Duration
}

// DefaultConfig returns production settings with a ten second time limit.
func DefaultConfig() Config {
	return Config{
		Breaker: DefaultBreakerConfig(),
		Retry:   DefaultRetryConfig(),
		Timeout: 10 * time.Second,
	}
}

// Shield combines retry, circuit breaker and time limit. Each attempt takes a
// breaker permit, so an open circuit ends the retry loop immediately. A
// failed call never escapes: the fallback handles it.
type Shield struct {
	name    string
	breaker *Breaker
	retry   *Retry
	limit   timeout.Timeout[any]
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	onFail  func(op string, err error)

	calls     atomic.Uint64
	succeeded atomic.Uint64
	fallbacks atomic.Uint64
	timeouts  atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
}

// NewShield creates a shield named name.
func NewShield(name string, cfg Config, c clock.Clock) *Shield {
	if c == nil {
		c = clock.Real()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Shield{
		name:    name,
		breaker: NewBreaker(name, cfg.Breaker, c),
		retry:   NewRetry(cfg.Retry),
		limit:   timeout.With[any](cfg.Timeout),
		timeout: cfg.Timeout,
		clock:   c,
		logger:  slog.Default().With("module", "shield", "shield", name),
	}
}

// Name returns the shield name.
func (s *Shield) Name() string { return s.name }

// Breaker exposes the underlying circuit breaker.
func (s *Shield) Breaker() *Breaker { return s.breaker }

// OnFailure registers a hook called before every fallback. Set it before
// the shield is used.
func (s *Shield) OnFailure(fn func(op string, err error)) { s.onFail = fn }

// Execute runs fn under the shield. When every attempt fails, the circuit is
// open or the context ends, fallback receives the final error. Execute
// reports whether fn succeeded.
func (s *Shield) Execute(ctx context.Context, op string, fn func(context.Context) error, fallback func(error)) bool {
	s.calls.Add(1)
	_, err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.attempt(ctx, fn)
	})
	if err == nil {
		s.succeeded.Add(1)
		return true
	}

	s.fallbacks.Add(1)
	switch {
	case errors.Is(err, domain.ErrCallNotPermitted):
		s.rejected.Add(1)
		s.logger.Debug("Call not permitted, using fallback", slog.String("op", op))
	case errors.Is(err, ErrTimeout):
		s.logger.Warn("Call timed out, using fallback", slog.String("op", op), slog.Duration("timeout", s.timeout))
	default:
		s.logger.Warn("Call failed, using fallback", slog.String("op", op), slog.Any("error", err))
	}
	if s.onFail != nil {
		s.onFail(op, err)
	}
	if fallback != nil {
		s.safeFallback(op, fallback, err)
	}
	return false
}

func (s *Shield) safeFallback(op string, fallback func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error("Fallback panicked", slog.String("op", op), slog.Any("panic", r))
		}
	}()
	fallback(err)
}

// attempt runs one permitted call with the time limit.
func (s *Shield) attempt(ctx context.Context, fn func(context.Context) error) error {
	if err := s.breaker.Acquire(); err != nil {
		return err
	}

	start := s.clock.Now()
	err := s.limited(ctx, fn)
	s.breaker.Record(s.clock.Now().Sub(start), err)
	return err
}

// limited runs fn under the time limit. A call that ignores its context is
// abandoned once the limit passes.
func (s *Shield) limited(ctx context.Context, fn func(context.Context) error) error {
	err := failsafe.NewExecutor[any](s.limit).
		WithContext(ctx).
		RunWithExecution(func(exec failsafe.Execution[any]) error {
			return s.guard(exec.Context(), fn)
		})
	if errors.Is(err, timeout.ErrExceeded) {
		s.timeouts.Add(1)
		return ErrTimeout
	}
	return err
}

func (s *Shield) guard(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				done <- fmt.Errorf("guarded call panicked: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn under s and returns its value, or fallback's value on failure.
func Call[T any](ctx context.Context, s *Shield, op string, fn func(context.Context) (T, error), fallback func(error) T) T {
	var out T
	s.Execute(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, func(err error) {
		if fallback != nil {
			out = fallback(err)
		}
	})
	return out
}

// ShieldStats is a point-in-time view of a shield.
type ShieldStats struct {
	Name      string  `json:"name"`
	Calls     uint64  `json:"calls"`
	Succeeded uint64  `json:"succeeded"`
	Fallbacks uint64  `json:"fallbacks"`
	Timeouts  uint64  `json:"timeouts"`
	Rejected  uint64  `json:"rejected"`
	Panics    uint64  `json:"panics"`
	Breaker   Metrics `json:"circuitBreaker"`
}

// Stats returns current counters.
func (s *Shield) Stats() ShieldStats {
	return ShieldStats{
		Name:      s.name,
		Calls:     s.calls.Load(),
		Succeeded: s.succeeded.Load(),
		Fallbacks: s.fallbacks.Load(),
		Timeouts:  s.timeouts.Load(),
		Rejected:  s.rejected.Load(),
		Panics:    s.panics.Load(),
		Breaker:   s.breaker.Metrics(),
	}
}
