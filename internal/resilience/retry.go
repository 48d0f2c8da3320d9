package resilience

import (
	"context"
	"errors"
	"time"

	"quote_scanner/internal/domain"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryConfig bounds retries
type RetryConfig struct {
	Attempts int
	Wait     time.Duration
}

// DefaultRetryConfig returns 3 attempts spaced by one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Wait: time.Second}
}

// Retry re-runs a call on transient failures with a fixed delay.
type Retry struct {
	cfg    RetryConfig
	policy retrypolicy.RetryPolicy[any]
}

// NewRetry creates a retry policy. Attempts below one mean a single attempt.
func NewRetry(cfg RetryConfig) *Retry {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Wait < 0 {
		cfg.Wait = 0
	}
	policy := retrypolicy.Builder[any]().
		HandleIf(func(_ any, err error) bool { return ShouldRetry(err) }).
		WithMaxAttempts(cfg.Attempts).
		WithDelay(cfg.Wait).
		Build()
	return &Retry{cfg: cfg, policy: policy}
}

// ShouldRetry reports whether err is transient. Validation failures and open
// circuits are final.
func ShouldRetry(err error) bool {
	switch {
	case err == nil:
		return false
	case domain.IsValidation(err), errors.Is(err, domain.ErrCallNotPermitted):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return domain.IsRetriable(err)
}

// Do runs fn until it succeeds, fails permanently or attempts run out. It
// returns the number of attempts made and the last error, wrapped when the
// attempts ran out.
func (r *Retry) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	attempts := 0
	err := failsafe.NewExecutor[any](r.policy).
		WithContext(ctx).
		RunWithExecution(func(exec failsafe.Execution[any]) error {
			attempts++
			return fn(exec.Context())
		})
	return attempts, err
}
