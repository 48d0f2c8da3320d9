package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"quote_scanner/internal/clock"
	"quote_scanner/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testShield(timeout time.Duration) *Shield {
	cfg := DefaultConfig()
	cfg.Retry.Wait = 0
	cfg.Timeout = timeout
	return NewShield("test", cfg, clock.NewFake(t0))
}

func TestShield_Success(t *testing.T) {
	s := testShield(time.Second)
	calls := 0
	ok := s.Execute(context.Background(), "load", func(context.Context) error {
		calls++
		return nil
	}, func(error) { t.Fatal("fallback must not run") })

	assert.True(t, ok)
	assert.Equal(t, 1, calls)
	assert.EqualValues(t, 1, s.Stats().Succeeded)
}

func TestShield_RetriesTransientFailures(t *testing.T) {
	s := testShield(time.Second)
	calls := 0
	ok := s.Execute(context.Background(), "load", func(context.Context) error {
		calls++
		if calls < 3 {
			return errUpstream
		}
		return nil
	}, nil)

	assert.True(t, ok)
	assert.Equal(t, 3, calls)
}

func TestShield_FallbackAfterRetriesExhausted(t *testing.T) {
	s := testShield(time.Second)
	calls := 0
	var got error
	ok := s.Execute(context.Background(), "load", func(context.Context) error {
		calls++
		return errUpstream
	}, func(err error) { got = err })

	assert.False(t, ok)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, got, errUpstream)
	assert.EqualValues(t, 1, s.Stats().Fallbacks)
}

func TestShield_NoRetryOnValidation(t *testing.T) {
	s := testShield(time.Second)
	calls := 0
	ok := s.Execute(context.Background(), "add_pair", func(context.Context) error {
		calls++
		return &domain.ValidationError{Field: "pair_id", Reason: "empty"}
	}, func(err error) { assert.True(t, domain.IsValidation(err)) })

	assert.False(t, ok)
	assert.Equal(t, 1, calls)
	assert.Zero(t, s.Breaker().Metrics().BufferedCalls)
}

func TestShield_NoRetryOnPermanentError(t *testing.T) {
	s := testShield(time.Second)
	calls := 0
	s.Execute(context.Background(), "load", func(context.Context) error {
		calls++
		return domain.NewFatalNetworkError("dial", errors.New("unauthorized"))
	}, nil)
	assert.Equal(t, 1, calls)
}

func TestShield_OpenCircuitShortCircuits(t *testing.T) {
	s := testShield(time.Second)
	fail := func(context.Context) error { return errUpstream }

	// the fifth failed attempt opens the circuit, cutting the second call short
	s.Execute(context.Background(), "load", fail, nil)
	s.Execute(context.Background(), "load", fail, nil)
	require.Equal(t, StateOpen, s.Breaker().State())

	invoked := false
	var got error
	ok := s.Execute(context.Background(), "load", func(context.Context) error {
		invoked = true
		return nil
	}, func(err error) { got = err })

	assert.False(t, ok)
	assert.False(t, invoked, "guarded function must not run while open")
	assert.ErrorIs(t, got, domain.ErrCallNotPermitted)
	assert.EqualValues(t, 2, s.Stats().Rejected)
}

func TestShield_OnFailureSeesEveryFallback(t *testing.T) {
	s := testShield(time.Second)
	var ops []string
	s.OnFailure(func(op string, err error) {
		ops = append(ops, op)
		assert.Error(t, err)
	})

	s.Execute(context.Background(), "ok", func(context.Context) error { return nil }, nil)
	s.Execute(context.Background(), "load", func(context.Context) error { return errUpstream }, nil)
	assert.Equal(t, []string{"load"}, ops)
}

func TestShield_Timeout(t *testing.T) {
	s := testShield(20 * time.Millisecond)
	var got error
	ok := s.Execute(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { got = err })

	assert.False(t, ok)
	assert.ErrorIs(t, got, ErrTimeout)
	assert.EqualValues(t, 3, s.Stats().Timeouts, "timeouts are retried")
}

func TestShield_AbandonsCallIgnoringContext(t *testing.T) {
	s := testShield(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	ok := s.Execute(context.Background(), "stuck", func(context.Context) error {
		<-release
		return nil
	}, nil)

	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestShield_NeverPanics(t *testing.T) {
	s := testShield(time.Second)
	require.NotPanics(t, func() {
		s.Execute(context.Background(), "boom", func(context.Context) error { panic("boom") },
			func(error) { panic("fallback boom") })
	})
	assert.EqualValues(t, 2, s.Stats().Panics)
}

func TestCall_ReturnsFallbackValue(t *testing.T) {
	s := testShield(time.Second)

	v := Call(context.Background(), s, "stats", func(context.Context) (string, error) {
		return "live", nil
	}, func(error) string { return "FALLBACK_MODE" })
	assert.Equal(t, "live", v)

	v = Call(context.Background(), s, "stats", func(context.Context) (string, error) {
		return "", errUpstream
	}, func(error) string { return "FALLBACK_MODE" })
	assert.Equal(t, "FALLBACK_MODE", v)
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", errUpstream, true},
		{"fatal network", domain.NewFatalNetworkError("dial", errors.New("x")), false},
		{"timeout", ErrTimeout, true},
		{"not permitted", domain.ErrCallNotPermitted, false},
		{"validation", &domain.ValidationError{Field: "f", Reason: "r"}, false},
		{"plain", errors.New("plain"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.err))
		})
	}
}
