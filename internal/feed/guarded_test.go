package feed

import (
	"context"
	"testing"
	"time"

	"quote_scanner/internal/clock"
	"quote_scanner/internal/domain"
	"quote_scanner/internal/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testShield() *resilience.Shield {
	cfg := resilience.DefaultConfig()
	cfg.Retry.Wait = 0
	cfg.Timeout = time.Second
	return resilience.NewShield("upstream", cfg, clock.NewFake(time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)))
}

func TestGuardedClient_PassesThrough(t *testing.T) {
	inner := &fakeClient{}
	g := NewGuardedClient(inner, testShield())

	s, err := g.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), SubscriptionRequest{Channel: ChannelLastPrice}))

	require.Equal(t, 1, inner.opens())
	assert.Len(t, inner.stream(0).requests(), 1)
	assert.EqualValues(t, 2, g.Shield().Stats().Succeeded)
}

func TestGuardedClient_RepeatedFailuresOpenCircuit(t *testing.T) {
	inner := &fakeClient{}
	inner.setOpenErr(errReset)
	g := NewGuardedClient(inner, testShield())

	_, err := g.Open(context.Background())
	assert.ErrorIs(t, err, errReset)
	assert.Equal(t, 3, inner.openAttempts(), "transient failures are retried")

	// the fifth failure opens the circuit and ends the retries
	_, err = g.Open(context.Background())
	assert.ErrorIs(t, err, domain.ErrCallNotPermitted)
	assert.Equal(t, 5, inner.openAttempts())

	_, err = g.Open(context.Background())
	assert.ErrorIs(t, err, domain.ErrCallNotPermitted)
	assert.Equal(t, 5, inner.openAttempts(), "an open circuit never reaches the upstream")

	m := g.Shield().Breaker().Metrics()
	assert.Equal(t, "OPEN", m.State)
	assert.EqualValues(t, 5, m.FailedCalls)
	assert.EqualValues(t, 2, m.NotPermittedCalls)
}

func TestGuardedClient_SendFailureEndsStream(t *testing.T) {
	inner := &fakeClient{}
	g := NewGuardedClient(inner, testShield())

	s, err := g.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, inner.stream(0).CloseSend())

	err = s.Send(context.Background(), SubscriptionRequest{Channel: ChannelTrades})
	assert.ErrorIs(t, err, domain.ErrStreamClosed)
	assert.EqualValues(t, 1, g.Shield().Stats().Fallbacks)
}

func TestConnection_GuardedClientReconnectsThroughOpenCircuit(t *testing.T) {
	inner := &fakeClient{}
	inner.setOpenErr(errReset)
	shield := testShield()

	fc := clock.NewFake(time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC))
	sched := clock.NewScheduler(fc)
	conn := NewConnection(Config{}, NewGuardedClient(inner, shield), &fakeUniverse{metas: shares(1)}, nil, &recordingHandler{}, sched)
	t.Cleanup(func() {
		conn.Stop()
		sched.Stop()
	})

	conn.Start(context.Background())
	assert.Equal(t, StateReconnectScheduled, conn.State())

	fc.Advance(time.Second)
	require.Eventually(t, func() bool {
		return shield.Breaker().State() == resilience.StateOpen && conn.State() == StateReconnectScheduled
	}, eventually, time.Millisecond)
	assert.Contains(t, conn.Stats().LastError, domain.ErrCallNotPermitted.Error())

	fc.Advance(time.Second)
	require.Eventually(t, func() bool { return conn.Stats().Reconnects == 2 && conn.State() == StateReconnectScheduled }, eventually, time.Millisecond)
	assert.Equal(t, 5, inner.openAttempts(), "reconnects fail fast while the circuit is open")
}
