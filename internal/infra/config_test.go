package infra

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quote_scanner/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
feed:
  url: wss://feed.example.com/marketdata
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Feed.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.Feed.EmptyUniverseDelay)
	assert.Equal(t, 150, cfg.Feed.BatchSize)
	assert.Equal(t, 300, cfg.Feed.MaxPerStream)
	assert.Equal(t, 250*time.Millisecond, cfg.Feed.RequestInterval)
	assert.Equal(t, 10, cfg.Feed.OrderBook.Depth)
	assert.Equal(t, 100*time.Millisecond, cfg.Dedup.MinInterval)
	assert.Equal(t, 5*time.Minute, cfg.Dedup.CleanupHorizon)
	assert.Equal(t, 50.0, cfg.Resilience.FailureRateThreshold)
	assert.Equal(t, 10*time.Second, cfg.Resilience.CallTimeout)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)

	sc, err := cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, "06:50:00", sc.Morning.Start.String())
	assert.Equal(t, "23:50:59", sc.Weekend.End.String())
	assert.Equal(t, []time.Weekday{time.Saturday, time.Sunday}, sc.Weekend.Days)

	reload, err := cfg.ReloadSchedule()
	require.NoError(t, err)
	// Monday 05:00 MSK reloads at 06:00 MSK the same day
	next := reload.Next(time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC))
	assert.True(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC).Equal(next), "got %v", next)
}

func TestConfig_InvalidReloadSchedule(t *testing.T) {
	cfg, err := ParseConfig([]byte("feed:\n  url: ws://localhost:9000/stream\nscanner:\n  reload_schedule: \"06:00\"\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "scanner.reload_schedule", ce.Field)
}

func TestLoadConfig_Sections(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
feed:
  url: ws://localhost:9000/stream
  batch_size: 100
  orderbook:
    enabled: true
    depth: 20
dedup:
  min_interval: 250ms
session:
  morning: {start: "07:00", end: "09:00:00"}
pairs:
  - {pair_id: SBER-SBERP, first: BBG004730N88, second: BBG0047315Y7}
indices:
  - {figi: BBG004730N9, ticker: IMOEX}
`))
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.FeedConfig().BatchSize)
	assert.True(t, cfg.FeedConfig().OrderBookEnabled)
	assert.Equal(t, 20, cfg.FeedConfig().OrderBookDepth)
	assert.Equal(t, 250*time.Millisecond, cfg.Dedup.MinInterval)
	require.Len(t, cfg.Pairs, 1)
	assert.Equal(t, domain.InstrumentKey("BBG0047315Y7"), cfg.Pairs[0].SecondInstrument)
	require.Len(t, cfg.Indices, 1)
	assert.Equal(t, "IMOEX", cfg.Indices[0].Ticker)

	sc, err := cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, "07:00:00", sc.Morning.Start.String())
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("SCANNER_FEED_URL", "wss://override.example.com")
	t.Setenv("SCANNER_FEED_TOKEN", "t-secret")
	t.Setenv("SCANNER_TEST_MODE", "true")

	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "wss://override.example.com", cfg.Feed.URL)
	assert.Equal(t, "t-secret", cfg.Feed.Token)
	assert.True(t, cfg.Session.TestMode)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, domain.ErrConfigNotFound)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad url", "feed: {url: http://x}", "feed.url"},
		{"batch above stream", "feed: {url: ws://x, batch_size: 400}", "feed.batch_size"},
		{"bad window", "feed: {url: ws://x}\nsession: {morning: {start: '10:00', end: '09:00'}}", "session.morning"},
		{"bad weekday", "feed: {url: ws://x}\nsession: {weekend: {days: [funday]}}", "session.weekend.days"},
		{"bad driver", "feed: {url: ws://x}\nstorage: {driver: oracle}", "storage.driver"},
		{"bad pair", "feed: {url: ws://x}\npairs: [{pair_id: P, first: A, second: A}]", "pairs[0]"},
		{"bad level", "feed: {url: ws://x}\nlogging: {level: loud}", "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tt.body))
			require.NoError(t, err)

			err = cfg.Validate()
			var ce *domain.ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
			assert.False(t, domain.IsRetriable(err))
		})
	}
}
