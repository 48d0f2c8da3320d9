package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"quote_scanner/internal/clock"
	"quote_scanner/internal/domain"
	"quote_scanner/internal/feed"
	"quote_scanner/internal/resilience"
	"quote_scanner/internal/session"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// WindowConfig is a session window in the session time zone
type WindowConfig struct {
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
	Days  []string `yaml:"days"`
}

// Config holds every application setting. LoadConfig overrides sensitive
// values from the environment after parsing.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		URL                string        `yaml:"url"`
		Token              string        `yaml:"token"`
		ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
		EmptyUniverseDelay time.Duration `yaml:"empty_universe_delay"`
		BatchSize          int           `yaml:"batch_size"`
		MaxPerStream       int           `yaml:"max_per_stream"`
		RequestInterval    time.Duration `yaml:"request_interval"`
		OrderBook          struct {
			Enabled bool `yaml:"enabled"`
			Depth   int  `yaml:"depth"`
		} `yaml:"orderbook"`
	} `yaml:"feed"`

	Session struct {
		Timezone           string       `yaml:"timezone"`
		Morning            WindowConfig `yaml:"morning"`
		Weekend            WindowConfig `yaml:"weekend"`
		FuturesWeekendFrom string       `yaml:"futures_weekend_from"`
		TestMode           bool         `yaml:"test_mode"`
	} `yaml:"session"`

	Dedup struct {
		MinInterval    time.Duration `yaml:"min_interval"`
		CleanupHorizon time.Duration `yaml:"cleanup_horizon"`
	} `yaml:"dedup"`

	Resilience struct {
		FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
		SlidingWindow        int           `yaml:"sliding_window"`
		MinimumCalls         int           `yaml:"minimum_calls"`
		OpenWait             time.Duration `yaml:"open_wait"`
		HalfOpenCalls        int           `yaml:"half_open_calls"`
		SlowCallThreshold    time.Duration `yaml:"slow_call_threshold"`
		SlowCallRate         float64       `yaml:"slow_call_rate"`
		RetryAttempts        int           `yaml:"retry_attempts"`
		RetryWait            time.Duration `yaml:"retry_wait"`
		CallTimeout          time.Duration `yaml:"call_timeout"`
	} `yaml:"resilience"`

	Scanner struct {
		ReloadSchedule string        `yaml:"reload_schedule"` // cron, session time zone
		HealthInterval time.Duration `yaml:"health_interval"`
		IngestWorkers  int           `yaml:"ingest_workers"`
		NotifyWorkers  int           `yaml:"notify_workers"`
		PairWorkers    int           `yaml:"pair_workers"`
		QueueSize      int           `yaml:"queue_size"`
	} `yaml:"scanner"`

	Storage struct {
		Driver   string `yaml:"driver"` // sqlite | postgres
		Path     string `yaml:"path"`
		DSN      string `yaml:"dsn"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		SSLMode  string `yaml:"sslmode"`
		Audit    struct {
			Enabled       bool          `yaml:"enabled"`
			QueueSize     int           `yaml:"queue_size"`
			BatchSize     int           `yaml:"batch_size"`
			FlushInterval time.Duration `yaml:"flush_interval"`
		} `yaml:"audit"`
	} `yaml:"storage"`

	Push struct {
		Enabled       bool   `yaml:"enabled"`
		Addr          string `yaml:"addr"`
		SessionBuffer int    `yaml:"session_buffer"`
	} `yaml:"push"`

	Pairs   []domain.InstrumentPair  `yaml:"pairs"`
	Indices []domain.IndexInstrument `yaml:"indices"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig reads, parses and validates the configuration file.
// A .env file next to the process is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}

	// secrets come from the environment
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ParseConfig decodes YAML and fills defaults. It does not validate.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "quote-scanner"
	}

	fd := feed.DefaultConfig()
	setDuration(&c.Feed.ReconnectDelay, fd.ReconnectDelay)
	setDuration(&c.Feed.EmptyUniverseDelay, fd.EmptyUniverseDelay)
	setInt(&c.Feed.BatchSize, fd.BatchSize)
	setInt(&c.Feed.MaxPerStream, fd.MaxPerStream)
	setDuration(&c.Feed.RequestInterval, fd.RequestInterval)
	setInt(&c.Feed.OrderBook.Depth, fd.OrderBookDepth)

	setString(&c.Session.Timezone, "Europe/Moscow")
	setString(&c.Session.Morning.Start, "06:50:00")
	setString(&c.Session.Morning.End, "09:49:59")
	setString(&c.Session.Weekend.Start, "02:00:00")
	setString(&c.Session.Weekend.End, "23:50:59")
	if len(c.Session.Weekend.Days) == 0 {
		c.Session.Weekend.Days = []string{"saturday", "sunday"}
	}
	setString(&c.Session.FuturesWeekendFrom, "08:30")

	setDuration(&c.Dedup.MinInterval, 100*time.Millisecond)
	setDuration(&c.Dedup.CleanupHorizon, 5*time.Minute)

	rd := resilience.DefaultConfig()
	setFloat(&c.Resilience.FailureRateThreshold, rd.Breaker.FailureRateThreshold)
	setInt(&c.Resilience.SlidingWindow, rd.Breaker.SlidingWindow)
	setInt(&c.Resilience.MinimumCalls, rd.Breaker.MinimumCalls)
	setDuration(&c.Resilience.OpenWait, rd.Breaker.OpenWait)
	setInt(&c.Resilience.HalfOpenCalls, rd.Breaker.HalfOpenCalls)
	setDuration(&c.Resilience.SlowCallThreshold, rd.Breaker.SlowCallThreshold)
	setFloat(&c.Resilience.SlowCallRate, rd.Breaker.SlowCallRate)
	setInt(&c.Resilience.RetryAttempts, rd.Retry.Attempts)
	setDuration(&c.Resilience.RetryWait, rd.Retry.Wait)
	setDuration(&c.Resilience.CallTimeout, rd.Timeout)

	setString(&c.Scanner.ReloadSchedule, "0 6 * * *")
	setDuration(&c.Scanner.HealthInterval, time.Minute)
	setInt(&c.Scanner.NotifyWorkers, 4)
	setInt(&c.Scanner.PairWorkers, 2)
	setInt(&c.Scanner.QueueSize, 4096)

	setString(&c.Storage.Driver, "sqlite")
	setString(&c.Storage.Path, "data/scanner.db")
	setInt(&c.Storage.Audit.QueueSize, 10000)
	setInt(&c.Storage.Audit.BatchSize, 500)
	setDuration(&c.Storage.Audit.FlushInterval, time.Second)

	setString(&c.Push.Addr, ":8085")
	setInt(&c.Push.SessionBuffer, 256)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Dir, "logs")
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Feed.URL == "" || (!strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://")) {
		return &domain.ConfigError{Field: "feed.url", Err: fmt.Errorf("must be a ws:// or wss:// URL, got %q", c.Feed.URL)}
	}
	if c.Feed.BatchSize > c.Feed.MaxPerStream {
		return &domain.ConfigError{Field: "feed.batch_size", Err: fmt.Errorf("%d exceeds max_per_stream %d", c.Feed.BatchSize, c.Feed.MaxPerStream)}
	}

	if _, err := c.SessionConfig(); err != nil {
		return err
	}
	if _, err := c.ReloadSchedule(); err != nil {
		return err
	}

	if c.Resilience.FailureRateThreshold <= 0 || c.Resilience.FailureRateThreshold > 100 {
		return &domain.ConfigError{Field: "resilience.failure_rate_threshold", Err: fmt.Errorf("must be in (0, 100], got %v", c.Resilience.FailureRateThreshold)}
	}
	if c.Resilience.MinimumCalls > c.Resilience.SlidingWindow {
		return &domain.ConfigError{Field: "resilience.minimum_calls", Err: fmt.Errorf("%d exceeds sliding_window %d", c.Resilience.MinimumCalls, c.Resilience.SlidingWindow)}
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return &domain.ConfigError{Field: "storage.path", Err: errors.New("required for sqlite")}
		}
	case "postgres":
		if c.Storage.DSN == "" && c.Storage.Host == "" {
			return &domain.ConfigError{Field: "storage.dsn", Err: errors.New("dsn or host required for postgres")}
		}
	default:
		return &domain.ConfigError{Field: "storage.driver", Err: fmt.Errorf("unsupported driver %q", c.Storage.Driver)}
	}

	for i, p := range c.Pairs {
		if err := p.Validate(); err != nil {
			return &domain.ConfigError{Field: fmt.Sprintf("pairs[%d]", i), Err: err}
		}
	}
	for i, idx := range c.Indices {
		if idx.Key == "" || idx.Ticker == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("indices[%d]", i), Err: errors.New("figi and ticker are required")}
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &domain.ConfigError{Field: "logging.level", Err: fmt.Errorf("unknown level %q", c.Logging.Level)}
	}
	return nil
}

// SessionConfig converts the session section for the gate.
func (c *Config) SessionConfig() (session.Config, error) {
	loc := session.DefaultLocation()
	if c.Session.Timezone != "" && c.Session.Timezone != "Europe/Moscow" {
		l, err := time.LoadLocation(c.Session.Timezone)
		if err != nil {
			return session.Config{}, &domain.ConfigError{Field: "session.timezone", Err: err}
		}
		loc = l
	}

	morning, err := c.Session.Morning.window("session.morning")
	if err != nil {
		return session.Config{}, err
	}
	weekend, err := c.Session.Weekend.window("session.weekend")
	if err != nil {
		return session.Config{}, err
	}
	futures, err := session.ParseTimeOfDay(c.Session.FuturesWeekendFrom)
	if err != nil {
		return session.Config{}, &domain.ConfigError{Field: "session.futures_weekend_from", Err: err}
	}

	return session.Config{
		Location:           loc,
		Morning:            morning,
		Weekend:            weekend,
		FuturesWeekendFrom: futures,
		TestMode:           c.Session.TestMode,
	}, nil
}

func (w WindowConfig) window(field string) (session.Window, error) {
	start, err := session.ParseTimeOfDay(w.Start)
	if err != nil {
		return session.Window{}, &domain.ConfigError{Field: field + ".start", Err: err}
	}
	end, err := session.ParseTimeOfDay(w.End)
	if err != nil {
		return session.Window{}, &domain.ConfigError{Field: field + ".end", Err: err}
	}
	if end < start {
		return session.Window{}, &domain.ConfigError{Field: field, Err: fmt.Errorf("end %s before start %s", w.End, w.Start)}
	}
	days := make([]time.Weekday, 0, len(w.Days))
	for _, d := range w.Days {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return session.Window{}, &domain.ConfigError{Field: field + ".days", Err: fmt.Errorf("unknown weekday %q", d)}
		}
		days = append(days, wd)
	}
	return session.Window{Start: start, End: end, Days: days}, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ReloadSchedule parses the reference reload schedule. Specs without their
// own CRON_TZ run in the session time zone.
func (c *Config) ReloadSchedule() (cron.Schedule, error) {
	sc, err := c.SessionConfig()
	if err != nil {
		return nil, err
	}
	schedule, err := clock.ParseSchedule(c.Scanner.ReloadSchedule, sc.Location)
	if err != nil {
		return nil, &domain.ConfigError{Field: "scanner.reload_schedule", Err: err}
	}
	return schedule, nil
}

// FeedConfig converts the feed section.
func (c *Config) FeedConfig() feed.Config {
	return feed.Config{
		ReconnectDelay:     c.Feed.ReconnectDelay,
		EmptyUniverseDelay: c.Feed.EmptyUniverseDelay,
		BatchSize:          c.Feed.BatchSize,
		MaxPerStream:       c.Feed.MaxPerStream,
		RequestInterval:    c.Feed.RequestInterval,
		OrderBookEnabled:   c.Feed.OrderBook.Enabled,
		OrderBookDepth:     c.Feed.OrderBook.Depth,
	}
}

// ShieldConfig converts the resilience section.
func (c *Config) ShieldConfig() resilience.Config {
	r := c.Resilience
	return resilience.Config{
		Breaker: resilience.BreakerConfig{
			FailureRateThreshold: r.FailureRateThreshold,
			SlidingWindow:        r.SlidingWindow,
			MinimumCalls:         r.MinimumCalls,
			OpenWait:             r.OpenWait,
			HalfOpenCalls:        r.HalfOpenCalls,
			SlowCallThreshold:    r.SlowCallThreshold,
			SlowCallRate:         r.SlowCallRate,
		},
		Retry:   resilience.RetryConfig{Attempts: r.RetryAttempts, Wait: r.RetryWait},
		Timeout: r.CallTimeout,
	}
}

// overrideWithEnv replaces settings with the environment variables that are set.
func overrideWithEnv(cfg *Config) {
	if token := os.Getenv("SCANNER_FEED_TOKEN"); token != "" {
		cfg.Feed.Token = token
	}
	if url := os.Getenv("SCANNER_FEED_URL"); url != "" {
		cfg.Feed.URL = url
	}
	if driver := os.Getenv("SCANNER_DB_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if dsn := os.Getenv("SCANNER_DB_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if v := os.Getenv("SCANNER_TEST_MODE"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			cfg.Session.TestMode = on
		}
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst <= 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}
