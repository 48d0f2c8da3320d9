package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quote_scanner/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Storage {
	dbName := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(Options{Driver: DriverSQLite, Path: dbName})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
		os.Remove(dbName)
	})

	return s
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLatestPriceDate(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	_, ok, err := s.LatestPriceDate(ctx, domain.FieldClose)
	require.NoError(t, err)
	assert.False(t, ok, "empty table has no latest date")

	older := time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SavePrices(ctx, domain.FieldClose, older, map[domain.InstrumentKey]decimal.Decimal{"A": d("10")}))
	require.NoError(t, s.SavePrices(ctx, domain.FieldClose, newer, map[domain.InstrumentKey]decimal.Decimal{"A": d("11")}))

	got, ok, err := s.LatestPriceDate(ctx, domain.FieldClose)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(newer), "got %v", got)

	_, ok, err = s.LatestPriceDate(ctx, domain.FieldOpen)
	require.NoError(t, err)
	assert.False(t, ok, "fields are stored separately")
}

func TestPrices(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 10, 13, 18, 45, 0, 0, time.UTC)

	require.NoError(t, s.SavePrices(ctx, domain.FieldEveningClose, day, map[domain.InstrumentKey]decimal.Decimal{
		"A": d("101.5"),
		"B": d("250.25"),
		"C": d("3"),
	}))

	all, err := s.Prices(ctx, domain.FieldEveningClose, day, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.True(t, all["A"].Equal(d("101.5")))

	some, err := s.Prices(ctx, domain.FieldEveningClose, day, []domain.InstrumentKey{"B", "Z"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.True(t, some["B"].Equal(d("250.25")))

	other, err := s.Prices(ctx, domain.FieldEveningClose, day.AddDate(0, 0, -1), nil)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSavePrices_Upsert(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SavePrices(ctx, domain.FieldOpen, day, map[domain.InstrumentKey]decimal.Decimal{"A": d("1")}))
	require.NoError(t, s.SavePrices(ctx, domain.FieldOpen, day, map[domain.InstrumentKey]decimal.Decimal{"A": d("2")}))

	got, err := s.Prices(ctx, domain.FieldOpen, day, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got["A"].Equal(d("2")))
}

func TestUnknownField(t *testing.T) {
	s := setupTestDB(t)
	_, err := s.Prices(context.Background(), domain.PriceField("high"), time.Now(), nil)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestVolumes(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	today := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveTradedVolumes(ctx, today, map[domain.InstrumentKey]int64{"A": 100, "B": 5}))
	traded, err := s.TradedVolumes(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, map[domain.InstrumentKey]int64{"A": 100, "B": 5}, traded)

	yesterday, err := s.TradedVolumes(ctx, today.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Empty(t, yesterday)

	require.NoError(t, s.SaveAverageVolumes(ctx, domain.VolumeMorning, map[domain.InstrumentKey]int64{"A": 1000}))
	require.NoError(t, s.SaveAverageVolumes(ctx, domain.VolumeWeekend, map[domain.InstrumentKey]int64{"A": 40}))

	morning, err := s.AverageVolumes(ctx, domain.VolumeMorning)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), morning["A"])

	weekend, err := s.AverageVolumes(ctx, domain.VolumeWeekend)
	require.NoError(t, err)
	assert.Equal(t, int64(40), weekend["A"])
}

func TestDirectory(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertInstruments(ctx, []domain.InstrumentMeta{
		{Key: "F2", Ticker: "SBER", Name: "Sberbank", Kind: domain.KindShare},
		{Key: "F1", Ticker: "GAZP", Name: "Gazprom", Kind: domain.KindShare},
	}, true))
	require.NoError(t, s.UpsertInstruments(ctx, []domain.InstrumentMeta{
		{Key: "F3", Ticker: "HIDDEN", Name: "Hidden", Kind: domain.KindFuture},
	}, false))

	list, err := s.ListScannable(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "GAZP", list[0].Ticker, "ordered by ticker")
	assert.Equal(t, domain.KindShare, list[0].Kind)

	names, err := s.NamesOf(ctx, []domain.InstrumentKey{"F1", "F3", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[domain.InstrumentKey]string{"F1": "Gazprom", "F3": "Hidden"}, names)

	meta, err := s.Meta(ctx, "F2")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "Sberbank", meta.Name)

	missing, err := s.Meta(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	tickers, err := s.TickersOf(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, tickers)
}

func TestAuditSink_FlushOnClose(t *testing.T) {
	s := setupTestDB(t)
	sink := NewAuditSink(s, AuditConfig{QueueSize: 16, BatchSize: 4, FlushInterval: time.Hour})
	sink.Start(context.Background())

	at := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		require.NoError(t, sink.Record(domain.TradeTick{
			Instrument: "A",
			Price:      decimal.NewFromInt(int64(100 + i)),
			Quantity:   int64(i + 1),
			Side:       domain.SideBuy,
			At:         at.Add(time.Duration(i) * time.Second),
		}))
	}
	sink.Close()

	rows, err := s.Trades(context.Background(), "A", 0)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, int64(1), rows[0].Quantity)
	assert.Equal(t, "BUY", rows[0].Direction)

	st := sink.Stats()
	assert.EqualValues(t, 6, st.Written)
	assert.EqualValues(t, 2, st.Batches)
	assert.Zero(t, st.Failed)

	assert.ErrorIs(t, sink.Record(domain.TradeTick{Instrument: "A"}), domain.ErrQueueClosed)
}

func TestAuditSink_DropsWhenFull(t *testing.T) {
	s := setupTestDB(t)
	sink := NewAuditSink(s, AuditConfig{QueueSize: 2}) // writer not started

	require.NoError(t, sink.Record(domain.TradeTick{Instrument: "A"}))
	require.NoError(t, sink.Record(domain.TradeTick{Instrument: "A"}))
	assert.ErrorIs(t, sink.Record(domain.TradeTick{Instrument: "A"}), domain.ErrQueueFull)

	st := sink.Stats()
	assert.EqualValues(t, 2, st.Queued)
	assert.EqualValues(t, 1, st.Dropped)
	assert.Equal(t, 2, st.Pending)

	sink.Close()
	sink.Close()
}

func TestPGOption_DSN(t *testing.T) {
	tests := []struct {
		name string
		opt  PGOption
		want string
	}{
		{"defaults", PGOption{}, "postgres://localhost:5432?sslmode=disable"},
		{"full", PGOption{Host: "db", Port: 6543, User: "scanner", Password: "p@ss", Database: "quotes", SSLMode: "require"},
			"postgres://scanner:p%40ss@db:6543/quotes?sslmode=require"},
		{"conn string wins", PGOption{Host: "ignored", ConnString: "postgres://x/y"}, "postgres://x/y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.opt.dsn()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := PGOption{Port: 70000}.dsn()
	assert.Error(t, err)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(Options{Driver: "mysql"})
	assert.Error(t, err)

	_, err = Open(Options{Driver: DriverSQLite})
	assert.Error(t, err)
}
