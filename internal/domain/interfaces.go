package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceField names one of the reference price series
type PriceField string

const (
	FieldClose        PriceField = "close"
	FieldEveningClose PriceField = "evening_close"
	FieldOpen         PriceField = "open"
)

// PriceFields lists every reference field in load order.
var PriceFields = []PriceField{FieldClose, FieldEveningClose, FieldOpen}

// VolumeSession names the session an average volume was computed for
type VolumeSession string

const (
	VolumeMorning VolumeSession = "morning"
	VolumeWeekend VolumeSession = "weekend"
)

// PriceStore is the read side of historical prices and volumes
type PriceStore interface {
	// LatestPriceDate returns the most recent date having any row for field.
	LatestPriceDate(ctx context.Context, field PriceField) (time.Time, bool, error)
	// Prices returns all rows of field on date; keys narrows the result when non-empty.
	Prices(ctx context.Context, field PriceField, date time.Time, keys []InstrumentKey) (map[InstrumentKey]decimal.Decimal, error)
	// TradedVolumes returns volumes already traded on date.
	TradedVolumes(ctx context.Context, date time.Time) (map[InstrumentKey]int64, error)
	// AverageVolumes returns historical average volume per instrument for a session.
	AverageVolumes(ctx context.Context, session VolumeSession) (map[InstrumentKey]int64, error)
}

// InstrumentDirectory lists the scanning universe
type InstrumentDirectory interface {
	ListScannable(ctx context.Context) ([]InstrumentMeta, error)
	NamesOf(ctx context.Context, keys []InstrumentKey) (map[InstrumentKey]string, error)
	TickersOf(ctx context.Context, keys []InstrumentKey) (map[InstrumentKey]string, error)
}

// TradeRecorder accepts trades for audit persistence without blocking
type TradeRecorder interface {
	Record(t TradeTick) error
}

// RecordSink receives serialized records for outbound delivery
type RecordSink interface {
	Send(topic string, payload []byte)
}
