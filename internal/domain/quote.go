package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction classifies a price move
type Direction string

const (
	DirectionUp      Direction = "UP"
	DirectionDown    Direction = "DOWN"
	DirectionNeutral Direction = "NEUTRAL"
)

// PercentPlaces is the rounding scale of every delta
const PercentPlaces = 4

var hundred = decimal.NewFromInt(100)

// Delta returns cur-ref and (cur-ref)/ref*100, both rounded half-up to PercentPlaces.
// When ref is not strictly positive both results are zero.
func Delta(cur, ref decimal.Decimal) (change, percent decimal.Decimal) {
	if ref.Sign() <= 0 {
		return decimal.Zero, decimal.Zero
	}
	diff := cur.Sub(ref)
	return diff.Round(PercentPlaces), diff.Mul(hundred).DivRound(ref, PercentPlaces)
}

// Compare returns UP when cur > prev, DOWN when cur < prev, NEUTRAL otherwise.
// Unknown (non-positive) prices are NEUTRAL.
func Compare(cur, prev decimal.Decimal) Direction {
	if cur.Sign() <= 0 || prev.Sign() <= 0 {
		return DirectionNeutral
	}
	switch cur.Cmp(prev) {
	case 1:
		return DirectionUp
	case -1:
		return DirectionDown
	default:
		return DirectionNeutral
	}
}

// EnrichedQuote is the fully computed record emitted for one accepted tick
type EnrichedQuote struct {
	Instrument InstrumentKey `json:"figi"`
	Ticker     string        `json:"ticker"`
	Name       string        `json:"name"`
	Kind       string        `json:"eventType"`

	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	PreviousPrice decimal.Decimal `json:"previousPrice"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`

	ClosePrice              decimal.Decimal `json:"closePrice"`
	ClosePriceChange        decimal.Decimal `json:"closePriceChange"`
	ClosePriceChangePercent decimal.Decimal `json:"closePriceChangePercent"`

	EveningClosePrice              decimal.Decimal `json:"eveningClosePrice"`
	EveningClosePriceChange        decimal.Decimal `json:"eveningClosePriceChange"`
	EveningClosePriceChangePercent decimal.Decimal `json:"eveningClosePriceChangePercent"`

	OpenPrice decimal.Decimal `json:"openPrice"`

	BestBid         decimal.Decimal `json:"bestBid"`
	BestAsk         decimal.Decimal `json:"bestAsk"`
	BestBidQuantity int64           `json:"bestBidQuantity"`
	BestAskQuantity int64           `json:"bestAskQuantity"`

	Volume           int64 `json:"volume"`
	TotalVolume      int64 `json:"totalVolume"`
	AvgVolumeMorning int64 `json:"avgVolumeMorning"`
	AvgVolumeWeekend int64 `json:"avgVolumeWeekend"`

	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
}
