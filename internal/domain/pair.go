package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentPair is a configured comparison between two instruments.
// Identity is PairID alone.
type InstrumentPair struct {
	PairID           string        `json:"pairId" yaml:"pair_id"`
	FirstInstrument  InstrumentKey `json:"firstInstrument" yaml:"first"`
	SecondInstrument InstrumentKey `json:"secondInstrument" yaml:"second"`
	FirstName        string        `json:"firstName" yaml:"first_name"`
	SecondName       string        `json:"secondName" yaml:"second_name"`
}

// Validate rejects pairs that can never produce a comparison.
func (p InstrumentPair) Validate() error {
	switch {
	case p.PairID == "":
		return &ValidationError{Field: "pair_id", Reason: "must not be empty"}
	case p.FirstInstrument == "" || p.SecondInstrument == "":
		return &ValidationError{Field: "instrument", Reason: "both legs are required"}
	case p.FirstInstrument == p.SecondInstrument:
		return &ValidationError{Field: "instrument", Reason: "legs must differ"}
	}
	return nil
}

// Involves reports whether key is one of the legs.
func (p InstrumentPair) Involves(key InstrumentKey) bool {
	return p.FirstInstrument == key || p.SecondInstrument == key
}

// PairComparison is the computed spread of a pair at one moment
type PairComparison struct {
	PairID           string          `json:"pairId"`
	FirstInstrument  InstrumentKey   `json:"firstInstrument"`
	SecondInstrument InstrumentKey   `json:"secondInstrument"`
	FirstName        string          `json:"firstName"`
	SecondName       string          `json:"secondName"`
	FirstPrice       decimal.Decimal `json:"firstPrice"`
	SecondPrice      decimal.Decimal `json:"secondPrice"`
	Delta            decimal.Decimal `json:"delta"`
	DeltaPercent     decimal.Decimal `json:"deltaPercent"`
	Direction        Direction       `json:"direction"`
	Timestamp        time.Time       `json:"timestamp"`
	HasValidPrices   bool            `json:"hasValidPrices"`
}

// NewPairComparison computes delta = first-second and deltaPercent = delta/second*100
// (zero when second is not positive). Direction follows the sign of delta.
func NewPairComparison(p InstrumentPair, first, second decimal.Decimal, at time.Time) PairComparison {
	delta := first.Sub(second)
	percent := decimal.Zero
	if second.Sign() > 0 {
		percent = delta.Mul(hundred).DivRound(second, PercentPlaces)
	}

	dir := DirectionNeutral
	switch delta.Sign() {
	case 1:
		dir = DirectionUp
	case -1:
		dir = DirectionDown
	}

	return PairComparison{
		PairID:           p.PairID,
		FirstInstrument:  p.FirstInstrument,
		SecondInstrument: p.SecondInstrument,
		FirstName:        p.FirstName,
		SecondName:       p.SecondName,
		FirstPrice:       first,
		SecondPrice:      second,
		Delta:            delta.Round(PercentPlaces),
		DeltaPercent:     percent,
		Direction:        dir,
		Timestamp:        at,
		HasValidPrices:   true,
	}
}
