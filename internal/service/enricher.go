package service

import (
	"time"

	"quote_scanner/internal/domain"

	"github.com/shopspring/decimal"
)

// MetaLookup resolves instrument identity for output records
type MetaLookup interface {
	Meta(key domain.InstrumentKey) (domain.InstrumentMeta, bool)
}

// Enricher builds EnrichedQuote records from a tick and the caches.
type Enricher struct {
	state *StateCache
	refs  *ReferenceCache
	meta  MetaLookup
	loc   *time.Location
}

// NewEnricher creates an enricher. Timestamps are expressed in loc.
func NewEnricher(state *StateCache, refs *ReferenceCache, meta MetaLookup, loc *time.Location) *Enricher {
	if loc == nil {
		loc = time.UTC
	}
	return &Enricher{state: state, refs: refs, meta: meta, loc: loc}
}

// Enrich computes the record for tick. previous is the last price known
// before tick was applied to the state cache (zero when unknown).
func (e *Enricher) Enrich(tick domain.Tick, previous decimal.Decimal) domain.EnrichedQuote {
	key := tick.Key()
	closePrice, _ := e.refs.Get(key, domain.FieldClose)
	eveningClose, _ := e.refs.Get(key, domain.FieldEveningClose)
	openPrice, _ := e.refs.Get(key, domain.FieldOpen)

	var current decimal.Decimal
	var volume int64

	switch t := tick.(type) {
	case domain.PriceTick:
		current = t.Price
	case domain.TradeTick:
		current = t.Price
		volume = t.Quantity
	case domain.BookTick:
		if last, ok := e.state.LastPrice(key); ok {
			current = last
		} else if closePrice.Sign() > 0 {
			current = closePrice
		} else {
			current = decimal.Zero
		}
		// a book update does not move the trade price
		previous = current
	}

	if previous.Sign() <= 0 {
		previous = current
	}

	change, changePct := domain.Delta(current, previous)
	closeChange, closePct := domain.Delta(current, closePrice)
	eveningChange, eveningPct := domain.Delta(current, eveningClose)

	q := domain.EnrichedQuote{
		Instrument: key,
		Kind:       tick.Kind().String(),

		CurrentPrice:  current,
		PreviousPrice: previous,
		Change:        change,
		ChangePercent: changePct,

		ClosePrice:              closePrice,
		ClosePriceChange:        closeChange,
		ClosePriceChangePercent: closePct,

		EveningClosePrice:              eveningClose,
		EveningClosePriceChange:        eveningChange,
		EveningClosePriceChangePercent: eveningPct,

		OpenPrice: openPrice,

		Volume:           volume,
		AvgVolumeMorning: e.refs.AverageVolume(key, domain.VolumeMorning),
		AvgVolumeWeekend: e.refs.AverageVolume(key, domain.VolumeWeekend),

		Direction: domain.Compare(current, previous),
		Timestamp: tick.Time().In(e.loc),
	}

	if st, ok := e.state.Get(key); ok {
		q.BestBid, q.BestBidQuantity = st.BestBid, st.BidSize
		q.BestAsk, q.BestAskQuantity = st.BestAsk, st.AskSize
		q.TotalVolume = st.AccumulatedVolume
	} else {
		q.BestBid, q.BestAsk = decimal.Zero, decimal.Zero
		q.TotalVolume = e.state.Volume(key)
	}

	if e.meta != nil {
		if m, ok := e.meta.Meta(key); ok {
			q.Ticker = m.Ticker
			q.Name = m.DisplayName()
		}
	}
	if q.Ticker == "" {
		q.Ticker = string(key)
		q.Name = string(key)
	}
	return q
}
