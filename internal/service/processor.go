package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"quote_scanner/internal/clock"
	"quote_scanner/internal/domain"
	"quote_scanner/internal/engine"
	"quote_scanner/internal/resilience"
	"quote_scanner/internal/session"

	"github.com/shopspring/decimal"
)

// QuotePublisher receives every enriched record
type QuotePublisher interface {
	Publish(q domain.EnrichedQuote)
}

// PriceListener receives last-price updates
type PriceListener interface {
	OnPriceUpdate(key domain.InstrumentKey, price decimal.Decimal, at time.Time)
}

// Processor is the ingestion pipeline: session gate, deduplication, state
// update, enrichment and fan-out. Handle is called from the feed receive path
// and never blocks; the remaining work runs on the executor keyed by
// instrument, which keeps per-instrument order. With a shield, every tick is
// processed as a guarded call named after its kind (process_last_price,
// process_trade, process_order_book); a failing tick is counted and skipped.
//
// Trade quantities accumulate only during the weekend session or in test
// mode. Morning trades are published but leave the accumulated volume alone.
type Processor struct {
	gate     *session.Gate
	dedup    *Deduplicator
	state    *StateCache
	refs     *ReferenceCache
	enricher *Enricher
	exec     engine.Executor
	shield   *resilience.Shield
	clock    clock.Clock
	logger   *slog.Logger

	quotes QuotePublisher
	prices PriceListener
	trades domain.TradeRecorder

	received   [4]atomic.Uint64 // indexed by TickKind
	processed  atomic.Uint64
	gated      atomic.Uint64
	duplicates atomic.Uint64
	overflow   atomic.Uint64
	failed     atomic.Uint64
	auditDrops atomic.Uint64
}

// ProcessorDeps wires a Processor
type ProcessorDeps struct {
	Gate     *session.Gate
	State    *StateCache
	Refs     *ReferenceCache
	Enricher *Enricher
	Exec     engine.Executor
	Shield   *resilience.Shield // optional
	Clock    clock.Clock
	Quotes   QuotePublisher
	Prices   PriceListener        // optional
	Trades   domain.TradeRecorder // optional

	MinInterval    time.Duration
	CleanupHorizon time.Duration
}

// NewProcessor creates the pipeline. One rate limiter covers every tick kind
// of an instrument.
func NewProcessor(deps ProcessorDeps) *Processor {
	exec := deps.Exec
	if exec == nil {
		exec = engine.Inline{}
	}
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	p := &Processor{
		gate:     deps.Gate,
		dedup:    NewDeduplicator(deps.MinInterval, deps.CleanupHorizon),
		state:    deps.State,
		refs:     deps.Refs,
		enricher: deps.Enricher,
		exec:     exec,
		shield:   deps.Shield,
		clock:    c,
		logger:   slog.Default().With("module", "processor"),
		quotes:   deps.Quotes,
		prices:   deps.Prices,
		trades:   deps.Trades,
	}
	return p
}

// Handle accepts one decoded tick. It reports whether the tick was queued.
// Ticks outside every session window are dropped, not buffered.
func (p *Processor) Handle(tick domain.Tick) bool {
	kind := tick.Kind()
	if int(kind) < len(p.received) {
		p.received[kind].Add(1)
	}

	now := p.clock.Now()
	if p.gate != nil && !p.gate.IsActive(now) {
		p.gated.Add(1)
		return false
	}

	if !p.dedup.ShouldProcess(tick.Key(), now) {
		p.duplicates.Add(1)
		return false
	}

	if !p.exec.Submit(string(tick.Key()), func() { p.guarded(tick) }) {
		p.overflow.Add(1)
		return false
	}
	return true
}

func (p *Processor) guarded(tick domain.Tick) {
	if p.shield == nil {
		p.process(tick)
		return
	}
	op := "process_" + strings.ToLower(tick.Kind().String())
	p.shield.Execute(context.Background(), op, func(context.Context) error {
		p.process(tick)
		return nil
	}, func(err error) {
		p.failed.Add(1)
		p.logger.Debug("Tick skipped", slog.String("figi", string(tick.Key())), slog.String("op", op), slog.Any("error", err))
	})
}

func (p *Processor) process(tick domain.Tick) {
	key := tick.Key()
	previous, _ := p.state.LastPrice(key)

	switch t := tick.(type) {
	case domain.PriceTick:
		p.state.SetLastPrice(key, t.Price)
		p.refs.SetOpenIfAbsent(key, t.Price)
	case domain.TradeTick:
		p.state.SetLastPrice(key, t.Price)
		if t.Quantity > 0 && p.accumulates(p.clock.Now()) {
			p.state.AddVolume(key, t.Quantity)
		}
	case domain.BookTick:
		bid, ask := t.BestBid(), t.BestAsk()
		p.state.SetBestBid(key, bid.Price, bid.Quantity)
		p.state.SetBestAsk(key, ask.Price, ask.Quantity)
	}

	quote := p.enricher.Enrich(tick, previous)
	p.processed.Add(1)

	if p.quotes != nil {
		p.quotes.Publish(quote)
	}

	switch t := tick.(type) {
	case domain.PriceTick:
		if p.prices != nil {
			p.prices.OnPriceUpdate(key, t.Price, t.At)
		}
	case domain.TradeTick:
		if p.trades != nil {
			if err := p.trades.Record(t); err != nil {
				p.auditDrops.Add(1)
				if !errors.Is(err, domain.ErrQueueFull) {
					p.logger.Debug("Trade not recorded", slog.String("figi", string(key)), slog.Any("error", err))
				}
			}
		}
	}
}

func (p *Processor) accumulates(now time.Time) bool {
	return p.gate == nil || p.gate.TestMode() || p.gate.IsWeekend(now)
}

// ProcessorStats is a point-in-time view of the pipeline.
type ProcessorStats struct {
	ReceivedPrices     uint64     `json:"receivedPrices"`
	ReceivedTrades     uint64     `json:"receivedTrades"`
	ReceivedBooks      uint64     `json:"receivedBooks"`
	Processed          uint64     `json:"processed"`
	DroppedBySession   uint64     `json:"droppedBySession"`
	DroppedAsDuplicate uint64     `json:"droppedAsDuplicate"`
	DroppedOverflow    uint64     `json:"droppedOverflow"`
	Failed             uint64     `json:"failed"`
	AuditDrops         uint64     `json:"auditDrops"`
	TrackedInstruments int        `json:"trackedInstruments"`
	Dedup              DedupStats `json:"dedup"`
}

// Stats returns current counters.
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		ReceivedPrices:     p.received[domain.TickPrice].Load(),
		ReceivedTrades:     p.received[domain.TickTrade].Load(),
		ReceivedBooks:      p.received[domain.TickBook].Load(),
		Processed:          p.processed.Load(),
		DroppedBySession:   p.gated.Load(),
		DroppedAsDuplicate: p.duplicates.Load(),
		DroppedOverflow:    p.overflow.Load(),
		Failed:             p.failed.Load(),
		AuditDrops:         p.auditDrops.Load(),
		TrackedInstruments: p.state.Len(),
		Dedup:              p.dedup.Stats(),
	}
}
