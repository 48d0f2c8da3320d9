// Package pair tracks configured instrument pairs and emits a spread record
// whenever either leg's price changes.
package pair

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"quote_scanner/internal/domain"
	"quote_scanner/internal/engine"
	"quote_scanner/internal/hub"

	"github.com/shopspring/decimal"
)

// Comparator owns its own last-price table, fed only by OnPriceUpdate.
type Comparator struct {
	exec   engine.Executor
	out    *hub.Hub[domain.PairComparison]
	logger *slog.Logger

	mu    sync.RWMutex
	pairs map[string]domain.InstrumentPair

	prices sync.Map // domain.InstrumentKey -> decimal.Decimal

	updates    atomic.Uint64
	processed  atomic.Uint64
	sent       atomic.Uint64
	suppressed atomic.Uint64
}

// NewComparator creates a comparator computing on exec and publishing to out.
func NewComparator(exec engine.Executor, out *hub.Hub[domain.PairComparison]) *Comparator {
	if exec == nil {
		exec = engine.Inline{}
	}
	return &Comparator{
		exec:   exec,
		out:    out,
		logger: slog.Default().With("module", "pair_comparator"),
		pairs:  make(map[string]domain.InstrumentPair),
	}
}

// AddPair registers p. It returns false when the pair id is taken or p is invalid.
func (c *Comparator) AddPair(p domain.InstrumentPair) bool {
	if err := p.Validate(); err != nil {
		c.logger.Warn("Pair rejected", slog.String("pair_id", p.PairID), slog.Any("error", err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pairs[p.PairID]; exists {
		return false
	}
	c.pairs[p.PairID] = p
	c.logger.Info("Pair added",
		slog.String("pair_id", p.PairID),
		slog.String("first", string(p.FirstInstrument)),
		slog.String("second", string(p.SecondInstrument)),
	)
	return true
}

// RemovePair drops the pair and reports whether it existed.
func (c *Comparator) RemovePair(pairID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pairs[pairID]; !exists {
		return false
	}
	delete(c.pairs, pairID)
	c.logger.Info("Pair removed", slog.String("pair_id", pairID))
	return true
}

// Pairs returns every pair sorted by id.
func (c *Comparator) Pairs() []domain.InstrumentPair {
	c.mu.RLock()
	out := make([]domain.InstrumentPair, 0, len(c.pairs))
	for _, p := range c.pairs {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return out
}

// Instruments returns the distinct keys referenced by pairs.
func (c *Comparator) Instruments() []domain.InstrumentKey {
	seen := make(map[domain.InstrumentKey]struct{})
	var out []domain.InstrumentKey
	for _, p := range c.Pairs() {
		for _, k := range []domain.InstrumentKey{p.FirstInstrument, p.SecondInstrument} {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out
}

// Subscribe registers a consumer of comparisons.
func (c *Comparator) Subscribe(name string, fn hub.Handler[domain.PairComparison]) hub.SubscriptionID {
	return c.out.Subscribe(name, fn)
}

// Unsubscribe removes a consumer.
func (c *Comparator) Unsubscribe(id hub.SubscriptionID) bool {
	return c.out.Unsubscribe(id)
}

// OnPriceUpdate records price for key and recomputes every pair with key as a leg.
func (c *Comparator) OnPriceUpdate(key domain.InstrumentKey, price decimal.Decimal, at time.Time) {
	c.updates.Add(1)
	if !c.exec.Submit(string(key), func() { c.apply(key, price, at) }) {
		c.logger.Debug("Pair update dropped", slog.String("figi", string(key)))
	}
}

func (c *Comparator) apply(key domain.InstrumentKey, price decimal.Decimal, at time.Time) {
	c.prices.Store(key, price)

	c.mu.RLock()
	var matches []domain.InstrumentPair
	for _, p := range c.pairs {
		if p.Involves(key) {
			matches = append(matches, p)
		}
	}
	c.mu.RUnlock()

	for _, p := range matches {
		c.processed.Add(1)
		first, ok1 := c.price(p.FirstInstrument)
		second, ok2 := c.price(p.SecondInstrument)
		if !ok1 || !ok2 {
			c.suppressed.Add(1)
			continue
		}
		c.out.Publish(domain.NewPairComparison(p, first, second, at))
		c.sent.Add(1)
	}
}

func (c *Comparator) price(key domain.InstrumentKey) (decimal.Decimal, bool) {
	v, ok := c.prices.Load(key)
	if !ok {
		return decimal.Zero, false
	}
	return v.(decimal.Decimal), true
}

// CurrentPrices returns a copy of the comparator's price table.
func (c *Comparator) CurrentPrices() map[domain.InstrumentKey]decimal.Decimal {
	out := make(map[domain.InstrumentKey]decimal.Decimal)
	c.prices.Range(func(k, v any) bool {
		out[k.(domain.InstrumentKey)] = v.(decimal.Decimal)
		return true
	})
	return out
}

// Stats is a point-in-time view of the comparator.
type Stats struct {
	PriceUpdates              uint64 `json:"priceUpdates"`
	TotalComparisonsProcessed uint64 `json:"totalComparisonsProcessed"`
	TotalComparisonsSent      uint64 `json:"totalComparisonsSent"`
	Suppressed                uint64 `json:"suppressed"`
	ActiveSubscribers         int    `json:"activeSubscribers"`
	TrackedPairs              int    `json:"trackedPairs"`
	TrackedInstruments        int    `json:"trackedInstruments"`
}

// Stats returns current counters.
func (c *Comparator) Stats() Stats {
	c.mu.RLock()
	pairs := len(c.pairs)
	c.mu.RUnlock()

	tracked := 0
	c.prices.Range(func(any, any) bool { tracked++; return true })

	return Stats{
		PriceUpdates:              c.updates.Load(),
		TotalComparisonsProcessed: c.processed.Load(),
		TotalComparisonsSent:      c.sent.Load(),
		Suppressed:                c.suppressed.Load(),
		ActiveSubscribers:         c.out.Stats().SubscriberCount,
		TrackedPairs:              pairs,
		TrackedInstruments:        tracked,
	}
}
