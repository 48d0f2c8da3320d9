package service

import (
	"sort"
	"sync"
	"sync/atomic"

	"quote_scanner/internal/domain"

	"github.com/shopspring/decimal"
)

// StateCache manages the live state of every instrument.
// Each instrument has its own lock; volume is a lock-free counter.
type StateCache struct {
	entries sync.Map // domain.InstrumentKey -> *instrumentState
	seeds   atomic.Pointer[map[domain.InstrumentKey]int64]
}

type instrumentState struct {
	mu        sync.RWMutex
	lastPrice decimal.Decimal
	bestBid   decimal.Decimal
	bestAsk   decimal.Decimal
	bidSize   int64
	askSize   int64

	volume atomic.Int64
}

// InstrumentState is a copy of one instrument's live state
type InstrumentState struct {
	Instrument        domain.InstrumentKey `json:"figi"`
	LastPrice         decimal.Decimal      `json:"lastPrice"`
	BestBid           decimal.Decimal      `json:"bestBid"`
	BestAsk           decimal.Decimal      `json:"bestAsk"`
	BidSize           int64                `json:"bidSize"`
	AskSize           int64                `json:"askSize"`
	AccumulatedVolume int64                `json:"accumulatedVolume"`
}

// NewStateCache creates an empty cache
func NewStateCache() *StateCache {
	return &StateCache{}
}

func (c *StateCache) entry(key domain.InstrumentKey) *instrumentState {
	if v, ok := c.entries.Load(key); ok {
		return v.(*instrumentState)
	}
	fresh := &instrumentState{}
	if seeds := c.seeds.Load(); seeds != nil {
		fresh.volume.Store((*seeds)[key])
	}
	v, _ := c.entries.LoadOrStore(key, fresh)
	return v.(*instrumentState)
}

func (c *StateCache) lookup(key domain.InstrumentKey) (*instrumentState, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*instrumentState), true
}

// LastPrice returns the last known trade price.
func (c *StateCache) LastPrice(key domain.InstrumentKey) (decimal.Decimal, bool) {
	s, ok := c.lookup(key)
	if !ok {
		return decimal.Zero, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastPrice.Sign() <= 0 {
		return decimal.Zero, false
	}
	return s.lastPrice, true
}

// SetLastPrice replaces the last price.
func (c *StateCache) SetLastPrice(key domain.InstrumentKey, price decimal.Decimal) {
	s := c.entry(key)
	s.mu.Lock()
	s.lastPrice = price
	s.mu.Unlock()
}

// SetBestBid replaces the best bid and its size.
func (c *StateCache) SetBestBid(key domain.InstrumentKey, price decimal.Decimal, size int64) {
	s := c.entry(key)
	s.mu.Lock()
	s.bestBid, s.bidSize = price, size
	s.mu.Unlock()
}

// SetBestAsk replaces the best ask and its size.
func (c *StateCache) SetBestAsk(key domain.InstrumentKey, price decimal.Decimal, size int64) {
	s := c.entry(key)
	s.mu.Lock()
	s.bestAsk, s.askSize = price, size
	s.mu.Unlock()
}

// AddVolume increments accumulated volume and returns the new total.
func (c *StateCache) AddVolume(key domain.InstrumentKey, delta int64) int64 {
	return c.entry(key).volume.Add(delta)
}

// Volume returns accumulated volume.
func (c *StateCache) Volume(key domain.InstrumentKey) int64 {
	s, ok := c.lookup(key)
	if !ok {
		if seeds := c.seeds.Load(); seeds != nil {
			return (*seeds)[key]
		}
		return 0
	}
	return s.volume.Load()
}

// SeedVolumes resets accumulated volume of every instrument to the volume
// already traded according to persistence. Instruments missing from seeds
// are reset to zero.
func (c *StateCache) SeedVolumes(seeds map[domain.InstrumentKey]int64) {
	cp := make(map[domain.InstrumentKey]int64, len(seeds))
	for k, v := range seeds {
		cp[k] = v
	}
	c.seeds.Store(&cp)

	c.entries.Range(func(k, v any) bool {
		v.(*instrumentState).volume.Store(cp[k.(domain.InstrumentKey)])
		return true
	})
}

// Get returns a copy of the state of key.
func (c *StateCache) Get(key domain.InstrumentKey) (InstrumentState, bool) {
	s, ok := c.lookup(key)
	if !ok {
		return InstrumentState{}, false
	}
	return s.copy(key), true
}

func (s *instrumentState) copy(key domain.InstrumentKey) InstrumentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return InstrumentState{
		Instrument:        key,
		LastPrice:         s.lastPrice,
		BestBid:           s.bestBid,
		BestAsk:           s.bestAsk,
		BidSize:           s.bidSize,
		AskSize:           s.askSize,
		AccumulatedVolume: s.volume.Load(),
	}
}

// All returns every state sorted by instrument.
func (c *StateCache) All() []InstrumentState {
	var out []InstrumentState
	c.entries.Range(func(k, v any) bool {
		out = append(out, v.(*instrumentState).copy(k.(domain.InstrumentKey)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Len returns the number of tracked instruments.
func (c *StateCache) Len() int {
	n := 0
	c.entries.Range(func(any, any) bool { n++; return true })
	return n
}
