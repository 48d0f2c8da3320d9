package service

import (
	"context"
	"sync"
	"time"

	"quote_scanner/internal/domain"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// memStore is an in-memory PriceStore
type memStore struct {
	mu      sync.Mutex
	rows    map[domain.PriceField]map[string]map[domain.InstrumentKey]decimal.Decimal // field -> date -> key -> price
	volumes map[domain.VolumeSession]map[domain.InstrumentKey]int64
	traded  map[domain.InstrumentKey]int64
	err     error
	calls   int
}

func newMemStore() *memStore {
	return &memStore{
		rows:    make(map[domain.PriceField]map[string]map[domain.InstrumentKey]decimal.Decimal),
		volumes: make(map[domain.VolumeSession]map[domain.InstrumentKey]int64),
		traded:  make(map[domain.InstrumentKey]int64),
	}
}

func (m *memStore) put(field domain.PriceField, date string, key domain.InstrumentKey, price string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[field] == nil {
		m.rows[field] = make(map[string]map[domain.InstrumentKey]decimal.Decimal)
	}
	if m.rows[field][date] == nil {
		m.rows[field][date] = make(map[domain.InstrumentKey]decimal.Decimal)
	}
	m.rows[field][date][key] = dec(price)
}

func (m *memStore) LatestPriceDate(_ context.Context, field domain.PriceField) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return time.Time{}, false, m.err
	}
	latest := ""
	for date := range m.rows[field] {
		if date > latest {
			latest = date
		}
	}
	if latest == "" {
		return time.Time{}, false, nil
	}
	t, _ := time.Parse(time.DateOnly, latest)
	return t, true, nil
}

func (m *memStore) Prices(_ context.Context, field domain.PriceField, date time.Time, keys []domain.InstrumentKey) (map[domain.InstrumentKey]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[domain.InstrumentKey]decimal.Decimal)
	for k, p := range m.rows[field][date.Format(time.DateOnly)] {
		if len(keys) > 0 && !containsKey(keys, k) {
			continue
		}
		out[k] = p
	}
	return out, nil
}

func (m *memStore) TradedVolumes(context.Context, time.Time) (map[domain.InstrumentKey]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.InstrumentKey]int64, len(m.traded))
	for k, v := range m.traded {
		out[k] = v
	}
	return out, m.err
}

func (m *memStore) AverageVolumes(_ context.Context, vs domain.VolumeSession) (map[domain.InstrumentKey]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[domain.InstrumentKey]int64)
	for k, v := range m.volumes[vs] {
		out[k] = v
	}
	return out, nil
}

func containsKey(keys []domain.InstrumentKey, k domain.InstrumentKey) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}

// recordingPublisher collects quotes
type recordingPublisher struct {
	mu     sync.Mutex
	quotes []domain.EnrichedQuote
}

func (r *recordingPublisher) Publish(q domain.EnrichedQuote) {
	r.mu.Lock()
	r.quotes = append(r.quotes, q)
	r.mu.Unlock()
}

func (r *recordingPublisher) all() []domain.EnrichedQuote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.EnrichedQuote(nil), r.quotes...)
}

type priceUpdate struct {
	key   domain.InstrumentKey
	price decimal.Decimal
}

type recordingListener struct {
	mu      sync.Mutex
	updates []priceUpdate
}

func (r *recordingListener) OnPriceUpdate(key domain.InstrumentKey, price decimal.Decimal, _ time.Time) {
	r.mu.Lock()
	r.updates = append(r.updates, priceUpdate{key, price})
	r.mu.Unlock()
}

type recordingTrades struct {
	mu     sync.Mutex
	trades []domain.TradeTick
	err    error
}

func (r *recordingTrades) Record(t domain.TradeTick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.trades = append(r.trades, t)
	return nil
}
