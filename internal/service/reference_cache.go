package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"quote_scanner/internal/clock"
	"quote_scanner/internal/domain"

	"github.com/shopspring/decimal"
)

// ReferenceCache holds the latest known close, evening close and open price per
// instrument together with historical average volumes. Every (re)load builds a
// complete snapshot and swaps it in, so readers never see a partial reload.
type ReferenceCache struct {
	store  domain.PriceStore
	clock  clock.Clock
	logger *slog.Logger

	loadMu sync.Mutex // serializes loads
	keys   []domain.InstrumentKey

	snap    atomic.Pointer[referenceSnapshot]
	reloads atomic.Uint64
}

type referenceSnapshot struct {
	prices     map[domain.PriceField]map[domain.InstrumentKey]decimal.Decimal
	dates      map[domain.PriceField]time.Time
	avgVolumes map[domain.VolumeSession]map[domain.InstrumentKey]int64
	liveOpen   sync.Map // domain.InstrumentKey -> decimal.Decimal, opens observed from the feed
	loadedAt   time.Time
}

func emptySnapshot() *referenceSnapshot {
	s := &referenceSnapshot{
		prices:     make(map[domain.PriceField]map[domain.InstrumentKey]decimal.Decimal),
		dates:      make(map[domain.PriceField]time.Time),
		avgVolumes: make(map[domain.VolumeSession]map[domain.InstrumentKey]int64),
	}
	for _, f := range domain.PriceFields {
		s.prices[f] = make(map[domain.InstrumentKey]decimal.Decimal)
	}
	return s
}

// NewReferenceCache creates an empty cache backed by store.
func NewReferenceCache(store domain.PriceStore, c clock.Clock) *ReferenceCache {
	rc := &ReferenceCache{
		store:  store,
		clock:  c,
		logger: slog.Default().With("module", "reference_cache"),
	}
	rc.snap.Store(emptySnapshot())
	return rc
}

// Load replaces the cache content with the latest rows for keys.
// An empty keys slice loads every instrument the store knows.
// On error the previous content is kept.
func (c *ReferenceCache) Load(ctx context.Context, keys []domain.InstrumentKey) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.keys = append([]domain.InstrumentKey(nil), keys...)
	return c.loadLocked(ctx)
}

// ForceReload clears and reloads every field for the keys of the last Load.
func (c *ReferenceCache) ForceReload(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	return c.loadLocked(ctx)
}

func (c *ReferenceCache) loadLocked(ctx context.Context) error {
	next := emptySnapshot()

	for _, field := range domain.PriceFields {
		date, ok, err := c.store.LatestPriceDate(ctx, field)
		if err != nil {
			return fmt.Errorf("latest %s date: %w", field, err)
		}
		if !ok {
			c.logger.Warn("No reference prices available", slog.String("field", string(field)))
			continue
		}

		prices, err := c.store.Prices(ctx, field, date, c.keys)
		if err != nil {
			return fmt.Errorf("load %s prices for %s: %w", field, date.Format(time.DateOnly), err)
		}
		for k, p := range prices {
			next.prices[field][k] = p
		}
		next.dates[field] = date
	}

	for _, vs := range []domain.VolumeSession{domain.VolumeMorning, domain.VolumeWeekend} {
		vols, err := c.store.AverageVolumes(ctx, vs)
		if err != nil {
			return fmt.Errorf("load %s average volumes: %w", vs, err)
		}
		next.avgVolumes[vs] = vols
	}

	next.loadedAt = c.clock.Now()
	c.snap.Store(next)
	c.reloads.Add(1)

	c.logger.Info("Reference prices loaded",
		slog.Int("close", len(next.prices[domain.FieldClose])),
		slog.Int("evening_close", len(next.prices[domain.FieldEveningClose])),
		slog.Int("open", len(next.prices[domain.FieldOpen])),
	)
	return nil
}

// Get returns the cached price of field for key.
func (c *ReferenceCache) Get(key domain.InstrumentKey, field domain.PriceField) (decimal.Decimal, bool) {
	s := c.snap.Load()
	if p, ok := s.prices[field][key]; ok {
		return p, true
	}
	if field == domain.FieldOpen {
		if v, ok := s.liveOpen.Load(key); ok {
			return v.(decimal.Decimal), true
		}
	}
	return decimal.Zero, false
}

// SetOpenIfAbsent records price as today's open when none is known yet.
// It reports whether the price was stored.
func (c *ReferenceCache) SetOpenIfAbsent(key domain.InstrumentKey, price decimal.Decimal) bool {
	if price.Sign() <= 0 {
		return false
	}
	s := c.snap.Load()
	if _, ok := s.prices[domain.FieldOpen][key]; ok {
		return false
	}
	_, loaded := s.liveOpen.LoadOrStore(key, price)
	return !loaded
}

// AverageVolume returns the historical average volume of key for a session.
func (c *ReferenceCache) AverageVolume(key domain.InstrumentKey, vs domain.VolumeSession) int64 {
	return c.snap.Load().avgVolumes[vs][key]
}

// Dates returns the date each field was loaded from.
func (c *ReferenceCache) Dates() map[domain.PriceField]time.Time {
	s := c.snap.Load()
	out := make(map[domain.PriceField]time.Time, len(s.dates))
	for f, d := range s.dates {
		out[f] = d
	}
	return out
}

// ReferenceSnapshot is a copy of the cache content.
type ReferenceSnapshot struct {
	Prices     map[domain.PriceField]map[domain.InstrumentKey]decimal.Decimal
	Dates      map[domain.PriceField]time.Time
	AvgVolumes map[domain.VolumeSession]map[domain.InstrumentKey]int64
}

// Snapshot copies the current content, including opens observed from the feed.
func (c *ReferenceCache) Snapshot() ReferenceSnapshot {
	s := c.snap.Load()
	out := ReferenceSnapshot{
		Prices:     make(map[domain.PriceField]map[domain.InstrumentKey]decimal.Decimal, len(s.prices)),
		Dates:      c.Dates(),
		AvgVolumes: make(map[domain.VolumeSession]map[domain.InstrumentKey]int64, len(s.avgVolumes)),
	}
	for f, m := range s.prices {
		cp := make(map[domain.InstrumentKey]decimal.Decimal, len(m))
		for k, p := range m {
			cp[k] = p
		}
		out.Prices[f] = cp
	}
	s.liveOpen.Range(func(k, v any) bool {
		out.Prices[domain.FieldOpen][k.(domain.InstrumentKey)] = v.(decimal.Decimal)
		return true
	})
	for vs, m := range s.avgVolumes {
		cp := make(map[domain.InstrumentKey]int64, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out.AvgVolumes[vs] = cp
	}
	return out
}

// ReferenceStats summarizes the cache for diagnostics.
type ReferenceStats struct {
	ClosePrices        int       `json:"closePrices"`
	EveningClosePrices int       `json:"eveningClosePrices"`
	OpenPrices         int       `json:"openPrices"`
	CloseDate          string    `json:"closeDate,omitempty"`
	EveningCloseDate   string    `json:"eveningCloseDate,omitempty"`
	OpenDate           string    `json:"openDate,omitempty"`
	LoadedAt           time.Time `json:"loadedAt"`
	Reloads            uint64    `json:"reloads"`
}

// Stats returns sizes and dates per field.
func (c *ReferenceCache) Stats() ReferenceStats {
	s := c.snap.Load()
	date := func(f domain.PriceField) string {
		if d, ok := s.dates[f]; ok {
			return d.Format(time.DateOnly)
		}
		return ""
	}
	live := 0
	s.liveOpen.Range(func(any, any) bool { live++; return true })

	return ReferenceStats{
		ClosePrices:        len(s.prices[domain.FieldClose]),
		EveningClosePrices: len(s.prices[domain.FieldEveningClose]),
		OpenPrices:         len(s.prices[domain.FieldOpen]) + live,
		CloseDate:          date(domain.FieldClose),
		EveningCloseDate:   date(domain.FieldEveningClose),
		OpenDate:           date(domain.FieldOpen),
		LoadedAt:           s.loadedAt,
		Reloads:            c.reloads.Load(),
	}
}
