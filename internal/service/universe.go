package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"quote_scanner/internal/domain"
)

// DefaultIndices is the index set streamed when configuration names none.
func DefaultIndices() []domain.IndexInstrument {
	return []domain.IndexInstrument{
		{Key: "BBG00KDWPPW3", Ticker: "IMOEX2", DisplayName: "IMOEX2"},
		{Key: "BBG004730N9", Ticker: "IMOEX", DisplayName: "IMOEX"},
		{Key: "BBG004730Z0", Ticker: "RTSI", DisplayName: "RTSI"},
		{Key: "BBG0013HGFT4", Ticker: "XAG", DisplayName: "XAG"},
		{Key: "BBG0013HJJ31", Ticker: "XAU", DisplayName: "XAU"},
		{Key: "BBG0013HGJ36", Ticker: "XPD", DisplayName: "XPD"},
		{Key: "BBG0013HGJ44", Ticker: "XPT", DisplayName: "XPT"},
	}
}

// IndexRegistry is the mutable set of index instruments merged into the universe.
type IndexRegistry struct {
	mu    sync.RWMutex
	items []domain.IndexInstrument
}

// NewIndexRegistry creates a registry seeded with initial, keeping the first
// entry per ticker.
func NewIndexRegistry(initial []domain.IndexInstrument) *IndexRegistry {
	r := &IndexRegistry{}
	for _, idx := range initial {
		r.Add(idx)
	}
	return r
}

// Add appends idx. It returns false when the ticker is already present or idx is incomplete.
func (r *IndexRegistry) Add(idx domain.IndexInstrument) bool {
	if idx.Key == "" || idx.Ticker == "" {
		return false
	}
	if idx.DisplayName == "" {
		idx.DisplayName = idx.Ticker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.Ticker == idx.Ticker {
			return false
		}
	}
	r.items = append(r.items, idx)
	return true
}

// Remove drops the index with ticker and reports whether it existed.
func (r *IndexRegistry) Remove(ticker string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, it := range r.items {
		if it.Ticker == ticker {
			r.items = append(r.items[:i:i], r.items[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a copy in insertion order.
func (r *IndexRegistry) List() []domain.IndexInstrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.IndexInstrument(nil), r.items...)
}

// Len returns the number of indices.
func (r *IndexRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Universe is the set of instruments to stream: the static list loaded from
// the directory plus the dynamic indices.
type Universe struct {
	indices *IndexRegistry
	logger  *slog.Logger

	mu     sync.RWMutex
	static []domain.InstrumentMeta
	byKey  map[domain.InstrumentKey]domain.InstrumentMeta
}

// NewUniverse creates an empty universe over indices.
func NewUniverse(indices *IndexRegistry) *Universe {
	return &Universe{
		indices: indices,
		logger:  slog.Default().With("module", "universe"),
		byKey:   make(map[domain.InstrumentKey]domain.InstrumentMeta),
	}
}

// Indices returns the dynamic index registry.
func (u *Universe) Indices() *IndexRegistry { return u.indices }

// SetStatic replaces the static instrument list.
func (u *Universe) SetStatic(metas []domain.InstrumentMeta) {
	byKey := make(map[domain.InstrumentKey]domain.InstrumentMeta, len(metas))
	static := make([]domain.InstrumentMeta, 0, len(metas))
	for _, m := range metas {
		if m.Key == "" {
			continue
		}
		if _, dup := byKey[m.Key]; dup {
			continue
		}
		byKey[m.Key] = m
		static = append(static, m)
	}

	u.mu.Lock()
	u.static, u.byKey = static, byKey
	u.mu.Unlock()
}

// Refresh reloads the static list from dir.
func (u *Universe) Refresh(ctx context.Context, dir domain.InstrumentDirectory) error {
	metas, err := dir.ListScannable(ctx)
	if err != nil {
		return fmt.Errorf("list scannable instruments: %w", err)
	}
	u.SetStatic(metas)
	u.logger.Info("Instrument universe loaded", slog.Int("instruments", len(metas)), slog.Int("indices", u.indices.Len()))
	return nil
}

// Instruments returns static instruments followed by indices not already present.
func (u *Universe) Instruments() []domain.InstrumentMeta {
	u.mu.RLock()
	out := append([]domain.InstrumentMeta(nil), u.static...)
	byKey := u.byKey
	u.mu.RUnlock()

	for _, idx := range u.indices.List() {
		if _, ok := byKey[idx.Key]; ok {
			continue
		}
		out = append(out, idx.Meta())
	}
	return out
}

// Keys returns the keys of Instruments.
func (u *Universe) Keys() []domain.InstrumentKey {
	metas := u.Instruments()
	keys := make([]domain.InstrumentKey, len(metas))
	for i, m := range metas {
		keys[i] = m.Key
	}
	return keys
}

// Meta looks up an instrument, including dynamic indices.
func (u *Universe) Meta(key domain.InstrumentKey) (domain.InstrumentMeta, bool) {
	u.mu.RLock()
	m, ok := u.byKey[key]
	u.mu.RUnlock()
	if ok {
		return m, true
	}
	for _, idx := range u.indices.List() {
		if idx.Key == key {
			return idx.Meta(), true
		}
	}
	return domain.InstrumentMeta{}, false
}
