package storage

import (
	"context"
	"errors"

	"quote_scanner/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ======================================================================================
// Instrument Directory
// ======================================================================================

// ListScannable returns every instrument flagged for scanning, ordered by ticker.
func (s *Storage) ListScannable(ctx context.Context) ([]domain.InstrumentMeta, error) {
	var rows []Instrument
	if err := s.db.WithContext(ctx).Where("scannable = ?", true).Order("ticker").Find(&rows).Error; err != nil {
		return nil, wrapStoreErr("list scannable", err)
	}
	out := make([]domain.InstrumentMeta, len(rows))
	for i, r := range rows {
		out[i] = r.meta()
	}
	return out, nil
}

// NamesOf maps keys to instrument names. Unknown keys are absent.
func (s *Storage) NamesOf(ctx context.Context, keys []domain.InstrumentKey) (map[domain.InstrumentKey]string, error) {
	return s.lookup(ctx, keys, func(r Instrument) string { return r.Name })
}

// TickersOf maps keys to tickers. Unknown keys are absent.
func (s *Storage) TickersOf(ctx context.Context, keys []domain.InstrumentKey) (map[domain.InstrumentKey]string, error) {
	return s.lookup(ctx, keys, func(r Instrument) string { return r.Ticker })
}

func (s *Storage) lookup(ctx context.Context, keys []domain.InstrumentKey, pick func(Instrument) string) (map[domain.InstrumentKey]string, error) {
	out := make(map[domain.InstrumentKey]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	var rows []Instrument
	if err := s.db.WithContext(ctx).Where("figi IN ?", keyStrings(keys)).Find(&rows).Error; err != nil {
		return nil, wrapStoreErr("instrument lookup", err)
	}
	for _, r := range rows {
		out[domain.InstrumentKey(r.Figi)] = pick(r)
	}
	return out, nil
}

// UpsertInstruments creates or updates directory entries.
func (s *Storage) UpsertInstruments(ctx context.Context, metas []domain.InstrumentMeta, scannable bool) error {
	if len(metas) == 0 {
		return nil
	}
	rows := make([]Instrument, len(metas))
	for i, m := range metas {
		rows[i] = Instrument{Figi: string(m.Key), Ticker: m.Ticker, Name: m.Name, Kind: string(m.Kind), Scannable: scannable}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	return wrapStoreErr("upsert instruments", err)
}

func (r Instrument) meta() domain.InstrumentMeta {
	return domain.InstrumentMeta{
		Key:    domain.InstrumentKey(r.Figi),
		Ticker: r.Ticker,
		Name:   r.Name,
		Kind:   domain.ParseInstrumentKind(r.Kind),
	}
}

// Meta returns one directory entry, or nil when key is unknown.
func (s *Storage) Meta(ctx context.Context, key domain.InstrumentKey) (*domain.InstrumentMeta, error) {
	var row Instrument
	err := s.db.WithContext(ctx).Where("figi = ?", string(key)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("instrument meta", err)
	}
	m := row.meta()
	return &m, nil
}
