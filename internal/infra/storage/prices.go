package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quote_scanner/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ======================================================================================
// Reference Prices
// ======================================================================================

func priceTable(field domain.PriceField) (string, error) {
	switch field {
	case domain.FieldClose:
		return ClosePrice{}.TableName(), nil
	case domain.FieldEveningClose:
		return EveningClosePrice{}.TableName(), nil
	case domain.FieldOpen:
		return OpenPrice{}.TableName(), nil
	default:
		return "", &domain.ValidationError{Field: "field", Reason: fmt.Sprintf("unknown price field %q", field)}
	}
}

// LatestPriceDate returns the most recent date with any price of field.
func (s *Storage) LatestPriceDate(ctx context.Context, field domain.PriceField) (time.Time, bool, error) {
	table, err := priceTable(field)
	if err != nil {
		return time.Time{}, false, err
	}

	var row PriceRow
	err = s.db.WithContext(ctx).Table(table).Order("price_date DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil // no data is not an error
	}
	if err != nil {
		return time.Time{}, false, wrapStoreErr("latest price date", err)
	}
	return dateOnly(row.PriceDate), true, nil
}

// Prices returns prices of field on date, narrowed to keys when given.
func (s *Storage) Prices(ctx context.Context, field domain.PriceField, date time.Time, keys []domain.InstrumentKey) (map[domain.InstrumentKey]decimal.Decimal, error) {
	table, err := priceTable(field)
	if err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Table(table).Where("price_date = ?", dateOnly(date))
	if len(keys) > 0 {
		q = q.Where("figi IN ?", keyStrings(keys))
	}

	var rows []PriceRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapStoreErr("prices", err)
	}

	out := make(map[domain.InstrumentKey]decimal.Decimal, len(rows))
	for _, r := range rows {
		out[domain.InstrumentKey(r.Figi)] = r.Price
	}
	return out, nil
}

// SavePrices upserts prices of field on date.
func (s *Storage) SavePrices(ctx context.Context, field domain.PriceField, date time.Time, prices map[domain.InstrumentKey]decimal.Decimal) error {
	table, err := priceTable(field)
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		return nil
	}

	day := dateOnly(date)
	rows := make([]PriceRow, 0, len(prices))
	for k, p := range prices {
		rows = append(rows, PriceRow{PriceDate: day, Figi: string(k), Price: p})
	}
	err = s.db.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
	return wrapStoreErr("save prices", err)
}

// ======================================================================================
// Volumes
// ======================================================================================

// TradedVolumes returns volumes already traded on date.
func (s *Storage) TradedVolumes(ctx context.Context, date time.Time) (map[domain.InstrumentKey]int64, error) {
	var rows []TodayVolume
	if err := s.db.WithContext(ctx).Where("trade_date = ?", dateOnly(date)).Find(&rows).Error; err != nil {
		return nil, wrapStoreErr("traded volumes", err)
	}
	out := make(map[domain.InstrumentKey]int64, len(rows))
	for _, r := range rows {
		out[domain.InstrumentKey(r.Figi)] = r.Volume
	}
	return out, nil
}

// SaveTradedVolumes upserts volumes traded on date.
func (s *Storage) SaveTradedVolumes(ctx context.Context, date time.Time, volumes map[domain.InstrumentKey]int64) error {
	if len(volumes) == 0 {
		return nil
	}
	day := dateOnly(date)
	rows := make([]TodayVolume, 0, len(volumes))
	for k, v := range volumes {
		rows = append(rows, TodayVolume{TradeDate: day, Figi: string(k), Volume: v})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	return wrapStoreErr("save traded volumes", err)
}

// AverageVolumes returns the historical average volume per instrument for a session.
func (s *Storage) AverageVolumes(ctx context.Context, session domain.VolumeSession) (map[domain.InstrumentKey]int64, error) {
	var rows []AverageVolume
	if err := s.db.WithContext(ctx).Where("session = ?", string(session)).Find(&rows).Error; err != nil {
		return nil, wrapStoreErr("average volumes", err)
	}
	out := make(map[domain.InstrumentKey]int64, len(rows))
	for _, r := range rows {
		out[domain.InstrumentKey(r.Figi)] = r.Volume
	}
	return out, nil
}

// SaveAverageVolumes upserts session averages.
func (s *Storage) SaveAverageVolumes(ctx context.Context, session domain.VolumeSession, volumes map[domain.InstrumentKey]int64) error {
	if len(volumes) == 0 {
		return nil
	}
	rows := make([]AverageVolume, 0, len(volumes))
	for k, v := range volumes {
		rows = append(rows, AverageVolume{Figi: string(k), Session: string(session), Volume: v})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	return wrapStoreErr("save average volumes", err)
}

func keyStrings(keys []domain.InstrumentKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

// wrapStoreErr marks database failures retriable for the shield.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewNetworkError(op, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err))
}
