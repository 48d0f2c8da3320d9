package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceRow is one reference price of an instrument on a date
type PriceRow struct {
	PriceDate time.Time       `gorm:"primaryKey;type:date"`
	Figi      string          `gorm:"primaryKey;size:32"`
	Price     decimal.Decimal `gorm:"type:numeric(18,9);not null"`
	UpdatedAt time.Time
}

// ClosePrice is the main-session close
type ClosePrice struct{ PriceRow }

func (ClosePrice) TableName() string { return "close_prices" }

// EveningClosePrice is the evening-session close
type EveningClosePrice struct{ PriceRow }

func (EveningClosePrice) TableName() string { return "evening_close_prices" }

// OpenPrice is the session open
type OpenPrice struct{ PriceRow }

func (OpenPrice) TableName() string { return "open_prices" }

// Instrument is a directory entry
type Instrument struct {
	Figi      string `gorm:"primaryKey;size:32"`
	Ticker    string `gorm:"index;size:32"`
	Name      string
	Kind      string `gorm:"size:16"`
	Scannable bool   `gorm:"index"`
	UpdatedAt time.Time
}

func (Instrument) TableName() string { return "instruments" }

// TodayVolume is the volume already traded on a date
type TodayVolume struct {
	TradeDate time.Time `gorm:"primaryKey;type:date"`
	Figi      string    `gorm:"primaryKey;size:32"`
	Volume    int64
}

func (TodayVolume) TableName() string { return "today_volumes" }

// AverageVolume is the historical average volume of a session
type AverageVolume struct {
	Figi    string `gorm:"primaryKey;size:32"`
	Session string `gorm:"primaryKey;size:16"`
	Volume  int64
}

func (AverageVolume) TableName() string { return "average_volumes" }

// Trade is an audited trade print
type Trade struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement"`
	Figi       string          `gorm:"index:idx_trades_figi_time;size:32"`
	TradeTime  time.Time       `gorm:"index:idx_trades_figi_time"`
	Price      decimal.Decimal `gorm:"type:numeric(18,9)"`
	Quantity   int64
	Direction  string `gorm:"size:8"`
	ReceivedAt time.Time
}

func (Trade) TableName() string { return "trades" }

func models() []any {
	return []any{
		&ClosePrice{}, &EveningClosePrice{}, &OpenPrice{},
		&Instrument{}, &TodayVolume{}, &AverageVolume{}, &Trade{},
	}
}

// dateOnly normalizes t to midnight UTC of its calendar date.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
