package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickKind identifies the variant of a Tick
type TickKind uint8

const (
	TickPrice TickKind = iota + 1
	TickTrade
	TickBook
)

func (k TickKind) String() string {
	switch k {
	case TickPrice:
		return "LAST_PRICE"
	case TickTrade:
		return "TRADE"
	case TickBook:
		return "ORDER_BOOK"
	default:
		return "UNKNOWN"
	}
}

// Tick is one unit of incoming market data.
// Implemented by PriceTick, TradeTick and BookTick only.
type Tick interface {
	Key() InstrumentKey
	Time() time.Time
	Kind() TickKind
	tick()
}

// PriceTick is a last-price update
type PriceTick struct {
	Instrument InstrumentKey
	Price      decimal.Decimal
	At         time.Time
}

func (t PriceTick) Key() InstrumentKey { return t.Instrument }
func (t PriceTick) Time() time.Time    { return t.At }
func (t PriceTick) Kind() TickKind     { return TickPrice }
func (PriceTick) tick()                {}

// TradeSide is the aggressor side of a trade print
type TradeSide string

const (
	SideBuy     TradeSide = "BUY"
	SideSell    TradeSide = "SELL"
	SideUnknown TradeSide = ""
)

// ParseTradeSide accepts both short and upstream enum spellings.
func ParseTradeSide(s string) TradeSide {
	switch s {
	case "BUY", "buy", "TRADE_DIRECTION_BUY":
		return SideBuy
	case "SELL", "sell", "TRADE_DIRECTION_SELL":
		return SideSell
	default:
		return SideUnknown
	}
}

// TradeTick is a single trade print
type TradeTick struct {
	Instrument InstrumentKey
	Price      decimal.Decimal
	Quantity   int64
	Side       TradeSide
	At         time.Time
}

func (t TradeTick) Key() InstrumentKey { return t.Instrument }
func (t TradeTick) Time() time.Time    { return t.At }
func (t TradeTick) Kind() TickKind     { return TickTrade }
func (TradeTick) tick()                {}

// BookLevel is one price level of an order book side
type BookLevel struct {
	Price    decimal.Decimal
	Quantity int64
}

// BookTick is an order book snapshot
type BookTick struct {
	Instrument InstrumentKey
	Depth      int
	Bids       []BookLevel
	Asks       []BookLevel
	At         time.Time
}

func (t BookTick) Key() InstrumentKey { return t.Instrument }
func (t BookTick) Time() time.Time    { return t.At }
func (t BookTick) Kind() TickKind     { return TickBook }
func (BookTick) tick()                {}

// BestBid returns level 0 of the bid side, or a zero level when the side is empty.
func (t BookTick) BestBid() BookLevel {
	if len(t.Bids) == 0 {
		return BookLevel{Price: decimal.Zero}
	}
	return t.Bids[0]
}

// BestAsk returns level 0 of the ask side, or a zero level when the side is empty.
func (t BookTick) BestAsk() BookLevel {
	if len(t.Asks) == 0 {
		return BookLevel{Price: decimal.Zero}
	}
	return t.Asks[0]
}
