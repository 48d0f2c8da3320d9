package domain

import "strings"

// InstrumentKey is the stable identifier of an instrument (FIGI in the upstream feed).
// It is the join key across every cache.
type InstrumentKey string

func (k InstrumentKey) String() string { return string(k) }

// InstrumentKind classifies instruments for subscription decisions
type InstrumentKind string

const (
	KindShare    InstrumentKind = "share"
	KindFuture   InstrumentKind = "future"
	KindIndex    InstrumentKind = "index"
	KindCurrency InstrumentKind = "currency"
)

// ParseInstrumentKind maps a stored kind string onto a known kind.
// Unknown values fall back to KindShare.
func ParseInstrumentKind(s string) InstrumentKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "future", "futures":
		return KindFuture
	case "index", "indicative":
		return KindIndex
	case "currency":
		return KindCurrency
	default:
		return KindShare
	}
}

// Tradable reports whether trades and order books exist for this kind.
// Indices and indicatives only publish prices.
func (k InstrumentKind) Tradable() bool {
	return k == KindShare || k == KindFuture
}

// InstrumentMeta describes an instrument of the scanning universe
type InstrumentMeta struct {
	Key    InstrumentKey  `json:"figi"`
	Ticker string         `json:"ticker"`
	Name   string         `json:"name"`
	Kind   InstrumentKind `json:"kind"`
}

// DisplayName returns the name, falling back to the ticker and then the key.
func (m InstrumentMeta) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	if m.Ticker != "" {
		return m.Ticker
	}
	return string(m.Key)
}

// IndexInstrument is a dynamically managed index added on top of the static universe
type IndexInstrument struct {
	Key         InstrumentKey `json:"figi" yaml:"figi"`
	Ticker      string        `json:"ticker" yaml:"ticker"`
	DisplayName string        `json:"displayName" yaml:"display_name"`
}

// Meta converts the index into universe metadata.
func (i IndexInstrument) Meta() InstrumentMeta {
	return InstrumentMeta{Key: i.Key, Ticker: i.Ticker, Name: i.DisplayName, Kind: KindIndex}
}
