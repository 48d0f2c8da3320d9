package feed

import (
	"errors"
	"fmt"
	"time"

	"quote_scanner/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/valyala/fastjson"
)

var errMissingField = errors.New("missing field")

// decodeMessage parses one upstream frame:
//
//	{"type":"ack","channel":"trades","accepted":150}
//	{"type":"last_price","data":[{"figi":"X","price":"100.5","time":1767225600000}]}
//	{"type":"trade","data":[{"figi":"X","price":100.5,"quantity":3,"direction":"BUY","time":...}]}
//	{"type":"order_book","data":[{"figi":"X","depth":10,"bids":[{"price":..,"quantity":..}],"asks":[..],"time":...}]}
//
// Malformed entries inside data are skipped; a frame that is not JSON is an error.
func decodeMessage(p *fastjson.Parser, msg []byte) (Message, error) {
	v, err := p.ParseBytes(msg)
	if err != nil {
		return Message{}, fmt.Errorf("parse frame: %w", err)
	}

	switch string(v.GetStringBytes("type")) {
	case "ack":
		return Message{Ack: &Ack{
			Channel:  Channel(v.GetStringBytes("channel")),
			Accepted: v.GetInt("accepted"),
		}}, nil
	case "last_price":
		return Message{Ticks: decodeEach(v, decodePrice)}, nil
	case "trade":
		return Message{Ticks: decodeEach(v, decodeTrade)}, nil
	case "order_book":
		return Message{Ticks: decodeEach(v, decodeBook)}, nil
	case "error":
		return Message{}, domain.NewNetworkError("upstream", errors.New(string(v.GetStringBytes("message"))))
	default:
		// ping and unknown frames
		return Message{}, nil
	}
}

func decodeEach(v *fastjson.Value, fn func(*fastjson.Value) (domain.Tick, error)) []domain.Tick {
	items, err := v.Get("data").Array()
	if err != nil {
		return nil
	}
	out := make([]domain.Tick, 0, len(items))
	for _, item := range items {
		t, err := fn(item)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

func decodePrice(v *fastjson.Value) (domain.Tick, error) {
	key, err := decodeKey(v)
	if err != nil {
		return nil, err
	}
	price, err := decodeDecimal(v.Get("price"))
	if err != nil {
		return nil, err
	}
	return domain.PriceTick{Instrument: key, Price: price, At: decodeTime(v.Get("time"))}, nil
}

func decodeTrade(v *fastjson.Value) (domain.Tick, error) {
	key, err := decodeKey(v)
	if err != nil {
		return nil, err
	}
	price, err := decodeDecimal(v.Get("price"))
	if err != nil {
		return nil, err
	}
	return domain.TradeTick{
		Instrument: key,
		Price:      price,
		Quantity:   v.GetInt64("quantity"),
		Side:       domain.ParseTradeSide(string(v.GetStringBytes("direction"))),
		At:         decodeTime(v.Get("time")),
	}, nil
}

func decodeBook(v *fastjson.Value) (domain.Tick, error) {
	key, err := decodeKey(v)
	if err != nil {
		return nil, err
	}
	return domain.BookTick{
		Instrument: key,
		Depth:      v.GetInt("depth"),
		Bids:       decodeLevels(v.GetArray("bids")),
		Asks:       decodeLevels(v.GetArray("asks")),
		At:         decodeTime(v.Get("time")),
	}, nil
}

func decodeLevels(items []*fastjson.Value) []domain.BookLevel {
	levels := make([]domain.BookLevel, 0, len(items))
	for _, it := range items {
		price, err := decodeDecimal(it.Get("price"))
		if err != nil {
			continue
		}
		levels = append(levels, domain.BookLevel{Price: price, Quantity: it.GetInt64("quantity")})
	}
	return levels
}

func decodeKey(v *fastjson.Value) (domain.InstrumentKey, error) {
	key := v.GetStringBytes("figi")
	if len(key) == 0 {
		return "", fmt.Errorf("figi: %w", errMissingField)
	}
	return domain.InstrumentKey(key), nil
}

// decodeDecimal accepts a JSON string or number.
func decodeDecimal(v *fastjson.Value) (decimal.Decimal, error) {
	if v == nil {
		return decimal.Zero, fmt.Errorf("price: %w", errMissingField)
	}
	switch v.Type() {
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		return decimal.NewFromString(string(b))
	case fastjson.TypeNumber:
		// keep the literal to avoid binary float artifacts
		return decimal.NewFromString(v.String())
	default:
		return decimal.Zero, fmt.Errorf("price: unexpected type %s", v.Type())
	}
}

// decodeTime accepts unix milliseconds or an RFC 3339 string; anything else
// maps to the receive time.
func decodeTime(v *fastjson.Value) time.Time {
	if v != nil {
		switch v.Type() {
		case fastjson.TypeNumber:
			return time.UnixMilli(v.GetInt64())
		case fastjson.TypeString:
			b, _ := v.StringBytes()
			if t, err := time.Parse(time.RFC3339Nano, string(b)); err == nil {
				return t
			}
		}
	}
	return time.Now()
}
