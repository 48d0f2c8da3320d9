// Package feed maintains the upstream market-data subscription: it splits the
// instrument universe into streams, subscribes in paced batches and reconnects
// after every fault for as long as it runs.
package feed

import (
	"context"
	"time"

	"quote_scanner/internal/domain"
)

// Channel is an upstream subscription channel
type Channel string

const (
	ChannelLastPrice Channel = "last_price"
	ChannelTrades    Channel = "trades"
	ChannelOrderBook Channel = "order_book"
)

// SubscriptionRequest asks the upstream to stream a channel for instruments.
type SubscriptionRequest struct {
	Action      string                 `json:"action"`
	Channel     Channel                `json:"channel"`
	Instruments []domain.InstrumentKey `json:"instruments"`
	Depth       int                    `json:"depth,omitempty"`
}

// Ack confirms a subscription request
type Ack struct {
	Channel  Channel
	Accepted int
}

// Message is one decoded upstream frame. Either Ack is set or Ticks holds
// the decoded market data; heartbeats decode to an empty Message.
type Message struct {
	Ack   *Ack
	Ticks []domain.Tick
}

// Stream is one live upstream subscription stream.
type Stream interface {
	Send(ctx context.Context, req SubscriptionRequest) error
	// Recv blocks for the next frame. A graceful end of stream returns io.EOF.
	Recv(ctx context.Context) (Message, error)
	// CloseSend signals completion to the upstream.
	CloseSend() error
}

// Client opens upstream streams
type Client interface {
	Open(ctx context.Context) (Stream, error)
}

// State is the connection lifecycle state
type State int32

const (
	StateDisconnected State = iota
	StateSubscribing
	StateStreaming
	StateError
	StateCompleted
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateError:
		return "ERROR"
	case StateCompleted:
		return "COMPLETED"
	case StateReconnectScheduled:
		return "RECONNECT_SCHEDULED"
	default:
		return "UNKNOWN"
	}
}

// Config tunes the connection. Zero values take defaults.
type Config struct {
	ReconnectDelay      time.Duration
	EmptyUniverseDelay  time.Duration
	ForceReconnectDelay time.Duration
	BatchSize           int
	MaxPerStream        int
	RequestInterval     time.Duration
	OrderBookEnabled    bool
	OrderBookDepth      int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:      time.Second,
		EmptyUniverseDelay:  30 * time.Second,
		ForceReconnectDelay: 100 * time.Millisecond,
		BatchSize:           150,
		MaxPerStream:        300,
		RequestInterval:     250 * time.Millisecond,
		OrderBookDepth:      10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.EmptyUniverseDelay <= 0 {
		c.EmptyUniverseDelay = d.EmptyUniverseDelay
	}
	if c.ForceReconnectDelay <= 0 {
		c.ForceReconnectDelay = d.ForceReconnectDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxPerStream <= 0 {
		c.MaxPerStream = d.MaxPerStream
	}
	if c.RequestInterval <= 0 {
		c.RequestInterval = d.RequestInterval
	}
	if c.OrderBookDepth <= 0 {
		c.OrderBookDepth = d.OrderBookDepth
	}
	return c
}
