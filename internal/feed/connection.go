package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"quote_scanner/internal/clock"
	"quote_scanner/internal/domain"
)

// Universe supplies the instruments to subscribe, read at subscribe time.
type Universe interface {
	Instruments() []domain.InstrumentMeta
}

// TickHandler consumes decoded ticks on the receive path. It must not block.
type TickHandler interface {
	Handle(tick domain.Tick) bool
}

// FuturesGate decides whether futures trades and books may be subscribed now.
type FuturesGate interface {
	CanSubscribeFutures(now time.Time) bool
}

// fullSubscribe is the pending-reconnect id of a whole-universe subscribe
const fullSubscribe = 0

type stream struct {
	id          int
	gen         uint64
	instruments []domain.InstrumentMeta

	s      Stream
	ctx    context.Context
	cancel context.CancelFunc

	acked   atomic.Bool
	closing atomic.Bool
}

// Connection drives the upstream subscription state machine:
// DISCONNECTED, SUBSCRIBING, STREAMING, then ERROR or COMPLETED on a fault,
// RECONNECT_SCHEDULED and back to SUBSCRIBING. Every stream of the universe
// reconnects on its own. A generation counter retires streams torn down by
// ForceReconnect or Stop so their late errors never schedule anything.
type Connection struct {
	cfg      Config
	client   Client
	universe Universe
	futures  FuturesGate
	handler  TickHandler
	sched    *clock.Scheduler
	clock    clock.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	running   bool
	state     State
	gen       uint64
	streams   map[int]*stream
	pending   map[int]func()
	nextSlot  time.Time
	lastError string

	received   [4]atomic.Uint64 // indexed by TickKind
	total      atomic.Uint64
	opened     atomic.Uint64
	acks       atomic.Uint64
	reconnects atomic.Uint64
	sendErrors atomic.Uint64
}

// NewConnection creates a stopped connection.
func NewConnection(cfg Config, client Client, universe Universe, futures FuturesGate, handler TickHandler, sched *clock.Scheduler) *Connection {
	return &Connection{
		cfg:      cfg.withDefaults(),
		client:   client,
		universe: universe,
		futures:  futures,
		handler:  handler,
		sched:    sched,
		clock:    sched.Clock(),
		logger:   slog.Default().With("module", "feed"),
		streams:  make(map[int]*stream),
		pending:  make(map[int]func()),
	}
}

// Start subscribes the current universe. Failures are retried in the background.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	c.logger.Info("Feed starting",
		slog.Int("batch_size", c.cfg.BatchSize),
		slog.Int("max_per_stream", c.cfg.MaxPerStream),
		slog.Bool("order_book", c.cfg.OrderBookEnabled),
	)
	c.subscribeAll()
}

// Stop completes every stream and cancels pending reconnects.
func (c *Connection) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	closing := c.retireLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.complete(closing)
	c.logger.Info("Feed stopped")
}

// ForceReconnect completes every live stream, ignoring errors, and
// resubscribes the whole universe shortly after.
func (c *Connection) ForceReconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	closing := c.retireLocked()
	gen := c.gen
	c.mu.Unlock()

	c.logger.Info("Force reconnect requested", slog.Int("streams", len(closing)))
	c.complete(closing)
	c.scheduleReconnect(gen, fullSubscribe, nil, c.cfg.ForceReconnectDelay)
}

// retireLocked bumps the generation and detaches every stream and pending
// reconnect. c.mu must be held.
func (c *Connection) retireLocked() []*stream {
	c.gen++
	closing := make([]*stream, 0, len(c.streams))
	for _, st := range c.streams {
		closing = append(closing, st)
	}
	c.streams = make(map[int]*stream)
	for _, cancel := range c.pending {
		cancel()
	}
	c.pending = make(map[int]func())
	return closing
}

func (c *Connection) complete(streams []*stream) {
	for _, st := range streams {
		st.closing.Store(true)
		st.acked.Store(false)
		if err := st.s.CloseSend(); err != nil {
			c.logger.Debug("Completing stream failed", slog.Int("stream", st.id), slog.Any("error", err))
		}
		st.cancel()
	}
}

func (c *Connection) subscribeAll() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.state = StateSubscribing
	c.nextSlot = time.Time{}
	c.mu.Unlock()

	metas := c.universe.Instruments()
	if len(metas) == 0 {
		c.logger.Warn("No instruments to subscribe, retrying later", slog.Duration("delay", c.cfg.EmptyUniverseDelay))
		c.mu.Lock()
		c.lastError = domain.ErrEmptyUniverse.Error()
		c.mu.Unlock()
		c.scheduleReconnect(gen, fullSubscribe, nil, c.cfg.EmptyUniverseDelay)
		return
	}

	groups := chunk(metas, c.cfg.MaxPerStream)
	c.logger.Info("Subscribing universe", slog.Int("instruments", len(metas)), slog.Int("streams", len(groups)))
	for i, g := range groups {
		c.openStream(gen, i+1, g)
	}
}

func (c *Connection) openStream(gen uint64, id int, metas []domain.InstrumentMeta) {
	c.mu.Lock()
	if !c.running || gen != c.gen {
		c.mu.Unlock()
		return
	}
	base := c.ctx
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(base)
	s, err := c.client.Open(ctx)
	if err != nil {
		cancel()
		c.logger.Warn("Opening stream failed", slog.Int("stream", id), slog.Any("error", err))
		c.fail(gen, id, metas, err)
		return
	}

	st := &stream{id: id, gen: gen, instruments: metas, s: s, ctx: ctx, cancel: cancel}

	c.mu.Lock()
	if !c.running || gen != c.gen {
		c.mu.Unlock()
		cancel()
		_ = s.CloseSend()
		return
	}
	c.streams[id] = st
	c.mu.Unlock()

	c.opened.Add(1)
	go c.recvLoop(st)
	c.sendSubscriptions(st)
}

// subscriptionRequests builds the batched requests of one stream. Prices are
// requested for everything; trades and books only for tradable kinds, and
// futures only while the futures gate allows it.
func (c *Connection) subscriptionRequests(metas []domain.InstrumentMeta, now time.Time) []SubscriptionRequest {
	allowFutures := c.futures == nil || c.futures.CanSubscribeFutures(now)

	all := make([]domain.InstrumentKey, 0, len(metas))
	var tradable []domain.InstrumentKey
	skipped := 0
	for _, m := range metas {
		all = append(all, m.Key)
		if !m.Kind.Tradable() {
			continue
		}
		if m.Kind == domain.KindFuture && !allowFutures {
			skipped++
			continue
		}
		tradable = append(tradable, m.Key)
	}
	if skipped > 0 {
		c.logger.Info("Futures trades deferred until the weekend futures session", slog.Int("futures", skipped))
	}

	var reqs []SubscriptionRequest
	add := func(ch Channel, keys []domain.InstrumentKey, depth int) {
		for _, batch := range chunk(keys, c.cfg.BatchSize) {
			reqs = append(reqs, SubscriptionRequest{Action: "subscribe", Channel: ch, Instruments: batch, Depth: depth})
		}
	}
	add(ChannelLastPrice, all, 0)
	add(ChannelTrades, tradable, 0)
	if c.cfg.OrderBookEnabled {
		add(ChannelOrderBook, tradable, c.cfg.OrderBookDepth)
	}
	return reqs
}

func (c *Connection) sendSubscriptions(st *stream) {
	for _, req := range c.subscriptionRequests(st.instruments, c.clock.Now()) {
		c.sendPaced(st, req)
	}
}

// sendPaced spaces requests of every stream by RequestInterval.
func (c *Connection) sendPaced(st *stream, req SubscriptionRequest) {
	c.mu.Lock()
	now := c.clock.Now()
	slot := c.nextSlot
	if slot.Before(now) {
		slot = now
	}
	c.nextSlot = slot.Add(c.cfg.RequestInterval)
	c.mu.Unlock()

	send := func() {
		if !c.current(st) {
			return
		}
		if err := st.s.Send(st.ctx, req); err != nil {
			c.sendErrors.Add(1)
			c.endStream(st, err)
		}
	}

	if delay := slot.Sub(now); delay > 0 {
		c.sched.Schedule("feed-subscribe", delay, send)
		return
	}
	send()
}

func (c *Connection) current(st *stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && st.gen == c.gen && c.streams[st.id] == st && !st.closing.Load()
}

func (c *Connection) recvLoop(st *stream) {
	for {
		msg, err := st.s.Recv(st.ctx)
		if err != nil {
			c.endStream(st, err)
			return
		}
		if st.closing.Load() {
			continue
		}

		if msg.Ack != nil {
			c.acks.Add(1)
			if !st.acked.Swap(true) {
				c.logger.Info("Stream subscribed", slog.Int("stream", st.id), slog.String("channel", string(msg.Ack.Channel)))
			}
			c.mu.Lock()
			if st.gen == c.gen && c.running {
				c.state = StateStreaming
			}
			c.mu.Unlock()
		}

		for _, t := range msg.Ticks {
			if k := t.Kind(); int(k) < len(c.received) {
				c.received[k].Add(1)
			}
			c.total.Add(1)
			c.handler.Handle(t)
		}
	}
}

// endStream handles a fault or graceful completion of st.
func (c *Connection) endStream(st *stream, err error) {
	st.acked.Store(false)
	if st.closing.Load() {
		return
	}

	c.mu.Lock()
	if !c.running || st.gen != c.gen || c.streams[st.id] != st || !st.closing.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	delete(c.streams, st.id)
	completed := errors.Is(err, io.EOF) || errors.Is(err, domain.ErrStreamClosed)
	if completed {
		c.state = StateCompleted
	} else {
		c.state = StateError
	}
	c.lastError = err.Error()
	c.mu.Unlock()

	_ = st.s.CloseSend()
	st.cancel()

	if completed {
		c.logger.Info("Stream completed, resubscribing", slog.Int("stream", st.id))
	} else {
		c.logger.Error("Stream failed, resubscribing", slog.Int("stream", st.id), slog.Any("error", err))
	}
	c.scheduleReconnect(st.gen, st.id, st.instruments, c.cfg.ReconnectDelay)
}

func (c *Connection) fail(gen uint64, id int, metas []domain.InstrumentMeta, err error) {
	c.mu.Lock()
	if c.running && gen == c.gen {
		c.state = StateError
		c.lastError = err.Error()
	}
	c.mu.Unlock()
	c.scheduleReconnect(gen, id, metas, c.cfg.ReconnectDelay)
}

// scheduleReconnect arms at most one reconnect per stream id and generation.
func (c *Connection) scheduleReconnect(gen uint64, id int, metas []domain.InstrumentMeta, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || gen != c.gen {
		return
	}
	if _, ok := c.pending[id]; ok {
		return
	}
	c.state = StateReconnectScheduled

	c.pending[id] = c.sched.Schedule("feed-reconnect", delay, func() {
		c.mu.Lock()
		delete(c.pending, id)
		ok := c.running && gen == c.gen
		c.mu.Unlock()
		if !ok {
			return
		}

		c.reconnects.Add(1)
		if id == fullSubscribe {
			c.subscribeAll()
			return
		}
		c.mu.Lock()
		c.state = StateSubscribing
		c.mu.Unlock()
		c.openStream(gen, id, metas)
	})
}

// State returns the lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether any live stream has been acknowledged.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.streams {
		if st.acked.Load() {
			return true
		}
	}
	return false
}

// Running reports whether Start was called without Stop.
func (c *Connection) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stats is a point-in-time view of the connection.
type Stats struct {
	Running                bool   `json:"running"`
	Connected              bool   `json:"connected"`
	State                  string `json:"state"`
	Streams                int    `json:"streams"`
	TotalReceived          uint64 `json:"totalReceived"`
	TotalPriceReceived     uint64 `json:"totalPriceReceived"`
	TotalTradeReceived     uint64 `json:"totalTradeReceived"`
	TotalOrderBookReceived uint64 `json:"totalOrderBookReceived"`
	StreamsOpened          uint64 `json:"streamsOpened"`
	Acks                   uint64 `json:"acks"`
	Reconnects             uint64 `json:"reconnects"`
	SendErrors             uint64 `json:"sendErrors"`
	LastError              string `json:"lastError,omitempty"`
}

// Stats returns current counters.
func (c *Connection) Stats() Stats {
	connected := c.Connected()
	c.mu.Lock()
	s := Stats{
		Running:   c.running,
		Connected: connected,
		State:     c.state.String(),
		Streams:   len(c.streams),
		LastError: c.lastError,
	}
	c.mu.Unlock()

	s.TotalReceived = c.total.Load()
	s.TotalPriceReceived = c.received[domain.TickPrice].Load()
	s.TotalTradeReceived = c.received[domain.TickTrade].Load()
	s.TotalOrderBookReceived = c.received[domain.TickBook].Load()
	s.StreamsOpened = c.opened.Load()
	s.Acks = c.acks.Load()
	s.Reconnects = c.reconnects.Load()
	s.SendErrors = c.sendErrors.Load()
	return s
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
