package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"quote_scanner/internal/domain"
)

// AuditConfig sizes the trade audit writer.
type AuditConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

func (c AuditConfig) withDefaults() AuditConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	return c
}

// AuditSink persists trade prints in batches off the hot path.
// Record never blocks: a full queue drops the trade.
type AuditSink struct {
	store  *Storage
	cfg    AuditConfig
	logger *slog.Logger

	mu     sync.RWMutex // guards ch against send after close
	ch     chan Trade
	closed bool

	started atomic.Bool
	done    chan struct{}

	queued  atomic.Uint64
	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

// NewAuditSink creates a sink writing to store.
func NewAuditSink(store *Storage, cfg AuditConfig) *AuditSink {
	cfg = cfg.withDefaults()
	return &AuditSink{
		store:  store,
		cfg:    cfg,
		logger: slog.Default().With("module", "audit"),
		ch:     make(chan Trade, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Record enqueues t. It returns domain.ErrQueueFull or domain.ErrQueueClosed when t is dropped.
func (a *AuditSink) Record(t domain.TradeTick) error {
	row := Trade{
		Figi:       string(t.Instrument),
		TradeTime:  t.At,
		Price:      t.Price,
		Quantity:   t.Quantity,
		Direction:  string(t.Side),
		ReceivedAt: time.Now(),
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return domain.ErrQueueClosed
	}
	select {
	case a.ch <- row:
		a.queued.Add(1)
		return nil
	default:
		a.dropped.Add(1)
		return domain.ErrQueueFull
	}
}

// Start runs the writer until Close. ctx bounds each database write.
func (a *AuditSink) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	go a.run(ctx)
}

func (a *AuditSink) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Trade, 0, a.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		a.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case t, ok := <-a.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, t)
			if len(batch) >= a.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (a *AuditSink) write(ctx context.Context, batch []Trade) {
	// a cancelled root context must not lose the final flush
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := a.store.db.WithContext(wctx).CreateInBatches(batch, a.cfg.BatchSize).Error; err != nil {
		a.failed.Add(uint64(len(batch)))
		a.logger.Warn("Failed to persist trade batch", slog.Int("size", len(batch)), slog.Any("error", err))
		return
	}
	a.written.Add(uint64(len(batch)))
	a.batches.Add(1)
}

// Close stops accepting trades and waits for the writer to flush.
func (a *AuditSink) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()

	if a.started.Load() {
		<-a.done
	}
}

// AuditStats is a point-in-time view of the sink.
type AuditStats struct {
	Queued  uint64 `json:"queued"`
	Pending int    `json:"pending"`
	Dropped uint64 `json:"dropped"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
}

// Stats returns current counters.
func (a *AuditSink) Stats() AuditStats {
	return AuditStats{
		Queued:  a.queued.Load(),
		Pending: len(a.ch),
		Dropped: a.dropped.Load(),
		Written: a.written.Load(),
		Failed:  a.failed.Load(),
		Batches: a.batches.Load(),
	}
}

// Trades returns audited trades of key, oldest first.
func (s *Storage) Trades(ctx context.Context, key domain.InstrumentKey, limit int) ([]Trade, error) {
	q := s.db.WithContext(ctx).Where("figi = ?", string(key)).Order("trade_time, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Trade
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapStoreErr("trades", err)
	}
	return rows, nil
}
