package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Executor runs tasks; tasks sharing a key run in submission order.
type Executor interface {
	Submit(key string, fn func()) bool
}

// Dispatcher is a fixed set of single-goroutine lanes.
// A key always maps to the same lane, so per-key order is preserved while
// different keys run in parallel.
type Dispatcher struct {
	name   string
	lanes  []chan func()
	logger *slog.Logger

	mu     sync.RWMutex // guards closed against Submit
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Uint64
	executed  atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// NewDispatcher creates a dispatcher with n lanes, each buffering inboxSize tasks.
func NewDispatcher(name string, n, inboxSize int) *Dispatcher {
	if n <= 0 {
		n = 1
	}
	if inboxSize <= 0 {
		inboxSize = 1
	}
	lanes := make([]chan func(), n)
	for i := range lanes {
		lanes[i] = make(chan func(), inboxSize)
	}
	return &Dispatcher{
		name:   name,
		lanes:  lanes,
		logger: slog.Default().With("module", "dispatcher", "pool", name),
	}
}

// Start launches one goroutine per lane. Lanes exit when ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, lane := range d.lanes {
		d.wg.Add(1)
		go d.run(ctx, i, lane)
	}
	d.logger.Info("Dispatcher started", slog.Int("lanes", len(d.lanes)))
}

func (d *Dispatcher) run(ctx context.Context, idx int, lane <-chan func()) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn, ok := <-lane:
			if !ok {
				return
			}
			d.exec(idx, fn)
		}
	}
}

func (d *Dispatcher) exec(idx int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("Task panicked", slog.Int("lane", idx), slog.Any("panic", r))
		}
	}()
	fn()
	d.executed.Add(1)
}

// Submit enqueues fn on the lane owning key without blocking.
// It returns false when the lane is full or the dispatcher is stopped.
func (d *Dispatcher) Submit(key string, fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}

	select {
	case d.lanes[laneOf(key, len(d.lanes))] <- fn:
		d.submitted.Add(1)
		return true
	default: // DROP
		d.dropped.Add(1)
		return false
	}
}

// Stop closes every lane and waits for queued tasks to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// Lanes returns the number of lanes.
func (d *Dispatcher) Lanes() int { return len(d.lanes) }

// DispatcherStats is a point-in-time view of a dispatcher.
type DispatcherStats struct {
	Name      string `json:"name"`
	Lanes     int    `json:"lanes"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Executed  uint64 `json:"executed"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`
}

// Stats returns current counters.
func (d *Dispatcher) Stats() DispatcherStats {
	queued := 0
	for _, lane := range d.lanes {
		queued += len(lane)
	}
	return DispatcherStats{
		Name:      d.name,
		Lanes:     len(d.lanes),
		Queued:    queued,
		Submitted: d.submitted.Load(),
		Executed:  d.executed.Load(),
		Dropped:   d.dropped.Load(),
		Panics:    d.panics.Load(),
	}
}

func laneOf(key string, n int) int {
	if n == 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Inline runs tasks synchronously on the caller's goroutine.
type Inline struct{}

// Submit runs fn immediately. A panic is recovered and reported as not executed.
func (Inline) Submit(_ string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Inline task panicked", slog.Any("panic", r))
			ok = false
		}
	}()
	fn()
	return true
}
