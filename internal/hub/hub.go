// Package hub fans records out to subscribers. Each delivery is isolated: a
// failing or panicking subscriber is logged and counted while delivery to the
// others continues. Deliveries to one subscriber for one key keep their order.
package hub

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"quote_scanner/internal/domain"
	"quote_scanner/internal/engine"
)

// SubscriptionID identifies a subscriber
type SubscriptionID uint64

// Handler consumes one record
type Handler[T any] func(T) error

type subscriber[T any] struct {
	id     SubscriptionID
	name   string
	fn     Handler[T]
	active atomic.Bool
}

// Hub is a copy-on-write subscriber registry with executor-based dispatch.
type Hub[T any] struct {
	name   string
	exec   engine.Executor
	keyOf  func(T) string
	logger *slog.Logger

	mu     sync.Mutex // serializes writers of subs
	subs   atomic.Pointer[[]*subscriber[T]]
	nextID atomic.Uint64

	onFail atomic.Pointer[func(subscriber string, err error)]

	published atomic.Uint64
	sent      atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a hub. keyOf selects the ordering key of a record.
func New[T any](name string, exec engine.Executor, keyOf func(T) string) *Hub[T] {
	if exec == nil {
		exec = engine.Inline{}
	}
	h := &Hub[T]{
		name:   name,
		exec:   exec,
		keyOf:  keyOf,
		logger: slog.Default().With("module", "hub", "hub", name),
	}
	empty := make([]*subscriber[T], 0)
	h.subs.Store(&empty)
	return h
}

// NewQuoteHub creates the notification hub for enriched quotes, ordered per instrument.
func NewQuoteHub(exec engine.Executor) *Hub[domain.EnrichedQuote] {
	return New("quotes", exec, func(q domain.EnrichedQuote) string { return string(q.Instrument) })
}

// NewPairHub creates the hub for pair comparisons, ordered per pair.
func NewPairHub(exec engine.Executor) *Hub[domain.PairComparison] {
	return New("pairs", exec, func(c domain.PairComparison) string { return c.PairID })
}

// Subscribe registers fn and returns its id.
func (h *Hub[T]) Subscribe(name string, fn Handler[T]) SubscriptionID {
	s := &subscriber[T]{id: SubscriptionID(h.nextID.Add(1)), name: name, fn: fn}
	s.active.Store(true)

	h.mu.Lock()
	cur := *h.subs.Load()
	next := make([]*subscriber[T], len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	h.subs.Store(&next)
	h.mu.Unlock()

	h.logger.Info("Subscriber added", slog.String("subscriber", name), slog.Int("total", len(next)))
	return s.id
}

// Unsubscribe removes a subscriber and reports whether it was registered.
func (h *Hub[T]) Unsubscribe(id SubscriptionID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := *h.subs.Load()
	for i, s := range cur {
		if s.id != id {
			continue
		}
		s.active.Store(false)
		next := make([]*subscriber[T], 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		h.subs.Store(&next)
		h.logger.Info("Subscriber removed", slog.String("subscriber", s.name), slog.Int("total", len(next)))
		return true
	}
	return false
}

// OnFailure registers fn to observe every failed or panicked delivery.
func (h *Hub[T]) OnFailure(fn func(subscriber string, err error)) {
	h.onFail.Store(&fn)
}

func (h *Hub[T]) fail(s *subscriber[T], err error) {
	h.failed.Add(1)
	if fn := h.onFail.Load(); fn != nil {
		(*fn)(s.name, err)
	}
}

// Publish dispatches v to every current subscriber. It never blocks on a
// subscriber and never fails.
func (h *Hub[T]) Publish(v T) {
	subs := *h.subs.Load()
	if len(subs) == 0 {
		return
	}
	h.published.Add(1)

	key := h.keyOf(v)
	for _, s := range subs {
		s := s
		if !h.exec.Submit(strconv.FormatUint(uint64(s.id), 10)+"|"+key, func() { h.deliver(s, v) }) {
			h.dropped.Add(1)
		}
	}
}

func (h *Hub[T]) deliver(s *subscriber[T], v T) {
	if !s.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Subscriber panicked", slog.String("subscriber", s.name), slog.Any("panic", r))
			h.fail(s, fmt.Errorf("subscriber %s panicked: %v", s.name, r))
		}
	}()

	if err := s.fn(v); err != nil {
		h.logger.Warn("Subscriber failed", slog.String("subscriber", s.name), slog.Any("error", err))
		h.fail(s, err)
		return
	}
	h.sent.Add(1)
}

// Stats is a point-in-time view of a hub.
type Stats struct {
	SubscriberCount     int    `json:"subscriberCount"`
	HasSubscribers      bool   `json:"hasSubscribers"`
	Published           uint64 `json:"published"`
	NotificationsSent   uint64 `json:"notificationsSent"`
	NotificationsFailed uint64 `json:"notificationsFailed"`
	Dropped             uint64 `json:"dropped"`
}

// Stats returns current counters.
func (h *Hub[T]) Stats() Stats {
	n := len(*h.subs.Load())
	return Stats{
		SubscriberCount:     n,
		HasSubscribers:      n > 0,
		Published:           h.published.Load(),
		NotificationsSent:   h.sent.Load(),
		NotificationsFailed: h.failed.Load(),
		Dropped:             h.dropped.Load(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("subscribers=%d sent=%d failed=%d dropped=%d",
		s.SubscriberCount, s.NotificationsSent, s.NotificationsFailed, s.Dropped)
}
