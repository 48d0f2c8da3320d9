// Package resilience guards calls to upstream collaborators with a circuit
// breaker, bounded retry and a time limit, routing every failure to a fallback.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	"quote_scanner/internal/clock"
	"quote_scanner/internal/domain"
)

// State is the circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
	StateDisabled
	StateForcedOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateDisabled:
		return "DISABLED"
	case StateForcedOpen:
		return "FORCED_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds circuit breaker thresholds. Rates are percentages.
type BreakerConfig struct {
	FailureRateThreshold float64
	SlidingWindow        int
	MinimumCalls         int
	OpenWait             time.Duration
	HalfOpenCalls        int
	SlowCallThreshold    time.Duration
	SlowCallRate         float64
}

// DefaultBreakerConfig returns the production thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureRateThreshold: 50,
		SlidingWindow:        10,
		MinimumCalls:         5,
		OpenWait:             30 * time.Second,
		HalfOpenCalls:        3,
		SlowCallThreshold:    5 * time.Second,
		SlowCallRate:         50,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.SlidingWindow <= 0 {
		c.SlidingWindow = d.SlidingWindow
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = d.MinimumCalls
	}
	if c.MinimumCalls > c.SlidingWindow {
		c.MinimumCalls = c.SlidingWindow
	}
	if c.OpenWait <= 0 {
		c.OpenWait = d.OpenWait
	}
	if c.HalfOpenCalls <= 0 {
		c.HalfOpenCalls = d.HalfOpenCalls
	}
	if c.SlowCallThreshold <= 0 {
		c.SlowCallThreshold = d.SlowCallThreshold
	}
	if c.SlowCallRate <= 0 || c.SlowCallRate > 100 {
		c.SlowCallRate = d.SlowCallRate
	}
	return c
}

type outcome struct {
	failed bool
	slow   bool
}

// window is a count-based ring of the most recent outcomes
type window struct {
	buf      []outcome
	next     int
	size     int
	failures int
	slows    int
}

func newWindow(n int) *window { return &window{buf: make([]outcome, n)} }

func (w *window) add(o outcome) {
	if w.size == len(w.buf) {
		old := w.buf[w.next]
		if old.failed {
			w.failures--
		}
		if old.slow {
			w.slows--
		}
	} else {
		w.size++
	}
	w.buf[w.next] = o
	w.next = (w.next + 1) % len(w.buf)
	if o.failed {
		w.failures++
	}
	if o.slow {
		w.slows++
	}
}

func (w *window) rates() (failure, slow float64) {
	if w.size == 0 {
		return 0, 0
	}
	return float64(w.failures) * 100 / float64(w.size), float64(w.slows) * 100 / float64(w.size)
}

// Breaker is a count-based sliding-window circuit breaker. Validation
// failures are ignored: they release their permit without being recorded.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	win      *window
	openedAt time.Time

	// half-open bookkeeping
	probesIssued int
	probes       *window

	successful   uint64
	failed       uint64
	slow         uint64
	notPermitted uint64
	transitions  uint64
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, c clock.Clock) *Breaker {
	if c == nil {
		c = clock.Real()
	}
	cfg = cfg.withDefaults()
	return &Breaker{
		name:   name,
		cfg:    cfg,
		clock:  c,
		logger: slog.Default().With("module", "circuit_breaker", "breaker", name),
		state:  StateClosed,
		win:    newWindow(cfg.SlidingWindow),
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving OPEN to HALF_OPEN once the wait elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Acquire asks for a permit. It returns domain.ErrCallNotPermitted while the
// breaker rejects calls. Every granted permit must be settled with Record or Release.
func (b *Breaker) Acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	switch b.state {
	case StateClosed, StateDisabled:
		return nil
	case StateHalfOpen:
		if b.probesIssued < b.cfg.HalfOpenCalls {
			b.probesIssued++
			return nil
		}
	}
	b.notPermitted++
	return domain.ErrCallNotPermitted
}

// Release returns a permit without recording an outcome.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probesIssued > 0 {
		b.probesIssued--
	}
}

// Record settles a permit with the call's duration and error.
func (b *Breaker) Record(elapsed time.Duration, err error) {
	if err != nil && domain.IsValidation(err) {
		b.Release()
		return
	}

	o := outcome{failed: err != nil, slow: elapsed >= b.cfg.SlowCallThreshold}

	b.mu.Lock()
	defer b.mu.Unlock()

	if o.failed {
		b.failed++
	} else {
		b.successful++
	}
	if o.slow {
		b.slow++
	}

	switch b.state {
	case StateClosed:
		b.win.add(o)
		if b.win.size >= b.cfg.MinimumCalls && b.exceeded(b.win) {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probes.add(o)
		if b.probes.size >= b.cfg.HalfOpenCalls {
			if b.exceeded(b.probes) {
				b.transition(StateOpen)
			} else {
				b.transition(StateClosed)
			}
		}
	}
}

func (b *Breaker) exceeded(w *window) bool {
	failure, slow := w.rates()
	return failure >= b.cfg.FailureRateThreshold || slow >= b.cfg.SlowCallRate
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.cfg.OpenWait {
		b.transition(StateHalfOpen)
	}
}

// transition must be called with mu held
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.transitions++

	switch to {
	case StateOpen, StateForcedOpen:
		b.openedAt = b.clock.Now()
	case StateHalfOpen:
		b.probesIssued = 0
		b.probes = newWindow(b.cfg.HalfOpenCalls)
	case StateClosed:
		b.win = newWindow(b.cfg.SlidingWindow)
	}

	b.logger.Warn("Circuit breaker state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// ForceOpen rejects every call until Reset.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.transition(StateForcedOpen)
	b.mu.Unlock()
}

// Disable permits every call and stops evaluating outcomes until Reset.
func (b *Breaker) Disable() {
	b.mu.Lock()
	b.transition(StateDisabled)
	b.mu.Unlock()
}

// Reset returns to CLOSED with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.win = newWindow(b.cfg.SlidingWindow)
}

// Metrics is a point-in-time view of the breaker. Rates are -1 until the
// minimum number of calls has been recorded.
type Metrics struct {
	Name              string  `json:"name"`
	State             string  `json:"state"`
	Healthy           bool    `json:"healthy"`
	FailureRate       float64 `json:"failureRate"`
	SlowCallRate      float64 `json:"slowCallRate"`
	SuccessRate       float64 `json:"successRate"`
	BufferedCalls     int     `json:"numberOfCalls"`
	BufferedFailed    int     `json:"numberOfFailedCalls"`
	BufferedSuccess   int     `json:"numberOfSuccessfulCalls"`
	SuccessfulCalls   uint64  `json:"totalSuccessfulCalls"`
	FailedCalls       uint64  `json:"totalFailedCalls"`
	SlowCalls         uint64  `json:"totalSlowCalls"`
	NotPermittedCalls uint64  `json:"numberOfNotPermittedCalls"`
	Transitions       uint64  `json:"transitions"`
}

// Metrics returns current counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	m := Metrics{
		Name:              b.name,
		State:             b.state.String(),
		Healthy:           b.state == StateClosed || b.state == StateHalfOpen,
		FailureRate:       -1,
		SlowCallRate:      -1,
		SuccessRate:       -1,
		BufferedCalls:     b.win.size,
		BufferedFailed:    b.win.failures,
		BufferedSuccess:   b.win.size - b.win.failures,
		SuccessfulCalls:   b.successful,
		FailedCalls:       b.failed,
		SlowCalls:         b.slow,
		NotPermittedCalls: b.notPermitted,
		Transitions:       b.transitions,
	}
	if b.win.size >= b.cfg.MinimumCalls {
		m.FailureRate, m.SlowCallRate = b.win.rates()
		m.SuccessRate = 100 - m.FailureRate
	}
	return m
}

// Healthy reports whether the breaker lets traffic through normally.
func (b *Breaker) Healthy() bool {
	s := b.State()
	return s == StateClosed || s == StateHalfOpen
}
