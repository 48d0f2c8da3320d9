package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"quote_scanner/internal/domain"
	"quote_scanner/internal/engine"
	"quote_scanner/internal/feed"
	"quote_scanner/internal/hub"
	"quote_scanner/internal/infra"
	"quote_scanner/internal/infra/push"
	"quote_scanner/internal/pair"
	"quote_scanner/internal/resilience"
	"quote_scanner/internal/service"
)

// ======================================================================================
// Admin facade
// ======================================================================================

// AddPair starts tracking p.
func (s *Scanner) AddPair(p domain.InstrumentPair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !s.comparator.AddPair(p) {
		return &domain.ValidationError{Field: "pairId", Reason: fmt.Sprintf("pair %q already exists", p.PairID)}
	}
	return nil
}

// RemovePair stops tracking the pair and reports whether it existed.
func (s *Scanner) RemovePair(pairID string) bool {
	return s.comparator.RemovePair(pairID)
}

// Pairs lists the tracked pairs.
func (s *Scanner) Pairs() []domain.InstrumentPair {
	return s.comparator.Pairs()
}

// AddIndex adds a dynamic index and resubscribes so it is streamed.
func (s *Scanner) AddIndex(idx domain.IndexInstrument) bool {
	if !s.universe.Indices().Add(idx) {
		return false
	}
	s.logger.Info("Index added", slog.String("ticker", idx.Ticker))
	s.resubscribe()
	return true
}

// RemoveIndex drops a dynamic index by ticker and resubscribes.
func (s *Scanner) RemoveIndex(ticker string) bool {
	if !s.universe.Indices().Remove(ticker) {
		return false
	}
	s.logger.Info("Index removed", slog.String("ticker", ticker))
	s.resubscribe()
	return true
}

// Indices lists the dynamic indices.
func (s *Scanner) Indices() []domain.IndexInstrument {
	return s.universe.Indices().List()
}

func (s *Scanner) resubscribe() {
	if s.feed.Running() {
		s.feed.ForceReconnect()
	}
}

// ForceReconnect completes every feed stream and subscribes again.
func (s *Scanner) ForceReconnect() {
	s.logger.Warn("Forced feed reconnect")
	s.feed.ForceReconnect()
}

// SetTestMode bypasses the session windows while on.
func (s *Scanner) SetTestMode(on bool) {
	s.gate.SetTestMode(on)
	s.logger.Warn("Session test mode changed", slog.Bool("on", on))
}

// ReloadCaches reloads reference prices and today's volumes under the shield.
// The previous cache content is kept on failure.
func (s *Scanner) ReloadCaches(ctx context.Context) error {
	var failure error
	ok := s.shield.Execute(ctx, "reload_caches", func(ctx context.Context) error {
		if err := s.refs.ForceReload(ctx); err != nil {
			return err
		}
		return s.seedVolumes(ctx)
	}, func(err error) {
		failure = err
	})
	if !ok {
		return fmt.Errorf("reload caches: %w", failure)
	}
	return nil
}

// ForceOpenCircuit holds the named circuit open until it is reset.
func (s *Scanner) ForceOpenCircuit(name string) bool {
	return s.withBreaker(name, "forced open", (*resilience.Breaker).ForceOpen)
}

// DisableCircuit lets every call of the named circuit through unrecorded.
func (s *Scanner) DisableCircuit(name string) bool {
	return s.withBreaker(name, "disabled", (*resilience.Breaker).Disable)
}

// ResetCircuit closes the named circuit and clears its window.
func (s *Scanner) ResetCircuit(name string) bool {
	return s.withBreaker(name, "reset", (*resilience.Breaker).Reset)
}

// Circuits lists the shield names accepted by the circuit operations.
func (s *Scanner) Circuits() []string {
	names := make([]string, 0, len(s.shields))
	for name := range s.shields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scanner) withBreaker(name, action string, fn func(*resilience.Breaker)) bool {
	sh, ok := s.shields[name]
	if !ok {
		return false
	}
	fn(sh.Breaker())
	s.logger.Warn("Circuit "+action, slog.String("circuit", name))
	return true
}

// ======================================================================================
// Stats
// ======================================================================================

// Stats is the read-only snapshot served to the admin surface.
type Stats struct {
	Status        string                            `json:"status"`
	Timestamp     time.Time                         `json:"timestamp"`
	Processing    service.ProcessorStats            `json:"processing"`
	Notifications hub.Stats                         `json:"notifications"`
	PairHub       hub.Stats                         `json:"pairNotifications"`
	Pairs         pair.Stats                        `json:"pairs"`
	Feed          feed.Stats                        `json:"feed"`
	Circuit       resilience.Metrics                `json:"circuitBreaker"`
	Circuits      map[string]resilience.Metrics     `json:"circuits"`
	Shields       map[string]resilience.ShieldStats `json:"shields"`
	Session       SessionStats                      `json:"session"`
	References    service.ReferenceStats            `json:"references"`
	Dispatchers   map[string]engine.DispatcherStats `json:"dispatchers"`
	Metrics       infra.MetricsSnapshot             `json:"metrics"`
	Push          *push.Stats                       `json:"push,omitempty"`
}

// SessionStats describes the session gate at the time of the snapshot.
type SessionStats struct {
	Current        string `json:"current"`
	Active         bool   `json:"active"`
	TestMode       bool   `json:"testMode"`
	FuturesAllowed bool   `json:"futuresAllowed"`
	Timezone       string `json:"timezone"`
}

// FallbackStats is returned when the full snapshot cannot be built.
type FallbackStats struct {
	Status       string `json:"status"`
	CircuitState string `json:"circuitState"`
	Healthy      bool   `json:"healthy"`
	Error        string `json:"error,omitempty"`
}

// Stats builds the full snapshot.
func (s *Scanner) Stats() Stats {
	now := s.clock.Now()
	st := Stats{
		Status:        "UP",
		Timestamp:     now,
		Processing:    s.processor.Stats(),
		Notifications: s.quotes.Stats(),
		PairHub:       s.pairHub.Stats(),
		Pairs:         s.comparator.Stats(),
		Feed:          s.feed.Stats(),
		Circuit:       s.upstream.Breaker().Metrics(),
		Circuits:      make(map[string]resilience.Metrics, len(s.shields)),
		Shields:       make(map[string]resilience.ShieldStats, len(s.shields)),
		Session: SessionStats{
			Current:        string(s.gate.Current(now)),
			Active:         s.gate.IsActive(now),
			TestMode:       s.gate.TestMode(),
			FuturesAllowed: s.gate.CanSubscribeFutures(now),
			Timezone:       s.gate.Location().String(),
		},
		References: s.refs.Stats(),
		Dispatchers: map[string]engine.DispatcherStats{
			"ingest": s.ingest.Stats(),
			"notify": s.notify.Stats(),
			"pairs":  s.pairs.Stats(),
		},
		Metrics: s.metrics.Snapshot(),
	}
	for name, sh := range s.shields {
		m := sh.Breaker().Metrics()
		st.Circuits[name] = m
		st.Shields[name] = sh.Stats()
		if !m.Healthy {
			st.Status = "DEGRADED"
		}
	}
	if s.push != nil {
		ps := s.push.Stats()
		st.Push = &ps
	}
	return st
}

// SafeStats builds the snapshot under the shield and degrades to a minimal
// record when that fails.
func (s *Scanner) SafeStats(ctx context.Context) any {
	return resilience.Call(ctx, s.shield, "stats", func(context.Context) (any, error) {
		return s.Stats(), nil
	}, func(err error) any {
		return s.fallbackStats(err)
	})
}

func (s *Scanner) fallbackStats(err error) FallbackStats {
	m := s.shield.Breaker().Metrics()
	fb := FallbackStats{Status: "FALLBACK_MODE", CircuitState: m.State, Healthy: m.Healthy}
	if err != nil {
		fb.Error = err.Error()
	}
	return fb
}
