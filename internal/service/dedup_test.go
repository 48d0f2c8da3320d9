package service

import (
	"sync"
	"testing"
	"time"

	"quote_scanner/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)

func TestDeduplicator_MinInterval(t *testing.T) {
	d := NewDeduplicator(100*time.Millisecond, 5*time.Minute)

	steps := []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},                      // first event
		{50 * time.Millisecond, false}, // too soon
		{99 * time.Millisecond, false}, // still too soon
		{100 * time.Millisecond, true}, // exactly min interval
		{150 * time.Millisecond, false},
		{250 * time.Millisecond, true},
	}

	for _, s := range steps {
		if got := d.ShouldProcess("X", t0.Add(s.offset)); got != s.want {
			t.Errorf("ShouldProcess at +%v = %v, want %v", s.offset, got, s.want)
		}
	}

	stats := d.Stats()
	if stats.Accepted != 3 || stats.Rejected != 3 {
		t.Errorf("Expected 3 accepted and 3 rejected, got %+v", stats)
	}
}

func TestDeduplicator_IndependentKeys(t *testing.T) {
	d := NewDeduplicator(100*time.Millisecond, 5*time.Minute)

	if !d.ShouldProcess("A", t0) || !d.ShouldProcess("B", t0) {
		t.Fatal("first event of each instrument must pass")
	}
	if d.ShouldProcess("A", t0.Add(10*time.Millisecond)) {
		t.Error("A should be rate limited")
	}
}

func TestDeduplicator_Defaults(t *testing.T) {
	d := NewDeduplicator(0, 0)
	if d.minInterval != DefaultMinInterval || d.horizon != DefaultCleanupHorizon {
		t.Errorf("defaults not applied: %v %v", d.minInterval, d.horizon)
	}
}

func TestDeduplicator_OpportunisticCleanup(t *testing.T) {
	d := NewDeduplicator(100*time.Millisecond, 5*time.Minute)

	for _, k := range []domain.InstrumentKey{"A", "B", "C"} {
		d.ShouldProcess(k, t0)
	}
	d.ShouldProcess("D", t0.Add(4*time.Minute))
	if d.Len() != 4 {
		t.Fatalf("Expected 4 tracked, got %d", d.Len())
	}

	// Beyond the horizon since the first call: the sweep runs and evicts A, B, C
	d.ShouldProcess("E", t0.Add(6*time.Minute))
	if d.Len() != 2 {
		t.Errorf("Expected 2 tracked after cleanup, got %d", d.Len())
	}
	if d.Stats().Evicted != 3 {
		t.Errorf("Expected 3 evicted, got %d", d.Stats().Evicted)
	}
}

func TestDeduplicator_Concurrent(t *testing.T) {
	d := NewDeduplicator(time.Hour, time.Hour)
	var wg sync.WaitGroup
	var mu sync.Mutex
	passed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.ShouldProcess("X", t0) {
				mu.Lock()
				passed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if passed != 1 {
		t.Errorf("Expected exactly one event to pass, got %d", passed)
	}
}
