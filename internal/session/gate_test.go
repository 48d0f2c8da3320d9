package session

import (
	"testing"
	"time"
)

var msk = time.FixedZone("MSK", 3*60*60)

func testGate() *Gate {
	cfg := DefaultConfig()
	cfg.Location = msk
	return NewGate(cfg)
}

// 2026-03-02 is a Monday, 2026-03-07 a Saturday.
func at(day, hour, minute, second int) time.Time {
	return time.Date(2026, 3, day, hour, minute, second, 0, msk)
}

func TestGate_Boundaries(t *testing.T) {
	g := testGate()

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before morning", at(2, 6, 49, 59), false},
		{"morning start", at(2, 6, 50, 0), true},
		{"inside morning start", at(2, 6, 50, 1), true},
		{"inside morning end", at(2, 9, 49, 58), true},
		{"morning end", at(2, 9, 49, 59), true},
		{"after morning", at(2, 9, 50, 0), false},
		{"weekday noon", at(2, 12, 0, 0), false},
		{"before weekend", at(7, 1, 59, 59), false},
		{"weekend start", at(7, 2, 0, 0), true},
		{"inside weekend start", at(7, 2, 0, 1), true},
		{"inside weekend end", at(8, 23, 50, 58), true},
		{"weekend last minute", at(8, 23, 50, 59), true},
		{"after weekend", at(8, 23, 51, 0), false},
		{"weekday early night", at(3, 3, 0, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.IsActive(tt.now); got != tt.want {
				t.Errorf("IsActive(%s) = %v, want %v", tt.now.Format(time.DateTime), got, tt.want)
			}
		})
	}
}

func TestGate_OtherZoneInput(t *testing.T) {
	g := testGate()
	// 04:00 UTC = 07:00 MSK, inside the morning window
	now := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	if !g.IsActive(now) {
		t.Error("UTC input should be converted to the gate zone")
	}
}

func TestGate_TestModeOverride(t *testing.T) {
	g := testGate()
	closed := at(2, 15, 0, 0)

	if g.IsActive(closed) {
		t.Fatal("15:00 on a weekday should be closed")
	}

	g.SetTestMode(true)
	for _, ts := range []time.Time{closed, at(3, 0, 0, 0), at(8, 23, 59, 59)} {
		if !g.IsActive(ts) {
			t.Errorf("test mode should force active at %s", ts)
		}
	}
	if g.Current(closed) != Test {
		t.Errorf("Current = %s, want TEST", g.Current(closed))
	}
}

func TestGate_Current(t *testing.T) {
	g := testGate()

	if got := g.Current(at(2, 7, 0, 0)); got != Morning {
		t.Errorf("Current = %s, want MORNING", got)
	}
	if got := g.Current(at(7, 12, 0, 0)); got != Weekend {
		t.Errorf("Current = %s, want WEEKEND", got)
	}
	// Saturday morning overlaps both windows; morning wins
	if got := g.Current(at(7, 7, 0, 0)); got != Morning {
		t.Errorf("Current = %s, want MORNING", got)
	}
	if got := g.Current(at(2, 20, 0, 0)); got != Closed {
		t.Errorf("Current = %s, want CLOSED", got)
	}
}

func TestGate_CanSubscribeFutures(t *testing.T) {
	g := testGate()

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"weekday", at(2, 3, 0, 0), true},
		{"weekend early", at(7, 8, 29, 59), false},
		{"weekend from", at(7, 8, 30, 0), true},
		{"sunday afternoon", at(8, 15, 0, 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.CanSubscribeFutures(tt.now); got != tt.want {
				t.Errorf("CanSubscribeFutures = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"06:50", At(6, 50, 0), false},
		{"09:49:59", At(9, 49, 59), false},
		{"24:00", 0, true},
		{"6", 0, true},
		{"aa:bb", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimeOfDay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if s := At(6, 5, 9).String(); s != "06:05:09" {
		t.Errorf("String() = %s", s)
	}
}
