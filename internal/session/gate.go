// Package session decides whether market data should be processed at a given
// moment. Two trading windows are known: a daily morning window and a long
// weekend window, both closed intervals in the exchange time zone.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Name of the active window
type Name string

const (
	Morning Name = "MORNING"
	Weekend Name = "WEEKEND"
	Test    Name = "TEST"
	Closed  Name = "CLOSED"
)

// TimeOfDay is an offset from local midnight with second precision
type TimeOfDay int

// At builds a TimeOfDay from clock components.
func At(hour, minute, second int) TimeOfDay {
	return TimeOfDay(hour*3600 + minute*60 + second)
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("time of day %q: want HH:MM[:SS]", s)
	}
	limits := []int{23, 59, 59}
	vals := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > limits[i] {
			return 0, fmt.Errorf("time of day %q: bad component %q", s, p)
		}
		vals[i] = v
	}
	return At(vals[0], vals[1], vals[2]), nil
}

func (t TimeOfDay) String() string {
	s := int(t)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s/60%60, s%60)
}

func timeOfDay(t time.Time) TimeOfDay {
	return At(t.Hour(), t.Minute(), t.Second())
}

// Window is a closed wall-clock interval, optionally limited to some weekdays
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
	Days  []time.Weekday // empty means every day
}

// Contains reports whether local (already in the window's zone) is inside the window.
func (w Window) Contains(local time.Time) bool {
	if len(w.Days) > 0 && !hasDay(w.Days, local.Weekday()) {
		return false
	}
	tod := timeOfDay(local)
	return tod >= w.Start && tod <= w.End
}

func hasDay(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

// Config holds gate settings
type Config struct {
	Location           *time.Location
	Morning            Window
	Weekend            Window
	FuturesWeekendFrom TimeOfDay
	TestMode           bool
}

// DefaultLocation is Moscow time, falling back to a fixed UTC+3 zone when
// the tz database is unavailable.
func DefaultLocation() *time.Location {
	if loc, err := time.LoadLocation("Europe/Moscow"); err == nil {
		return loc
	}
	return time.FixedZone("MSK", 3*60*60)
}

// DefaultConfig returns the exchange schedule.
func DefaultConfig() Config {
	return Config{
		Location: DefaultLocation(),
		Morning:  Window{Start: At(6, 50, 0), End: At(9, 49, 59)},
		Weekend: Window{
			Start: At(2, 0, 0),
			End:   At(23, 50, 59),
			Days:  []time.Weekday{time.Saturday, time.Sunday},
		},
		FuturesWeekendFrom: At(8, 30, 0),
	}
}

// Gate is a pure time-window predicate plus a force-on override.
type Gate struct {
	loc                *time.Location
	morning            Window
	weekend            Window
	futuresWeekendFrom TimeOfDay
	testMode           atomic.Bool
}

// NewGate creates a gate. A nil location means DefaultLocation.
func NewGate(cfg Config) *Gate {
	loc := cfg.Location
	if loc == nil {
		loc = DefaultLocation()
	}
	g := &Gate{
		loc:                loc,
		morning:            cfg.Morning,
		weekend:            cfg.Weekend,
		futuresWeekendFrom: cfg.FuturesWeekendFrom,
	}
	g.testMode.Store(cfg.TestMode)
	return g
}

// Location returns the gate's time zone.
func (g *Gate) Location() *time.Location { return g.loc }

// SetTestMode toggles the force-on override.
func (g *Gate) SetTestMode(on bool) { g.testMode.Store(on) }

// TestMode reports whether the override is on.
func (g *Gate) TestMode() bool { return g.testMode.Load() }

// IsMorning reports whether now falls in the morning window.
func (g *Gate) IsMorning(now time.Time) bool {
	return g.morning.Contains(now.In(g.loc))
}

// IsWeekend reports whether now falls in the weekend window.
func (g *Gate) IsWeekend(now time.Time) bool {
	return g.weekend.Contains(now.In(g.loc))
}

// IsActive reports whether the pipeline is live at now.
func (g *Gate) IsActive(now time.Time) bool {
	if g.testMode.Load() {
		return true
	}
	return g.IsMorning(now) || g.IsWeekend(now)
}

// Current returns the name of the window active at now.
func (g *Gate) Current(now time.Time) Name {
	switch {
	case g.testMode.Load():
		return Test
	case g.IsMorning(now):
		return Morning
	case g.IsWeekend(now):
		return Weekend
	default:
		return Closed
	}
}

// CanSubscribeFutures reports whether futures may be streamed at now:
// on weekend days only from the configured time, on weekdays always.
func (g *Gate) CanSubscribeFutures(now time.Time) bool {
	if g.testMode.Load() {
		return true
	}
	local := now.In(g.loc)
	if len(g.weekend.Days) == 0 || !hasDay(g.weekend.Days, local.Weekday()) {
		return true
	}
	return timeOfDay(local) >= g.futuresWeekendFrom
}
