// Package clock abstracts wall-clock time so that timers and schedules can be
// driven by a fake clock in tests.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock provides the current time and delayed callbacks
type Clock = clockwork.Clock

// Timer is a pending callback
type Timer = clockwork.Timer

// Fake is a manually advanced clock. Callbacks of expired AfterFunc timers
// run on their own goroutine, as with the system clock.
type Fake = clockwork.FakeClock

// Real returns the system clock.
func Real() Clock { return clockwork.NewRealClock() }

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake { return clockwork.NewFakeClockAt(start) }
