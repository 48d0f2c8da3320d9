package clock

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs delayed, periodic and cron tasks one at a time.
// It is owned by the process lifecycle and cancels everything on Stop.
type Scheduler struct {
	clock  Clock
	logger *slog.Logger

	execMu sync.Mutex // serializes task execution

	mu      sync.Mutex
	tasks   map[int]*task
	nextID  int
	stopped bool
}

type task struct {
	id    int
	name  string
	timer Timer
}

// NewScheduler creates a scheduler driven by c.
func NewScheduler(c Clock) *Scheduler {
	return &Scheduler{
		clock:  c,
		logger: slog.Default().With("module", "scheduler"),
		tasks:  make(map[int]*task),
	}
}

// Clock returns the clock driving the scheduler.
func (s *Scheduler) Clock() Clock { return s.clock }

// Schedule runs fn once after d. The returned func cancels it.
func (s *Scheduler) Schedule(name string, d time.Duration, fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return func() {}
	}

	t := s.newTask(name)
	t.timer = s.clock.AfterFunc(d, func() {
		if !s.finish(t.id) {
			return
		}
		s.run(t.name, fn)
	})
	return func() { s.cancel(t.id) }
}

// Every runs fn every interval until cancelled or stopped.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) (cancel func()) {
	return s.repeat(name, func(last time.Time) time.Time { return last.Add(interval) }, fn)
}

// Cron runs fn at every activation of schedule.
func (s *Scheduler) Cron(name string, schedule cron.Schedule, fn func()) (cancel func()) {
	return s.repeat(name, schedule.Next, fn)
}

// repeat arms the next activation before running fn. Activations that fell
// due while fn ran fire back to back.
func (s *Scheduler) repeat(name string, next func(time.Time) time.Time, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return func() {}
	}

	t := s.newTask(name)
	var arm func(from time.Time)
	arm = func(from time.Time) {
		at := next(from)
		t.timer = s.clock.AfterFunc(at.Sub(s.clock.Now()), func() {
			s.mu.Lock()
			if _, ok := s.tasks[t.id]; !ok || s.stopped {
				s.mu.Unlock()
				return
			}
			arm(at)
			s.mu.Unlock()

			s.run(t.name, fn)
		})
	}
	arm(s.clock.Now())
	return func() { s.cancel(t.id) }
}

// Stop cancels every pending task. Tasks scheduled afterwards are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(s.tasks, id)
	}
}

// Pending returns the number of scheduled tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// must hold s.mu
func (s *Scheduler) newTask(name string) *task {
	s.nextID++
	t := &task{id: s.nextID, name: name}
	s.tasks[t.id] = t
	return t
}

func (s *Scheduler) finish(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

func (s *Scheduler) cancel(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(s.tasks, id)
	}
}

func (s *Scheduler) run(name string, fn func()) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked", slog.String("task", name), slog.Any("panic", r))
		}
	}()
	fn()
}

// ParseSchedule parses a standard five-field cron expression or a
// descriptor such as @daily or @every 1h. Field schedules fire in loc unless
// the expression names its own CRON_TZ.
func ParseSchedule(spec string, loc *time.Location) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if fields, ok := schedule.(*cron.SpecSchedule); ok && loc != nil && !hasTimeZone(spec) {
		fields.Location = loc
	}
	return schedule, nil
}

func hasTimeZone(spec string) bool {
	return strings.HasPrefix(spec, "CRON_TZ=") || strings.HasPrefix(spec, "TZ=")
}
