// Package schedule interprets the cron expression the external timer is
// expected to follow. maxsats never schedules itself; this is only used to
// tell whether the timer appears to have stopped firing.
package schedule

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// overdueIntervals is how many scheduled slots may pass before a run counts as missed.
const overdueIntervals = 2

type Schedule struct {
	expr  string
	sched cronlib.Schedule
}

func Parse(expr string) (*Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return &Schedule{expr: expr, sched: s}, nil
}

func (s *Schedule) String() string { return s.expr }

// Next returns the first activation strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

// Overdue reports whether at least two scheduled activations have passed
// since last. A zero last (never ran) is never overdue.
func (s *Schedule) Overdue(last, now time.Time) bool {
	if last.IsZero() {
		return false
	}
	t := last
	for i := 0; i < overdueIntervals; i++ {
		t = s.sched.Next(t)
		if t.IsZero() || t.After(now) {
			return false
		}
	}
	return true
}
