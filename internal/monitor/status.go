package monitor

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Tracker holds the latest cycle report and the next scheduled run for
// status queries. It is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	started time.Time
	last    *Report
	next    time.Time
	now     func() time.Time
}

// NewTracker creates a tracker for a process started at started.
func NewTracker(started time.Time) *Tracker {
	return &Tracker{started: started, now: time.Now}
}

// WithClock replaces the wall clock used for uptime, for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Record stores r as the latest report.
func (t *Tracker) Record(r Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = &r
}

// SetNextRun stores the next scheduled trigger.
func (t *Tracker) SetNextRun(next time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = next
}

// Last returns the latest report, if any.
func (t *Tracker) Last() (Report, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.last == nil {
		return Report{}, false
	}
	return *t.last, true
}

// Snapshot is the JSON shape of the tracker state.
type Snapshot struct {
	StartedAt time.Time  `json:"started_at"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *Report    `json:"last_run,omitempty"`
}

// Snapshot copies the tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{StartedAt: t.started}
	if !t.next.IsZero() {
		next := t.next
		s.NextRun = &next
	}
	if t.last != nil {
		last := *t.last
		s.LastRun = &last
	}
	return s
}

// StatusText renders the tracker state for a chat reply.
func (t *Tracker) StatusText() string {
	s := t.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "Up since %s (%s)\n", s.StartedAt.Format(time.RFC3339), t.now().Sub(s.StartedAt).Round(time.Second))
	if s.LastRun == nil {
		b.WriteString("No check has run yet.")
	} else {
		r := s.LastRun
		fmt.Fprintf(&b, "Last check %s: %d entities, %d notified, %d skipped, %d failed",
			r.FinishedAt.Format(time.RFC3339), r.Entities, r.Notified, r.Skipped, r.Failed)
	}
	if s.NextRun != nil {
		fmt.Fprintf(&b, "\nNext check %s", s.NextRun.Format(time.RFC3339))
	}
	return b.String()
}
