// Package botstate keeps the polling loop's in-memory bookkeeping: how
// often a course's scrape has failed in a row, whether it is currently
// silenced, and which (course, recipient) pairs were already notified for
// the current opening.
package botstate

import (
	"sync"
	"time"
)

// Error thresholds before a course is silenced. Timeouts get more slack,
// the portal regularly stalls under registration-day load.
const (
	ErrorThreshold   = 3
	TimeoutThreshold = 5
)

// silenceFor maps the consecutive-failure count to a silence window. Below
// the table's floor there is no silencing, above its ceiling the window
// stays capped.
func silenceFor(failures int) time.Duration {
	var minutes int
	switch {
	case failures <= 2:
		return 0
	case failures == 3:
		minutes = 1
	case failures == 4:
		minutes = 3
	case failures == 5:
		minutes = 5
	case failures == 6:
		minutes = 10
	case failures == 7:
		minutes = 15
	case failures == 8:
		minutes = 30
	default:
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

type courseState struct {
	failures      int
	silencedUntil time.Time
}

type pairKey struct {
	courseID  string
	recipient string
}

// Tracker is the only state shared across the parallel availability
// checks; all methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	now      func() time.Time
	courses  map[string]*courseState
	notified map[pairKey]struct{}
}

func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	return &Tracker{
		now:      now,
		courses:  map[string]*courseState{},
		notified: map[pairKey]struct{}{},
	}
}

// IncrementError records one more consecutive scrape failure for the
// course and schedules a silence window once the kind's threshold is
// reached.
func (t *Tracker) IncrementError(courseID string, timeout bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.courses[courseID]
	if state == nil {
		state = &courseState{}
		t.courses[courseID] = state
	}
	state.failures++

	threshold := ErrorThreshold
	if timeout {
		threshold = TimeoutThreshold
	}
	if state.failures >= threshold {
		state.silencedUntil = t.now().Add(silenceFor(state.failures))
	}
}

// ResetError clears both the failure counter and any pending silence.
func (t *Tracker) ResetError(courseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.courses, courseID)
}

// IsSilenced reports whether the course should be skipped this tick.
// Expiry clears only the timestamp: the failure counter keeps accumulating
// once scraping resumes, so a still-broken course backs off harder.
func (t *Tracker) IsSilenced(courseID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.courses[courseID]
	if state == nil || state.silencedUntil.IsZero() {
		return false
	}
	if t.now().Before(state.silencedUntil) {
		return true
	}
	state.silencedUntil = time.Time{}
	return false
}

// ErrorCount returns the current consecutive-failure count.
func (t *Tracker) ErrorCount(courseID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if state := t.courses[courseID]; state != nil {
		return state.failures
	}
	return 0
}

// MarkNotified records that the recipient was told about the course's
// current opening.
func (t *Tracker) MarkNotified(courseID, recipient string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notified[pairKey{courseID, recipient}] = struct{}{}
}

// UnmarkNotified re-arms the pair; called when the course is observed full
// again so the next opening notifies afresh.
func (t *Tracker) UnmarkNotified(courseID, recipient string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.notified, pairKey{courseID, recipient})
}

func (t *Tracker) AlreadyNotified(courseID, recipient string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.notified[pairKey{courseID, recipient}]
	return ok
}
