package traffic

import (
	"sync"
	"time"
)

// DefaultWindow is the outcome window used when NewTracker is given zero.
const DefaultWindow = 5 * time.Minute

// Tracker keeps sliding windows of upstream outcome timestamps. It feeds the
// recent call and error counts reported in status.
type Tracker struct {
	mu           sync.Mutex
	window       time.Duration
	now          func() time.Time
	successTimes []time.Time
	errorTimes   []time.Time
}

// NewTracker returns a tracker counting outcomes within window.
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{window: window, now: time.Now}
}

// Window returns the sliding window length.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// RecordSuccess records a successful upstream call.
func (t *Tracker) RecordSuccess() {
	t.recordOutcome(&t.successTimes)
}

// RecordError records a failed upstream call (timeout, bad response, circuit open).
func (t *Tracker) RecordError() {
	t.recordOutcome(&t.errorTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// Calls returns successes plus errors within the window.
func (t *Tracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.window)
	return countInWindow(t.successTimes, cutoff) + countInWindow(t.errorTimes, cutoff)
}

// Errors returns the number of errors within the window.
func (t *Tracker) Errors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countInWindow(t.errorTimes, t.now().Add(-t.window))
}

// LastSuccess returns the time of the most recent success still in the window.
func (t *Tracker) LastSuccess() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.successTimes) == 0 {
		return time.Time{}, false
	}
	return t.successTimes[len(t.successTimes)-1], true
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
}

func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than the window. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
}
