package aggregator

import (
	"sync"
	"time"
)

type timerState int

const (
	timerIdle timerState = iota
	timerActive
)

// SubmissionTimer is the debounced trigger from spec.md §4.3: it calls
// back at most once per firing, either when the configured delay
// elapses after the first activity since idle, or immediately via
// Trigger. Its internal state is never exposed — only the three
// transitions (Design Notes bullet 3) — so the service only ever sees
// the callback fire.
type SubmissionTimer struct {
	delay    time.Duration
	callback func()

	mu      sync.Mutex
	state   timerState
	timer   *time.Timer
	firedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}

	invokeMu sync.Mutex
}

// NewSubmissionTimer constructs a timer that invokes callback on
// firing. The timer starts idle; callers drive it with NotifyActive,
// Clear and Trigger.
func NewSubmissionTimer(delay time.Duration, callback func()) *SubmissionTimer {
	return &SubmissionTimer{
		delay:    delay,
		callback: callback,
		stopCh:   make(chan struct{}),
	}
}

// NotifyActive moves idle→active, arming the deadline at now+delay if
// this is the first activity since the last idle period. A second call
// while already active is a no-op: the deadline is anchored to t0, not
// extended by further activity.
func (t *SubmissionTimer) NotifyActive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == timerActive {
		return
	}
	t.state = timerActive
	t.firedAt = time.Time{}
	t.timer = time.AfterFunc(t.delay, t.fire)
}

// Clear returns the timer to idle, cancelling any armed deadline.
func (t *SubmissionTimer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

func (t *SubmissionTimer) clearLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.state = timerIdle
}

// Trigger fires the callback immediately, regardless of the armed
// deadline, and returns the timer to idle.
func (t *SubmissionTimer) Trigger() {
	t.mu.Lock()
	t.clearLocked()
	t.mu.Unlock()
	t.invoke()
}

func (t *SubmissionTimer) fire() {
	t.mu.Lock()
	// A Clear/Trigger may have raced the AfterFunc firing; only run the
	// callback if we are still the armed timer.
	if t.state != timerActive {
		t.mu.Unlock()
		return
	}
	t.state = timerIdle
	t.timer = nil
	t.mu.Unlock()
	t.invoke()
}

// invoke serializes callback execution: the deadline firing and an
// explicit Trigger can race to call it, but spec.md §4.3 requires the
// callback never run concurrently with itself.
func (t *SubmissionTimer) invoke() {
	t.invokeMu.Lock()
	defer t.invokeMu.Unlock()
	select {
	case <-t.stopCh:
		return
	default:
	}
	t.callback()
}

// Stop cancels any armed deadline and prevents further callbacks.
func (t *SubmissionTimer) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.mu.Lock()
	t.clearLocked()
	t.mu.Unlock()
}
