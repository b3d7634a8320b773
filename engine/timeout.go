package engine

import (
	"sync"
	"time"
)

// maxViewChangeTimeout caps the exponential back-off
const maxViewChangeTimeout = 5 * time.Minute

// ViewChangeTimer arms the "no progress" timeout that triggers a view
// change. It is cancelable and idempotent: Stop on an unarmed timer and
// Reset on an armed one are both safe. Each unsuccessful view change
// doubles the duration until Restore is called.
type ViewChangeTimer struct {
	mu      sync.Mutex
	base    time.Duration
	current time.Duration
	timer   *time.Timer
	ch      chan struct{}
	armed   bool
}

// NewViewChangeTimer creates a timer with the given base duration
func NewViewChangeTimer(base time.Duration) *ViewChangeTimer {
	return &ViewChangeTimer{
		base:    base,
		current: base,
		ch:      make(chan struct{}, 1),
	}
}

// C returns the channel that delivers expirations
func (t *ViewChangeTimer) C() <-chan struct{} {
	return t.ch
}

// Arm starts the timer if it is not already running
func (t *ViewChangeTimer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.armed {
		return
	}
	t.armed = true
	t.start()
}

// Reset restarts the timer with the current duration
func (t *ViewChangeTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.armed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.start()
}

// Stop cancels the timer
func (t *ViewChangeTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.armed = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	// Drain a pending expiration so a cancelled timeout is not
	// delivered later.
	select {
	case <-t.ch:
	default:
	}
}

// Backoff doubles the duration, up to a cap
func (t *ViewChangeTimer) Backoff() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current *= 2
	if t.current > maxViewChangeTimeout {
		t.current = maxViewChangeTimeout
	}
}

// Restore resets the duration to the base after successful progress
func (t *ViewChangeTimer) Restore() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = t.base
}

// Duration returns the current duration
func (t *ViewChangeTimer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// IsArmed reports whether the timer is running
func (t *ViewChangeTimer) IsArmed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// start arms the underlying timer; caller holds t.mu
func (t *ViewChangeTimer) start() {
	d := t.current
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if !t.armed {
			t.mu.Unlock()
			return
		}
		t.armed = false
		t.mu.Unlock()

		select {
		case t.ch <- struct{}{}:
		default:
		}
	})
}
