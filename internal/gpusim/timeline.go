// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package gpusim

import (
	"sync"
	"time"
)

// Timeline is a monotonically increasing 64-bit counter.
// It is the device-side primitive behind fences, timeline
// semaphores and shared events.
type Timeline struct {
	mu  sync.Mutex
	val uint64
	// Closed and replaced whenever val increases.
	wake chan struct{}
}

// NewTimeline creates a new timeline whose value is
// initial.
func NewTimeline(initial uint64) *Timeline {
	return &Timeline{val: initial, wake: make(chan struct{})}
}

// Value returns the current value.
func (t *Timeline) Value() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.val
}

// Signal sets the value to v.
// It has no effect if v is not greater than the current
// value.
func (t *Timeline) Signal(v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v <= t.val {
		return
	}
	t.val = v
	close(t.wake)
	t.wake = make(chan struct{})
}

// poll returns whether the value has reached v and, if
// not, a channel that is closed on the next increase.
func (t *Timeline) poll(v uint64) (bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.val >= v {
		return true, nil
	}
	return false, t.wake
}

// Wait blocks until the value is greater than or equal to
// v, or until timeout elapses.
// A negative timeout means no timeout.
// It returns whether the value was reached.
func (t *Timeline) Wait(v uint64, timeout time.Duration) bool {
	done, wake := t.poll(v)
	if done {
		return true
	}
	if timeout == 0 {
		return false
	}
	var expire <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		expire = tm.C
	}
	for {
		select {
		case <-wake:
			if done, wake = t.poll(v); done {
				return true
			}
		case <-expire:
			done, _ = t.poll(v)
			return done
		}
	}
}

// waitStop is like Wait with no timeout, but it gives up
// when stop is closed.
func (t *Timeline) waitStop(v uint64, stop <-chan struct{}) bool {
	for {
		done, wake := t.poll(v)
		if done {
			return true
		}
		select {
		case <-wake:
		case <-stop:
			return false
		}
	}
}
