// Package mock provides a manually advanced clock.Clock for tests.
//
// Callbacks never fire on their own. Advance moves virtual time forward and
// runs every callback that became due, in due order, on the calling goroutine.
//
// Example:
//
//	c := &mock.Clock{}
//	c.AfterFunc(time.Second, func() { fired = true })
//	c.Advance(time.Second) // fired == true
package mock

import (
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/glossa/internal/clock"
)

// Clock is a mock implementation of clock.Clock.
type Clock struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*timer

	// AfterFuncCalls records the delay of every AfterFunc call.
	AfterFuncCalls []time.Duration
}

type timer struct {
	c       *Clock
	at      time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// AfterFunc schedules f to run once virtual time reaches now+d.
func (c *Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AfterFuncCalls = append(c.AfterFuncCalls, d)
	c.seq++
	t := &timer{c: c, at: c.now + d, seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Stop implements clock.Timer.
func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves virtual time forward by d, firing due callbacks in order.
// Callbacks scheduled by a firing callback run too if they fall due within
// the same window.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	for {
		t := c.nextDueLocked(target)
		if t == nil {
			break
		}
		t.fired = true
		c.now = t.at
		c.mu.Unlock()
		t.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

func (c *Clock) nextDueLocked(target time.Duration) *timer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].at != c.timers[j].at {
			return c.timers[i].at < c.timers[j].at
		}
		return c.timers[i].seq < c.timers[j].seq
	})
	if len(c.timers) == 0 || c.timers[0].at > target {
		return nil
	}
	return c.timers[0]
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Delays returns a copy of AfterFuncCalls. Thread-safe.
func (c *Clock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.AfterFuncCalls...)
}

// Ensure Clock implements clock.Clock at compile time.
var _ clock.Clock = (*Clock)(nil)
