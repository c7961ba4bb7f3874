package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time moves only on Advance, and due
// AfterFunc callbacks run synchronously inside Advance in deadline order.
// Callbacks must not call Advance.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeTimer
}

// NewFake returns a Fake starting at initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	callback func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run once the clock reaches now+d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, t)
	return t
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

// Advance moves time forward by d and runs every callback that became due.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	for {
		due := c.nextDue(target)
		if due == nil {
			break
		}
		due.fired = true
		if due.deadline.After(c.current) {
			c.current = due.deadline
		}
		c.mu.Unlock()
		due.callback()
		c.mu.Lock()
	}
	c.current = target
	c.compact()
	c.mu.Unlock()
}

func (c *Fake) nextDue(target time.Time) *fakeTimer {
	live := make([]*fakeTimer, 0, len(c.waiters))
	for _, w := range c.waiters {
		if !w.stopped && !w.fired && !w.deadline.After(target) {
			live = append(live, w)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].deadline.Before(live[j].deadline) })
	return live[0]
}

func (c *Fake) compact() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}
