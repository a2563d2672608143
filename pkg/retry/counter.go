// Package retry implements the bounded retry counters used by the connectivity
// and session state machines.
//
// States: Counting -> (limit reached) -> Tripped. A tripped counter reports the
// escalation once; further failures are absorbed until Reset.
package retry

import "sync"

type counterState int

const (
	stateCounting counterState = iota
	stateTripped
)

type Counter struct {
	mu       sync.Mutex
	state    counterState
	failures int
	limit    int
}

// NewCounter returns a counter that escalates when the number of consecutive
// failures reaches limit.
func NewCounter(limit int) *Counter {
	if limit < 1 {
		limit = 1
	}
	return &Counter{state: stateCounting, limit: limit}
}

// Fail records one failure. escalate is true exactly once per trip.
func (c *Counter) Fail() (count int, escalate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateCounting:
		c.failures++
		if c.failures >= c.limit {
			c.state = stateTripped
			return c.failures, true
		}
		return c.failures, false
	default:
		// already escalated; the owner is recovering
		return c.failures, false
	}
}

// Reset clears failures and re-arms the escalation.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.state = stateCounting
}

func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *Counter) Tripped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateTripped
}

func (c *Counter) Limit() int { return c.limit }
