// Package backoff tracks consecutive challenge outcomes for one browser
// session and computes capped exponential sleep durations.
package backoff

import "time"

// Defaults applied when the corresponding config value is zero.
const (
	DefaultBase = 60 * time.Second
	DefaultCap  = 300 * time.Second
)

// Controller counts consecutive challenges. The counter is scoped to the
// browser session, not to a URL: blocks on different URLs still compound
// because they indicate the current network identity is burned.
type Controller struct {
	base        time.Duration
	cap         time.Duration
	consecutive int
}

// New builds a Controller. Zero base or cap selects the defaults.
func New(base, max time.Duration) *Controller {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultCap
	}
	return &Controller{base: base, cap: max}
}

// OnChallenge records one more consecutive challenge.
func (c *Controller) OnChallenge() {
	c.consecutive++
}

// OnClear resets the consecutive counter.
func (c *Controller) OnClear() {
	c.consecutive = 0
}

// Consecutive returns the current consecutive challenge count.
func (c *Controller) Consecutive() int {
	return c.consecutive
}

// Delay returns min(base * 2^(count-1), cap), or zero when no challenge
// has been recorded since the last clear.
func (c *Controller) Delay() time.Duration {
	if c.consecutive <= 0 {
		return 0
	}
	shift := c.consecutive - 1
	// Beyond 62 doublings the shift itself overflows; the cap applies
	// long before that.
	if shift > 32 {
		return c.cap
	}
	d := c.base << uint(shift)
	if d <= 0 || d > c.cap {
		return c.cap
	}
	return d
}
