package agent

import "time"

// Backoff produces exponentially growing delays for rate-limited agent
// calls: base, 2x, 4x... capped at max. A successful message resets it.
type Backoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

// NewBackoff creates a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{base: base, max: max, cur: base}
}

// Next returns the delay to wait now and doubles the stored delay for the
// next call, capped at max.
func (b *Backoff) Next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Reset restores the delay to base.
func (b *Backoff) Reset() {
	b.cur = b.base
}
