// Package hlc implements the per-vbucket hybrid logical clock that issues
// CAS values. A CAS is wall-clock nanoseconds with a
// logical tie-breaker folded into the low bits, monotone even across
// clock-skew and concurrent issuance on one vbucket.
package hlc

import (
	"sync"

	"github.com/aristanetworks/goarista/monotime"
)

// logicalBits is the width reserved for the tie-breaker counter. 16 bits
// gives 65536 CAS values per nanosecond tick; past that the logical counter
// carries into the wall-clock bits, which keeps CAS strictly increasing.
const logicalBits = 16

// Clock issues CAS values for one vbucket. Safe for concurrent use: Now
// serializes issuance on the clock's own mutex, since writers holding
// different hash-table stripe locks call it concurrently.
type Clock struct {
	mu sync.Mutex

	last      uint64 // last issued CAS
	epoch     uint64 // monotime.Now() at construction, for drift observability
	maxAhead  uint64 // bounded drift-ahead threshold (ns), observability only
	maxBehind uint64
}

// New constructs a Clock with the given drift thresholds. They are stored
// for observability only: Drift does not compare against them, and they
// never block or reject CAS issuance.
func New(maxAhead, maxBehind uint64) *Clock {
	return &Clock{
		epoch:     monotime.Now(),
		maxAhead:  maxAhead,
		maxBehind: maxBehind,
	}
}

// Now issues the next CAS, guaranteed strictly greater than every value
// previously issued by this Clock.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := monotime.Now() << logicalBits
	if wall <= c.last {
		// Wall clock hasn't advanced past the last tick (or ticked
		// backwards relative to our folded representation); bump the
		// logical counter instead so CAS stays strictly increasing.
		c.last++
	} else {
		c.last = wall
	}
	return c.last
}

// Drift reports how far `cas`'s wall-clock component diverges from the
// clock's own notion of now. It never rejects or mutates state.
func (c *Clock) Drift(cas uint64) (aheadNs, behindNs uint64) {
	now := monotime.Now()
	theirs := cas >> logicalBits
	if theirs > now {
		return theirs - now, 0
	}
	return 0, now - theirs
}
