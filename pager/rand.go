package pager

import "math/rand"

// randFloat returns a value in [0,1) used by the 2-bit-lru policy's
// saturating-probability eviction. Not cryptographic; the policy only
// needs a statistically even spread across passes.
func randFloat() float64 {
	return rand.Float64()
}
