package hashtable

import (
	lru "github.com/hashicorp/golang-lru"
)

// BgFetchCoalescer bounds and de-duplicates in-flight NeedBgFetch requests.
// A second caller for a key already being fetched joins the first caller's
// pending request rather than issuing a duplicate disk probe.
type BgFetchCoalescer struct {
	inflight *lru.Cache
}

// NewBgFetchCoalescer bounds the number of concurrently tracked in-flight
// fetches; eviction from the LRU here only means "stop deduping it", never
// cancels a real disk probe.
func NewBgFetchCoalescer(maxInflight int) *BgFetchCoalescer {
	c, err := lru.New(maxInflight)
	if err != nil {
		// Only returns an error for size <= 0.
		c, _ = lru.New(1)
	}
	return &BgFetchCoalescer{inflight: c}
}

// Join registers interest in key's outstanding fetch. It returns leader=true
// if the caller is the first to ask (and so must actually schedule the disk
// probe); subsequent callers get leader=false and should await the same
// resolution instead of issuing their own.
func (c *BgFetchCoalescer) Join(key []byte) (leader bool) {
	k := string(key)
	if c.inflight.Contains(k) {
		return false
	}
	c.inflight.Add(k, struct{}{})
	return true
}

// Resolve removes key from the in-flight set once its background fetch has
// completed (temp slot resolved to a real value, temp-deleted, or
// temp-non-existent).
func (c *BgFetchCoalescer) Resolve(key []byte) {
	c.inflight.Remove(string(key))
}
