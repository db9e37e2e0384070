package relay

import (
	"sync"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/flashbots/blind-relay/metrics"
)

// PayloadCache holds the execution payloads the relay has committed to in a
// signed bid but not yet revealed, keyed by the auction they belong to. The
// bid value rides along with each payload so the delivery trace can report
// it. There is at most one live payload per auction: inserting for a known
// identity replaces the previous payload (last writer wins). Entries leave
// the cache either through Take, when a proposer opens its bid, or through
// slot-bounded eviction once the auction's slot is too far in the past.
type PayloadCache struct {
	mu       sync.Mutex
	payloads map[BidRequest]*PayloadWithValue
}

func NewPayloadCache() *PayloadCache {
	return &PayloadCache{
		payloads: make(map[BidRequest]*PayloadWithValue),
	}
}

// Insert stores the payload for the given auction, overwriting any previous
// entry for the same identity.
func (c *PayloadCache) Insert(id BidRequest, payload *PayloadWithValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads[id] = payload
	metrics.SetPayloadCacheEntries(len(c.payloads))
}

// Take atomically removes and returns the payload for the given auction.
func (c *PayloadCache) Take(id BidRequest) (*PayloadWithValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.payloads[id]
	if ok {
		delete(c.payloads, id)
		metrics.SetPayloadCacheEntries(len(c.payloads))
	}
	return payload, ok
}

// EvictBefore discards every payload whose slot plus tolerance is behind
// currentSlot. An entry at the exact boundary, slot+tolerance == currentSlot,
// survives. Returns the number of evicted entries.
func (c *PayloadCache) EvictBefore(currentSlot phase0.Slot, tolerance uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for id := range c.payloads {
		if id.Slot+phase0.Slot(tolerance) < currentSlot {
			delete(c.payloads, id)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.IncPayloadsEvicted(evicted)
		metrics.SetPayloadCacheEntries(len(c.payloads))
	}
	return evicted
}

func (c *PayloadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}
