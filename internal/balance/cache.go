package balance

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
)

// SupplyCache memoizes totalSupply reads per market to cut RPC volume. Entries
// are reused while younger than the TTL and refreshed on first access after
// expiry. Concurrent readers racing a refresh is fine: staleness, not
// atomicity, is the only concern, and the last writer wins.
type SupplyCache struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	ttl     time.Duration
	entries map[common.Address]supplyEntry
}

type supplyEntry struct {
	value     *big.Int
	fetchedAt time.Time
}

// NewSupplyCache creates a cache with the given entry lifetime.
func NewSupplyCache(clock clockwork.Clock, ttl time.Duration) *SupplyCache {
	return &SupplyCache{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[common.Address]supplyEntry),
	}
}

// TotalSupply returns the cached supply for the token, refreshing through the
// reader when the entry is missing or stale.
func (c *SupplyCache) TotalSupply(ctx context.Context, reader ChainReader, token common.Address) (*big.Int, error) {
	c.mu.RLock()
	entry, ok := c.entries[token]
	c.mu.RUnlock()

	if ok && c.clock.Now().Sub(entry.fetchedAt) < c.ttl {
		return entry.value, nil
	}

	value, err := reader.TotalSupply(ctx, token)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[token] = supplyEntry{value: value, fetchedAt: c.clock.Now()}
	c.mu.Unlock()

	return value, nil
}

// Clear drops all cached entries.
func (c *SupplyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[common.Address]supplyEntry)
}
