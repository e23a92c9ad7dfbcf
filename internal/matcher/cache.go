// internal/matcher/cache.go
package matcher

import (
	"hash/fnv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Watchlist is a point-in-time snapshot of the watchlist.
// Version changes whenever the entries change, so cached results can be dropped wholesale.
type Watchlist struct {
	Version uint64
	Entries []string
}

// NewWatchlist snapshots entries. The version is a content fingerprint,
// so edits made by any writer of the store invalidate the cache.
func NewWatchlist(entries []string) Watchlist {
	h := fnv.New64a()
	for _, e := range entries {
		h.Write([]byte(strings.ToLower(e)))
		h.Write([]byte{0})
	}
	return Watchlist{Version: h.Sum64(), Entries: entries}
}

type cached struct {
	match Match
	ok    bool
}

// Cache
// ------------------------------------------------------------
// Most traffic repeats a small set of hosts (CDNs, messengers),
// so Find results are memoized per observed domain. Misses are cached
// too. The whole cache is purged when the watchlist version moves.
type Cache struct {
	mu      sync.Mutex
	version uint64
	primed  bool
	lru     *lru.Cache[string, cached]
}

// NewCache returns a cache holding at most size domains.
// size <= 0 disables caching.
func NewCache(size int) *Cache {
	c := &Cache{}
	if size > 0 {
		l, err := lru.New[string, cached](size)
		if err == nil {
			c.lru = l
		}
	}
	return c
}

// Find is matcher.Find with memoization against wl.Version.
func (c *Cache) Find(observed string, wl Watchlist) (Match, bool) {
	if c == nil || c.lru == nil {
		return Find(observed, wl.Entries)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.primed || c.version != wl.Version {
		c.lru.Purge()
		c.version = wl.Version
		c.primed = true
	}

	key := strings.ToLower(observed)
	if v, ok := c.lru.Get(key); ok {
		return v.match, v.ok
	}

	m, ok := Find(observed, wl.Entries)
	c.lru.Add(key, cached{match: m, ok: ok})
	return m, ok
}

// Len reports the number of cached domains.
func (c *Cache) Len() int {
	if c == nil || c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
