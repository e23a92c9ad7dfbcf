package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatchlist_Version(t *testing.T) {
	a := NewWatchlist([]string{"x.com", "y.com"})
	b := NewWatchlist([]string{"X.com", "y.com"})
	c := NewWatchlist([]string{"y.com", "x.com"})
	d := NewWatchlist([]string{"x.comy.com"})

	assert.Equal(t, a.Version, b.Version, "case must not change the version")
	assert.NotEqual(t, a.Version, c.Version, "order is part of the version")
	assert.NotEqual(t, a.Version, d.Version, "entries are separated")
}

func TestCache_FollowsWatchlistChanges(t *testing.T) {
	c := NewCache(16)

	wl := NewWatchlist([]string{"x.com"})
	m, ok := c.Find("api.x.com", wl)
	require.True(t, ok)
	assert.Equal(t, Match{Entry: "x.com", Rule: RuleSubdomain}, m)

	_, ok = c.Find("y.com", wl)
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len(), "hits and misses are both cached")

	// same domain, different case: served from the same slot
	_, ok = c.Find("API.X.COM", wl)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())

	wl2 := NewWatchlist([]string{"x.com", "y.com"})
	m, ok = c.Find("y.com", wl2)
	require.True(t, ok, "stale miss must not survive a watchlist change")
	assert.Equal(t, Match{Entry: "y.com", Rule: RuleExact}, m)
	assert.Equal(t, 1, c.Len())

	_, ok = c.Find("api.x.com", NewWatchlist(nil))
	assert.False(t, ok, "stale hit must not survive a cleared watchlist")
}

func TestCache_Disabled(t *testing.T) {
	c := NewCache(0)
	wl := NewWatchlist([]string{"x.com"})

	_, ok := c.Find("x.com", wl)
	assert.True(t, ok)
	assert.Equal(t, 0, c.Len())

	var nilCache *Cache
	_, ok = nilCache.Find("x.com", wl)
	assert.True(t, ok)
}
