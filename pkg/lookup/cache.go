package lookup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

type cachedResult struct {
	attrs Attributes
	found bool
}

// Cached memoizes a slower table, hits and misses alike. Errors are never
// cached.
type Cached struct {
	next Table
	rc   *ristretto.Cache[string, cachedResult]
	ttl  time.Duration
}

// NewCached wraps next using max_entries (default 10000) and ttl seconds
// (default 60) from sec.
func NewCached(next Table, sec *config.Section) (*Cached, error) {
	maxEntries, err := sec.Int("max_entries", 10000)
	if err != nil {
		return nil, err
	}
	if maxEntries <= 0 {
		return nil, domain.ConfigErrorf(sec.Path(), "max_entries", "must be positive")
	}
	ttl, err := sec.Float("ttl", 60)
	if err != nil {
		return nil, err
	}
	return NewCachedTable(next, int64(maxEntries), time.Duration(ttl*float64(time.Second)))
}

// NewCachedTable wraps next with an explicit size and TTL.
func NewCachedTable(next Table, maxEntries int64, ttl time.Duration) (*Cached, error) {
	rc, err := ristretto.NewCache(&ristretto.Config[string, cachedResult]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create lookup cache: %w", err)
	}
	return &Cached{next: next, rc: rc, ttl: ttl}, nil
}

// LookupAddress serves from the cache, falling through to the wrapped table.
func (c *Cached) LookupAddress(ctx context.Context, address string, params map[string]string) (Attributes, bool, error) {
	key := cacheKey(address, params)
	if res, ok := c.rc.Get(key); ok {
		return res.attrs, res.found, nil
	}

	attrs, found, err := c.next.LookupAddress(ctx, address, params)
	if err != nil {
		return nil, false, err
	}
	c.rc.SetWithTTL(key, cachedResult{attrs: attrs, found: found}, 1, c.ttl)
	c.rc.Wait()
	return attrs, found, nil
}

// Close stops the cache's background goroutines and closes the wrapped
// table.
func (c *Cached) Close() error {
	c.rc.Close()
	return Close(c.next)
}

func cacheKey(address string, params map[string]string) string {
	if len(params) == 0 {
		return address
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(address)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
