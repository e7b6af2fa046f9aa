package cg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwbudde/cormorant/internal/device"
	"golang.org/x/sync/singleflight"
)

// Cache memoizes coupling tables per device context. An entry built for
// order L serves every request of order <= L; entries are never evicted.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Basis
	group   singleflight.Group
	builds  atomic.Int64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Basis)}
}

var defaultCache = NewCache()

// Default returns the process-wide cache.
func Default() *Cache {
	return defaultCache
}

// GetOrBuild returns a basis of order >= maxl for dctx, building it at most
// once per (order, context) even under concurrent requests.
func (c *Cache) GetOrBuild(ctx context.Context, maxl int, dctx device.Context) (*Basis, error) {
	if maxl < 0 {
		return nil, &OrderError{Order: maxl}
	}
	if b := c.lookup(maxl, dctx); b != nil {
		return b, nil
	}

	key := fmt.Sprintf("%s/%d", dctx.Key(), maxl)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// A concurrent build of a larger order may have landed meanwhile.
		if b := c.lookup(maxl, dctx); b != nil {
			return b, nil
		}

		start := time.Now()
		b, err := Build(maxl, dctx)
		if err != nil {
			return nil, err
		}
		c.builds.Add(1)

		c.mu.Lock()
		if cur, ok := c.entries[dctx.Key()]; !ok || cur.MaxL < b.MaxL {
			c.entries[dctx.Key()] = b
		}
		c.mu.Unlock()

		slog.Debug("Built coupling coefficients",
			"maxl", maxl,
			"context", dctx.Key(),
			"blocks", b.Blocks(),
			"elapsed", time.Since(start),
		)
		return b, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Basis), nil
	}
}

// Builds reports how many tables this cache has computed.
func (c *Cache) Builds() int64 {
	return c.builds.Load()
}

func (c *Cache) lookup(maxl int, dctx device.Context) *Basis {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if b, ok := c.entries[dctx.Key()]; ok && b.MaxL >= maxl {
		return b
	}
	return nil
}
