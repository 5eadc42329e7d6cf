package vm

import (
	lru "github.com/hashicorp/golang-lru"
)

// ---------------------------------------------------------------------------
// DispatchCache: trait method lookup cache
// ---------------------------------------------------------------------------

// DefaultDispatchCacheSize is the default number of cached trait lookups.
const DefaultDispatchCacheSize = 256

type dispatchKey struct {
	class uint64
	name  string
}

type dispatchTarget struct {
	class uint64
	index int
}

// DispatchCache memoizes trait lookups by receiver class and method name.
// Classes are never unlinked, so entries never go stale.
type DispatchCache struct {
	cache *lru.Cache

	Hits   uint64
	Misses uint64
}

// NewDispatchCache creates a cache holding up to size lookups.
func NewDispatchCache(size int) (*DispatchCache, error) {
	if size <= 0 {
		size = DefaultDispatchCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &DispatchCache{cache: c}, nil
}

// Lookup resolves name on class, consulting the runtime on a miss.
func (dc *DispatchCache) Lookup(rt *Runtime, class uint64, name string) (uint64, int, error) {
	key := dispatchKey{class: class, name: name}
	if v, ok := dc.cache.Get(key); ok {
		dc.Hits++
		t := v.(dispatchTarget)
		return t.class, t.index, nil
	}
	dc.Misses++
	owner, idx, err := rt.FindMethod(class, name)
	if err != nil {
		return 0, 0, err
	}
	dc.cache.Add(key, dispatchTarget{class: owner, index: idx})
	return owner, idx, nil
}

// Len returns the number of cached lookups.
func (dc *DispatchCache) Len() int { return dc.cache.Len() }

// Purge empties the cache.
func (dc *DispatchCache) Purge() { dc.cache.Purge() }
