package store

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"
)

// sizeCache remembers the sizes of remote objects, so opening a tarball
// does not cost a HEAD request every time. Objects known to be missing
// are remembered for a shorter time than ones which exist.
type sizeCache struct {
	flight singleflight.Group
	now    func() time.Time

	m     sync.Mutex // protects everything below
	sizes *lru.Cache // key -> sizeEntry
	gen   uint64     // bumped on every Set and Forget
}

type sizeEntry struct {
	expire time.Time
	size   int64 // sizeMissing if the object does not exist
}

const (
	sizeMissing int64 = -1

	sizeHitTTL  = 240 * time.Hour
	sizeMissTTL = 3 * time.Hour
	sizeEntries = 50000
)

func newSizeCache() *sizeCache {
	return &sizeCache{
		now:   time.Now,
		sizes: lru.New(sizeEntries),
	}
}

// Get returns the size of key. If key is not cached, fill is called to find
// it. Concurrent misses on one key share a single call to fill.
func (c *sizeCache) Get(key string, fill func(key string) (int64, error)) (int64, error) {
	size, ok, gen := c.lookup(key)
	if ok {
		if size == sizeMissing {
			return 0, errors.Wrap(ErrNotExist, key)
		}
		return size, nil
	}
	v, err := c.flight.Do(key, func() (interface{}, error) {
		return fill(key)
	})
	switch {
	case IsNotExist(err):
		c.setIfUnchanged(key, sizeMissing, gen)
		return 0, err
	case err != nil:
		return 0, err
	}
	size = v.(int64)
	c.setIfUnchanged(key, size, gen)
	return size, nil
}

func (c *sizeCache) lookup(key string) (int64, bool, uint64) {
	c.m.Lock()
	defer c.m.Unlock()
	v, ok := c.sizes.Get(key)
	if !ok {
		return 0, false, c.gen
	}
	e := v.(sizeEntry)
	if c.now().After(e.expire) {
		c.sizes.Remove(key)
		return 0, false, c.gen
	}
	return e.size, true, c.gen
}

// Set records the size of key. Pass sizeMissing if the key was deleted.
func (c *sizeCache) Set(key string, size int64) {
	c.m.Lock()
	c.gen++
	c.set0(key, size)
	c.m.Unlock()
}

// Forget drops whatever is known about key.
func (c *sizeCache) Forget(key string) {
	c.m.Lock()
	c.gen++
	c.sizes.Remove(key)
	c.m.Unlock()
}

// setIfUnchanged stores a size found by a fill, unless a Set or Forget
// happened while the fill was running. Then the fill result may be stale.
func (c *sizeCache) setIfUnchanged(key string, size int64, gen uint64) {
	c.m.Lock()
	if c.gen == gen {
		c.set0(key, size)
	}
	c.m.Unlock()
}

func (c *sizeCache) set0(key string, size int64) {
	ttl := sizeHitTTL
	if size == sizeMissing {
		ttl = sizeMissTTL
	}
	c.sizes.Add(key, sizeEntry{expire: c.now().Add(ttl), size: size})
}
