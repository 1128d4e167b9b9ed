// Package blobcache keeps recently downloaded tarballs in a local store, so
// repeated downloads do not go back to a remote blob store every time.
//
// While the cached contents are kept in the store, the list recording usage
// information is kept only in memory. On startup the items in the store are
// enumerated and taken to populate the cache list in an undetermined order.
//
// The cache uses an LRU item replacement policy. Tarballs never change once
// published, so entries are never invalidated, only evicted.
package blobcache

import (
	"container/list"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/ndlib/npmstore/store"
)

// Cache is a place to keep copies of tarballs.
type Cache interface {
	// Get returns the cached item, or nil for the ReadAtCloser if key is
	// not in the cache. A miss is not an error.
	Get(key string) (store.ReadAtCloser, int64, error)

	// Put returns a writer which adds key to the cache when it is closed.
	Put(key string) (io.WriteCloser, error)
}

// LRU is a Cache with a size limit. The least recently used items are
// removed to make room for new ones.
type LRU struct {
	// this is the place where cached items are stored
	s store.Store

	m sync.Mutex // protects everything below

	// total size used to store items in cache, including reservations for
	// items being written.
	size int64

	maxSize int64 // The maximum amount of space we may use

	// front of list is MRU, tail is LRU.
	lru     *list.List
	index   map[string]*list.Element
	pending map[string]bool // items being written
}

type entry struct {
	key  string
	size int64
}

var (
	ErrCacheFull = errors.New("Cache is full and no more items can be removed")
	ErrPending   = errors.New("Item is already in the cache or being added")
)

var _ Cache = &LRU{}

// NewLRU creates and initializes a new cache structure. The given store
// may already have items in it. Call Scan() either inline or in a goroutine
// to scan the store and add the items inside it to the LRU list.
func NewLRU(s store.Store, maxSize int64) *LRU {
	return &LRU{
		s:       s,
		maxSize: maxSize,
		lru:     list.New(),
		index:   make(map[string]*list.Element),
		pending: make(map[string]bool),
	}
}

// Scan enumerates the items in the underlying store and adds them to the
// cache. Items which do not fit are deleted. Blocks until it is completely
// finished.
func (t *LRU) Scan() {
	for key := range t.s.List() {
		if t.Contains(key) {
			continue
		}
		rc, size, err := t.s.Open(key)
		if err != nil {
			continue
		}
		rc.Close()
		err = t.reserve(size)
		if err != nil {
			// this item is too big for the cache.
			t.s.Delete(key)
			continue
		}
		t.link(entry{key: key, size: size})
	}
}

// Contains returns true if the given item is in the cache. It does not
// update the LRU status, and does not guarantee the item will be in the
// cache when Get() is called.
func (t *LRU) Contains(key string) bool {
	t.m.Lock()
	defer t.m.Unlock()
	_, ok := t.index[key]
	return ok
}

// Get returns a reader for the given item and marks it as recently used.
// If the item is not in the cache nil is returned for the ReadAtCloser.
func (t *LRU) Get(key string) (store.ReadAtCloser, int64, error) {
	t.m.Lock()
	e, ok := t.index[key]
	if ok {
		t.lru.MoveToFront(e)
	}
	t.m.Unlock()
	if !ok {
		return nil, 0, nil
	}
	rac, size, err := t.s.Open(key)
	if store.IsNotExist(err) {
		// evicted since we looked
		return nil, 0, nil
	}
	return rac, size, err
}

// Put returns a WriteCloser which saves writes to it in the cache under the
// provided key. Items are evicted from the cache as content is written to
// the Writer. The item is not formally added to the cache until the Writer is
// closed.
//
// Only one writer to a given key can be active at a time. Subsequent Puts
// return ErrPending, as do Puts for items already in the cache.
func (t *LRU) Put(key string) (io.WriteCloser, error) {
	t.m.Lock()
	_, ok := t.index[key]
	if ok || t.pending[key] {
		t.m.Unlock()
		return nil, ErrPending
	}
	t.pending[key] = true
	t.m.Unlock()

	// a previous run may have left this behind
	t.s.Delete(key)
	w, err := t.s.Create(key)
	if err != nil {
		t.unpend(key)
		return nil, err
	}
	return &writer{parent: t, key: key, w: w}, nil
}

// Size returns the number of bytes used by the cache.
func (t *LRU) Size() int64 {
	t.m.Lock()
	defer t.m.Unlock()
	return t.size
}

// link adds the given entry to the front of our LRU list.
func (t *LRU) link(e entry) {
	t.m.Lock()
	defer t.m.Unlock()
	t.index[e.key] = t.lru.PushFront(e)
}

func (t *LRU) unpend(key string) {
	t.m.Lock()
	delete(t.pending, key)
	t.m.Unlock()
}

func (t *LRU) save(w *writer) {
	t.m.Lock()
	delete(t.pending, w.key)
	t.index[w.key] = t.lru.PushFront(entry{key: w.key, size: w.size})
	t.m.Unlock()
}

func (t *LRU) discard(w *writer) {
	t.s.Delete(w.key)
	t.reserve(-w.size)
	t.unpend(w.key)
}

// reserve space for the passed in size, evicting items if necessary to stay
// under maxSize. Size can be negative to cancel a previous reservation.
// Nothing is reserved if there is an error.
func (t *LRU) reserve(size int64) error {
	t.m.Lock()
	defer t.m.Unlock()

	t.size += size
	for t.size > t.maxSize {
		e := t.lru.Back()
		if e == nil {
			t.size -= size
			return ErrCacheFull
		}
		victim := t.lru.Remove(e).(entry)
		delete(t.index, victim.key)
		err := t.s.Delete(victim.key)
		if err != nil && !store.IsNotExist(err) {
			t.size -= size
			return err
		}
		t.size -= victim.size
	}
	return nil
}

// writer copies a new item into the cache.
type writer struct {
	parent *LRU
	key    string
	w      io.WriteCloser
	size   int64
	failed bool
}

func (w *writer) Write(p []byte) (int, error) {
	// evict before writing so we never have more than maxSize in cache
	n := len(p)
	err := w.parent.reserve(int64(n))
	if err != nil {
		w.failed = true
		return 0, err
	}
	w.size += int64(n)
	m, err := w.w.Write(p)
	if err != nil {
		w.failed = true
	}
	return m, err
}

// Close adds the item to the cache, unless a write failed. In that case
// the partial item is removed.
func (w *writer) Close() error {
	if w.failed {
		if a, ok := w.w.(store.Aborter); ok {
			a.Abort()
		} else {
			w.w.Close()
		}
		w.parent.discard(w)
		return nil
	}
	err := w.w.Close()
	if err != nil {
		w.parent.discard(w)
		return err
	}
	w.parent.save(w)
	return nil
}
