package blobcache

import (
	"fmt"
	"io"
	"testing"

	"github.com/ndlib/npmstore/store"
)

func TestEviction(t *testing.T) {
	cache := NewLRU(store.NewMemory(), 100)
	// "hello world" is 11 bytes. so 10 should cause a cache eviction
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("hello-%d", i)
		w, err := cache.Put(key)
		if err != nil {
			t.Fatalf("received %s", err.Error())
		}
		w.Write([]byte("hello world"))
		w.Close()
	}

	// the first one put is the least recently used
	var nEvicted int
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("hello-%d", i)
		r, size, err := cache.Get(key)
		if err != nil {
			t.Fatalf("received %s", err.Error())
		}
		if r == nil {
			nEvicted++
			if i != 0 {
				t.Errorf("%s was evicted", key)
			}
			continue
		}
		if size != 11 {
			t.Errorf("Received size %d, expected %d", size, 11)
		}
		r.Close()
	}
	if nEvicted != 1 {
		t.Errorf("%d items evicted, expected 1", nEvicted)
	}
	if cache.Size() != 99 {
		t.Errorf("Cache size is %d", cache.Size())
	}
}

func TestRecentlyUsedKept(t *testing.T) {
	cache := NewLRU(store.NewMemory(), 30)
	put := func(key string) {
		w, err := cache.Put(key)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("0123456789"))
		w.Close()
	}
	put("a")
	put("b")
	put("c")
	r, _, _ := cache.Get("a") // "b" is now the oldest
	r.Close()
	put("d")
	if !cache.Contains("a") || cache.Contains("b") {
		t.Errorf("a=%v b=%v", cache.Contains("a"), cache.Contains("b"))
	}
}

func TestTooLargeItem(t *testing.T) {
	cache := NewLRU(store.NewMemory(), 100)
	key := "qwerty"
	w, err := cache.Put(key)
	if err != nil {
		t.Fatalf("received %s", err.Error())
	}
	// write this in pieces. should error on last one
	for i := 0; i < 10; i++ {
		_, err = w.Write([]byte("hello world"))
		if err != nil {
			t.Logf("Received error %s", err.Error())
			break
		}
	}
	if err != ErrCacheFull {
		t.Errorf("Did not receive ErrCacheFull")
	}
	w.Close()
	if cache.Size() != 0 {
		t.Errorf("Cache size is %d. Expected %d", cache.Size(), 0)
	}
	if cache.Contains(key) {
		t.Errorf("Partial item is in the cache")
	}
	// and it can be tried again
	w, err = cache.Put(key)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
}

func TestPending(t *testing.T) {
	cache := NewLRU(store.NewMemory(), 100)
	w, err := cache.Put("abc")
	if err != nil {
		t.Fatal(err)
	}
	_, err = cache.Put("abc")
	if err != ErrPending {
		t.Errorf("second writer received %v", err)
	}
	// not visible until closed
	r, _, _ := cache.Get("abc")
	if r != nil {
		t.Errorf("item visible before close")
	}
	io.WriteString(w, "abc")
	w.Close()
	_, err = cache.Put("abc")
	if err != ErrPending {
		t.Errorf("put of cached item received %v", err)
	}
}

func TestScan(t *testing.T) {
	mem := store.NewMemory()

	// populate the store
	var table = []struct {
		key, contents string
	}{
		{"qwerty", "1234567890"},
		{"asdf", "1234567890-="},
		{"zxcv", "abcdefghijklmnopqrstuvwxyz"},
	}

	for _, elem := range table {
		w, err := mem.Create(elem.key)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(elem.contents))
		w.Close()
	}

	// now set up the cache and scan it
	cache := NewLRU(mem, 100)
	cache.Scan()

	for _, elem := range table {
		r, _, _ := cache.Get(elem.key)
		if r == nil {
			t.Errorf("key %s: nil", elem.key)
			continue
		}
		r.Close()
	}
	if cache.Size() != 48 {
		t.Errorf("Cache size is %d", cache.Size())
	}

	// now set up a small cache and scan that
	cache = NewLRU(mem, 15)
	cache.Scan()
	if cache.Size() > 15 {
		t.Errorf("Cache size is %d", cache.Size())
	}
}
