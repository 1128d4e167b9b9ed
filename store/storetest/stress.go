// storetest provides functions for facilitating the testing of anything
// implementing the Store interface.
package storetest

import (
	"bytes"
	"crypto/sha1"
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/ndlib/npmstore/store"
)

// Stress spawns writers which keep replacing a handful of keys while readers
// open and read them. Every value written is self-describing: it is a run of
// one byte repeated, so a reader can tell if it ever saw a torn value (a mix
// of two writes, or a partial write). It is a good test to run with the -race
// flag.
//
// The store must be a Replacer. rounds is the number of writes each writer
// performs; 0 means 200.
func Stress(t *testing.T, s store.Store, rounds int) {
	rs, ok := s.(store.Replacer)
	if !ok {
		t.Fatalf("%T is not a Replacer", s)
	}
	if rounds == 0 {
		rounds = 200
	}
	keys := []string{"stress-one", "stress-two", "stress-three"}
	for _, k := range keys {
		writeValue(t, rs, k, 'a', 1024)
	}

	var writers, readers sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		writers.Add(1)
		go func(seed int64) {
			defer writers.Done()
			r := rand.New(rand.NewSource(seed))
			for n := 0; n < rounds; n++ {
				key := keys[r.Intn(len(keys))]
				letter := byte('a' + r.Intn(26))
				size := 1 + r.Intn(64*1024)
				writeValue(t, rs, key, letter, size)
			}
		}(int64(i))
	}
	for i := 0; i < 8; i++ {
		readers.Add(1)
		go func(seed int64) {
			defer readers.Done()
			r := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-done:
					return
				default:
				}
				checkValue(t, s, keys[r.Intn(len(keys))])
			}
		}(int64(100 + i))
	}
	writers.Wait()
	close(done)
	readers.Wait()
}

func writeValue(t *testing.T, rs store.Replacer, key string, letter byte, size int) {
	w, err := rs.Replace(key)
	if err != nil {
		t.Error(key, err)
		return
	}
	if _, err := w.Write(bytes.Repeat([]byte{letter}, size)); err != nil {
		t.Error(key, err)
	}
	if err := w.Close(); err != nil {
		t.Error(key, err)
	}
}

func checkValue(t *testing.T, s store.Store, key string) {
	rac, size, err := s.Open(key)
	if err != nil {
		t.Error(key, err)
		return
	}
	defer rac.Close()
	data := make([]byte, size)
	n, err := rac.ReadAt(data, 0)
	if int64(n) != size {
		t.Error(key, "expected", size, "bytes, read", n, err)
		return
	}
	if size == 0 {
		t.Error(key, "read an empty value")
		return
	}
	want := sha1.Sum(bytes.Repeat(data[:1], int(size)))
	if sha1.Sum(data) != want {
		t.Errorf("%s: torn value of %d bytes", key, size)
	}
}

// Conformance checks the basic contract every store used by the registry
// must satisfy.
func Conformance(t *testing.T, s store.Store) {
	const key = "conformance-key"
	s.Delete(key)

	if _, _, err := s.Open(key); !store.IsNotExist(err) {
		t.Errorf("Open of missing key: received %v, expected ErrNotExist", err)
	}

	w, err := s.Create(key)
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	io.WriteString(w, "first")
	// not visible until closed
	if _, _, err := s.Open(key); err == nil {
		t.Errorf("value visible before Close")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	expectContent(t, s, key, "first")

	if _, err := s.Create(key); err != store.ErrKeyExists {
		t.Errorf("Create of existing key: received %v, expected ErrKeyExists", err)
	}

	if rs, ok := s.(store.Replacer); ok {
		w, err := rs.Replace(key)
		if err != nil {
			t.Fatalf("Replace: %s", err)
		}
		io.WriteString(w, "second value")
		expectContent(t, s, key, "first")
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %s", err)
		}
		expectContent(t, s, key, "second value")

		w, err = rs.Replace(key)
		if err != nil {
			t.Fatalf("Replace: %s", err)
		}
		io.WriteString(w, "discarded")
		if a, ok := w.(store.Aborter); ok {
			a.Abort()
			expectContent(t, s, key, "second value")
		} else {
			w.Close()
		}
	}

	n, err := store.Put(s, key, bytes.NewReader([]byte("third")))
	if err != nil || n != 5 {
		t.Errorf("Put: received (%d, %v)", n, err)
	}
	expectContent(t, s, key, "third")

	if err := s.Delete(key); err != nil {
		t.Errorf("Delete: %s", err)
	}
	if err := s.Delete(key); err != nil {
		t.Errorf("Delete of missing key: %s", err)
	}
	if _, _, err := s.Open(key); !store.IsNotExist(err) {
		t.Errorf("Open after Delete: received %v, expected ErrNotExist", err)
	}
}

func expectContent(t *testing.T, s store.Store, key, want string) {
	t.Helper()
	rac, size, err := s.Open(key)
	if err != nil {
		t.Errorf("Open %s: %s", key, err)
		return
	}
	defer rac.Close()
	var buf bytes.Buffer
	io.Copy(&buf, store.NewReader(rac))
	if buf.String() != want || size != int64(len(want)) {
		t.Errorf("Received %q (size %d), expected %q", buf.String(), size, want)
	}
}
