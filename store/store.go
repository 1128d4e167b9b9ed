// Package store provides a simple, goroutine safe key-value interface. Instead
// of values being an opaque array of bytes, though, they are a stream. This
// approach allows large tarballs to be stored easily.
//
// Every implementation makes a written value visible all at once: a reader
// either sees the complete previous value (or nothing) or the complete new
// one. The registry relies on this to keep metadata and tarballs consistent.
package store

import (
	"io"

	"github.com/pkg/errors"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store defines the basic stream based key-value store.
// Items are immutable once stored, but they may be deleted and then replaced
// with a new value, or overwritten in one step with Replace.
//
// Since the FileSystem store uses the key as file names, keys should not
// contain forbidden filesystem characters, such as '/'.
//
// Open() returns a ReadAtCloser instead of a ReadCloser so callers can wrap
// it in an io.SectionReader and serve byte ranges.
type Store interface {
	ROStore
	Create(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ROStore is the read-only pieces of a Store. It allows one to list contents,
// and to retrieve data.
type ROStore interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Open(key string) (ReadAtCloser, int64, error)
}

// A Replacer can overwrite an existing key atomically. The new content becomes
// visible when the returned writer is closed. Until then readers continue to
// see the old content.
type Replacer interface {
	Replace(key string) (io.WriteCloser, error)
}

// An Aborter is a writer which can be abandoned. Calling Abort instead of
// Close discards everything written, and the key is left unchanged.
type Aborter interface {
	Abort() error
}

var (
	// ErrKeyExists indicates an attempt to create a key which already exists
	ErrKeyExists = errors.New("Key already exists")

	// ErrNotExist means the requested key is not in the store.
	ErrNotExist = errors.New("Key does not exist")
)

// IsNotExist reports whether err means a key was missing from a store.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// Put copies r into the store under key, overwriting any previous value. If
// the store is a Replacer the overwrite is atomic. Otherwise the old key is
// deleted first. If the copy fails the partial value is aborted and the
// error is returned.
func Put(s Store, key string, r io.Reader) (int64, error) {
	var w io.WriteCloser
	var err error
	if rs, ok := s.(Replacer); ok {
		w, err = rs.Replace(key)
	} else {
		if err = s.Delete(key); err != nil {
			return 0, err
		}
		w, err = s.Create(key)
	}
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		abort(w)
		return n, err
	}
	return n, w.Close()
}

// abort abandons a write. Writers without an Abort method are closed, which
// for them is the best we can do.
func abort(w io.WriteCloser) {
	if a, ok := w.(Aborter); ok {
		a.Abort()
		return
	}
	w.Close()
}

// NewReader converts a ReaderAt into a io.Reader. It is here as a utility to
// help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// reading less than a full buffer is not an error for
		// an io.Reader
		err = nil
	}
	return
}
