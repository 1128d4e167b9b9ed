package packages

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sort"

	"github.com/pkg/errors"

	"github.com/ndlib/npmstore/store"
)

// A Repository holds one metadata document per package. Put replaces the
// whole document; a reader sees either the old document or the new one.
type Repository interface {
	// Get returns an error wrapping ErrNotFound if there is no document.
	Get(ctx context.Context, name string) (*Metadata, error)
	Put(ctx context.Context, name string, m *Metadata) error
	Exists(ctx context.Context, name string) (bool, error)
	// List returns the names of all the packages, sorted.
	List(ctx context.Context) ([]string, error)
}

// StoreRepository keeps each document as a JSON blob in a store. The store
// should be a store.Replacer so updates are atomic.
type StoreRepository struct {
	s store.Store
}

var _ Repository = &StoreRepository{}

// NewStoreRepository returns a repository keeping its documents in s.
func NewStoreRepository(s store.Store) *StoreRepository {
	if _, ok := s.(store.Replacer); !ok {
		log.Printf("Warning: metadata store %T cannot replace atomically", s)
	}
	return &StoreRepository{s: s}
}

func (sr *StoreRepository) Get(ctx context.Context, name string) (*Metadata, error) {
	key := MetadataKey(name)
	rac, _, err := sr.s.Open(key)
	if store.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "package %s", name)
	} else if err != nil {
		return nil, storageError(err, "reading %s", name)
	}
	defer rac.Close()
	m := new(Metadata)
	err = json.NewDecoder(store.NewReader(rac)).Decode(m)
	if err != nil {
		return nil, storageError(err, "decoding %s", name)
	}
	return m, nil
}

func (sr *StoreRepository) Put(ctx context.Context, name string, m *Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrapf(ErrBadRequest, "encoding %s: %v", name, err)
	}
	_, err = store.Put(sr.s, MetadataKey(name), bytes.NewReader(data))
	if err != nil {
		return storageError(err, "writing %s", name)
	}
	return nil
}

func (sr *StoreRepository) Exists(ctx context.Context, name string) (bool, error) {
	rac, _, err := sr.s.Open(MetadataKey(name))
	if store.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, storageError(err, "reading %s", name)
	}
	rac.Close()
	return true, nil
}

func (sr *StoreRepository) List(ctx context.Context) ([]string, error) {
	var result []string
	for key := range sr.s.List() {
		name, err := url.PathUnescape(key)
		if err != nil || ValidName(name) != nil {
			continue
		}
		result = append(result, name)
	}
	sort.Strings(result)
	return result, ctx.Err()
}
