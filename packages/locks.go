package packages

import (
	"context"
	"sync"
)

// keyedMutex hands out one lock per key. Entries are removed once nobody
// holds or waits for them.
type keyedMutex struct {
	m     sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	c chan struct{} // holds a token while the lock is taken
	n int           // holders and waiters, protected by keyedMutex.m
}

// Lock waits for the lock on key. It returns a function to release the lock,
// or the context's error if ctx was done first.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.m.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyLock{c: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.n++
	k.m.Unlock()

	select {
	case l.c <- struct{}{}:
		return func() {
			<-l.c
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.m.Lock()
	l.n--
	if l.n == 0 {
		delete(k.locks, key)
	}
	k.m.Unlock()
}
