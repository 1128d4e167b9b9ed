package util

import (
	"context"
	"errors"
	"sync"
)

// A Gate limits concurrency. Every gate has a maximum number
// number of goroutines to allow through at a time. Goroutines enter the gate
// by calling Enter(), and signal that they are done by calling Leave()
type Gate struct {
	c    chan struct{}
	stop chan struct{}
	once sync.Once
}

// ErrGateStopped is returned by EnterContext once the gate is stopped.
var ErrGateStopped = errors.New("gate stopped")

// NewGate returns a Gate which accepts at most n entries at a time.
func NewGate(n int) *Gate {
	return &Gate{
		c:    make(chan struct{}, n),
		stop: make(chan struct{}),
	}
}

// Enter is called at the beginning of the section to be protected by
// the gate, and will block the calling goroutine until there are less than
// n goroutines inside. It returns false if the gate was stopped, in which case
// the caller did not enter and must not call Leave.
// It is safe to call this from multiple goroutines.
func (g *Gate) Enter() bool {
	return g.EnterContext(context.Background()) == nil
}

// EnterContext is like Enter but also gives up when ctx is done.
func (g *Gate) EnterContext(ctx context.Context) error {
	select {
	case <-g.stop:
		return ErrGateStopped
	default:
	}
	select {
	case g.c <- struct{}{}:
		return nil
	case <-g.stop:
		return ErrGateStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave marks a goroutine outside the critical section. It is important to
// balance each call to Enter with a call to Leave. Enter and Leave do not need
// to be called from the same goroutine, necessarily.
func (g *Gate) Leave() {
	<-g.c
}

// Stop causes every waiting and future Enter to fail. Goroutines already
// inside the gate are not affected.
func (g *Gate) Stop() {
	g.once.Do(func() { close(g.stop) })
}
