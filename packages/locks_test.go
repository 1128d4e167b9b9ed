package packages

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex(t *testing.T) {
	var k keyedMutex
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "express")
	if err != nil {
		t.Fatal(err)
	}
	// a different key is not blocked
	unlock2, err := k.Lock(ctx, "lodash")
	if err != nil {
		t.Fatal(err)
	}
	unlock2()

	// the same key is
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(tctx, "express"); err != context.DeadlineExceeded {
		t.Errorf("Received %v, expected deadline exceeded", err)
	}
	unlock()

	// serialize a counter
	var wg sync.WaitGroup
	var inside, max int
	var m sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "react")
			if err != nil {
				t.Error(err)
				return
			}
			m.Lock()
			inside++
			if inside > max {
				max = inside
			}
			m.Unlock()
			time.Sleep(time.Millisecond)
			m.Lock()
			inside--
			m.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if max != 1 {
		t.Errorf("%d goroutines held the lock at once", max)
	}
	if len(k.locks) != 0 {
		t.Errorf("%d locks left in the table", len(k.locks))
	}
}
