package util

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// A Throttle limits how fast the readers it wraps may go. Credit accrues
// continuously at the given rate, in bytes per second, and is capped at
// throttleWindow's worth so an idle throttle does not allow a long burst.
// One Throttle may be shared between goroutines.
type Throttle struct {
	clk  clock.Clock
	rate float64
	max  float64
	stop chan struct{}

	m      sync.Mutex // protects below
	credit float64
	last   time.Time
}

const throttleWindow = time.Minute

// ErrThrottleStopped is returned by a wrapped reader once its Throttle is
// stopped.
var ErrThrottleStopped = errors.New("throttle stopped")

// NewThrottle returns a Throttle allowing rate bytes a second, timed by clk.
// A rate of zero or less means no limit.
func NewThrottle(rate float64, clk clock.Clock) *Throttle {
	max := rate * throttleWindow.Seconds()
	return &Throttle{
		clk:    clk,
		rate:   rate,
		max:    max,
		stop:   make(chan struct{}),
		credit: max,
		last:   clk.Now(),
	}
}

// Use spends n bytes of credit. The balance may go negative, in which case
// readers wait until it recovers.
func (t *Throttle) Use(n int64) {
	t.take(n)
}

// Stop makes every wrapped reader fail with ErrThrottleStopped, including
// ones that are waiting. It must be called only once.
func (t *Throttle) Stop() {
	close(t.stop)
}

// take spends n bytes and returns how long until the balance is back to zero.
func (t *Throttle) take(n int64) time.Duration {
	if t.rate <= 0 {
		return 0
	}
	t.m.Lock()
	defer t.m.Unlock()
	now := t.clk.Now()
	t.credit += now.Sub(t.last).Seconds() * t.rate
	if t.credit > t.max {
		t.credit = t.max
	}
	t.last = now
	t.credit -= float64(n)
	if t.credit >= 0 {
		return 0
	}
	return time.Duration(-t.credit / t.rate * float64(time.Second))
}

// Wrap returns a reader which reads from r no faster than t allows.
func (t *Throttle) Wrap(r io.Reader) io.Reader {
	return &throttledReader{r: r, t: t}
}

type throttledReader struct {
	r io.Reader
	t *Throttle
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	select {
	case <-tr.t.stop:
		return 0, ErrThrottleStopped
	default:
	}
	n, err := tr.r.Read(p)
	if wait := tr.t.take(int64(n)); wait > 0 {
		select {
		case <-tr.t.clk.After(wait):
		case <-tr.t.stop:
			return n, ErrThrottleStopped
		}
	}
	return n, err
}
