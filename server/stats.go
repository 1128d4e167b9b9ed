package server

import (
	"expvar"
	"time"

	"github.com/facebookgo/stats"
)

// expvarStats is a stats.Client which keeps its counters in expvar, so they
// show up at /-/debug/vars.
type expvarStats struct {
	m *expvar.Map
}

var _ stats.Client = expvarStats{}

// there is only one expvar namespace per process, and publishing a name
// twice panics.
var serverStats = expvar.NewMap("npmstore")

// newExpvarStats returns a client recording into the "npmstore" expvar map.
// Every client shares the same counters.
func newExpvarStats() stats.Client {
	return expvarStats{m: serverStats}
}

func (e expvarStats) BumpAvg(key string, val float64) {
	e.m.AddFloat(key+".total", val)
	e.m.Add(key+".count", 1)
}

func (e expvarStats) BumpSum(key string, val float64) {
	e.m.AddFloat(key, val)
}

// BumpHistogram only keeps the running average. Nothing reads the
// distribution.
func (e expvarStats) BumpHistogram(key string, val float64) {
	e.BumpAvg(key, val)
}

func (e expvarStats) BumpTime(key string) interface {
	End()
} {
	return timer{start: time.Now(), key: key, e: e}
}

type timer struct {
	start time.Time
	key   string
	e     expvarStats
}

// End records the elapsed time in milliseconds.
func (t timer) End() {
	t.e.BumpAvg(t.key, float64(time.Since(t.start))/float64(time.Millisecond))
}
