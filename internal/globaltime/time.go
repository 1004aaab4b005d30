// Package globaltime is the clock every persisted timestamp comes from.
// Tests freeze it to make run rows and ingestion stamps predictable.
package globaltime

import (
	"sync/atomic"
	"time"
)

var frozen atomic.Pointer[time.Time]

// UTC returns the current time, or the frozen instant, in UTC.
func UTC() time.Time {
	if t := frozen.Load(); t != nil {
		return *t
	}
	return time.Now().UTC()
}

// Freeze pins UTC to t until the returned restore func runs.
func Freeze(t time.Time) (restore func()) {
	pinned := t.UTC()
	previous := frozen.Swap(&pinned)
	return func() { frozen.Store(previous) }
}

// LookbackStart is the lower bound of a window reaching lookback into the
// past from now. A non-positive lookback is unbounded and yields zero.
func LookbackStart(now time.Time, lookback time.Duration) time.Time {
	if lookback <= 0 {
		return time.Time{}
	}
	return now.Add(-lookback)
}
