package model

import (
	"sync/atomic"
	"time"
)

var lastStamp atomic.Int64

// NowMilli returns the current unix time in milliseconds, held monotone
// within the process: a wall clock stepping backwards re-returns the
// latest stamp instead of an earlier one, so audit stamps never regress.
func NowMilli() int64 {
	now := time.Now().UnixMilli()
	for {
		last := lastStamp.Load()
		if now <= last {
			return last
		}
		if lastStamp.CompareAndSwap(last, now) {
			return now
		}
	}
}
