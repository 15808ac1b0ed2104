package helpers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"
)

// Retry delay policy.
// K<=1 gives fixed Min delay, K>1 grows delay by K after each failure up to Max.
// Delay is counted from the last recorded failure, so time spent in the failed
// attempt itself is not added on top.
//
// Use scenario:
// for {
//   err := op()
//   if err == nil { b.Success(); break }
//   b.Failure()
//   if b.Wait(ctx) != nil { return }
// }
type Backoff struct {
	next int64 // atomic align
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
}

func NewFixedBackoff(d time.Duration) *Backoff {
	return &Backoff{Min: d, Max: d, K: 1}
}

// Failure records failed attempt and returns full delay before next one.
func (b *Backoff) Failure() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = b.Min
	} else if b.K > 1 {
		next = time.Duration(float32(next) * b.K)
	}
	next = b.limit(next)
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
	return next
}

func (b *Backoff) Success() {
	atomic.StoreInt64(&b.next, 0)
}

// Remaining delay before next attempt. Zero after Success() or when delay already passed.
func (b *Backoff) Remaining() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	since := atomic_clock.Since(&b.last)
	if since >= next {
		return 0
	}
	return next - since
}

// Wait blocks for Remaining() or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	if !Sleep(ctx, b.Remaining()) {
		return ctx.Err()
	}
	return nil
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return d
}
