package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
)

// DefaultReplenishInterval is the interval at which buckets are
// refilled when no explicit interval is configured.
const DefaultReplenishInterval = 100 * time.Millisecond

// Replenisher periodically refills a set of token buckets. A single
// Replenisher drives all buckets of a mount, so that replenishment
// happens at one place instead of per-bucket timers.
type Replenisher struct {
	clock    clock.Clock
	interval time.Duration

	lock    sync.Mutex
	buckets []*TokenBucket
}

// NewReplenisher creates a Replenisher that refills its registered
// buckets every interval.
func NewReplenisher(clock clock.Clock, interval time.Duration) *Replenisher {
	if interval <= 0 {
		interval = DefaultReplenishInterval
	}
	return &Replenisher{
		clock:    clock,
		interval: interval,
	}
}

// Register adds a bucket to the replenishment set. Buckets may be
// registered before or while Run() executes.
func (r *Replenisher) Register(tb *TokenBucket) {
	r.lock.Lock()
	r.buckets = append(r.buckets, tb)
	r.lock.Unlock()
}

// Run refills all registered buckets until ctx is canceled.
func (r *Replenisher) Run(ctx context.Context) error {
	for {
		timer, timerChannel := r.clock.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timerChannel:
			r.tick()
		}
	}
}

func (r *Replenisher) tick() {
	r.lock.Lock()
	buckets := make([]*TokenBucket, len(r.buckets))
	copy(buckets, r.buckets)
	r.lock.Unlock()

	for _, tb := range buckets {
		tb.Refill(r.interval)
	}
}
