// Package scheduler runs the recurring poll that drives due scheduled
// messages through the dispatcher. One instance per deployment; the interval
// has a hard floor so a misconfigured environment cannot spin the database.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"time"
)

const (
	DefaultInterval = 60 * time.Second
	minInterval     = 5 * time.Second
)

type Options struct {
	Interval     time.Duration // poll cadence; clamped to the 5s floor
	DBBackoffMin time.Duration
	DBBackoffMax time.Duration
}

// Processor is the due-message drain; the dispatcher's
// ProcessDueScheduledMessages satisfies it.
type Processor func(ctx context.Context) error

// Run polls until ctx is cancelled. Cancellation prevents new ticks but does
// not abort a tick already in flight.
func Run(ctx context.Context, process Processor, opt Options) error {
	interval := opt.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < minInterval {
		interval = minInterval
	}
	if opt.DBBackoffMin <= 0 {
		opt.DBBackoffMin = 200 * time.Millisecond
	}
	if opt.DBBackoffMax <= 0 {
		opt.DBBackoffMax = 5 * time.Second
	}

	log.Printf("scheduler started (interval %s)", interval)

	backoff := opt.DBBackoffMin
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := process(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Backoff with jitter on storage errors before the next tick.
			sleep := jitter(backoff, 0.20)
			log.Printf("scheduler poll error: %v; backing off %s", err, sleep)
			time.Sleep(sleep)
			backoff = minDur(opt.DBBackoffMax, time.Duration(float64(backoff)*1.6))
			continue
		}
		backoff = opt.DBBackoffMin
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
