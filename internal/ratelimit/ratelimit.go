package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Bucket names for the two remote endpoints
const (
	BucketSource = "source"
	BucketTarget = "target"
)

// ErrTimeout is wrapped into acquire failures that exhausted the wait bound
var ErrTimeout = fmt.Errorf("ratelimit: acquire timed out")

// Observer receives per-acquire wait durations. Implemented by the metrics
// collector; must never block.
type Observer interface {
	ObserveRateLimitWait(bucket string, wait time.Duration)
}

// Limiter gates remote calls with one token bucket per endpoint. Blocking in
// Acquire is the backpressure bounding effective throughput; the worker pool
// needs no pacing of its own.
type Limiter struct {
	buckets   map[string]*rate.Limiter
	waitBound time.Duration
	observer  Observer
}

// New creates a limiter with the given buckets, each refilled at
// tokensPerSecond. A rate of 0 or less means the bucket is unlimited.
// waitBound caps how long a single Acquire may block; 0 means no bound.
func New(rates map[string]float64, waitBound time.Duration, observer Observer) *Limiter {
	buckets := make(map[string]*rate.Limiter, len(rates))
	for name, tps := range rates {
		if tps <= 0 {
			buckets[name] = rate.NewLimiter(rate.Inf, 1)
			continue
		}
		burst := int(tps)
		if burst < 1 {
			burst = 1
		}
		buckets[name] = rate.NewLimiter(rate.Limit(tps), burst)
	}

	return &Limiter{
		buckets:   buckets,
		waitBound: waitBound,
		observer:  observer,
	}
}

// Acquire blocks until cost tokens are available in the named bucket, the
// wait bound elapses, or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context, bucket string, cost int) error {
	limiter, ok := l.buckets[bucket]
	if !ok {
		return fmt.Errorf("ratelimit: unknown bucket %q", bucket)
	}

	if l.waitBound > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.waitBound)
		defer cancel()
	}

	start := time.Now()
	err := limiter.WaitN(ctx, cost)
	if l.observer != nil {
		l.observer.ObserveRateLimitWait(bucket, time.Since(start))
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		// WaitN refuses up front when the needed wait exceeds the deadline,
		// so the bound can trip without ctx.Err() being set yet.
		if l.waitBound > 0 {
			return fmt.Errorf("%w: bucket %q cost %d", ErrTimeout, bucket, cost)
		}
		return err
	}
	return nil
}
