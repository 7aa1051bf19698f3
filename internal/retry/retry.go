// Package retry provides the exponential-backoff-with-full-jitter retry
// used by chain adapters on transport errors, built on
// github.com/cenkalti/backoff/v4 (the retry library used elsewhere in the
// pack for go-ethereum-fronted RPC clients) in place of the teacher's
// hand-rolled fixed-delay retry loop in pkg/anchor.EventWatcher.pollEvents.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is 50ms -> 30s exponential backoff with full jitter, per spec.md
// §4.2's adapter failure semantics.
func Policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely; caller decides when to give up
	b.RandomizationFactor = 1.0 // full jitter: interval in [0, 2*computed)
	return backoff.WithContext(b, ctx)
}

// UnhealthyAfter is the consecutive-failure count after which an adapter
// reports Unhealthy without halting retries.
const UnhealthyAfter = 5

// Do runs fn with Policy(ctx), invoking onFailure after every failed
// attempt (so the caller can track Health/UnhealthyAfter and log) until fn
// succeeds or ctx is cancelled.
func Do(ctx context.Context, fn func() error, onFailure func(attempt int, err error)) error {
	attempt := 0
	wrapped := func() error {
		err := fn()
		if err != nil {
			attempt++
			if onFailure != nil {
				onFailure(attempt, err)
			}
		}
		return err
	}
	return backoff.Retry(wrapped, Policy(ctx))
}
