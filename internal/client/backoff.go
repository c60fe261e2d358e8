package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff paces reconnect attempts: exponential with jitter, reset on
// success.
type Backoff struct {
	exp *backoff.ExponentialBackOff
}

// NewBackoff creates the default reconnect backoff: 1s → 60s,
// multiplier 2x, ±20% jitter.
func NewBackoff() *Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return &Backoff{exp: b}
}

// Delay returns the next wait without sleeping.
func (b *Backoff) Delay() time.Duration {
	return b.exp.NextBackOff()
}

// Wait sleeps for the next backoff interval or until the context is
// cancelled.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Delay())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Succeed resets the backoff after a successful attempt.
func (b *Backoff) Succeed() {
	b.exp.Reset()
}
