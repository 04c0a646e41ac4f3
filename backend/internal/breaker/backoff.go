package breaker

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
)

// Backoff yields min(base*multiplier^(n-1), max) for the n-th call to Next,
// plus a random jitter in [0, jitter).
type Backoff struct {
	exp    *backoff.ExponentialBackOff
	jitter time.Duration
	randn  func(n int64) int64
}

func NewBackoff(base, max time.Duration, multiplier float64, jitter time.Duration) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.MaxInterval = max
	exp.Multiplier = multiplier
	// jitter is added on top instead, so the exponential part stays monotone
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &Backoff{exp: exp, jitter: jitter, randn: rand.Int63n}
}

func (b *Backoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop {
		d = b.exp.MaxInterval
	}
	if b.jitter > 0 {
		d += time.Duration(b.randn(int64(b.jitter)))
	}
	return d
}

func (b *Backoff) Reset() { b.exp.Reset() }
