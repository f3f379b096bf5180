package gateway

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectPolicy yields min(base*2^(n-1), max) for the nth consecutive
// failure. Jitter is disabled so the schedule is exact.
type reconnectPolicy struct {
	mu sync.Mutex
	b  *backoff.ExponentialBackOff
}

func newReconnectPolicy(base, max time.Duration) *reconnectPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnectPolicy{b: b}
}

func (p *reconnectPolicy) next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		d = p.b.MaxInterval
	}
	return d
}

func (p *reconnectPolicy) reset() {
	p.mu.Lock()
	p.b.Reset()
	p.mu.Unlock()
}
