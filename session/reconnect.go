package session

import (
	"time"

	"github.com/cenkalti/backoff"
)

// ReconnectPolicy shapes the per-device dial backoff.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultReconnectPolicy waits 1s after the first failure and doubles up to 5m.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// reconnectGate decides whether a beacon may trigger a dial. Dials are only
// ever started by rediscovery; the gate just spaces them out.
type reconnectGate struct {
	backoff     *backoff.ExponentialBackOff
	nextAttempt time.Time
	failures    int
}

func newReconnectGate(policy ReconnectPolicy) *reconnectGate {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.Multiplier = policy.Multiplier
	b.RandomizationFactor = 0.2
	// Never give up; rediscovery keeps driving attempts.
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnectGate{backoff: b}
}

func (g *reconnectGate) allow(now time.Time) bool {
	return !now.Before(g.nextAttempt)
}

// failed pushes the next allowed attempt out by the next backoff interval.
func (g *reconnectGate) failed(now time.Time) time.Duration {
	g.failures++
	wait := g.backoff.NextBackOff()
	if wait == backoff.Stop {
		wait = g.backoff.MaxInterval
	}
	g.nextAttempt = now.Add(wait)
	return wait
}

// succeeded clears the backoff once a session reaches Active.
func (g *reconnectGate) succeeded() {
	g.failures = 0
	g.nextAttempt = time.Time{}
	g.backoff.Reset()
}
