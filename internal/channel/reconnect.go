package channel

import (
	"math"
	"math/rand"
	"time"
)

// Reconnect policy kinds
const (
	PolicyFixed       = "fixed"
	PolicyExponential = "exponential"
)

// DefaultReconnectDelay is the fixed wait between reconnection attempts
const DefaultReconnectDelay = 5 * time.Second

// ReconnectPolicy decides how long to wait before reconnection attempt n
// (zero based, reset after every successful connect).
type ReconnectPolicy struct {
	Kind     string
	Delay    time.Duration
	MaxDelay time.Duration

	random func() float64
}

// FixedDelay waits delay before every attempt
func FixedDelay(delay time.Duration) ReconnectPolicy {
	return ReconnectPolicy{Kind: PolicyFixed, Delay: delay}
}

// ExponentialBackoff doubles the base delay per attempt up to max and waits
// between half of that backoff and all of it, never less than base.
func ExponentialBackoff(base, max time.Duration) ReconnectPolicy {
	return ReconnectPolicy{Kind: PolicyExponential, Delay: base, MaxDelay: max}
}

// Next returns the wait before the given attempt
func (p ReconnectPolicy) Next(attempt int) time.Duration {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if p.Kind != PolicyExponential {
		return delay
	}

	ceiling := p.MaxDelay
	if ceiling < delay {
		ceiling = delay
	}
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(delay) * math.Pow(2, float64(attempt))
	if backoff > float64(ceiling) {
		backoff = float64(ceiling)
	}

	random := p.random
	if random == nil {
		random = rand.Float64
	}
	wait := time.Duration(backoff/2 + random()*backoff/2)
	if wait < delay {
		wait = delay
	}
	return wait
}
