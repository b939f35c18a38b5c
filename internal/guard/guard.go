package guard

import (
	"time"
)

// Policy is a submission allowance for one kind of input.
type Policy struct {
	Max    int
	Window time.Duration
}

// DefaultMessagePolicy allows five chat submissions per minute.
var DefaultMessagePolicy = Policy{Max: 5, Window: time.Minute}

// Guard combines message validation with a submission throttle.
type Guard struct {
	limiter *Limiter
	policy  Policy
}

// New creates a guard over limiter using policy for messages.
func New(limiter *Limiter, policy Policy) *Guard {
	if limiter == nil {
		limiter = NewLimiter()
	}
	if policy.Max <= 0 || policy.Window <= 0 {
		policy = DefaultMessagePolicy
	}
	return &Guard{limiter: limiter, policy: policy}
}

// Check validates text and consumes a rate slot for key. Invalid input is
// rejected before the limiter is consulted so it never uses a slot.
func (g *Guard) Check(key, text string) (string, error) {
	clean, err := ValidateMessage(text)
	if err != nil {
		return "", err
	}
	if !g.limiter.Allow(key, g.policy.Max, g.policy.Window) {
		return "", invalid("message", ErrRateLimited)
	}
	return clean, nil
}

// CheckRate consumes a slot for key under an explicit policy.
func (g *Guard) CheckRate(key string, p Policy) error {
	if !g.limiter.Allow(key, p.Max, p.Window) {
		return invalid("", ErrRateLimited)
	}
	return nil
}

// Remaining returns how many more messages key may submit in the current
// window.
func (g *Guard) Remaining(key string) int {
	return g.limiter.Remaining(key, g.policy.Max, g.policy.Window)
}

// Limiter returns the underlying limiter.
func (g *Guard) Limiter() *Limiter {
	return g.limiter
}
