package connection

import "time"

// Default reconnect budget.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
)

// Policy is a linear reconnect backoff: attempt n waits BaseDelay*n.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	attempt     int
}

// NewPolicy creates a policy, substituting defaults for non-positive values.
func NewPolicy(maxAttempts int, baseDelay time.Duration) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// Next consumes one attempt and returns its delay. ok is false once the
// budget is exhausted; the attempt counter is not advanced in that case.
func (p *Policy) Next() (delay time.Duration, ok bool) {
	if p.attempt >= p.MaxAttempts {
		return 0, false
	}
	p.attempt++
	return p.BaseDelay * time.Duration(p.attempt), true
}

// Reset clears the attempt counter after a successful open.
func (p *Policy) Reset() {
	p.attempt = 0
}

// Attempt returns the number of attempts consumed since the last reset.
func (p *Policy) Attempt() int {
	return p.attempt
}
