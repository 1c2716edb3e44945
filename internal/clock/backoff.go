package clock

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RecoveryPolicy implements backoff.BackOff with spec's exact recovery
// formula: min(base*2^k + jitter, cap), jitter uniform in [0, base)
// (cenkalti's own ExponentialBackOff randomizes as a fraction of the
// *current* interval, which grows the jitter range over time; ours keeps
// the jitter window fixed at [0, base) as the spec requires). The reconnect
// package wraps it in a BackOff that also folds in online/visibility
// waiting, then drives it with backoff.RetryNotify so retry counting,
// permanent-vs-transient classification and give-up notification come from
// the library rather than a hand-rolled loop.
type RecoveryPolicy struct {
	Base time.Duration
	Cap  time.Duration

	attempt int
}

var _ backoff.BackOff = (*RecoveryPolicy)(nil)

// NewRecoveryPolicy builds the policy described in spec.md §4.2.
func NewRecoveryPolicy(base, cap time.Duration) *RecoveryPolicy {
	return &RecoveryPolicy{Base: base, Cap: cap}
}

// NextBackOff returns the next wait duration and never backoff.Stop: giving
// up on recovery is a decision the reconnect engine makes from signals
// (online/offline, terminal registrar failures), not from an attempt cap.
func (p *RecoveryPolicy) NextBackOff() time.Duration {
	d := p.Base << p.attempt // base * 2^attempt
	if d <= 0 || d > p.Cap {
		d = p.Cap
	}
	p.attempt++

	jitter := time.Duration(rand.Int64N(int64(p.Base)))
	d += jitter
	if d > p.Cap {
		d = p.Cap
	}
	return d
}

// Reset restarts the exponent back to the base interval.
func (p *RecoveryPolicy) Reset() {
	p.attempt = 0
}
