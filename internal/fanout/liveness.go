// ABOUTME: Liveness policy deciding whether a connection counts as active
// ABOUTME: Same threshold for local and remote connections

package fanout

import "time"

// DefaultLivenessThreshold is used when no threshold is configured.
const DefaultLivenessThreshold = 60 * time.Second

// IsActive reports whether a connection last active at lastActiveAt is still
// considered live at now. The boundary is inclusive.
func IsActive(lastActiveAt, now time.Time, threshold time.Duration) bool {
	return now.Sub(lastActiveAt) <= threshold
}

// LivenessPolicy binds a threshold and a clock.
type LivenessPolicy struct {
	Threshold time.Duration
	Now       func() time.Time
}

// NewLivenessPolicy returns a policy using the wall clock.
// A non-positive threshold falls back to DefaultLivenessThreshold.
func NewLivenessPolicy(threshold time.Duration) LivenessPolicy {
	if threshold <= 0 {
		threshold = DefaultLivenessThreshold
	}
	return LivenessPolicy{Threshold: threshold, Now: time.Now}
}

// Active applies IsActive against the policy's clock.
func (p LivenessPolicy) Active(lastActiveAt time.Time) bool {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return IsActive(lastActiveAt, now(), p.Threshold)
}
