package netmon

import "time"

// BackoffPolicy maps a retry attempt number to a wait delay. The
// delays ascend through the configured steps and then repeat the last
// step forever; attempts are never abandoned by the policy itself.
type BackoffPolicy struct {
	delays []time.Duration
}

// DefaultBackoff retries immediately once, then backs off to a steady
// ten second cadence.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{delays: []time.Duration{
		0,
		1 * time.Second,
		3 * time.Second,
		5 * time.Second,
		10 * time.Second,
	}}
}

// NewBackoffPolicy builds a policy from explicit steps. An empty list
// degenerates to no delay.
func NewBackoffPolicy(delays ...time.Duration) BackoffPolicy {
	return BackoffPolicy{delays: delays}
}

// DelayFor returns the wait before the given attempt. Attempt 0 is the
// first retry. Attempts past the last step reuse it.
func (p BackoffPolicy) DelayFor(attempt int) time.Duration {
	if len(p.delays) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(p.delays) {
		return p.delays[len(p.delays)-1]
	}
	return p.delays[attempt]
}
