package session

import "time"

// ReconnectionPolicy bounds reconnection attempts and tracks how long a lost
// peer has been waited for.
type ReconnectionPolicy struct {
	maxAttempts       int
	remainingAttempts int
	waitStartTime     time.Time
	maxWaitDuration   time.Duration
}

// NewReconnectionPolicy creates a policy allowing maxAttempts attempts.
func NewReconnectionPolicy(maxAttempts int, maxWait time.Duration) *ReconnectionPolicy {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &ReconnectionPolicy{
		maxAttempts:       maxAttempts,
		remainingAttempts: maxAttempts,
		maxWaitDuration:   maxWait,
	}
}

// Attempt consumes one attempt. It reports false, without consuming
// anything, when none are left.
func (p *ReconnectionPolicy) Attempt() bool {
	if p.remainingAttempts <= 0 {
		return false
	}
	p.remainingAttempts--
	return true
}

// Remaining returns the attempts left. It is never negative.
func (p *ReconnectionPolicy) Remaining() int {
	return p.remainingAttempts
}

// Reset restores every attempt and clears the wait timer. Call it on each
// successful connection.
func (p *ReconnectionPolicy) Reset() {
	p.remainingAttempts = p.maxAttempts
	p.waitStartTime = time.Time{}
}

// StartWait records the moment the peer was lost.
func (p *ReconnectionPolicy) StartWait(now time.Time) {
	p.waitStartTime = now
}

// Waiting reports whether a wait is in progress.
func (p *ReconnectionPolicy) Waiting() bool {
	return !p.waitStartTime.IsZero()
}

// WaitExpired reports whether the wait started by StartWait is over.
func (p *ReconnectionPolicy) WaitExpired(now time.Time) bool {
	return p.Waiting() && now.Sub(p.waitStartTime) >= p.maxWaitDuration
}

// StopWait clears the wait without touching the attempts.
func (p *ReconnectionPolicy) StopWait() {
	p.waitStartTime = time.Time{}
}
