// Package ratelimit tracks throttling signals from the document API (403
// and 429 responses) and paces requests so the harvester stays under the
// upstream rate limits.
package ratelimit

import (
	"time"
)

// Default delays applied when the API pushes back.
const (
	// DefaultForbiddenDelay is slept before retrying a request that got 403.
	DefaultForbiddenDelay = 5 * time.Second

	// DefaultRateLimitDelay is slept before retrying a request that got 429.
	DefaultRateLimitDelay = 10 * time.Second

	// DefaultPageDelay is the minimum spacing between listing pages.
	DefaultPageDelay = 1 * time.Second
)

// State is a snapshot of the throttling signals observed so far.
type State struct {
	// Forbidden counts 403 responses.
	Forbidden int64 `json:"forbidden"`

	// RateLimited counts 429 responses.
	RateLimited int64 `json:"rate_limited"`

	// LastStatus is the status code of the last throttling response.
	LastStatus int `json:"last_status"`

	// LastThrottle is when the last throttling response arrived.
	LastThrottle time.Time `json:"last_throttle"`

	// CooldownUntil blocks every request until it passes. Only 429 sets it;
	// a 403 is retried by the caller that saw it without pausing others.
	CooldownUntil time.Time `json:"cooldown_until"`
}

// InCooldown reports whether requests must still wait at now.
func (s State) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// TimeUntilResume returns how long requests must still wait at now,
// or 0 if the cooldown has passed.
func (s State) TimeUntilResume(now time.Time) time.Duration {
	d := s.CooldownUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Throttles returns the total number of throttling responses seen.
func (s State) Throttles() int64 {
	return s.Forbidden + s.RateLimited
}
