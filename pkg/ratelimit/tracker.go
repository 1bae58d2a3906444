package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docharvest_throttled_total",
		Help: "Throttling responses from the document API by status code",
	}, []string{"status"})

	cooldownWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docharvest_cooldown_waits_total",
		Help: "Requests that waited for a rate limit cooldown before being sent",
	})

	cooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docharvest_cooldown_seconds",
		Help: "Seconds remaining in the current rate limit cooldown",
	})
)

// Tracker records throttling responses and gates requests. A 429 puts every
// request sharing the tracker into cooldown; listing pages are additionally
// paced by a token bucket.
type Tracker struct {
	logger zerolog.Logger
	now    func() time.Time
	pacer  *rate.Limiter

	mu    sync.Mutex
	state State
}

// NewTracker creates a tracker whose Pace calls are spaced at least
// pageDelay apart. A non-positive pageDelay disables pacing.
func NewTracker(pageDelay time.Duration, logger zerolog.Logger) *Tracker {
	limit := rate.Inf
	if pageDelay > 0 {
		limit = rate.Every(pageDelay)
	}
	return &Tracker{
		logger: logger,
		now:    time.Now,
		pacer:  rate.NewLimiter(limit, 1),
	}
}

// State returns a snapshot of the tracker state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Observe records a throttling response. For 429 the cooldown is extended to
// at least now+delay, or to the server's Retry-After if that is longer.
// Other status codes are ignored.
func (t *Tracker) Observe(status int, header http.Header, delay time.Duration) {
	if status != http.StatusForbidden && status != http.StatusTooManyRequests {
		return
	}

	now := t.now()
	t.mu.Lock()
	t.state.LastStatus = status
	t.state.LastThrottle = now
	switch status {
	case http.StatusForbidden:
		t.state.Forbidden++
	case http.StatusTooManyRequests:
		t.state.RateLimited++
		if ra := retryAfter(header); ra > delay {
			delay = ra
		}
		if until := now.Add(delay); until.After(t.state.CooldownUntil) {
			t.state.CooldownUntil = until
		}
		cooldownSeconds.Set(t.state.TimeUntilResume(now).Seconds())
	}
	state := t.state
	t.mu.Unlock()

	throttledTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	t.logger.Warn().
		Int("status", status).
		Int64("forbidden", state.Forbidden).
		Int64("rate_limited", state.RateLimited).
		Time("cooldown_until", state.CooldownUntil).
		Msg("Document API throttling request")
}

// Wait blocks until any active cooldown has passed or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		wait := t.state.TimeUntilResume(t.now())
		t.mu.Unlock()

		if wait <= 0 {
			cooldownSeconds.Set(0)
			return nil
		}

		cooldownWaitsTotal.Inc()
		t.logger.Debug().Dur("wait", wait).Msg("Waiting for rate limit cooldown")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Pace waits for the next listing-page slot.
func (t *Tracker) Pace(ctx context.Context) error {
	return t.pacer.Wait(ctx)
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
