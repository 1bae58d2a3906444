// Package auth holds the single bearer credential shared by every request
// made against the document API and refreshes it lazily on expiry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultLease is how long a fetched token is trusted. The upstream token
// lives five minutes; the lease stops ten seconds short of that.
const DefaultLease = 4*time.Minute + 50*time.Second

var (
	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docharvest_token_refreshes_total",
		Help: "Credential refresh attempts by outcome",
	}, []string{"outcome"})

	tokenRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docharvest_token_refresh_duration_seconds",
		Help:    "Credential refresh request duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
	})
)

// ErrNoCredentials is returned when a source has no username or password.
var ErrNoCredentials = errors.New("credentials not configured")

// Source fetches a fresh bearer token from the credential endpoint.
type Source interface {
	Fetch(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (string, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) (string, error) {
	return f(ctx)
}

// Token is a bearer token and the moment it stops being handed out.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token may still be used at now.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// Manager owns the process-wide credential. It is safe for concurrent use:
// readers share a read lock, and when the token has expired exactly one
// caller performs the refresh while the others wait for and reuse its result.
type Manager struct {
	source Source
	lease  time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.RWMutex
	token   Token
	lastErr error // outcome of the most recent refresh, nil on success

	// gen counts finished refreshes. It is read without the lock so that a
	// caller blocked behind a refresh can tell it has finished.
	gen atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLease overrides DefaultLease.
func WithLease(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lease = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager. The first Token call triggers the first fetch.
func NewManager(source Source, opts ...Option) *Manager {
	if source == nil {
		panic("auth: token source cannot be nil")
	}
	m := &Manager{
		source: source,
		lease:  DefaultLease,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns a token that has not passed its lease, refreshing it first
// if needed. A refresh failure is returned as *AuthError.
func (m *Manager) Token(ctx context.Context) (string, error) {
	gen := m.gen.Load()
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()
	if tok.Valid(m.now()) {
		return tok.Value, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if m.token.Valid(m.now()) {
		return m.token.Value, nil
	}
	// Callers queued behind a failed refresh share its error.
	if m.gen.Load() != gen && m.lastErr != nil {
		return "", m.lastErr
	}

	start := time.Now()
	value, err := m.source.Fetch(ctx)
	tokenRefreshDuration.Observe(time.Since(start).Seconds())
	defer m.gen.Add(1)
	if err != nil {
		tokenRefreshesTotal.WithLabelValues("error").Inc()
		m.logger.Error().Err(err).Msg("Credential refresh failed")
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			err = &AuthError{Err: err}
		}
		m.lastErr = err
		return "", err
	}

	m.token = Token{Value: value, ExpiresAt: m.now().Add(m.lease)}
	m.lastErr = nil
	tokenRefreshesTotal.WithLabelValues("ok").Inc()
	m.logger.Info().Time("expires_at", m.token.ExpiresAt).Msg("Credential refreshed")

	return value, nil
}

// Current returns a copy of the held token without refreshing it.
func (m *Manager) Current() Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// AuthError reports a failed credential refresh. It is fatal to the request
// that needed the token, not to the run.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("auth: credential refresh failed (status %d): %s: %v", e.StatusCode, e.Message, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("auth: credential refresh failed (status %d): %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("auth: credential refresh failed: %v", e.Err)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthError) Unwrap() error {
	return e.Err
}
