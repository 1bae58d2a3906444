package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/doc-harvester/pkg/ratelimit"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docharvest_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docharvest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docharvest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the retry behaviour for one error class.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts that may fail with this
	// class, including the first. Zero means no limit.
	MaxAttempts int

	// InitialBackoff is the first delay.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay after every attempt; 1 keeps it fixed.
	BackoffMultiplier float64

	// Jitter spreads the delay by ±20%.
	Jitter bool
}

// RetryPolicy holds the retry configuration per error class. Client errors
// are never retried.
type RetryPolicy struct {
	Forbidden RetryConfig
	RateLimit RetryConfig
	Server    RetryConfig
	Network   RetryConfig
}

// DefaultRetryPolicy retries throttling responses at fixed delays without a
// cap, and server/network failures with capped exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Forbidden: RetryConfig{
			InitialBackoff:    ratelimit.DefaultForbiddenDelay,
			MaxBackoff:        ratelimit.DefaultForbiddenDelay,
			BackoffMultiplier: 1,
		},
		RateLimit: RetryConfig{
			InitialBackoff:    ratelimit.DefaultRateLimitDelay,
			MaxBackoff:        ratelimit.DefaultRateLimitDelay,
			BackoffMultiplier: 1,
		},
		Server: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Network: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

// For returns the configuration for an error class.
func (p RetryPolicy) For(errorClass ErrorClass) RetryConfig {
	switch errorClass {
	case ErrorClassForbidden:
		return p.Forbidden
	case ErrorClassRateLimit:
		return p.RateLimit
	case ErrorClassServer:
		return p.Server
	case ErrorClassNetwork:
		return p.Network
	default:
		return RetryConfig{MaxAttempts: 1}
	}
}

// attemptFunc performs one attempt and reports the class of its failure.
type attemptFunc func(attempt int) (ErrorClass, error)

// retryWithBackoff runs fn until it succeeds, fails with a non-retryable
// class, exhausts the attempts for its class, or ctx is done. Each class
// keeps its own attempt count and backoff.
func retryWithBackoff(ctx context.Context, policy RetryPolicy, logger zerolog.Logger, fn attemptFunc) error {
	failures := make(map[ErrorClass]int)
	backoffs := make(map[ErrorClass]time.Duration)

	for attempt := 1; ; attempt++ {
		errorClass, err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Request succeeded after retry")
			}
			return nil
		}

		if !shouldRetry(errorClass) {
			return err
		}

		config := policy.For(errorClass)
		failures[errorClass]++
		if config.MaxAttempts > 0 && failures[errorClass] >= config.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("max_attempts", config.MaxAttempts).
				Msg("Retry attempts exhausted")
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, failures[errorClass], err)
		}

		backoff, ok := backoffs[errorClass]
		if !ok {
			backoff = config.InitialBackoff
		}
		wait := backoff
		if config.Jitter {
			wait = time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		}

		retriesTotal.WithLabelValues(string(errorClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(wait.Seconds())
		logger.Debug().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}

		multiplier := config.BackoffMultiplier
		if multiplier < 1 {
			multiplier = 1
		}
		next := time.Duration(float64(backoff) * multiplier)
		if config.MaxBackoff > 0 && next > config.MaxBackoff {
			next = config.MaxBackoff
		}
		backoffs[errorClass] = next
	}
}
