package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNotFound is wrapped by FetchError for 404 responses.
	ErrNotFound = errors.New("not found")

	// ErrNoAssetURL is returned when a record's detail has no asset_url to
	// derive the text location from.
	ErrNoAssetURL = errors.New("record has no asset_url")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassForbidden represents 403 responses, treated as transient.
	ErrorClassForbidden ErrorClass = "forbidden"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassClient represents other 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"
)

// FetchError is a failed request against the document API.
type FetchError struct {
	URL        string
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("fetch %s: %s error: %v", e.URL, e.ErrorClass, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s error (status %d): %s: %v",
			e.URL, e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error (status %d): %s",
		e.URL, e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a 404 from the document API.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// classifyStatus maps a non-2xx status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 403:
		return ErrorClassForbidden
	case status == 429:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassForbidden, ErrorClassRateLimit:
		// Upstream throttling; retry the same URL.
		return true
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		// Other 4xx, auth failures and unclassified errors are final.
		return false
	}
}
