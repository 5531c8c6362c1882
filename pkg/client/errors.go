package client

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Harvest error taxonomy. Callers test with errors.Is.
var (
	// ErrAuthFailure covers credential sourcing and token issuance failures.
	// It is always fatal for a run.
	ErrAuthFailure = errors.New("auth failure")

	// ErrTransportFailure covers connection, TLS and unexpected-status
	// failures that survived the retry policy.
	ErrTransportFailure = errors.New("transport failure")

	// ErrSecureChannel marks TLS handshake and record failures. It always
	// comes together with ErrTransportFailure.
	ErrSecureChannel = errors.New("secure channel failure")

	// ErrMalformedResponse marks a successful response whose body could
	// not be decoded.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// APIError represents a failed API exchange with additional context.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("API %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is maps the error onto the harvest taxonomy. Every APIError is a
// transport failure; secure channel errors are additionally ErrSecureChannel.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrTransportFailure:
		return true
	case ErrSecureChannel:
		return e.ErrorClass == ErrorClassSecureChannel
	default:
		return false
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx errors are not retried
		return false
	case ErrorClassServer:
		return true
	case ErrorClassRateLimit:
		return true
	case ErrorClassNetwork:
		return true
	case ErrorClassSecureChannel:
		// retry policy for TLS failures belongs to the calling component
		return false
	default:
		return false
	}
}

// isSecureChannel reports whether err is a TLS handshake or record failure.
func isSecureChannel(err error) bool {
	if err == nil {
		return false
	}

	var recordErr tls.RecordHeaderError
	var alertErr tls.AlertError
	var verifyErr *tls.CertificateVerificationError
	var authorityErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError

	switch {
	case errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &verifyErr),
		errors.As(err, &authorityErr),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr):
		return true
	}

	return strings.Contains(err.Error(), "tls: ")
}
