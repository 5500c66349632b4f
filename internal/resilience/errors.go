// Package resilience provides the error taxonomy, backoff policy, and
// circuit breakers used around external source calls.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies a source failure for retry purposes.
type ErrorKind string

const (
	// KindRetryable covers timeouts, rate-limit rejections, and 5xx-class
	// responses. Retried with backoff up to the attempt ceiling.
	KindRetryable ErrorKind = "retryable"
	// KindPermanent covers malformed targets, 4xx-class responses, and
	// failures an adapter declares non-retryable. Never retried.
	KindPermanent ErrorKind = "permanent"
)

// SourceError is a typed failure from a source adapter or the fetch gate.
type SourceError struct {
	Source     string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Retryable wraps err as a transient source failure.
func Retryable(source string, err error) *SourceError {
	return &SourceError{Source: source, Kind: KindRetryable, Err: err}
}

// RetryableStatus wraps err as transient with an HTTP status code.
func RetryableStatus(source string, err error, status int) *SourceError {
	return &SourceError{Source: source, Kind: KindRetryable, StatusCode: status, Err: err}
}

// Permanent wraps err as a non-retryable source failure.
func Permanent(source string, err error) *SourceError {
	return &SourceError{Source: source, Kind: KindPermanent, Err: err}
}

// PermanentStatus wraps err as non-retryable with an HTTP status code.
func PermanentStatus(source string, err error, status int) *SourceError {
	return &SourceError{Source: source, Kind: KindPermanent, StatusCode: status, Err: err}
}

// ExhaustedError marks a retryable failure that hit the attempt ceiling.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// InvalidRequestError rejects a malformed job submission synchronously; it
// never enters a DAG.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// InvalidRequest constructs an InvalidRequestError.
func InvalidRequest(format string, args ...any) *InvalidRequestError {
	return &InvalidRequestError{Reason: fmt.Sprintf(format, args...)}
}

// IsInvalidRequest reports whether err is an InvalidRequestError.
func IsInvalidRequest(err error) bool {
	var ir *InvalidRequestError
	return errors.As(err, &ir)
}

// CorrelationError is returned only when zero sources succeeded, so no
// report at all can be produced. It surfaces the job as failed.
type CorrelationError struct {
	Reason string
}

func (e *CorrelationError) Error() string {
	return "correlation: " + e.Reason
}

// IsRetryable reports whether err (or anything in its chain) is safe to
// retry: an explicit retryable SourceError, a network timeout, or a common
// transient network failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind == KindRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsRetryableHTTPStatus reports whether the status code indicates a
// transient server-side issue.
func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
