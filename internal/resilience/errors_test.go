package resilience

import (
	"errors"
	"testing"
)

func TestIsRetryable_SourceErrorKinds(t *testing.T) {
	retryable := Retryable("jobs", errors.New("503 from job board"))
	if !IsRetryable(retryable) {
		t.Error("retryable source error should be retryable")
	}

	permanent := Permanent("jobs", errors.New("company not found"))
	if IsRetryable(permanent) {
		t.Error("permanent source error should not be retryable")
	}
}

func TestIsRetryable_WrappedChain(t *testing.T) {
	inner := Retryable("news", errors.New("feed timeout"))
	wrapped := &ExhaustedError{Attempts: 3, Last: inner}
	if !IsRetryable(wrapped) {
		t.Error("retryable error should be detected through wrapping")
	}
}

func TestIsRetryable_NilAndPlain(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
	if IsRetryable(errors.New("malformed company domain")) {
		t.Error("plain errors default to non-retryable")
	}
}

func TestIsRetryable_TransientPatterns(t *testing.T) {
	if !IsRetryable(errors.New("read tcp: connection reset by peer")) {
		t.Error("connection reset should be retryable")
	}
	if !IsRetryable(errors.New("dial tcp: i/o timeout")) {
		t.Error("i/o timeout should be retryable")
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Errorf("status %d should be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		if IsRetryableHTTPStatus(code) {
			t.Errorf("status %d should not be retryable", code)
		}
	}
}

func TestIsInvalidRequest(t *testing.T) {
	err := InvalidRequest("unknown source %q", "linkedin")
	if !IsInvalidRequest(err) {
		t.Error("expected invalid request detection")
	}
	if IsInvalidRequest(errors.New("other")) {
		t.Error("plain error is not an invalid request")
	}
}
