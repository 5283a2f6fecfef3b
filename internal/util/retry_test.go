package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		IsRetryable:  DefaultIsRetryable,
	}
}

func TestRetry_Success(t *testing.T) {
	callCount := 0
	result, err := Retry(context.Background(), fastConfig(3), func() (string, error) {
		callCount++
		return "ok", nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result != "ok" {
		t.Errorf("expected 'ok', got %q", result)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	callCount := 0
	transientErr := errors.New("connection refused")

	result, err := Retry(context.Background(), fastConfig(5), func() (string, error) {
		callCount++
		if callCount < 3 {
			return "", transientErr
		}
		return "ok", nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if result != "ok" {
		t.Errorf("expected 'ok', got %q", result)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	callCount := 0
	transientErr := errors.New("connection refused")

	_, err := Retry(context.Background(), fastConfig(2), func() (string, error) {
		callCount++
		return "", transientErr
	})

	if err == nil {
		t.Error("expected error after max attempts")
	}
	if callCount != 2 {
		t.Errorf("expected 2 calls, got %d", callCount)
	}
}

func TestRetry_NonRetryableError(t *testing.T) {
	callCount := 0
	notFound := errors.New("instance not found")

	_, err := Retry(context.Background(), fastConfig(5), func() (string, error) {
		callCount++
		return "", notFound
	})

	if err == nil {
		t.Error("expected error for non-retryable error")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call (no retry), got %d", callCount)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	callCount := 0
	_, err := Retry(ctx, fastConfig(3), func() (string, error) {
		callCount++
		return "ok", nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if callCount != 0 {
		t.Errorf("expected 0 calls, got %d", callCount)
	}
}

func TestRetry_PermanentError(t *testing.T) {
	callCount := 0
	permanent := MarkPermanent(errors.New("connection refused by policy"))

	_, err := Retry(context.Background(), fastConfig(5), func() (string, error) {
		callCount++
		return "", permanent
	})

	if err == nil {
		t.Error("expected error for permanent error")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call (no retry for permanent), got %d", callCount)
	}
}

func TestRetry_AlwaysRetries(t *testing.T) {
	cfg := fastConfig(4)
	cfg.IsRetryable = RetryAlways

	callCount := 0
	_, err := Retry(context.Background(), cfg, func() (string, error) {
		callCount++
		return "", errors.New("exec daemon not listening")
	})

	if err == nil {
		t.Error("expected error after exhausting attempts")
	}
	if callCount != 4 {
		t.Errorf("expected 4 calls, got %d", callCount)
	}
}

func TestDefaultIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"io timeout", errors.New("read tcp: i/o timeout"), true},
		{"gateway 502", errors.New("API error (status 502): bad gateway"), true},
		{"rate limited", errors.New("API error (status 429): slow down"), true},
		{"not found", errors.New("instance not found"), false},
		{"forbidden", errors.New("API error (status 403): forbidden"), false},
		{"case insensitive", errors.New("CONNECTION REFUSED"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultIsRetryable(tt.err); got != tt.expected {
				t.Errorf("DefaultIsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryVoid(t *testing.T) {
	callCount := 0
	err := RetryVoid(context.Background(), fastConfig(3), func() error {
		callCount++
		if callCount < 2 {
			return errors.New("connection reset")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if callCount != 2 {
		t.Errorf("expected 2 calls, got %d", callCount)
	}
}

func TestMarkPermanent(t *testing.T) {
	original := errors.New("original error")
	permanent := MarkPermanent(original)

	if !IsPermanent(permanent) {
		t.Error("expected IsPermanent to return true")
	}
	if !errors.Is(permanent, original) {
		t.Error("expected permanent error to wrap original")
	}
	if permanent.Error() != "original error" {
		t.Errorf("expected error message to be preserved, got %q", permanent.Error())
	}
	if MarkPermanent(nil) != nil {
		t.Error("expected MarkPermanent(nil) to return nil")
	}
}
