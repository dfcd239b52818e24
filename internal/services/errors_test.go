package services_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"shortform/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrConfiguration, "voice_synthesis", "synthesize", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"voice_synthesis", "synthesize", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestFailureRetryable(t *testing.T) {
	cases := []struct {
		kind      services.Kind
		retryable bool
	}{
		{services.KindRateLimited, true},
		{services.KindTimeout, true},
		{services.KindUnavailable, true},
		{services.KindUnknown, true},
		{services.KindAuth, false},
		{services.KindInvalidInput, false},
	}
	for _, tc := range cases {
		f := services.NewFailure(tc.kind, "openrouter", "complete", "", nil)
		if got := f.Retryable(); got != tc.retryable {
			t.Fatalf("kind %s: retryable = %v, want %v", tc.kind, got, tc.retryable)
		}
	}
}

func TestAsFailureThroughWrapping(t *testing.T) {
	inner := services.NewFailure(services.KindRateLimited, "tts", "synthesize", "http 429", nil)
	wrapped := fmt.Errorf("stage attempt: %w", inner)
	got, ok := services.AsFailure(wrapped)
	if !ok {
		t.Fatalf("expected failure in chain, got %v", wrapped)
	}
	if got.Kind != services.KindRateLimited || got.Provider != "tts" {
		t.Fatalf("unexpected failure: %+v", got)
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := map[int]services.Kind{
		http.StatusTooManyRequests:     services.KindRateLimited,
		http.StatusUnauthorized:        services.KindAuth,
		http.StatusForbidden:           services.KindAuth,
		http.StatusBadRequest:          services.KindInvalidInput,
		http.StatusRequestTimeout:      services.KindTimeout,
		http.StatusGatewayTimeout:      services.KindTimeout,
		http.StatusServiceUnavailable:  services.KindUnavailable,
		http.StatusInternalServerError: services.KindUnavailable,
		http.StatusTeapot:              services.KindUnknown,
	}
	for status, want := range cases {
		if got := services.ClassifyHTTPStatus(status); got != want {
			t.Fatalf("status %d: got %s, want %s", status, got, want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	if got := services.ClassifyError(context.DeadlineExceeded); got != services.KindTimeout {
		t.Fatalf("deadline: got %s", got)
	}
	if got := services.ClassifyError(errors.New("connection refused")); got != services.KindUnavailable {
		t.Fatalf("transport: got %s", got)
	}
}
