package generr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindRateLimited, "openai: generate", "429 from provider")
	if got := KindOf(err); got != KindRateLimited {
		t.Errorf("expected rate_limited, got %s", got)
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if got := KindOf(wrapped); got != KindRateLimited {
		t.Errorf("expected rate_limited through wrap, got %s", got)
	}

	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("expected unknown for plain error, got %s", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindRateLimited, true},
		{KindServiceUnavailable, true},
		{KindDisabled, false},
		{KindInvalidInput, false},
		{KindTimeout, false},
		{KindUnknown, false},
	}
	for _, tc := range cases {
		err := New(tc.kind, "test", "boom")
		if got := Retryable(err); got != tc.want {
			t.Errorf("Retryable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}

	if Retryable(errors.New("plain")) {
		t.Error("plain errors must not be retryable")
	}
}

func TestFromHTTPStatus(t *testing.T) {
	cases := map[int]Kind{
		429: KindRateLimited,
		503: KindServiceUnavailable,
		500: KindServiceUnavailable,
		504: KindTimeout,
		408: KindTimeout,
		400: KindInvalidInput,
		422: KindInvalidInput,
		403: KindUnknown,
	}
	for status, want := range cases {
		if got := FromHTTPStatus(status); got != want {
			t.Errorf("FromHTTPStatus(%d) = %s, want %s", status, got, want)
		}
	}
}
