package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryDoSucceedsOnFirstTry(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	got, err := RetryDo(context.Background(), cfg, func() (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || got != 42 || calls != 1 {
		t.Fatalf("got=%d err=%v calls=%d", got, err, calls)
	}
}

func TestRetryDoRetriesOn5xxThenSucceeds(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	got, err := RetryDo(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, &HTTPError{Status: 500, Body: "boom"}
		}
		return 7, nil
	})
	if err != nil || got != 7 || calls != 2 {
		t.Fatalf("got=%d err=%v calls=%d", got, err, calls)
	}
}

func TestRetryDoDoesNotRetryNonRetryableStatus(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	_, err := RetryDo(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 400, Body: "bad request"}
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single non-retried attempt, got calls=%d err=%v", calls, err)
	}
}

func TestRetryDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	_, err := RetryDo(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 503, Body: "unavailable"}
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 attempts then failure, got calls=%d err=%v", calls, err)
	}
}

func TestRetryDoRespectsContextCancellation(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := RetryDo(ctx, cfg, func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 503, Body: "unavailable"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter(""); got != 0 {
		t.Fatalf("expected 0 for empty header, got %v", got)
	}
	if got := ParseRetryAfter("not-a-number"); got != 0 {
		t.Fatalf("expected 0 for unparseable header, got %v", got)
	}
	if got := ParseRetryAfter("5"); got != 5*time.Second {
		t.Fatalf("got %v", got)
	}
}
