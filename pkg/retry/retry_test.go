package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"mapillary-downloader/pkg/config"
	errs "mapillary-downloader/pkg/errors"
)

func TestExponentialDelay(t *testing.T) {
	backoff := Exponential{
		Base:       100 * time.Millisecond,
		Max:        1 * time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second},
		{60, 1 * time.Second},
	}

	for _, test := range tests {
		if delay := backoff.Delay(test.attempt, transient()); delay != test.expected {
			t.Errorf("attempt %d: expected %v, got %v", test.attempt, test.expected, delay)
		}
	}
}

func TestExponentialJitterBounds(t *testing.T) {
	backoff := Exponential{
		Base:       100 * time.Millisecond,
		Max:        1 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.3,
	}

	for i := 0; i < 50; i++ {
		delay := backoff.Delay(2, nil)
		if delay < 140*time.Millisecond || delay > 260*time.Millisecond {
			t.Fatalf("delay %v outside 200ms +/- 30%%", delay)
		}
	}
}

func TestExponentialHonorsRetryAfter(t *testing.T) {
	backoff := Exponential{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	throttled := errs.FromStatus(429, "slow down")
	throttled.RetryAfter = 30 * time.Second
	if d := backoff.Delay(1, throttled); d != 30*time.Second {
		t.Errorf("expected the server's 30s, got %v", d)
	}

	throttled.RetryAfter = 50 * time.Millisecond
	if d := backoff.Delay(1, throttled); d != 100*time.Millisecond {
		t.Errorf("a shorter hint must not shorten the backoff, got %v", d)
	}

	throttled.RetryAfter = time.Hour
	if d := backoff.Delay(1, throttled); d != maxServerHint {
		t.Errorf("expected hint capped at %v, got %v", maxServerHint, d)
	}
}

func transient() error { return errs.FromStatus(503, "unavailable") }

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		Backoff:     Fixed(time.Millisecond),
	}
}

func TestRetryWithSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return transient()
		}
		return nil
	}, fastConfig(5))

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWithMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	var retries []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	}

	err := Do(context.Background(), func(context.Context) error {
		attempts++
		return transient()
	}, cfg)

	if err == nil {
		t.Fatal("expected error when max attempts exceeded")
	}
	if errs.TypeOf(err) != errs.ErrorTypeServerError {
		t.Errorf("expected wrapped server error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(retries) != 2 {
		t.Errorf("expected 2 retries between 3 attempts, got %v", retries)
	}
}

func TestRetryWithNonRetryableError(t *testing.T) {
	for _, code := range []int{401, 403, 404} {
		attempts := 0
		notRetryable := errs.FromStatus(code, "nope")

		err := Do(context.Background(), func(context.Context) error {
			attempts++
			return notRetryable
		}, fastConfig(5))

		if err != notRetryable {
			t.Errorf("code %d: expected the original error, got %v", code, err)
		}
		if attempts != 1 {
			t.Errorf("code %d: expected 1 attempt, got %d", code, attempts)
		}
	}

	attempts := 0
	_ = Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("unclassified")
	}, fastConfig(5))
	if attempts != 1 {
		t.Errorf("unclassified errors must not be retried, got %d attempts", attempts)
	}
}

func TestRetryWithContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	cfg := &Config{
		MaxAttempts: 5,
		Backoff:     Fixed(time.Hour),
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, func(context.Context) error {
		attempts++
		return transient()
	}, cfg)

	if err == nil {
		t.Fatal("expected error when context cancelled")
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt before cancellation, got %d", attempts)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("wait did not honor cancellation")
	}
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), func(context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", transient()
		}
		return "success", nil
	}, fastConfig(3))

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result != "success" || attempts != 2 {
		t.Errorf("got %q after %d attempts", result, attempts)
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  3,
	}, nil)

	if cfg.MaxAttempts != 4 {
		t.Errorf("expected 4 attempts, got %d", cfg.MaxAttempts)
	}
	if d := cfg.Backoff.Delay(3, nil); d != 9*time.Second {
		t.Errorf("expected 9s, got %v", d)
	}
	if d := cfg.Backoff.Delay(4, nil); d != 10*time.Second {
		t.Errorf("expected cap at 10s, got %v", d)
	}
}
