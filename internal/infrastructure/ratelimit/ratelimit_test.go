package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

// === SlidingWindow ===

func TestSlidingWindowValidation(t *testing.T) {
	if _, err := NewSlidingWindow(0, time.Second); err == nil {
		t.Error("expected error for zero limit")
	}
	if _, err := NewSlidingWindow(5, 0); err == nil {
		t.Error("expected error for zero window")
	}
}

func TestSlidingWindowBound(t *testing.T) {
	window := 200 * time.Millisecond
	limiter, err := NewSlidingWindow(3, window)
	if err != nil {
		t.Fatalf("NewSlidingWindow: %v", err)
	}

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("first 3 acquisitions should be immediate, took %v", elapsed)
	}

	// Fourth acquisition must wait for the oldest grant to expire.
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("acquire 4: %v", err)
	}
	if elapsed := time.Since(start); elapsed < window-20*time.Millisecond {
		t.Errorf("fourth acquisition returned too early: %v", elapsed)
	}
}

func TestSlidingWindowConcurrentBound(t *testing.T) {
	window := 150 * time.Millisecond
	limiter, err := NewSlidingWindow(5, window)
	if err != nil {
		t.Fatalf("NewSlidingWindow: %v", err)
	}

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(context.Background()); err == nil {
				granted.Add(1)
			}
		}()
	}

	// Shortly after the burst, at most 5 may have been granted.
	time.Sleep(50 * time.Millisecond)
	if n := granted.Load(); n > 5 {
		t.Errorf("granted %d acquisitions within window, limit is 5", n)
	}
	wg.Wait()
	if n := granted.Load(); n != 20 {
		t.Errorf("all acquisitions should eventually succeed, got %d", n)
	}
}

func TestSlidingWindowCancel(t *testing.T) {
	limiter, err := NewSlidingWindow(1, time.Hour)
	if err != nil {
		t.Fatalf("NewSlidingWindow: %v", err)
	}
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// === ProviderLimiter ===

func TestProviderLimiterReactiveBlock(t *testing.T) {
	limiter, err := NewProviderLimiter(100, time.Minute, testLogger(t))
	if err != nil {
		t.Fatalf("NewProviderLimiter: %v", err)
	}

	if limiter.IsBlocked() {
		t.Error("fresh limiter should not be blocked")
	}

	limiter.SetBlocked(100 * time.Millisecond)
	if !limiter.IsBlocked() {
		t.Error("limiter should report blocked")
	}

	start := time.Now()
	waited, err := limiter.WaitIfBlocked(context.Background())
	if err != nil {
		t.Fatalf("WaitIfBlocked: %v", err)
	}
	if !waited {
		t.Error("expected reactive wait")
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("returned before block expired: %v", elapsed)
	}

	// Unblocked path should not report a wait.
	waited, err = limiter.WaitIfBlocked(context.Background())
	if err != nil {
		t.Fatalf("WaitIfBlocked: %v", err)
	}
	if waited {
		t.Error("unexpected reactive wait")
	}
}

func TestExecuteWithRetryRecovers(t *testing.T) {
	limiter, err := NewProviderLimiter(100, time.Minute, testLogger(t))
	if err != nil {
		t.Fatalf("NewProviderLimiter: %v", err)
	}

	rateLimited := errors.New("429 too many requests")
	opts := RetryOptions{
		MaxRetries:    3,
		BaseDelay:     10 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		IsRateLimited: func(e error) bool { return errors.Is(e, rateLimited) },
	}

	var attempts atomic.Int32
	result, err := ExecuteWithRetry(context.Background(), limiter, opts, func(ctx context.Context) (string, error) {
		if attempts.Add(1) < 3 {
			return "", rateLimited
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithRetry: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want ok", result)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestExecuteWithRetryNonRetryable(t *testing.T) {
	limiter, err := NewProviderLimiter(100, time.Minute, testLogger(t))
	if err != nil {
		t.Fatalf("NewProviderLimiter: %v", err)
	}

	boom := errors.New("upstream exploded")
	opts := RetryOptions{
		MaxRetries:    3,
		BaseDelay:     10 * time.Millisecond,
		IsRateLimited: func(e error) bool { return false },
	}

	var attempts atomic.Int32
	_, err = ExecuteWithRetry(context.Background(), limiter, opts, func(ctx context.Context) (int, error) {
		attempts.Add(1)
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected original error, got %v", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("non-retryable error should not retry, attempts = %d", n)
	}
}

func TestExecuteWithRetryExhausted(t *testing.T) {
	limiter, err := NewProviderLimiter(100, time.Minute, testLogger(t))
	if err != nil {
		t.Fatalf("NewProviderLimiter: %v", err)
	}

	rateLimited := errors.New("rate limited")
	opts := RetryOptions{
		MaxRetries:    2,
		BaseDelay:     5 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		IsRateLimited: func(e error) bool { return errors.Is(e, rateLimited) },
	}

	var attempts atomic.Int32
	_, err = ExecuteWithRetry(context.Background(), limiter, opts, func(ctx context.Context) (int, error) {
		attempts.Add(1)
		return 0, rateLimited
	})
	if !errors.Is(err, rateLimited) {
		t.Errorf("expected last error, got %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", n)
	}
}

// === MessagingLimiter ===

func newTestMessagingLimiter(t *testing.T, limit int, window time.Duration) *MessagingLimiter {
	t.Helper()
	m, err := NewMessagingLimiter(limit, window, testLogger(t))
	if err != nil {
		t.Fatalf("NewMessagingLimiter: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(2 * time.Second) })
	return m
}

func TestMessagingEnqueueReturnsResult(t *testing.T) {
	m := newTestMessagingLimiter(t, 100, time.Second)

	result, err := m.Enqueue(context.Background(), "", func(ctx context.Context) (any, error) {
		return "12345", nil
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if result != "12345" {
		t.Errorf("result = %v, want 12345", result)
	}
}

func TestMessagingCompaction(t *testing.T) {
	m := newTestMessagingLimiter(t, 100, time.Second)

	// Occupy the worker so subsequent tasks queue up.
	release := make(chan struct{})
	go m.Enqueue(context.Background(), "blocker", func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	time.Sleep(50 * time.Millisecond)

	var firstRan, secondRan atomic.Int32
	results := make(chan any, 2)
	for i, counter := range []*atomic.Int32{&firstRan, &secondRan} {
		c := counter
		version := i
		go func() {
			result, err := m.Enqueue(context.Background(), "edit:1:42", func(ctx context.Context) (any, error) {
				c.Add(1)
				return version, nil
			})
			if err != nil {
				t.Errorf("Enqueue: %v", err)
			}
			results <- result
		}()
		time.Sleep(30 * time.Millisecond)
	}

	close(release)

	// Both waiters resolve with the result of the surviving (latest) task.
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r != 1 {
				t.Errorf("waiter got result %v, want 1 (latest version)", r)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for compacted task results")
		}
	}
	if firstRan.Load() != 0 {
		t.Error("replaced task version should never run")
	}
	if secondRan.Load() != 1 {
		t.Errorf("latest task version ran %d times, want 1", secondRan.Load())
	}
}

func TestMessagingFloodPause(t *testing.T) {
	m := newTestMessagingLimiter(t, 100, time.Second)

	_, err := m.Enqueue(context.Background(), "", func(ctx context.Context) (any, error) {
		return nil, errors.New("Too Many Requests: retry after 1")
	})
	if err == nil {
		t.Fatal("expected flood error to propagate to waiter")
	}

	// Next task must be delayed by the parsed pause.
	start := time.Now()
	if _, err := m.Enqueue(context.Background(), "", func(ctx context.Context) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Enqueue after flood: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("task ran before flood pause expired: %v", elapsed)
	}
}

func TestMessagingFireAndForgetRetriesTransient(t *testing.T) {
	m := newTestMessagingLimiter(t, 100, time.Second)

	var attempts atomic.Int32
	done := make(chan struct{})
	m.FireAndForget("", func(ctx context.Context) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("connection timeout")
		}
		close(done)
		return nil, nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fire-and-forget task never succeeded")
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestMessagingShutdown(t *testing.T) {
	m, err := NewMessagingLimiter(10, time.Second, testLogger(t))
	if err != nil {
		t.Fatalf("NewMessagingLimiter: %v", err)
	}
	if err := m.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	// Second shutdown is a no-op.
	if err := m.Shutdown(time.Second); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		msg  string
		want int
	}{
		{"too many requests: retry after 42", 42},
		{"flood control exceeded. retry after 7 seconds", 7},
		{"flood detected", 30},
		{"retry after soon", 30},
		{"retry after -3", 30},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(strings.ToLower(tt.msg)); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %d, want %d", tt.msg, got, tt.want)
		}
	}
}
