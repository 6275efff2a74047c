package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProviderLimiter throttles upstream API calls.
//
// Proactive: a strict sliding window keeps request starts within quota.
// Reactive: when any caller hits a 429, a global block pauses every caller
// until the block expires.
type ProviderLimiter struct {
	window *SlidingWindow

	mu           sync.Mutex
	blockedUntil time.Time

	logger *zap.Logger
}

// NewProviderLimiter creates a limiter allowing limit request starts per window.
func NewProviderLimiter(limit int, window time.Duration, logger *zap.Logger) (*ProviderLimiter, error) {
	w, err := NewSlidingWindow(limit, window)
	if err != nil {
		return nil, err
	}
	logger.Info("Provider rate limiter initialized",
		zap.Int("limit", limit),
		zap.Duration("window", window),
	)
	return &ProviderLimiter{
		window: w,
		logger: logger,
	}, nil
}

// WaitIfBlocked waits out any reactive block, then acquires a proactive
// slot. Returns true if a reactive block was waited on.
func (p *ProviderLimiter) WaitIfBlocked(ctx context.Context) (bool, error) {
	waited := false
	if wait := p.RemainingWait(); wait > 0 {
		p.logger.Warn("Provider rate limit active, waiting",
			zap.Duration("wait", wait),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
		waited = true
	}

	if err := p.window.Acquire(ctx); err != nil {
		return waited, err
	}
	return waited, nil
}

// SetBlocked arms the reactive block for d.
func (p *ProviderLimiter) SetBlocked(d time.Duration) {
	p.mu.Lock()
	p.blockedUntil = time.Now().Add(d)
	p.mu.Unlock()
	p.logger.Warn("Provider rate limit block set", zap.Duration("duration", d))
}

// IsBlocked reports whether the reactive block is active.
func (p *ProviderLimiter) IsBlocked() bool {
	return p.RemainingWait() > 0
}

// RemainingWait returns how long the reactive block has left.
func (p *ProviderLimiter) RemainingWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if wait := time.Until(p.blockedUntil); wait > 0 {
		return wait
	}
	return 0
}

// RetryOptions tunes ExecuteWithRetry.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     time.Duration
	// IsRateLimited classifies an error as a 429. Only those errors are
	// retried; everything else propagates immediately.
	IsRateLimited func(error) bool
}

// DefaultRetryOptions mirrors the production backoff schedule.
func DefaultRetryOptions(isRateLimited func(error) bool) RetryOptions {
	return RetryOptions{
		MaxRetries:    3,
		BaseDelay:     2 * time.Second,
		MaxDelay:      60 * time.Second,
		Jitter:        time.Second,
		IsRateLimited: isRateLimited,
	}
}

// ExecuteWithRetry runs fn behind the limiter, retrying rate-limited
// failures with exponential backoff plus jitter. Each backoff also arms the
// global block so concurrent callers pause too.
func ExecuteWithRetry[T any](ctx context.Context, p *ProviderLimiter, opts RetryOptions, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if _, err := p.WaitIfBlocked(ctx); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if opts.IsRateLimited == nil || !opts.IsRateLimited(err) {
			return zero, err
		}

		lastErr = err
		if attempt >= opts.MaxRetries {
			p.logger.Warn("Rate limit retry exhausted",
				zap.Int("retries", opts.MaxRetries),
			)
			break
		}

		delay := opts.BaseDelay << uint(attempt)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		if opts.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(opts.Jitter)))
		}
		p.logger.Warn("Rate limited by provider, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", opts.MaxRetries+1),
			zap.Duration("delay", delay),
		)
		p.SetBlocked(delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}
