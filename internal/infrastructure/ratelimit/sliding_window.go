package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SlidingWindow is a strict sliding window limiter.
//
// Guarantees: at most `limit` acquisitions in any interval of length
// `window`. Expired grants are pruned on each attempt, so the bound holds
// over any interval, not just aligned buckets.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	// Grant timestamps, oldest first. time.Time carries a monotonic
	// reading, so wall clock jumps cannot corrupt the window.
	times []time.Time
}

// NewSlidingWindow creates a limiter allowing limit acquisitions per window.
func NewSlidingWindow(limit int, window time.Duration) (*SlidingWindow, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be > 0, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate window must be > 0, got %v", window)
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
	}, nil
}

// Acquire blocks until a slot is available or ctx is cancelled. The wait
// happens outside the lock so concurrent callers can keep queueing.
func (s *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		var wait time.Duration

		s.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-s.window)

		drop := 0
		for drop < len(s.times) && !s.times[drop].After(cutoff) {
			drop++
		}
		if drop > 0 {
			s.times = append(s.times[:0], s.times[drop:]...)
		}

		if len(s.times) < s.limit {
			s.times = append(s.times, now)
			s.mu.Unlock()
			return nil
		}

		wait = s.times[0].Add(s.window).Sub(now)
		s.mu.Unlock()

		if wait <= 0 {
			// Another goroutine may have raced us; retry immediately but
			// stay cancellable.
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Pending reports the number of live grants in the current window.
func (s *SlidingWindow) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.window)
	n := 0
	for _, t := range s.times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
