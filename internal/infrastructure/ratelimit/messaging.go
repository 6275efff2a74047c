package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/pkg/safego"
)

// taskResult is delivered to every waiter of a queued task.
type taskResult struct {
	value any
	err   error
}

// queuedTask holds the latest callable for a dedup key plus everyone
// waiting on it.
type queuedTask struct {
	fn      func(ctx context.Context) (any, error)
	waiters []chan taskResult
}

// MessagingLimiter serializes outgoing platform calls through a single
// worker, a sliding window, and a FIFO with task compaction: re-enqueueing
// a key replaces the pending callable but keeps its queue position, so only
// the newest version of a message edit is ever sent.
type MessagingLimiter struct {
	window *SlidingWindow

	mu          sync.Mutex
	order       []string
	tasks       map[string]*queuedTask
	pausedUntil time.Time

	wake     chan struct{}
	shutdown chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	logger *zap.Logger
}

// NewMessagingLimiter creates the limiter and starts its worker.
func NewMessagingLimiter(limit int, window time.Duration, logger *zap.Logger) (*MessagingLimiter, error) {
	w, err := NewSlidingWindow(limit, window)
	if err != nil {
		return nil, err
	}

	m := &MessagingLimiter{
		window:   w,
		tasks:    make(map[string]*queuedTask),
		wake:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger,
	}

	safego.Go(logger, "messaging-limiter-worker", m.worker)

	logger.Info("Messaging rate limiter initialized",
		zap.Int("limit", limit),
		zap.Duration("window", window),
	)
	return m, nil
}

// Enqueue queues fn under key and waits for its result. An empty key gets a
// unique one, disabling compaction for that task.
func (m *MessagingLimiter) Enqueue(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	if key == "" {
		key = "task_" + uuid.NewString()
	}

	ch := make(chan taskResult, 1)
	m.push(key, fn, ch)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.value, res.err
	}
}

// FireAndForget queues fn without exposing the result. Transient transport
// failures (connect, timeout, broken pipe) are retried up to twice with
// exponential backoff; everything else is logged and dropped.
func (m *MessagingLimiter) FireAndForget(key string, fn func(ctx context.Context) (any, error)) {
	safego.Go(m.logger, "messaging-fire-and-forget", func() {
		const maxRetries = 2
		for attempt := 0; attempt <= maxRetries; attempt++ {
			_, err := m.Enqueue(context.Background(), key, fn)
			if err == nil {
				return
			}

			msg := strings.ToLower(err.Error())
			transient := strings.Contains(msg, "connect") ||
				strings.Contains(msg, "timeout") ||
				strings.Contains(msg, "broken")
			if attempt < maxRetries && transient {
				wait := time.Duration(1<<uint(attempt)) * time.Second
				m.logger.Warn("Transient messaging error, retrying",
					zap.String("key", key),
					zap.Int("attempt", attempt+1),
					zap.Duration("wait", wait),
					zap.Error(err),
				)
				time.Sleep(wait)
				continue
			}

			m.logger.Error("Dropping messaging task after final error",
				zap.String("key", key),
				zap.Error(err),
			)
			return
		}
	})
}

// Shutdown stops the worker, waiting up to timeout for it to exit.
func (m *MessagingLimiter) Shutdown(timeout time.Duration) error {
	m.stopOnce.Do(func() { close(m.shutdown) })

	select {
	case <-m.stopped:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("messaging limiter worker did not stop within %v", timeout)
	}
}

// QueueLen reports the number of distinct pending keys.
func (m *MessagingLimiter) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *MessagingLimiter) push(key string, fn func(ctx context.Context) (any, error), ch chan taskResult) {
	m.mu.Lock()
	if existing, ok := m.tasks[key]; ok {
		// Compaction: newest callable wins, queue position is kept, every
		// waiter still gets the (single) result.
		existing.fn = fn
		existing.waiters = append(existing.waiters, ch)
		m.mu.Unlock()
		m.logger.Debug("Compacted messaging task", zap.String("key", key))
		return
	}
	m.tasks[key] = &queuedTask{fn: fn, waiters: []chan taskResult{ch}}
	m.order = append(m.order, key)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *MessagingLimiter) pop() (string, *queuedTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return "", nil, false
	}
	key := m.order[0]
	m.order = m.order[1:]
	task := m.tasks[key]
	delete(m.tasks, key)
	return key, task, true
}

func (m *MessagingLimiter) worker() {
	defer close(m.stopped)
	m.logger.Info("Messaging limiter worker started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	safego.Go(m.logger, "messaging-limiter-canceller", func() {
		<-m.shutdown
		cancel()
	})

	for {
		key, task, ok := m.pop()
		if !ok {
			select {
			case <-m.shutdown:
				return
			case <-m.wake:
				continue
			}
		}

		// Flood pause set by a previous failure.
		m.mu.Lock()
		pause := time.Until(m.pausedUntil)
		m.mu.Unlock()
		if pause > 0 {
			m.logger.Warn("Messaging worker paused", zap.Duration("remaining", pause))
			select {
			case <-m.shutdown:
				m.deliver(task, taskResult{err: context.Canceled})
				return
			case <-time.After(pause):
			}
		}

		if err := m.window.Acquire(ctx); err != nil {
			m.deliver(task, taskResult{err: err})
			return
		}

		value, err := m.run(key, task.fn, ctx)
		m.deliver(task, taskResult{value: value, err: err})

		if err != nil {
			m.handleSendError(key, err)
		}
	}
}

// run executes one task with panic containment so a bad callable cannot
// kill the worker loop.
func (m *MessagingLimiter) run(key string, fn func(ctx context.Context) (any, error), ctx context.Context) (value any, err error) {
	safego.Run(m.logger, "messaging-task-"+key, func() {
		value, err = fn(ctx)
	})
	return value, err
}

func (m *MessagingLimiter) deliver(task *queuedTask, res taskResult) {
	for _, ch := range task.waiters {
		ch <- res
	}
}

func (m *MessagingLimiter) handleSendError(key string, err error) {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "flood") && !strings.Contains(msg, "wait") {
		m.logger.Error("Messaging task failed",
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}

	seconds := parseRetryAfter(msg)
	m.logger.Error("Flood wait detected, pausing messaging worker",
		zap.Int("seconds", seconds),
	)
	m.mu.Lock()
	m.pausedUntil = time.Now().Add(time.Duration(seconds) * time.Second)
	m.mu.Unlock()
}

// parseRetryAfter extracts the wait from messages like "Too Many Requests:
// retry after 42". Defaults to 30 seconds.
func parseRetryAfter(msg string) int {
	const fallback = 30
	_, rest, found := strings.Cut(msg, "after ")
	if !found {
		return fallback
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return fallback
	}
	seconds, err := strconv.Atoi(fields[0])
	if err != nil || seconds <= 0 {
		return fallback
	}
	return seconds
}
