package queue

import (
	"errors"
	"math/rand"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryManager manages retry logic for failed tasks
type RetryManager struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewRetryManager(maxRetries int, baseDelay time.Duration) *RetryManager {
	return &RetryManager{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   baseDelay * 16, // Maximum 16x base delay
	}
}

// ShouldRetry determines if a task should be retried and returns the delay
func (r *RetryManager) ShouldRetry(task *Task, err error) (bool, time.Duration) {
	maxRetries := task.MaxRetries
	if maxRetries == 0 {
		maxRetries = r.maxRetries
	}
	if task.Attempts >= maxRetries {
		return false, 0
	}
	if err == nil || IsPermanent(err) {
		return false, 0
	}
	return true, r.Backoff(task.Attempts)
}

// Backoff returns base * 2^(attempt-1) with ±25% jitter, capped at 16x base.
func (r *RetryManager) Backoff(attempt int) time.Duration {
	if r.baseDelay <= 0 {
		return 0
	}
	if attempt <= 0 {
		return r.baseDelay
	}
	if attempt > 16 {
		attempt = 16
	}

	backoff := r.baseDelay * time.Duration(1<<(attempt-1))

	if quarter := int64(backoff / 4); quarter > 0 {
		jitter := time.Duration(rand.Int63n(quarter))
		if rand.Intn(2) == 0 {
			backoff += jitter
		} else {
			backoff -= jitter
		}
	}

	if backoff > r.maxDelay {
		backoff = r.maxDelay
	}
	return backoff
}

func (r *RetryManager) MaxRetries() int {
	return r.maxRetries
}
