package graph

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

// BackoffStrategy defines different backoff strategies
type BackoffStrategy int

const (
	FixedBackoff BackoffStrategy = iota
	ExponentialBackoff
	LinearBackoff
)

// RetryPolicy defines how to handle node failures
type RetryPolicy struct {
	MaxRetries      int
	BackoffStrategy BackoffStrategy
	// BaseDelay defaults to one second.
	BaseDelay time.Duration
	// RetryableErrors lists substrings of retryable error messages. An empty
	// list retries every error.
	RetryableErrors []string
}

func (p *RetryPolicy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if len(p.RetryableErrors) == 0 {
		return true
	}
	msg := err.Error()
	for _, pattern := range p.RetryableErrors {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func (p *RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	var d time.Duration
	switch p.BackoffStrategy {
	case ExponentialBackoff:
		d = base * time.Duration(1<<attempt)
	case LinearBackoff:
		d = base * time.Duration(attempt+1)
	default:
		d = base
	}
	// Up to 10% jitter keeps parallel retries apart.
	return d + time.Duration(rand.Int64N(int64(d)/10+1))
}

// runWithRetry runs fn once, plus up to p.MaxRetries more times for retryable errors.
func (p *RetryPolicy) runWithRetry(ctx context.Context, fn func() (*Command, error)) (*Command, error) {
	if p == nil {
		return fn()
	}
	var lastErr error
	for attempt := range p.MaxRetries + 1 {
		cmd, err := fn()
		if err == nil {
			return cmd, nil
		}
		lastErr = err
		if attempt == p.MaxRetries || !p.retryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return nil, lastErr
}
