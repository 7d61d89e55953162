package postgres

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// isRetriable reports whether err is a transient failure worth another attempt:
// serialization failures, deadlocks, and connection errors pgx marks safe to retry.
func isRetriable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001": // serialization_failure
			return true
		case "40P01": // deadlock_detected
			return true
		default:
			return false
		}
	}
	return pgconn.SafeToRetry(err)
}

// withRetry runs fn, retrying transient failures with jittered exponential backoff.
func (s *PostgresSaver) withRetry(ctx context.Context, fn func() error) error {
	delay := s.retryDelay
	var err error
	for attempt := range s.maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == s.maxRetries {
			break
		}
		s.logger.Warn("retrying postgres operation after transient error (attempt %d): %v", attempt+1, err)
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}
