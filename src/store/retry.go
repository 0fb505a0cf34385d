package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/go-sql-driver/mysql"

	"github.com/apimgr/assistant/src/task"
)

const (
	retryBase     = 100 * time.Millisecond
	retryCap      = 10 * time.Second
	retryAttempts = 5
)

// withRetry runs op with exponential backoff on transient errors.
// Exhaustion surfaces as ErrStoreUnavailable; permanent errors return
// immediately.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	delay := retryBase
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		s.logger.Warn("transient store error, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
	s.setHealth(false, err)
	return errors.Join(task.ErrStoreUnavailable, err)
}

// isTransient classifies driver errors worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if isUnique(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 = connection exception, 40 = transaction rollback,
		// 57 = operator intervention (shutdown/cannot connect now).
		return strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "40") ||
			strings.HasPrefix(pgErr.Code, "57")
	}
	msg := err.Error()
	for _, needle := range []string{
		"connection refused", "connection reset", "broken pipe",
		"i/o timeout", "database is locked", "bad connection",
		"deadlock", "try restarting transaction",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// isUnique classifies unique-constraint violations across drivers.
func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Violation of UNIQUE KEY constraint")
}
