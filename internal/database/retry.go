package database

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Martin-Hayot/auction-engine/pkg/errors"
)

type RetryConfig struct {
	InitialInterval time.Duration
	// MaxElapsed bounds the total time spent retrying one operation.
	MaxElapsed time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 25 * time.Millisecond
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 3 * time.Second
	}
	return c
}

// isTransient reports whether err is worth retrying: lost connections, serialization failures
// and deadlocks.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if stderrors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		}
		return false
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// retryOp runs fn until it succeeds, fails permanently or the retry budget is spent. Transient
// failures that exhaust the budget surface as a retryable ErrStoreUnavailable.
func (s *service) retryOp(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxElapsedTime = s.retry.MaxElapsed

	attempt := func() error {
		err := fn()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("Transient database error, retrying", "op", op, "in", next, "err", err)
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify)
	if err == nil {
		return nil
	}
	var app *errors.AppError
	if stderrors.As(err, &app) {
		return err
	}
	if isTransient(err) {
		return errors.Retryable(errors.ErrStoreUnavailable, "Database unavailable during "+op, err)
	}
	return err
}
