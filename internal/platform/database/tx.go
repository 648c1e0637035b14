package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTransient marks a failure that may succeed when retried.
var ErrTransient = errors.New("transient store failure")

const rollbackTimeout = 5 * time.Second

// WithConn runs fn on one acquired connection and releases it on every path.
func WithConn(ctx context.Context, store Store, fn func(Conn) error) error {
	conn, err := store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// WithTx runs fn inside a transaction on one connection. The transaction
// commits when fn returns nil and rolls back otherwise, including on panic
// and cancellation. The connection is always released.
func WithTx(ctx context.Context, store Store, fn func(Conn) error) error {
	return WithConn(ctx, store, func(conn Conn) (err error) {
		if err = conn.Begin(ctx); err != nil {
			return err
		}

		committed := false
		defer func() {
			if committed {
				return
			}
			// ctx may already be cancelled; the rollback still has to reach the server.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
			defer cancel()
			if rbErr := conn.Rollback(rctx); rbErr != nil && err != nil {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}()

		if err = fn(conn); err != nil {
			return err
		}
		if err = conn.Commit(ctx); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

// IsTransient reports whether err is a connection, deadline, deadlock or
// serialization failure worth retrying. Cancellation of the caller's own
// context is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := strings.TrimSpace(pgErr.Code)
		switch {
		case code == "40001", code == "40P01", code == "55P03", code == "57P01", code == "57P03":
			return true // serialization, deadlock, lock_not_available, admin shutdown, cannot connect now
		case strings.HasPrefix(code, "08"):
			return true // connection exception
		}
		return false
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "conn closed")
}
