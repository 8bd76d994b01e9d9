package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
)

// RetryPolicy bounds the retries applied to transient store failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns three attempts with exponential backoff from 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     defaultMaxAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	n := p
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = defaultMaxAttempts
	}
	if n.InitialInterval <= 0 {
		n.InitialInterval = defaultInitialInterval
	}
	if n.MaxInterval < n.InitialInterval {
		n.MaxInterval = n.InitialInterval
	}
	return n
}

// Classifier reports whether a driver-specific error is a transient connectivity failure.
type Classifier func(error) bool

// IsConnectivityError recognises driver-agnostic connectivity failures: broken
// connections, resets, refused dials and network timeouts. Cancellation by the caller
// and data errors are never transient.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
