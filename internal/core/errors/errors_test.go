package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnsupportedOperationError(t *testing.T) {
	err := Unsupported("clickhouse_materialized", "weighted_sum")

	require.ErrorIs(t, err, ErrUnsupportedOperation)
	require.ErrorIs(t, fmt.Errorf("aggregate: %w", err), ErrUnsupportedOperation)
	require.ErrorContains(t, err, "weighted_sum")
	require.ErrorContains(t, err, "clickhouse_materialized")

	var target *UnsupportedOperationError
	require.True(t, errors.As(err, &target))
	require.Equal(t, "weighted_sum", target.Operation)
}

func TestTransientError(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := &TransientError{Attempts: 3, Err: cause}

	require.True(t, IsTransient(err))
	require.True(t, IsTransient(fmt.Errorf("sum: %w", err)))
	require.ErrorIs(t, err, cause)
	require.ErrorContains(t, err, "3 attempt(s)")
	require.False(t, IsTransient(cause))
}

func TestUnsafeIdentifier(t *testing.T) {
	err := UnsafeIdentifier("property key", "")
	require.ErrorIs(t, err, ErrUnsafeIdentifier)
	require.ErrorContains(t, err, "property key")
}
