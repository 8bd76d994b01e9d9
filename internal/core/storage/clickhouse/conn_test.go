package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "timeout exceeded", err: &clickhouse.Exception{Code: 159}, want: true},
		{name: "socket timeout", err: &clickhouse.Exception{Code: 209}, want: true},
		{name: "network error", err: fmt.Errorf("wrapped: %w", &clickhouse.Exception{Code: 210}), want: true},
		{name: "syntax error", err: &clickhouse.Exception{Code: 62}, want: false},
		{name: "unknown identifier", err: &clickhouse.Exception{Code: 47}, want: false},
		{name: "not an exception", err: errors.New("boom"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestWithQueryID_KeepsParentValues(t *testing.T) {
	type key struct{}
	parent := context.WithValue(context.Background(), key{}, "v")

	ctx := withQueryID(parent)
	require.Equal(t, "v", ctx.Value(key{}))
}

func TestAdapter_Close(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectClose().WillReturnError(errors.New("close failed"))

	adapter := NewAdapterFromDB(db, Options{DeduplicationTrusted: true}, storage.DefaultRetryPolicy())
	require.True(t, adapter.DeduplicationTrusted())
	require.ErrorContains(t, adapter.Close(), "failed to close clickhouse")
	require.NoError(t, mock.ExpectationsWereMet())
}
