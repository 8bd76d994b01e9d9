package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aevon-lab/usage-engine/internal/core/storage"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "connection failure", err: &pq.Error{Code: "08006"}, want: true},
		{name: "connection does not exist", err: &pq.Error{Code: "08003"}, want: true},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, want: true},
		{name: "cannot connect now", err: fmt.Errorf("wrapped: %w", &pq.Error{Code: "57P03"}), want: true},
		{name: "invalid text representation", err: &pq.Error{Code: "22P02"}, want: false},
		{name: "undefined column", err: &pq.Error{Code: "42703"}, want: false},
		{name: "not a pq error", err: errors.New("boom"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestAdapter_ValidateSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := NewAdapterFromDB(db, storage.DefaultRetryPolicy())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	require.NoError(t, adapter.ValidateSchema(context.Background()))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	require.ErrorContains(t, adapter.ValidateSchema(context.Background()), "events table does not exist")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_CloseReturnsDBCloseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	dbCloseErr := errors.New("db close failed")
	mock.ExpectClose().WillReturnError(dbCloseErr)

	adapter := NewAdapterFromDB(db, storage.DefaultRetryPolicy())
	err = adapter.Close()
	require.ErrorContains(t, err, "failed to close database")
	require.ErrorIs(t, err, dbCloseErr)
	require.NoError(t, mock.ExpectationsWereMet())
}
