package postgresql

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/portfolio-workcore/shared/logger"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewFromDB(db, logger.NewDiscard()), mock
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5432, User: "u", Password: "p", Database: "portfolio", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=portfolio sslmode=disable", cfg.DSN())
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE domains").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := tx.Exec("UPDATE domains SET decision = 'buy'")
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	client, mock := newMockClient(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return fmt.Errorf("step failed: %w", boom)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
			panic("unexpected")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_BeginFails(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	called := false
	err := client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.Contains(t, err.Error(), "failed to begin transaction")
}

func TestHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	client := NewFromDB(db, logger.NewDiscard())

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	require.NoError(t, client.HealthCheck(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	client, _ := newMockClient(t)

	stats := client.Stats()
	assert.Contains(t, stats, "MaxOpenConns: 0")
	assert.Contains(t, stats, "InUse: 0")
}

func TestClose(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	client := NewFromDB(db, logger.NewDiscard())

	mock.ExpectClose()
	require.NoError(t, client.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: UniqueViolation, Constraint: "jobs_active_entity_uniq"}

	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{name: "matching constraint", err: dup, constraint: "jobs_active_entity_uniq", want: true},
		{name: "any constraint", err: dup, constraint: "", want: true},
		{name: "wrapped", err: fmt.Errorf("insert: %w", dup), constraint: "jobs_active_entity_uniq", want: true},
		{name: "other constraint", err: dup, constraint: "jobs_pkey", want: false},
		{name: "other code", err: &pq.Error{Code: "23503"}, want: false},
		{name: "not a pq error", err: errors.New("nope"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err, tt.constraint))
		})
	}
}
