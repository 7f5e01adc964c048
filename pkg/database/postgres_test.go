package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

func newMockDB(t *testing.T) (*PostgresDB, sqlmock.Sqlmock, *metrics.Collector) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	db, collector := wrapMockDB(t, raw)
	return db, mock, collector
}

func wrapMockDB(t *testing.T, raw *sql.DB) (*PostgresDB, *metrics.Collector) {
	t.Helper()
	collector := metrics.NewNopCollector()
	db := Wrap(sqlx.NewDb(raw, "postgres"), &Config{Database: "comex"}, logging.NewNopLogger(), collector)
	t.Cleanup(func() { db.Close() })
	return db, collector
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5432, User: "comex", Password: "secret", Database: "trade", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=comex password=secret dbname=trade sslmode=disable", cfg.DSN())
}

func TestPostgresDB_ExecContextRecordsErrors(t *testing.T) {
	db, mock, collector := newMockDB(t)

	mock.ExpectExec("DELETE FROM trade_operations").WillReturnError(errors.New("permission denied"))

	_, err := db.ExecContext(context.Background(), "cleanup", "DELETE FROM trade_operations")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.DBErrorsTotal.WithLabelValues("exec_error")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDB_HealthCheck(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	db, _ := wrapMockDB(t, raw)

	mock.ExpectPing()
	assert.NoError(t, db.HealthCheck(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	err = db.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database health check failed")
}

func TestPostgresDB_BeginTx(t *testing.T) {
	db, mock, _ := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := db.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}
