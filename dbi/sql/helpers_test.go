package sql

import (
	"context"
	"path/filepath"
	"testing"

	"database/sql"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/codesmythe/gnucash/dbi"
	"github.com/codesmythe/gnucash/logger"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	return db, mock
}

// newMockConn returns a connection on a sqlmock handle that reconnects without delay
func newMockConn(t *testing.T, dia dialect, open opener) (*Connection, sqlmock.Sqlmock) {
	t.Helper()

	db, mock := newMockDB(t)
	var c = newConnection(db, open, dia, "books", logger.Discard(), nil)
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c, mock
}

func tempStore(t *testing.T) string {
	return filepath.Join(t.TempDir(), "books.gnucash")
}

// newSQLiteConn connects to a real SQLite file
func newSQLiteConn(t *testing.T, path string) *Connection {
	t.Helper()

	var open opener = func(ctx context.Context) (*sql.DB, error) {
		return openDB(ctx, "sqlite3", path)
	}
	db, err := open(context.Background())
	require.NoError(t, err)

	var c = newConnection(db, open, &sqliteDialect{}, filepath.Base(path), logger.Discard(), nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustExec(t *testing.T, c dbi.Conn, query string) {
	t.Helper()

	_, err := c.ExecuteNonSelect(context.Background(), c.NewStatement(query))
	require.NoError(t, err, query)
}

func countRows(t *testing.T, c dbi.Conn, table string) int64 {
	t.Helper()

	res, err := c.ExecuteSelect(context.Background(), c.NewStatement("SELECT COUNT(*) AS n FROM "+table))
	require.NoError(t, err)
	defer res.Close()

	var row = res.Begin()
	require.False(t, row.IsEnd())
	n, err := row.GetInt64("n")
	require.NoError(t, err)
	return n
}
