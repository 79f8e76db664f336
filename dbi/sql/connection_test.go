package sql

import (
	"context"
	"errors"
	"testing"

	"database/sql"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesmythe/gnucash/dbi"
	"github.com/codesmythe/gnucash/logger"
)

const insertAccount = "INSERT INTO accounts VALUES (1, 'Assets')"

var (
	errServerGone  = &mysql.MySQLError{Number: mysqlErrServerGone, Message: "MySQL server has gone away"}
	errLostConn    = &mysql.MySQLError{Number: mysqlErrLostConn, Message: "Lost connection to MySQL server during query"}
	errConnRefused = &mysql.MySQLError{Number: mysqlErrConnRefused, Message: "Can't connect to MySQL server"}
)

func TestExecuteNonSelect(t *testing.T) {
	var ctx = context.Background()
	c, mock := newMockConn(t, &sqliteDialect{}, nil)

	mock.ExpectExec("DELETE FROM accounts").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM splits").WillReturnResult(sqlmock.NewErrorResult(errors.New("no row count")))

	n, err := c.ExecuteNonSelect(ctx, c.NewStatement("DELETE FROM accounts"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = c.ExecuteNonSelect(ctx, c.NewStatement("DELETE FROM splits"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	assert.NoError(t, c.LastError())
	assert.EqualValues(t, 2, c.Stats().Statements.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatementFrozenAfterExecution(t *testing.T) {
	var ctx = context.Background()
	c, mock := newMockConn(t, &sqliteDialect{}, nil)
	mock.ExpectExec("DELETE FROM accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	var stmt = c.NewStatement("DELETE FROM accounts")
	_, err := c.ExecuteNonSelect(ctx, stmt)
	require.NoError(t, err)

	err = stmt.AddWhereCond(c, []dbi.ColumnValue{{Column: "guid", Value: "x"}})
	assert.Error(t, err)
}

func TestNonRetryableErrorSurfaces(t *testing.T) {
	var ctx = context.Background()
	var opened int
	c, mock := newMockConn(t, &mysqlDialect{}, func(context.Context) (*sql.DB, error) {
		opened++
		return nil, errors.New("unexpected reconnect")
	})
	mock.ExpectExec("SELEC 1").WillReturnError(&mysql.MySQLError{Number: 1064, Message: "You have an error in your SQL syntax"})

	n, err := c.ExecuteNonSelect(ctx, c.NewStatement("SELEC 1"))
	require.Error(t, err)
	assert.EqualValues(t, -1, n)
	assert.Equal(t, dbi.KindServer, dbi.KindOf(err))
	assert.Equal(t, dbi.KindServer, dbi.KindOf(c.LastError()))
	assert.Zero(t, opened)
	assert.Zero(t, c.Stats().Reconnects.Load())
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	var ctx = context.Background()
	var opened int
	c, mock := newMockConn(t, &mysqlDialect{}, func(context.Context) (*sql.DB, error) {
		opened++
		return nil, errConnRefused
	})
	mock.ExpectExec(insertAccount).WillReturnError(errServerGone)

	n, err := c.ExecuteNonSelect(ctx, c.NewStatement(insertAccount))
	require.Error(t, err)
	assert.EqualValues(t, -1, n)
	assert.Equal(t, dbi.KindConnLost, dbi.KindOf(err))
	assert.Equal(t, dbi.MaxConnAttempts, opened)
	assert.EqualValues(t, dbi.MaxConnAttempts, c.Stats().Reconnects.Load())

	// the handle is gone; the next check tries once more
	assert.False(t, c.Verify(ctx))
	assert.Equal(t, dbi.MaxConnAttempts+1, opened)
	assert.Error(t, c.LastError())
}

func TestReconnectStopsOnPermanentError(t *testing.T) {
	var ctx = context.Background()
	var opened int
	c, mock := newMockConn(t, &mysqlDialect{}, func(context.Context) (*sql.DB, error) {
		opened++
		return nil, &mysql.MySQLError{Number: mysqlErrBadDB, Message: "Unknown database 'books'"}
	})
	mock.ExpectExec(insertAccount).WillReturnError(errLostConn)

	_, err := c.ExecuteNonSelect(ctx, c.NewStatement(insertAccount))
	require.Error(t, err)
	assert.Equal(t, dbi.KindNoSuchDB, dbi.KindOf(err))
	assert.Equal(t, 1, opened)
}

func TestStatementResubmittedAfterReconnect(t *testing.T) {
	var ctx = context.Background()
	db2, mock2 := newMockDB(t)

	var opened int
	c, mock := newMockConn(t, &mysqlDialect{}, func(context.Context) (*sql.DB, error) {
		opened++
		return db2, nil
	})
	mock.ExpectExec(insertAccount).WillReturnError(errLostConn)
	mock2.ExpectExec(insertAccount).WillReturnResult(sqlmock.NewResult(1, 1))

	n, err := c.ExecuteNonSelect(ctx, c.NewStatement(insertAccount))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, opened)
	assert.NoError(t, c.LastError())
	assert.EqualValues(t, 2, c.Stats().Statements.Load())

	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, mock2.ExpectationsWereMet())
}

func TestResubmitIsBounded(t *testing.T) {
	var ctx = context.Background()
	var opened int
	c, mock := newMockConn(t, &mysqlDialect{}, func(context.Context) (*sql.DB, error) {
		opened++
		db, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
		if err != nil {
			return nil, err
		}
		m.ExpectExec(insertAccount).WillReturnError(errServerGone)
		return db, nil
	})
	mock.ExpectExec(insertAccount).WillReturnError(errServerGone)

	_, err := c.ExecuteNonSelect(ctx, c.NewStatement(insertAccount))
	require.Error(t, err)
	assert.Equal(t, dbi.KindConnLost, dbi.KindOf(err))
	assert.Equal(t, dbi.MaxConnAttempts, opened)
	assert.EqualValues(t, dbi.MaxConnAttempts, c.Stats().Statements.Load())
}

func TestFailureInsideTransactionIsNotResubmitted(t *testing.T) {
	var ctx = context.Background()
	db2, mock2 := newMockDB(t)

	var opened int
	c, mock := newMockConn(t, &mysqlDialect{}, func(context.Context) (*sql.DB, error) {
		opened++
		return db2, nil
	})
	mock.ExpectBegin()
	mock.ExpectExec(insertAccount).WillReturnError(errServerGone)
	mock.ExpectRollback()

	require.NoError(t, c.BeginTransaction(ctx))
	require.True(t, c.InTransaction())

	n, err := c.ExecuteNonSelect(ctx, c.NewStatement(insertAccount))
	require.Error(t, err)
	assert.EqualValues(t, -1, n)
	assert.Equal(t, dbi.KindConnLost, dbi.KindOf(err))
	assert.False(t, c.InTransaction())
	assert.Equal(t, 1, opened)

	require.NoError(t, mock.ExpectationsWereMet())
	require.NoError(t, mock2.ExpectationsWereMet())
}

func TestTransactions(t *testing.T) {
	var ctx = context.Background()
	c, mock := newMockConn(t, &sqliteDialect{}, nil)

	mock.ExpectBegin()
	mock.ExpectExec(insertAccount).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	require.NoError(t, c.BeginTransaction(ctx))
	assert.Error(t, c.BeginTransaction(ctx), "nested transaction")
	_, err := c.ExecuteNonSelect(ctx, c.NewStatement(insertAccount))
	require.NoError(t, err)
	require.NoError(t, c.CommitTransaction(ctx))
	assert.False(t, c.InTransaction())

	require.NoError(t, c.BeginTransaction(ctx))
	require.NoError(t, c.RollbackTransaction(ctx))

	err = c.CommitTransaction(ctx)
	assert.Equal(t, dbi.KindServer, dbi.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginFailure(t *testing.T) {
	var ctx = context.Background()
	c, mock := newMockConn(t, &sqliteDialect{}, nil)
	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	err := c.BeginTransaction(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BEGIN transaction failed")
	assert.False(t, c.InTransaction())
}

func TestVerify(t *testing.T) {
	var ctx = context.Background()
	db, _ := newMockDB(t)

	var c = newConnection(nil, func(context.Context) (*sql.DB, error) { return db, nil },
		&sqliteDialect{}, "books", logger.Discard(), nil)
	assert.True(t, c.Verify(ctx))
	assert.NoError(t, c.LastError())

	var closed = newConnection(nil, nil, &sqliteDialect{}, "books", logger.Discard(), nil)
	assert.False(t, closed.Verify(ctx))
	assert.Error(t, closed.LastError())
	assert.Error(t, closed.BeginTransaction(ctx))
}

func TestQuoteString(t *testing.T) {
	c, _ := newMockConn(t, &sqliteDialect{}, nil)
	assert.Equal(t, "'o''neil'", c.QuoteString("o'neil"))
	assert.Equal(t, "", c.QuoteString("nul\x00byte"))

	m, _ := newMockConn(t, &mysqlDialect{}, nil)
	assert.Equal(t, `'it\'s'`, m.QuoteString("it's"))

	_ = c.Close()
	assert.Equal(t, "", c.QuoteString("closed"))
}

func TestSchemaStatements(t *testing.T) {
	var ctx = context.Background()
	c, mock := newMockConn(t, &sqliteDialect{}, nil)

	mock.ExpectExec("CREATE TABLE accounts(id integer PRIMARY KEY, name text(50))").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX idx_name ON accounts(name)").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ALTER TABLE accounts ADD COLUMN code text(20)").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ALTER TABLE accounts ADD COLUMN hidden integer").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP INDEX idx_name").WillReturnResult(sqlmock.NewResult(0, 0))

	var name = dbi.ColumnInfo{Name: "name", Type: dbi.ColumnString, Size: 50}
	require.NoError(t, c.CreateTable(ctx, "accounts", []dbi.ColumnInfo{
		{Name: "id", Type: dbi.ColumnInt, PrimaryKey: true}, name,
	}))
	require.NoError(t, c.CreateIndex(ctx, "idx_name", "accounts", []dbi.ColumnInfo{name}))
	require.NoError(t, c.AddColumnsToTable(ctx, "accounts", []dbi.ColumnInfo{
		{Name: "code", Type: dbi.ColumnString, Size: 20},
		{Name: "hidden", Type: dbi.ColumnInt},
	}))
	require.NoError(t, c.DropIndex(ctx, "idx_name"))

	// nothing reaches the server for invalid definitions
	err := c.CreateTable(ctx, "odd", []dbi.ColumnInfo{{Name: "shape", Type: dbi.ColumnType(42)}})
	assert.Equal(t, dbi.KindServer, dbi.KindOf(err))
	assert.Error(t, c.CreateIndex(ctx, "idx_none", "accounts", nil))
	assert.NoError(t, c.DropIndex(ctx, "idx name"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDoesTableExist(t *testing.T) {
	var ctx = context.Background()
	c, mock := newMockConn(t, &mysqlDialect{}, nil)

	// LIKE treats _ as a wildcard, only the exact name counts
	mock.ExpectQuery("SHOW TABLES FROM books LIKE 'a_b'").
		WillReturnRows(sqlmock.NewRows([]string{"Tables_in_books"}).AddRow("a_b").AddRow("axb"))
	mock.ExpectQuery("SHOW TABLES FROM books LIKE 'splits'").
		WillReturnRows(sqlmock.NewRows([]string{"Tables_in_books"}))

	exists, err := c.DoesTableExist(ctx, "a_b")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.DoesTableExist(ctx, "splits")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableVersion(t *testing.T) {
	var ctx = context.Background()
	c, mock := newMockConn(t, &sqliteDialect{}, nil)

	mock.ExpectQuery("SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'versions'").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("versions"))
	mock.ExpectQuery("SELECT table_version FROM versions WHERE table_name = 'Gnucash'").
		WillReturnRows(sqlmock.NewRowsWithColumnDefinition(sqlmock.NewColumn("table_version").OfType("INTEGER", int64(0))).
			AddRow(int64(dbi.ResaveVersion)))
	mock.ExpectQuery("SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'versions'").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	v, err := c.TableVersion(ctx, dbi.VersionKeySchema)
	require.NoError(t, err)
	assert.Equal(t, dbi.ResaveVersion, v)

	v, err = c.TableVersion(ctx, dbi.VersionKeySchema)
	require.NoError(t, err)
	assert.Zero(t, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTablesAndIndexes(t *testing.T) {
	var ctx = context.Background()
	c, mock := newMockConn(t, &sqliteDialect{}, nil)

	mock.ExpectQuery("SELECT name FROM sqlite_master WHERE type = 'table'").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("accounts").AddRow("sqlite_sequence").AddRow("gnclock"))
	mock.ExpectQuery("SELECT name FROM sqlite_master WHERE type = 'index' AND name NOT LIKE 'sqlite_autoindex%'").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("idx_name"))
	mock.ExpectQuery("SELECT name FROM sqlite_master WHERE type = 'table'").
		WillReturnError(errors.New("disk I/O error"))

	tables, err := c.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts", "gnclock"}, tables)

	indexes, err := c.Indexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"idx_name"}, indexes)

	_, err = c.Tables(ctx)
	assert.Equal(t, dbi.KindServer, dbi.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
