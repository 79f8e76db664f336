package sql

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"database/sql"

	"github.com/cenkalti/backoff/v4"

	"github.com/codesmythe/gnucash/dbi"
	"github.com/codesmythe/gnucash/logger"
)

// Connection owns one live database handle and its retry state.
//
// A Connection is not safe for concurrent use; it serves one logical writer. Statements are
// executed in submission order on a single physical connection.
type Connection struct {
	db     *sql.DB
	tx     *sql.Tx
	open   opener
	dia    dialect
	prov   Provider
	dbname string

	logger      logger.Logger
	queryLogger logger.Logger
	stats       *dbi.Stats

	connOK      bool
	retry       bool
	errorRepeat int
	lastErr     *dbi.Error

	// newBackOff yields the delay policy between reconnect attempts
	newBackOff func() backoff.BackOff

	lockHost string
	lockPID  int
}

func newConnection(db *sql.DB, open opener, dia dialect, dbname string, l logger.Logger, ql logger.Logger) *Connection {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	if len(host) > dbi.HostNameMax {
		host = host[:dbi.HostNameMax]
	}

	return &Connection{
		db:          db,
		open:        open,
		dia:         dia,
		prov:        dia.provider(),
		dbname:      dbname,
		logger:      logger.OrDiscard(l),
		queryLogger: ql,
		stats:       dbi.NewStats(),
		connOK:      db != nil,
		newBackOff:  defaultBackOff,
		lockHost:    host,
		lockPID:     os.Getpid(),
	}
}

// defaultBackOff doubles from 8ms, without jitter
func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 8 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// Dialect returns the engine this connection talks to
func (c *Connection) Dialect() dbi.DialectName {
	return c.dia.name()
}

// Provider returns the DDL generator bound to this connection
func (c *Connection) Provider() Provider {
	return c.prov
}

// Stats returns the timing counters of this connection
func (c *Connection) Stats() *dbi.Stats {
	return c.stats
}

// LastError returns the most recent classified error, nil after a successful operation
func (c *Connection) LastError() error {
	if c.lastErr == nil {
		return nil
	}
	return c.lastErr
}

func (c *Connection) querier() querier {
	var q querier = c.db
	if c.tx != nil {
		q = c.tx
	}
	return wrappedQuerier{q: q, logger: c.queryLogger, stats: c.stats}
}

func (c *Connection) initError() {
	c.lastErr = nil
	c.errorRepeat = 0
	c.retry = false
}

// SetError records a classified error; retryCount seeds the consecutive-failure counter
func (c *Connection) SetError(kind dbi.Kind, retryCount int, retryable bool, err error) {
	c.lastErr = &dbi.Error{Kind: kind, Msg: kind.String(), Err: err}
	c.errorRepeat = retryCount
	c.retry = retryable
}

// handleError classifies err and, for transient failures, reconnects.
// It reports whether the failed operation may be submitted again.
func (c *Connection) handleError(ctx context.Context, err error) bool {
	var kind = c.dia.classify(err)
	var msg = c.dia.describe(err)

	if !kind.Retryable() {
		c.logger.Error("DBI error: %s", msg)
		c.SetError(kind, 0, false, err)
		return false
	}

	c.logger.Info("DBI error: %s - Reconnecting...", msg)
	c.SetError(kind, 1, true, err)
	return c.RetryConnection(ctx, msg)
}

func (c *Connection) reconnect(ctx context.Context) error {
	c.stats.Reconnects.Inc()
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
	}
	if c.open == nil {
		return dbi.NewError(dbi.KindCantConnect, "connection cannot be reopened")
	}

	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	c.db = db
	return nil
}

// Verify reports whether the handle is usable; if not, it makes one reconnect attempt
func (c *Connection) Verify(ctx context.Context) bool {
	if c.connOK {
		return true
	}

	c.initError()
	if err := c.reconnect(ctx); err != nil {
		c.SetError(c.dia.classify(err), 0, false, err)
		c.logger.Error("DBI error: %s", c.dia.describe(err))
		c.connOK = false
		return false
	}

	c.connOK = true
	return true
}

// RetryConnection reconnects while the last error is retryable and fewer than MaxConnAttempts
// consecutive attempts have failed, backing off exponentially between attempts
func (c *Connection) RetryConnection(ctx context.Context, msg string) bool {
	if !c.retry || c.errorRepeat > dbi.MaxConnAttempts || c.errorRepeat < 1 {
		c.logger.Error("DBI error: %s - Giving up after %d consecutive attempts.", msg, dbi.MaxConnAttempts)
		c.connOK = false
		return false
	}

	var attempts = uint64(dbi.MaxConnAttempts - c.errorRepeat)
	var bo = backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), attempts), ctx)

	err := backoff.Retry(func() error {
		c.connOK = false
		err := c.reconnect(ctx)
		if err == nil {
			return nil
		}

		c.errorRepeat++
		if kind := c.dia.classify(err); !kind.Retryable() {
			c.SetError(kind, c.errorRepeat, false, err)
			return backoff.Permanent(err)
		}
		c.logger.Info("DBI error: %s - Reconnecting...", msg)
		return err
	}, bo)

	if err != nil {
		c.logger.Error("DBI error: %s - Giving up after %d consecutive attempts.", msg, dbi.MaxConnAttempts)
		c.connOK = false
		return false
	}

	c.initError()
	c.connOK = true
	return true
}

// submit runs fn until it succeeds or error handling gives up.
// A failure inside an open transaction is never resubmitted, the transaction is gone.
func (c *Connection) submit(ctx context.Context, fn func(q querier) error) error {
	for attempt := 1; ; attempt++ {
		c.initError()
		if c.db == nil && !c.Verify(ctx) {
			return c.LastError()
		}

		var inTx = c.tx != nil
		err := fn(c.querier())
		if err == nil {
			return nil
		}

		if !c.handleError(ctx, err) || inTx || attempt >= dbi.MaxConnAttempts {
			if c.lastErr == nil {
				c.SetError(c.dia.classify(err), 0, false, err)
			}
			return c.lastErr
		}
	}
}

// NewStatement wraps sql text for execution on this connection
func (c *Connection) NewStatement(sql string) *dbi.Statement {
	return dbi.NewStatement(sql)
}

// ExecuteSelect runs a query and returns a cursor over its rows
func (c *Connection) ExecuteSelect(ctx context.Context, stmt *dbi.Statement) (dbi.Result, error) {
	stmt.Freeze()

	var rows *sql.Rows
	err := c.submit(ctx, func(q querier) (err error) {
		rows, err = q.QueryContext(ctx, stmt.String())
		return err
	})
	if err != nil {
		c.logger.Error("Error executing SQL %s", stmt)
		return nil, err
	}

	return newResult(c, rows), nil
}

// ExecuteNonSelect runs a statement and returns the number of affected rows, -1 on failure.
// A driver that reports no row count yields 0.
func (c *Connection) ExecuteNonSelect(ctx context.Context, stmt *dbi.Statement) (int64, error) {
	stmt.Freeze()

	var res sql.Result
	err := c.submit(ctx, func(q querier) (err error) {
		res, err = q.ExecContext(ctx, stmt.String())
		return err
	})
	if err != nil {
		c.logger.Error("Error executing SQL %s", stmt)
		return -1, err
	}
	if res == nil {
		return 0, nil
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (c *Connection) exec(ctx context.Context, format string, args ...interface{}) error {
	_, err := c.ExecuteNonSelect(ctx, dbi.NewStatement(fmt.Sprintf(format, args...)))
	return err
}

// BeginTransaction verifies the connection and opens a transaction
func (c *Connection) BeginTransaction(ctx context.Context) error {
	if !c.Verify(ctx) {
		c.logger.Error("connection verification failed")
		return dbi.WrapError(dbi.KindServer, c.LastError(), "connection is not usable")
	}
	if c.tx != nil {
		return dbi.NewError(dbi.KindServer, "a transaction is already open")
	}

	var start = time.Now()
	defer dbi.Since(c.stats.BeginTime, start)

	err := c.submit(ctx, func(querier) error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		c.tx = tx
		return nil
	})
	logTxOperation(c.queryLogger, start, "BEGIN", err)
	if err != nil {
		c.logger.Error("BEGIN transaction failed")
		return dbi.WrapError(dbi.KindServer, err, "BEGIN transaction failed")
	}
	return nil
}

// CommitTransaction commits the open transaction
func (c *Connection) CommitTransaction(ctx context.Context) error {
	return c.endTransaction("COMMIT", func(tx *sql.Tx) error { return tx.Commit() })
}

// RollbackTransaction rolls back the open transaction
func (c *Connection) RollbackTransaction(ctx context.Context) error {
	return c.endTransaction("ROLLBACK", func(tx *sql.Tx) error { return tx.Rollback() })
}

func (c *Connection) endTransaction(verb string, fn func(tx *sql.Tx) error) error {
	if c.tx == nil {
		c.logger.Error("%s without an open transaction", verb)
		return dbi.NewError(dbi.KindServer, "%s without an open transaction", verb)
	}

	var start = time.Now()
	defer dbi.Since(c.stats.CommitTime, start)

	var tx = c.tx
	c.tx = nil
	err := fn(tx)
	logTxOperation(c.queryLogger, start, verb, err)
	if err != nil {
		c.SetError(c.dia.classify(err), 0, false, err)
		c.logger.Error("Error in %s: %v", verb, err)
		return dbi.WrapError(dbi.KindServer, err, "%s failed", verb)
	}
	return nil
}

// InTransaction reports whether a transaction is open
func (c *Connection) InTransaction() bool {
	return c.tx != nil
}

// QuoteString returns s as a quoted SQL literal, or "" when it cannot be quoted
func (c *Connection) QuoteString(s string) string {
	if c.db == nil || strings.IndexByte(s, 0) >= 0 {
		return ""
	}
	return c.dia.encodeString(s)
}

func (c *Connection) ddlFailed(what string, ddl string, err error) error {
	c.logger.Error("%v: %s", err, ddl)
	return dbi.WrapError(dbi.KindServer, err, "cannot %s", what)
}

// CreateTable creates table with the provider's column definitions
func (c *Connection) CreateTable(ctx context.Context, table string, cols []dbi.ColumnInfo) error {
	ddl, err := c.prov.CreateTableDDL(table, cols)
	if err != nil {
		return c.ddlFailed("create table "+table, ddl, err)
	}
	_, err = c.ExecuteNonSelect(ctx, dbi.NewStatement(ddl))
	return err
}

// CreateIndex creates a plain index over cols
func (c *Connection) CreateIndex(ctx context.Context, index string, table string, cols []dbi.ColumnInfo) error {
	ddl, err := createIndexDDL(index, table, cols)
	if err != nil {
		return c.ddlFailed("create index "+index, ddl, err)
	}
	_, err = c.ExecuteNonSelect(ctx, dbi.NewStatement(ddl))
	return err
}

// AddColumnsToTable adds cols to an existing table
func (c *Connection) AddColumnsToTable(ctx context.Context, table string, cols []dbi.ColumnInfo) error {
	ddls, err := c.prov.AddColumnsDDL(table, cols)
	if err != nil {
		return c.ddlFailed("add columns to "+table, strings.Join(ddls, "; "), err)
	}
	for _, ddl := range ddls {
		if _, err = c.ExecuteNonSelect(ctx, dbi.NewStatement(ddl)); err != nil {
			return err
		}
	}
	return nil
}

// Tables lists every user table, the lock table included
func (c *Connection) Tables(ctx context.Context) ([]string, error) {
	var tables []string
	err := c.submit(ctx, func(q querier) (err error) {
		tables, err = c.prov.TableList(ctx, q, c.dbname, "")
		return err
	})
	if err != nil {
		return nil, dbi.WrapError(dbi.KindServer, err, "table retrieval error")
	}
	return tables, nil
}

// Indexes lists the user-created, non-primary indexes
func (c *Connection) Indexes(ctx context.Context) ([]string, error) {
	var indexes []string
	err := c.submit(ctx, func(q querier) (err error) {
		indexes, err = c.prov.IndexList(ctx, q)
		return err
	})
	if err != nil {
		return nil, dbi.WrapError(dbi.KindServer, err, "index retrieval error")
	}
	return indexes, nil
}

// DropIndex drops one index as named by Indexes; a malformed name is logged and skipped
func (c *Connection) DropIndex(ctx context.Context, index string) error {
	ddl, err := c.prov.DropIndexDDL(index)
	if err != nil {
		c.logger.Warn("Drop index error: %v", err)
		return nil
	}
	_, err = c.ExecuteNonSelect(ctx, dbi.NewStatement(ddl))
	return err
}

// DoesTableExist reports whether exactly one table is named table
func (c *Connection) DoesTableExist(ctx context.Context, table string) (bool, error) {
	var tables []string
	err := c.submit(ctx, func(q querier) (err error) {
		tables, err = c.prov.TableList(ctx, q, c.dbname, table)
		return err
	})
	if err != nil {
		return false, dbi.WrapError(dbi.KindServer, err, "table retrieval error")
	}

	var n int
	for _, t := range tables {
		if t == table {
			n++
		}
	}
	return n == 1, nil
}

// TableVersion reads the version recorded for key in the versions table, 0 when absent
func (c *Connection) TableVersion(ctx context.Context, key string) (int, error) {
	exists, err := c.DoesTableExist(ctx, dbi.VersionTable)
	if err != nil || !exists {
		return 0, err
	}

	var stmt = c.NewStatement("SELECT table_version FROM " + dbi.VersionTable)
	if err = stmt.AddWhereCond(c, []dbi.ColumnValue{{Column: "table_name", Value: key}}); err != nil {
		return 0, dbi.WrapError(dbi.KindServer, err, "cannot build version query")
	}

	res, err := c.ExecuteSelect(ctx, stmt)
	if err != nil {
		return 0, err
	}
	defer res.Close()

	var row = res.Begin()
	if row.IsEnd() {
		return 0, res.LastErr()
	}
	v, err := row.GetInt64("table_version")
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// Close rolls back an open transaction and releases the handle
func (c *Connection) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	c.connOK = false
	if c.db == nil {
		return nil
	}
	var err = c.db.Close()
	c.db = nil
	return err
}
