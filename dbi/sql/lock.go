package sql

import (
	"context"
	"strconv"

	"github.com/codesmythe/gnucash/dbi"
)

/*
 * Advisory lock. A session owns the store while table gnclock holds a row with its host name and
 * process id. The lock is cooperative: it only keeps out other sessions that check it.
 */

func (c *Connection) lockWhere(stmt *dbi.Statement) error {
	return stmt.AddWhereCond(c, []dbi.ColumnValue{
		{Column: "Hostname", Value: c.lockHost},
		{Column: "PID", Value: strconv.Itoa(c.lockPID)},
	})
}

// Lock takes the advisory lock; with ignore set, a lock held by someone else is broken
func (c *Connection) Lock(ctx context.Context, ignore bool) error {
	exists, err := c.DoesTableExist(ctx, dbi.LockTable)
	if err != nil {
		return err
	}
	if !exists {
		if err = c.exec(ctx, "CREATE TABLE %s ( Hostname varchar(%d), PID int )", dbi.LockTable, dbi.HostNameMax); err != nil {
			return dbi.WrapError(dbi.KindServer, err, "failed to create lock table")
		}
	}

	if err = c.BeginTransaction(ctx); err != nil {
		return dbi.WrapError(dbi.KindServer, err, "failed to obtain a transaction")
	}

	holder, err := c.lockHolder(ctx, nil)
	if err != nil {
		_ = c.RollbackTransaction(ctx)
		return err
	}
	if holder != "" {
		if !ignore {
			_ = c.RollbackTransaction(ctx)
			c.logger.Warn("database is in use by host %s", holder)
			return dbi.NewError(dbi.KindLocked, "database is in use by host %s", holder)
		}
		if err = c.exec(ctx, "DELETE FROM %s", dbi.LockTable); err != nil {
			_ = c.RollbackTransaction(ctx)
			return dbi.WrapError(dbi.KindServer, err, "failed to delete lock record")
		}
	}

	var host = c.QuoteString(c.lockHost)
	if host == "" {
		_ = c.RollbackTransaction(ctx)
		return dbi.NewError(dbi.KindServer, "cannot quote host name %q", c.lockHost)
	}
	if err = c.exec(ctx, "INSERT INTO %s VALUES (%s, '%d')", dbi.LockTable, host, c.lockPID); err != nil {
		_ = c.RollbackTransaction(ctx)
		return dbi.WrapError(dbi.KindServer, err, "failed to create lock record")
	}

	return c.CommitTransaction(ctx)
}

// lockHolder returns the host name of the first lock row, "" when there is none.
// With a where function, only matching rows are considered.
func (c *Connection) lockHolder(ctx context.Context, where func(*dbi.Statement) error) (string, error) {
	var stmt = c.NewStatement("SELECT * FROM " + dbi.LockTable)
	if where != nil {
		if err := where(stmt); err != nil {
			return "", dbi.WrapError(dbi.KindServer, err, "cannot build lock query")
		}
	}

	res, err := c.ExecuteSelect(ctx, stmt)
	if err != nil {
		return "", dbi.WrapError(dbi.KindServer, err, "failed to query lock table")
	}
	defer res.Close()

	var row = res.Begin()
	if row.IsEnd() {
		return "", res.LastErr()
	}
	host, ok := row.(*resultRow).text("Hostname")
	if !ok || host == "" {
		host = "unknown"
	}
	return host, nil
}

// Unlock removes this session's lock row; a missing table or row is only logged
func (c *Connection) Unlock(ctx context.Context) error {
	exists, err := c.DoesTableExist(ctx, dbi.LockTable)
	if err != nil {
		return err
	}
	if !exists {
		c.logger.Warn("No lock table in database, so not unlocking it")
		return nil
	}

	if err = c.BeginTransaction(ctx); err != nil {
		c.logger.Warn("Unable to get a lock on LOCK, so failed to clear the lock entry")
		return dbi.WrapError(dbi.KindServer, err, "failed to obtain a transaction")
	}

	holder, err := c.lockHolder(ctx, c.lockWhere)
	if err != nil {
		_ = c.RollbackTransaction(ctx)
		return err
	}
	if holder == "" {
		_ = c.RollbackTransaction(ctx)
		c.logger.Warn("There was no lock entry in the Lock table")
		return nil
	}

	var stmt = c.NewStatement("DELETE FROM " + dbi.LockTable)
	if err = c.lockWhere(stmt); err != nil {
		_ = c.RollbackTransaction(ctx)
		return dbi.WrapError(dbi.KindServer, err, "cannot build lock query")
	}
	if _, err = c.ExecuteNonSelect(ctx, stmt); err != nil {
		_ = c.RollbackTransaction(ctx)
		return dbi.WrapError(dbi.KindServer, err, "failed to delete lock record")
	}

	return c.CommitTransaction(ctx)
}
