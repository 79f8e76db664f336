// Package sql implements the dbi backend on top of database/sql for SQLite3, MySQL and PostgreSQL.
//
// Each dialect contributes three pieces: a Provider that generates DDL, a dialect that classifies
// driver errors and quotes literals, and a connector that runs the session-open sequence
// (connect, create the database if needed, numeric self-test, advisory lock).
package sql

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"database/sql"
	"database/sql/driver"

	"github.com/codesmythe/gnucash/dbi"
)

/*
 * DB connection management
 */

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// dialect holds the per-engine behavior a Connection needs besides DDL
type dialect interface {
	name() dbi.DialectName
	provider() Provider
	encodeString(s string) string
	classify(err error) dbi.Kind
	describe(err error) string
	timespecFormat() string
}

// sessionOpener runs the dialect-specific part of a session begin
type sessionOpener interface {
	dialect() dialect
	beginSession(ctx context.Context, b *Backend, cfg dbi.Config) (*Connection, error)
}

type opener func(ctx context.Context) (*sql.DB, error)

// openDB opens a pool restricted to one physical connection and checks it
func openDB(ctx context.Context, driverName string, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}

	// temporary tables and transactions issued as plain statements live on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// classifyTransport recognizes network and driver-level connection failures
func classifyTransport(err error) (dbi.Kind, bool) {
	var opErr *net.OpError
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return dbi.KindConnLost, true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH):
		return dbi.KindCantConnect, true
	case errors.As(err, &opErr):
		if opErr.Op == "dial" {
			return dbi.KindCantConnect, true
		}
		return dbi.KindConnLost, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return dbi.KindCantConnect, true
	}

	return dbi.KindNone, false
}

// queryStrings returns the first column of every row of query
func queryStrings(ctx context.Context, q querier, query string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name sql.NullString
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		if name.Valid {
			names = append(names, name.String)
		}
	}

	return names, rows.Err()
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
