package sql

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"database/sql"

	dbrdialect "github.com/gocraft/dbr/v2/dialect"
	"github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/codesmythe/gnucash/dbi"
)

func init() {
	for _, scheme := range []string{dbi.SchemeFile, dbi.SchemeSQLite3} {
		if err := dbi.Register(scheme, &sqliteConnector{}); err != nil {
			panic(err)
		}
	}
}

const (
	sqliteTimespecFormat = "%04d%02d%02d%02d%02d%02d"
	sqliteHeader         = "SQLite format 3"
)

type sqliteDialect struct{}

func (d *sqliteDialect) name() dbi.DialectName {
	return dbi.SQLITE
}

func (d *sqliteDialect) provider() Provider {
	return &sqliteProvider{}
}

func (d *sqliteDialect) encodeString(s string) string {
	return dbrdialect.SQLite3.EncodeString(s)
}

func (d *sqliteDialect) timespecFormat() string {
	return sqliteTimespecFormat
}

// classify: an embedded engine has no connection to lose
func (d *sqliteDialect) classify(err error) dbi.Kind {
	return dbi.KindServer
}

func (d *sqliteDialect) describe(err error) string {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return fmt.Sprintf("%v (code %d, extended code %d)", se, int(se.Code), int(se.ExtendedCode))
	}
	return err.Error()
}

type sqliteProvider struct{}

func (p *sqliteProvider) CreateTableDDL(table string, cols []dbi.ColumnInfo) (string, error) {
	return createTableDDL(p, table, cols)
}

// AddColumnsDDL: SQLite accepts one ADD COLUMN per ALTER TABLE
func (p *sqliteProvider) AddColumnsDDL(table string, cols []dbi.ColumnInfo) ([]string, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("no columns to add to %s", table)
	}

	var ddls []string
	var errs []error
	for _, col := range cols {
		var ddl strings.Builder
		ddl.WriteString("ALTER TABLE ")
		ddl.WriteString(table)
		ddl.WriteString(" ADD COLUMN ")
		if err := p.AppendColDef(&ddl, col); err != nil {
			errs = append(errs, err)
		}
		ddls = append(ddls, ddl.String())
	}
	return ddls, errors.Join(errs...)
}

func (p *sqliteProvider) AppendColDef(ddl *strings.Builder, col dbi.ColumnInfo) error {
	var typeName string
	switch col.Type {
	case dbi.ColumnInt:
		typeName = "integer"
	case dbi.ColumnInt64:
		typeName = "bigint"
	case dbi.ColumnDouble:
		typeName = "float8"
	case dbi.ColumnString, dbi.ColumnDate, dbi.ColumnDateTime:
		typeName = "text"
	default:
		return unknownColumnType(col)
	}

	ddl.WriteString(col.Name)
	ddl.WriteString(" ")
	ddl.WriteString(typeName)
	ddl.WriteString(colSize(col))
	if col.PrimaryKey {
		ddl.WriteString(" PRIMARY KEY")
	}
	if col.AutoInc {
		ddl.WriteString(" AUTOINCREMENT")
	}
	if col.NotNull {
		ddl.WriteString(" NOT NULL")
	}
	return nil
}

func (p *sqliteProvider) TableList(ctx context.Context, q querier, dbname string, name string) ([]string, error) {
	var query = "SELECT name FROM sqlite_master WHERE type = 'table'"
	if name != "" {
		query += " AND name = " + dbrdialect.SQLite3.EncodeString(name)
	}

	tables, err := queryStrings(ctx, q, query)
	if err != nil {
		return nil, err
	}
	return filterTables(tables, map[string]bool{"sqlite_sequence": true}), nil
}

func (p *sqliteProvider) IndexList(ctx context.Context, q querier) ([]string, error) {
	return queryStrings(ctx, q, "SELECT name FROM sqlite_master WHERE type = 'index' AND name NOT LIKE 'sqlite_autoindex%'")
}

func (p *sqliteProvider) DropIndexDDL(index string) (string, error) {
	if index == "" || strings.ContainsAny(index, " \t") {
		return "", fmt.Errorf("%w: %q", errMalformedIndex, index)
	}
	return "DROP INDEX " + index, nil
}

type sqliteConnector struct{}

func (c *sqliteConnector) Dialect() dbi.DialectName {
	return dbi.SQLITE
}

func (c *sqliteConnector) NewBackend(d *dbi.Driver) dbi.Backend {
	return newBackend(d, &sqliteSession{})
}

// TypeCheck accepts a path that does not exist yet or a file with the SQLite header
func (c *sqliteConnector) TypeCheck(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	f, err := os.Open(path)
	if err != nil {
		return os.IsNotExist(err)
	}
	defer f.Close()

	var header = make([]byte, len(sqliteHeader))
	if _, err = io.ReadFull(f, header); err != nil {
		return false
	}
	return bytes.Equal(header, []byte(sqliteHeader))
}

type sqliteSession struct{}

func (s *sqliteSession) dialect() dialect {
	return &sqliteDialect{}
}

func (s *sqliteSession) beginSession(ctx context.Context, b *Backend, cfg dbi.Config) (*Connection, error) {
	loc, err := dbi.ParseLocator(cfg.ConnString)
	if err != nil {
		return nil, dbi.WrapError(dbi.KindBadURL, err, "invalid sqlite3 locator")
	}
	var path = loc.Path

	_, err = os.Stat(path)
	var exists = err == nil
	if !cfg.Create && !exists {
		b.log.Warn("Sqlite3 file %s not found", path)
		return nil, dbi.NewError(dbi.KindFileNotFound, "Sqlite3 file %s not found", path)
	}
	if cfg.Create && !cfg.Force && exists {
		b.log.Warn("Might clobber, no force")
		return nil, dbi.NewError(dbi.KindStoreExists, "might clobber, no force")
	}

	var dsn = path
	if len(loc.Params) > 0 {
		dsn += "?" + loc.Params.Encode()
	}
	var open opener = func(ctx context.Context) (*sql.DB, error) {
		return openDB(ctx, "sqlite3", dsn)
	}

	db, err := open(ctx)
	if err != nil {
		b.log.Error("Unable to connect to %s: %v", path, err)
		return nil, dbi.WrapError(dbi.KindBadURL, err, "unable to connect to %s", path)
	}

	var conn = newConnection(db, open, s.dialect(), filepath.Base(path), b.log, b.qlog)
	var removeNew = func() {
		if exists {
			return
		}
		_ = conn.Close()
		if err := os.Remove(path); err != nil {
			b.log.Warn("cannot remove %s: %v", path, err)
		}
	}

	if err = b.prepare(ctx, conn, cfg, removeNew, false); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
