package sql

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"database/sql"

	dbrdialect "github.com/gocraft/dbr/v2/dialect"
	"github.com/lib/pq" // postgres driver

	"github.com/codesmythe/gnucash/dbi"
	"github.com/codesmythe/gnucash/dbi/pgmbed"
)

func init() {
	if err := dbi.Register(dbi.SchemePostgres, &pgConnector{}); err != nil {
		panic(err)
	}
}

const (
	pgDefaultPort     = 5432
	pgTimespecFormat  = "%04d%02d%02d %02d%02d%02d"
	pgAdminDB         = "postgres"
	pgTemplateDB      = "template1"
	pgEmbeddedAttach  = "pgmbed"
	pgErrNoSuchDB     = "3D000"
	pgErrAdminKill    = "57P01"
	pgErrClassConnExc = "08"
)

type pgDialect struct{}

func (d *pgDialect) name() dbi.DialectName {
	return dbi.POSTGRES
}

func (d *pgDialect) provider() Provider {
	return &pgProvider{}
}

func (d *pgDialect) encodeString(s string) string {
	return dbrdialect.PostgreSQL.EncodeString(s)
}

func (d *pgDialect) timespecFormat() string {
	return pgTimespecFormat
}

func (d *pgDialect) classify(err error) dbi.Kind {
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch {
		case pe.Code == pgErrNoSuchDB:
			return dbi.KindNoSuchDB
		case pe.Code == pgErrAdminKill:
			return dbi.KindConnLost
		case pe.Code.Class() == pgErrClassConnExc:
			return dbi.KindCantConnect
		}
		return dbi.KindServer
	}

	var msg = err.Error()
	switch {
	case strings.Contains(msg, "database") && strings.Contains(msg, "does not exist"):
		return dbi.KindNoSuchDB
	case strings.Contains(msg, "server closed the connection unexpectedly"):
		return dbi.KindConnLost
	case strings.Contains(msg, "could not connect to server"):
		return dbi.KindCantConnect
	}

	if kind, ok := classifyTransport(err); ok {
		return kind
	}
	return dbi.KindServer
}

func (d *pgDialect) describe(err error) string {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return fmt.Sprintf("%s : %s", pe.Code, pe.Message)
	}
	return err.Error()
}

type pgProvider struct{}

func (p *pgProvider) CreateTableDDL(table string, cols []dbi.ColumnInfo) (string, error) {
	return createTableDDL(p, table, cols)
}

func (p *pgProvider) AddColumnsDDL(table string, cols []dbi.ColumnInfo) ([]string, error) {
	return addColumnsDDL(p, table, cols)
}

// AppendColDef: an auto-increment integer is a serial column
func (p *pgProvider) AppendColDef(ddl *strings.Builder, col dbi.ColumnInfo) error {
	var typeName string
	switch col.Type {
	case dbi.ColumnInt:
		typeName = "integer"
		if col.AutoInc {
			typeName = "serial"
		}
	case dbi.ColumnInt64:
		typeName = "int8"
	case dbi.ColumnDouble:
		typeName = "double precision"
	case dbi.ColumnString:
		typeName = "varchar"
	case dbi.ColumnDate:
		typeName = "date"
	case dbi.ColumnDateTime:
		typeName = "timestamp without time zone"
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
	if col.NotNull {
		ddl.WriteString(" NOT NULL")
	}
	return nil
}

var pgCatalogTables = map[string]bool{
	"sql_features":            true,
	"sql_implementation_info": true,
	"sql_languages":           true,
	"sql_packages":            true,
	"sql_parts":               true,
	"sql_sizing":              true,
	"sql_sizing_profiles":     true,
}

func (p *pgProvider) TableList(ctx context.Context, q querier, dbname string, name string) ([]string, error) {
	var query = "SELECT relname FROM pg_class WHERE relname !~ '^pg_' AND relkind = 'r' AND relpersistence != 't'"
	if name != "" {
		query += " AND relname = " + dbrdialect.PostgreSQL.EncodeString(name)
	}
	query += " ORDER BY relname"

	tables, err := queryStrings(ctx, q, query)
	if err != nil {
		return nil, err
	}
	return filterTables(tables, pgCatalogTables), nil
}

func (p *pgProvider) IndexList(ctx context.Context, q querier) ([]string, error) {
	return queryStrings(ctx, q, "SELECT relname FROM pg_class AS a "+
		"INNER JOIN pg_index AS b ON (b.indexrelid = a.oid) "+
		"INNER JOIN pg_namespace AS c ON (a.relnamespace = c.oid) "+
		"WHERE reltype = '0' AND indisprimary = 'f' AND nspname = 'public'")
}

func (p *pgProvider) DropIndexDDL(index string) (string, error) {
	if index == "" || strings.ContainsAny(index, " \t") {
		return "", fmt.Errorf("%w: %q", errMalformedIndex, index)
	}
	return "DROP INDEX " + index, nil
}

type pgConnector struct{}

func (c *pgConnector) Dialect() dbi.DialectName {
	return dbi.POSTGRES
}

func (c *pgConnector) NewBackend(d *dbi.Driver) dbi.Backend {
	return newBackend(d, &pgSession{})
}

func postgresDSN(loc *dbi.Locator, dbname string) string {
	var port = loc.Port
	if port == 0 {
		port = pgDefaultPort
	}

	var u = url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(loc.Host, strconv.Itoa(port)),
		Path:   "/" + dbname,
	}
	switch {
	case loc.User != "" && loc.Password != "":
		u.User = url.UserPassword(loc.User, loc.Password)
	case loc.User != "":
		u.User = url.User(loc.User)
	}

	var params = url.Values{}
	for k, v := range loc.Params {
		params[k] = v
	}
	if params.Get("sslmode") == "" {
		params.Set("sslmode", "disable")
	}
	if params.Get("client_encoding") == "" {
		params.Set("client_encoding", "UTF8")
	}
	u.RawQuery = params.Encode()

	return u.String()
}

type pgSession struct{}

func (s *pgSession) dialect() dialect {
	return &pgDialect{}
}

// embedded starts the embedded server when cs asks for it and returns cs pointing at it
func (s *pgSession) embedded(b *Backend, cs string) (string, error) {
	cs, opts, err := pgmbed.ParseOptions(cs)
	if err != nil {
		return "", dbi.WrapError(dbi.KindBadURL, err, "invalid postgres locator")
	}
	if !opts.Enabled {
		return cs, nil
	}

	r, err := b.drv.Attach(pgEmbeddedAttach, func() (io.Closer, error) {
		return pgmbed.NewLauncher(b.drv.Logger()), nil
	})
	if err != nil {
		return "", err
	}
	var launcher = r.(*pgmbed.Launcher)

	if cs, err = launcher.Launch(cs, opts); err != nil {
		return "", dbi.WrapError(dbi.KindCantConnect, err, "cannot start embedded postgres")
	}
	b.release = launcher.Release
	return cs, nil
}

func (s *pgSession) beginSession(ctx context.Context, b *Backend, cfg dbi.Config) (*Connection, error) {
	cs, err := s.embedded(b, cfg.ConnString)
	if err != nil {
		return nil, err
	}

	loc, err := dbi.ParseLocator(cs)
	if err != nil {
		return nil, dbi.WrapError(dbi.KindBadURL, err, "invalid postgres locator")
	}

	// identifiers are folded to lower case by the server, so is the database name
	var dbname = strings.ToLower(loc.DBName)
	var dia = s.dialect()
	var dsn = postgresDSN(loc, dbname)
	var open opener = func(ctx context.Context) (*sql.DB, error) {
		return openDB(ctx, "postgres", dsn)
	}

	var created bool
	db, err := open(ctx)
	if err != nil {
		var kind = dia.classify(err)
		switch {
		case kind != dbi.KindNoSuchDB:
			b.log.Error("Unable to connect to database '%s': %s", dbname, dia.describe(err))
			return nil, dbi.WrapError(kind, err, "unable to connect to database %s", dbname)
		case !cfg.Create:
			return nil, dbi.NewError(dbi.KindNoSuchDB, "Database %s not found", dbname)
		}

		if err = s.createDatabase(ctx, b, loc, dbname); err != nil {
			return nil, err
		}
		if db, err = open(ctx); err != nil {
			b.log.Error("Unable to connect to created database '%s': %s", dbname, dia.describe(err))
			return nil, dbi.WrapError(dbi.KindServer, err, "unable to connect to created database %s", dbname)
		}
		created = true
	}

	var conn = newConnection(db, open, dia, dbname, b.log, b.qlog)
	var dropNew = func() {
		if !created {
			return
		}
		_ = conn.Close()
		if err := s.admin(ctx, b, loc, pgTemplateDB, "DROP DATABASE %s", dbname); err != nil {
			b.log.Warn("cannot drop database %s: %v", dbname, err)
		}
	}

	if err = b.prepare(ctx, conn, cfg, dropNew, cfg.Create && !cfg.Force && !created); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *pgSession) createDatabase(ctx context.Context, b *Backend, loc *dbi.Locator, dbname string) error {
	err := s.admin(ctx, b, loc, pgAdminDB,
		"CREATE DATABASE %s WITH TEMPLATE template0 ENCODING 'UTF8'", dbname)
	if err != nil {
		b.log.Error("Unable to create database '%s'", dbname)
		return dbi.WrapError(dbi.KindServer, err, "unable to create database %s", dbname)
	}

	err = s.admin(ctx, b, loc, pgAdminDB, "ALTER DATABASE %s SET standard_conforming_strings TO on", dbname)
	if err != nil {
		b.log.Warn("cannot enable standard_conforming_strings on %s: %v", dbname, err)
	}
	return nil
}

// admin runs one statement on an administrative database
func (s *pgSession) admin(ctx context.Context, b *Backend, loc *dbi.Locator, adminDB string, format string, args ...interface{}) error {
	db, err := openDB(ctx, "postgres", postgresDSN(loc, adminDB))
	if err != nil {
		b.log.Error("Unable to connect to '%s' database: %v", adminDB, err)
		return err
	}

	var conn = newConnection(db, nil, s.dialect(), adminDB, b.log, b.qlog)
	defer conn.Close()

	return conn.exec(ctx, format, args...)
}
