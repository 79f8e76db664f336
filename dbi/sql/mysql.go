package sql

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"database/sql"

	"github.com/go-sql-driver/mysql" // mysql driver
	dbrdialect "github.com/gocraft/dbr/v2/dialect"

	"github.com/codesmythe/gnucash/dbi"
	"github.com/codesmythe/gnucash/logger"
)

func init() {
	if err := dbi.Register(dbi.SchemeMySQL, &mysqlConnector{}); err != nil {
		panic(err)
	}
}

const (
	mysqlDefaultPort    = 3306
	mysqlTimespecFormat = "%04d%02d%02d%02d%02d%02d"
	mysqlAdminDB        = "mysql"
	sqlOptionToRemove   = "NO_ZERO_DATE"
	mysqlErrBadDB       = 1049
	mysqlErrConnRefused = 2003
	mysqlErrServerGone  = 2006
	mysqlErrLostConn    = 2013
)

type mysqlDialect struct{}

func (d *mysqlDialect) name() dbi.DialectName {
	return dbi.MYSQL
}

func (d *mysqlDialect) provider() Provider {
	return &mysqlProvider{}
}

func (d *mysqlDialect) encodeString(s string) string {
	return dbrdialect.MySQL.EncodeString(s)
}

func (d *mysqlDialect) timespecFormat() string {
	return mysqlTimespecFormat
}

func (d *mysqlDialect) classify(err error) dbi.Kind {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlErrBadDB:
			return dbi.KindNoSuchDB
		case mysqlErrServerGone, mysqlErrLostConn:
			return dbi.KindConnLost
		case mysqlErrConnRefused:
			return dbi.KindCantConnect
		}
		return dbi.KindServer
	}

	if errors.Is(err, mysql.ErrInvalidConn) {
		return dbi.KindConnLost
	}
	if kind, ok := classifyTransport(err); ok {
		return kind
	}
	return dbi.KindServer
}

func (d *mysqlDialect) describe(err error) string {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return fmt.Sprintf("%d : %s", me.Number, me.Message)
	}
	return err.Error()
}

var sqlOptionRe = regexp.MustCompile(`(?:,` + sqlOptionToRemove + `$|\b` + sqlOptionToRemove + `\b,?)`)

// adjustSQLOptions removes NO_ZERO_DATE from a comma separated sql_mode list
func adjustSQLOptions(mode string) string {
	return sqlOptionRe.ReplaceAllString(mode, "")
}

// adjustSQLMode lets the server accept the zero timestamps used as column defaults.
// When mcfg is given, the adjusted mode is also applied to every reconnect.
func adjustSQLMode(ctx context.Context, c *Connection, mcfg *mysql.Config) {
	res, err := c.ExecuteSelect(ctx, c.NewStatement("SELECT @@sql_mode"))
	if err != nil {
		c.logger.Error("Unable to read sql_mode: %v", err)
		return
	}

	var mode string
	var row = res.Begin()
	if !row.IsEnd() {
		mode, _ = row.(*resultRow).text("@@sql_mode")
	}
	_ = res.Close()

	if mode == "" {
		c.logger.Info("Sql_mode isn't set.")
		return
	}
	c.logger.Info("Initial sql_mode: %s", mode)
	if !strings.Contains(mode, sqlOptionToRemove) {
		return
	}

	var adjusted = c.QuoteString(adjustSQLOptions(mode))
	c.logger.Info("Setting sql_mode to %s", adjusted)
	if err = c.exec(ctx, "SET sql_mode=%s", adjusted); err != nil {
		c.logger.Error("Unable to set sql_mode: %v", err)
		return
	}
	if mcfg != nil {
		mcfg.Params["sql_mode"] = adjusted
	}
}

type mysqlProvider struct{}

func (p *mysqlProvider) CreateTableDDL(table string, cols []dbi.ColumnInfo) (string, error) {
	return createTableDDL(p, table, cols)
}

func (p *mysqlProvider) AddColumnsDDL(table string, cols []dbi.ColumnInfo) ([]string, error) {
	return addColumnsDDL(p, table, cols)
}

func (p *mysqlProvider) AppendColDef(ddl *strings.Builder, col dbi.ColumnInfo) error {
	var typeName string
	switch col.Type {
	case dbi.ColumnInt:
		typeName = "integer"
	case dbi.ColumnInt64:
		typeName = "bigint"
	case dbi.ColumnDouble:
		typeName = "double"
	case dbi.ColumnString:
		typeName = "varchar"
	case dbi.ColumnDate:
		typeName = "date"
	case dbi.ColumnDateTime:
		typeName = "TIMESTAMP NULL DEFAULT 0"
	default:
		return unknownColumnType(col)
	}

	ddl.WriteString(col.Name)
	ddl.WriteString(" ")
	ddl.WriteString(typeName)
	ddl.WriteString(colSize(col))
	if col.Unicode {
		ddl.WriteString(" CHARACTER SET utf8")
	}
	if col.PrimaryKey {
		ddl.WriteString(" PRIMARY KEY")
	}
	if col.AutoInc {
		ddl.WriteString(" AUTO_INCREMENT")
	}
	if col.NotNull {
		ddl.WriteString(" NOT NULL")
	}
	return nil
}

func (p *mysqlProvider) TableList(ctx context.Context, q querier, dbname string, name string) ([]string, error) {
	var query = "SHOW TABLES"
	if dbname != "" {
		query += " FROM " + dbname
	}
	if name != "" {
		query += " LIKE " + dbrdialect.MySQL.EncodeString(name)
	}
	return queryStrings(ctx, q, query)
}

// IndexList returns "index table" pairs, the form DropIndexDDL expects
func (p *mysqlProvider) IndexList(ctx context.Context, q querier) ([]string, error) {
	tables, err := queryStrings(ctx, q, "SHOW TABLES")
	if err != nil {
		return nil, err
	}

	var seen = make(map[string]bool)
	var indexes []string
	for _, table := range tables {
		names, err := mysqlTableIndexes(ctx, q, table)
		if err != nil {
			return nil, fmt.Errorf("index retrieval on table %s: %w", table, err)
		}
		for _, name := range names {
			var entry = name + " " + table
			if !seen[entry] {
				seen[entry] = true
				indexes = append(indexes, entry)
			}
		}
	}
	return indexes, nil
}

func mysqlTableIndexes(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SHOW INDEXES IN %s WHERE Key_name != 'PRIMARY'", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var keyCol = 2
	for i, c := range cols {
		if strings.EqualFold(c, "Key_name") {
			keyCol = i
		}
	}
	if keyCol >= len(cols) {
		return nil, fmt.Errorf("unexpected SHOW INDEXES result with %d columns", len(cols))
	}

	var names []string
	var vals = make([]sql.RawBytes, len(cols))
	var ptrs = make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err = rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		names = append(names, string(vals[keyCol]))
	}
	return names, rows.Err()
}

func (p *mysqlProvider) DropIndexDDL(index string) (string, error) {
	var parts = strings.Split(index, " ")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q, expected \"index table\"", errMalformedIndex, index)
	}
	return fmt.Sprintf("DROP INDEX %s ON %s", parts[0], parts[1]), nil
}

type mysqlLogger struct {
	logger logger.Logger
}

func (l mysqlLogger) Print(v ...interface{}) {
	l.logger.Warn("mysql driver: %s", fmt.Sprint(v...))
}

type mysqlConnector struct{}

func (c *mysqlConnector) Dialect() dbi.DialectName {
	return dbi.MYSQL
}

func (c *mysqlConnector) NewBackend(d *dbi.Driver) dbi.Backend {
	return newBackend(d, &mysqlSession{})
}

// InitDriver routes the driver's own diagnostics to the system logger
func (c *mysqlConnector) InitDriver(d *dbi.Driver) error {
	return mysql.SetLogger(mysqlLogger{logger: d.Logger()})
}

func mysqlConfig(loc *dbi.Locator, dbname string) *mysql.Config {
	var port = loc.Port
	if port == 0 {
		port = mysqlDefaultPort
	}

	var mcfg = mysql.NewConfig()
	mcfg.User = loc.User
	mcfg.Passwd = loc.Password
	mcfg.Net = "tcp"
	mcfg.Addr = net.JoinHostPort(loc.Host, strconv.Itoa(port))
	mcfg.DBName = dbname
	mcfg.ParseTime = true
	mcfg.Params = map[string]string{"charset": "utf8"}
	for k, v := range loc.Params {
		if len(v) > 0 {
			mcfg.Params[k] = v[0]
		}
	}
	return mcfg
}

type mysqlSession struct{}

func (s *mysqlSession) dialect() dialect {
	return &mysqlDialect{}
}

func (s *mysqlSession) beginSession(ctx context.Context, b *Backend, cfg dbi.Config) (*Connection, error) {
	loc, err := dbi.ParseLocator(cfg.ConnString)
	if err != nil {
		return nil, dbi.WrapError(dbi.KindBadURL, err, "invalid mysql locator")
	}

	var dia = s.dialect()
	var mcfg = mysqlConfig(loc, loc.DBName)
	var open opener = func(ctx context.Context) (*sql.DB, error) {
		return openDB(ctx, "mysql", mcfg.FormatDSN())
	}

	var created bool
	db, err := open(ctx)
	if err != nil {
		var kind = dia.classify(err)
		switch {
		case kind != dbi.KindNoSuchDB:
			b.log.Error("Unable to connect to database '%s': %s", loc.DBName, dia.describe(err))
			return nil, dbi.WrapError(kind, err, "unable to connect to database %s", loc.DBName)
		case !cfg.Create:
			return nil, dbi.NewError(dbi.KindNoSuchDB, "Database %s not found", loc.DBName)
		}

		if err = s.createDatabase(ctx, b, loc); err != nil {
			return nil, err
		}
		if db, err = open(ctx); err != nil {
			b.log.Error("Unable to connect to created database '%s': %s", loc.DBName, dia.describe(err))
			return nil, dbi.WrapError(dbi.KindServer, err, "unable to connect to created database %s", loc.DBName)
		}
		created = true
	}

	var conn = newConnection(db, open, dia, loc.DBName, b.log, b.qlog)
	adjustSQLMode(ctx, conn, mcfg)

	var dropNew = func() {
		if created {
			if err := conn.exec(ctx, "DROP DATABASE %s", loc.DBName); err != nil {
				b.log.Warn("cannot drop database %s: %v", loc.DBName, err)
			}
		}
	}
	if err = b.prepare(ctx, conn, cfg, dropNew, cfg.Create && !cfg.Force && !created); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// createDatabase connects to the administrative database and creates loc.DBName there
func (s *mysqlSession) createDatabase(ctx context.Context, b *Backend, loc *dbi.Locator) error {
	var mcfg = mysqlConfig(loc, mysqlAdminDB)
	db, err := openDB(ctx, "mysql", mcfg.FormatDSN())
	if err != nil {
		b.log.Error("Unable to connect to '%s' database: %v", mysqlAdminDB, err)
		return dbi.WrapError(dbi.KindServer, err, "unable to connect to %s database", mysqlAdminDB)
	}

	var admin = newConnection(db, nil, s.dialect(), mysqlAdminDB, b.log, b.qlog)
	defer admin.Close()

	adjustSQLMode(ctx, admin, nil)
	if err = admin.exec(ctx, "CREATE DATABASE %s CHARACTER SET utf8", loc.DBName); err != nil {
		b.log.Error("Unable to create database '%s'", loc.DBName)
		return dbi.WrapError(dbi.KindServer, err, "unable to create database %s", loc.DBName)
	}
	return nil
}
