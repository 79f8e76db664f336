package sql

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"database/sql"

	"github.com/codesmythe/gnucash/dbi"
	"github.com/codesmythe/gnucash/logger"
)

// valueKind is the storage class of a result column as reported by the driver
type valueKind int

const (
	kindUnknown valueKind = iota
	kindInteger
	kindFloat4
	kindDouble
	kindString
	kindDateTime
	kindBinary
)

func (k valueKind) String() string {
	switch k {
	case kindInteger:
		return "integer"
	case kindFloat4:
		return "float"
	case kindDouble:
		return "double"
	case kindString:
		return "string"
	case kindDateTime:
		return "datetime"
	case kindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

var typeSizeRe = regexp.MustCompile(`\s*\(.*\)`)

// kindFromTypeName maps a driver's DatabaseTypeName onto a storage class
func kindFromTypeName(name string) valueKind {
	name = strings.ToUpper(strings.TrimSpace(typeSizeRe.ReplaceAllString(name, "")))
	name = strings.TrimPrefix(name, "UNSIGNED ")
	name = strings.TrimSuffix(name, " UNSIGNED")

	switch name {
	case "":
		return kindUnknown
	case "INT", "INTEGER", "INT2", "INT4", "INT8", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT",
		"SERIAL", "BIGSERIAL", "BOOL", "BOOLEAN":
		return kindInteger
	case "FLOAT4", "FLOAT":
		return kindFloat4
	case "REAL", "DOUBLE", "DOUBLE PRECISION", "FLOAT8", "NUMERIC", "DECIMAL":
		return kindDouble
	case "TEXT", "VARCHAR", "CHAR", "BPCHAR", "NCHAR", "NVARCHAR", "CHARACTER", "CHARACTER VARYING",
		"TINYTEXT", "MEDIUMTEXT", "LONGTEXT", "NAME", "CLOB", "ENUM", "SET":
		return kindString
	case "DATE", "DATETIME", "TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP WITHOUT TIME ZONE",
		"TIMESTAMP WITH TIME ZONE":
		return kindDateTime
	case "BLOB", "BYTEA", "BINARY", "VARBINARY", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB":
		return kindBinary
	}

	// SQLite column affinity
	switch {
	case strings.Contains(name, "INT"):
		return kindInteger
	case strings.Contains(name, "CHAR"), strings.Contains(name, "CLOB"), strings.Contains(name, "TEXT"):
		return kindString
	case strings.Contains(name, "BLOB"):
		return kindBinary
	case strings.Contains(name, "REAL"), strings.Contains(name, "FLOA"), strings.Contains(name, "DOUB"):
		return kindDouble
	}
	return kindUnknown
}

// kindFromValue guesses a storage class from a scanned value
func kindFromValue(v interface{}) valueKind {
	switch v.(type) {
	case int64, int32, int, int16, int8, uint64, uint32, uint16, uint8, bool:
		return kindInteger
	case float32:
		return kindFloat4
	case float64:
		return kindDouble
	case string, []byte:
		return kindString
	case time.Time:
		return kindDateTime
	default:
		return kindUnknown
	}
}

// Result is a forward-only cursor over the rows of one query.
// The rows are read into memory when the query runs, so the connection is free for other
// statements while the result is iterated. Iteration ends with a sentinel row; LastErr tells a
// fetch failure apart from the end of rows.
type Result struct {
	logger logger.Logger

	cols     []string
	index    map[string]int
	types    []*sql.ColumnType
	kinds    []valueKind
	rows     [][]interface{}
	fetchErr error

	pos     int
	vals    []interface{}
	current *resultRow
	end     *resultRow

	started bool
	done    bool
	lastErr error
}

// newResult reads every row of rows and closes it
func newResult(c *Connection, rows *sql.Rows) *Result {
	defer rows.Close()

	var r = &Result{
		logger: c.logger,
		index:  make(map[string]int),
	}
	r.current = &resultRow{r: r}
	r.end = &resultRow{r: r, end: true}

	cols, err := rows.Columns()
	if err != nil {
		r.fetchErr = dbi.WrapError(dbi.KindServer, err, "cannot read result columns")
		return r
	}
	r.cols = cols
	for i, name := range cols {
		var key = strings.ToLower(name)
		if _, dup := r.index[key]; !dup {
			r.index[key] = i
		}
	}
	r.kinds = make([]valueKind, len(cols))
	for i := range r.kinds {
		r.kinds[i] = -1
	}
	if types, err := rows.ColumnTypes(); err == nil {
		r.types = types
	}

	for rows.Next() {
		var vals = make([]interface{}, len(cols))
		var ptrs = make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			r.fetchErr = dbi.WrapError(dbi.KindServer, err, "cannot scan result row")
			return r
		}
		r.rows = append(r.rows, vals)
	}
	if err = rows.Err(); err != nil {
		r.fetchErr = dbi.WrapError(dbi.KindServer, err, "cannot fetch result row")
	}

	return r
}

// Columns returns the result column names as reported by the driver
func (r *Result) Columns() []string {
	return r.cols
}

// Begin positions the cursor on the first row; a result can be iterated once
func (r *Result) Begin() dbi.Row {
	if r.started {
		r.lastErr = dbi.NewError(dbi.KindServer, "result rows already iterated")
		return r.end
	}
	r.started = true
	return r.fetch()
}

// Next advances to the following row, or returns the sentinel at the end
func (r *Result) Next() dbi.Row {
	if !r.started {
		return r.Begin()
	}
	return r.fetch()
}

// End returns the sentinel row
func (r *Result) End() dbi.Row {
	return r.end
}

func (r *Result) LastErr() error {
	return r.lastErr
}

// Close drops the buffered rows
func (r *Result) Close() error {
	r.done = true
	r.rows = nil
	r.vals = nil
	return nil
}

func (r *Result) fetch() dbi.Row {
	if r.done {
		return r.end
	}

	if r.pos >= len(r.rows) {
		r.done = true
		if r.fetchErr != nil {
			r.logger.Error("error fetching result row: %v", r.fetchErr)
			r.lastErr = r.fetchErr
		}
		return r.end
	}

	r.vals = r.rows[r.pos]
	r.rows[r.pos] = nil
	r.pos++
	return r.current
}

func (r *Result) kind(i int) valueKind {
	if r.kinds[i] >= 0 {
		return r.kinds[i]
	}

	var k = kindUnknown
	if i < len(r.types) && r.types[i] != nil {
		k = kindFromTypeName(r.types[i].DatabaseTypeName())
	}
	if k == kindUnknown {
		k = kindFromValue(r.vals[i])
		if k == kindUnknown {
			// NULL in an untyped column, decide on a later row
			return k
		}
	}

	r.kinds[i] = k
	return k
}

// resultRow reads the current values of its Result
type resultRow struct {
	r   *Result
	end bool
}

func (row *resultRow) IsEnd() bool {
	return row.end
}

func (row *resultRow) lookup(col string) (int, error) {
	if row.end || row.r.vals == nil {
		return 0, dbi.NewError(dbi.KindServer, "no current row")
	}
	i, ok := row.r.index[strings.ToLower(col)]
	if !ok {
		return 0, dbi.NewError(dbi.KindServer, "no column %s in result", col)
	}
	return i, nil
}

func (row *resultRow) IsNull(col string) bool {
	i, err := row.lookup(col)
	if err != nil {
		return true
	}
	return row.r.vals[i] == nil
}

// typed returns the value of col after checking its storage class; ok is false for NULL
func (row *resultRow) typed(col string, want ...valueKind) (v interface{}, ok bool, err error) {
	i, err := row.lookup(col)
	if err != nil {
		return nil, false, err
	}

	v = row.r.vals[i]
	var k = row.r.kind(i)
	if k == kindUnknown && v == nil {
		return nil, false, nil
	}
	for _, w := range want {
		if k == w {
			return v, v != nil, nil
		}
	}

	row.r.logger.Error("result column %s has type %s, requested %s", col, k, want[0])
	return nil, false, dbi.NewError(dbi.KindTypeMismatch, "column %s has type %s, not %s", col, k, want[0])
}

// text returns the raw value of col as a string, whatever its type
func (row *resultRow) text(col string) (string, bool) {
	i, err := row.lookup(col)
	if err != nil || row.r.vals[i] == nil {
		return "", false
	}
	switch v := row.r.vals[i].(type) {
	case []byte:
		return string(v), true
	case string:
		return v, true
	case time.Time:
		return v.UTC().Format("2006-01-02 15:04:05"), true
	default:
		return fmt.Sprint(v), true
	}
}

func (row *resultRow) GetInt64(col string) (int64, error) {
	v, ok, err := row.typed(col, kindInteger)
	if err != nil || !ok {
		return 0, err
	}
	return toInt64(col, v)
}

func (row *resultRow) GetFloat(col string) (float32, error) {
	v, ok, err := row.typed(col, kindFloat4)
	if err != nil || !ok {
		return 0, err
	}
	f, err := toFloat64(col, v, 32)
	return float32(f), err
}

func (row *resultRow) GetDouble(col string) (float64, error) {
	v, ok, err := row.typed(col, kindDouble)
	if err != nil || !ok {
		return 0, err
	}
	return toFloat64(col, v, 64)
}

func (row *resultRow) GetString(col string) (string, error) {
	v, ok, err := row.typed(col, kindString)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", dbi.NewError(dbi.KindTypeMismatch, "column %s empty", col)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return fmt.Sprint(s), nil
	}
}

// GetTime64 returns seconds since the epoch; values outside [MinTime, MaxTime] read as 0
func (row *resultRow) GetTime64(col string) (int64, error) {
	v, ok, err := row.typed(col, kindDateTime)
	if err != nil || !ok {
		return 0, err
	}

	var secs int64
	switch t := v.(type) {
	case time.Time:
		secs = t.Unix()
	case int64:
		secs = t
	case []byte:
		secs, err = parseTimestamp(col, string(t))
	case string:
		secs, err = parseTimestamp(col, t)
	default:
		err = dbi.NewError(dbi.KindTypeMismatch, "column %s holds %T, not a timestamp", col, v)
	}
	if err != nil {
		return 0, err
	}

	if secs < dbi.MinTime || secs > dbi.MaxTime {
		return 0, nil
	}
	return secs, nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	time.RFC3339Nano,
	"2006-01-02",
	"20060102150405",
	"20060102 150405",
}

func parseTimestamp(col string, s string) (int64, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, dbi.NewError(dbi.KindTypeMismatch, "column %s: cannot parse timestamp %q", col, s)
}

func toInt64(col string, v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, dbi.NewError(dbi.KindTypeMismatch, "column %s: %d overflows int64", col, n)
		}
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case float64:
		return int64(n), nil
	case []byte:
		return parseInt(col, string(n))
	case string:
		return parseInt(col, n)
	}
	return 0, dbi.NewError(dbi.KindTypeMismatch, "column %s holds %T, not an integer", col, v)
}

func parseInt(col string, s string) (int64, error) {
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, dbi.WrapError(dbi.KindTypeMismatch, err, "column %s", col)
	}
	return i, nil
}

func toFloat64(col string, v interface{}, bits int) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case []byte:
		return parseFloat(col, string(n), bits)
	case string:
		return parseFloat(col, n, bits)
	}
	return 0, dbi.NewError(dbi.KindTypeMismatch, "column %s holds %T, not a number", col, v)
}

func parseFloat(col string, s string, bits int) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), bits)
	if err != nil {
		return 0, dbi.WrapError(dbi.KindTypeMismatch, err, "column %s", col)
	}
	return f, nil
}
