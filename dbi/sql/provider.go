package sql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codesmythe/gnucash/dbi"
)

// Provider generates the dialect-specific DDL and catalog queries.
// Implementations are stateless; one value serves every connection of its dialect.
type Provider interface {
	// CreateTableDDL returns "CREATE TABLE t(col def, ...)"; on error the text is still returned
	// for logging but must not be executed
	CreateTableDDL(table string, cols []dbi.ColumnInfo) (string, error)

	// AddColumnsDDL returns the statements adding cols to an existing table
	AddColumnsDDL(table string, cols []dbi.ColumnInfo) ([]string, error)

	// AppendColDef writes "name type[(size)] [PRIMARY KEY] [autoincrement] [NOT NULL]"
	AppendColDef(ddl *strings.Builder, col dbi.ColumnInfo) error

	// TableList returns user tables; a non-empty name restricts the query to that table
	TableList(ctx context.Context, q querier, dbname string, name string) ([]string, error)

	// IndexList returns user-created, non-primary indexes in the form DropIndexDDL accepts
	IndexList(ctx context.Context, q querier) ([]string, error)

	DropIndexDDL(index string) (string, error)
}

var (
	errUnknownColumnType = errors.New("unknown column type")
	errMalformedIndex    = errors.New("malformed index name")
)

func unknownColumnType(col dbi.ColumnInfo) error {
	return fmt.Errorf("%w %d for column %s", errUnknownColumnType, int(col.Type), col.Name)
}

// colSize renders a size clause; only string columns take one
func colSize(col dbi.ColumnInfo) string {
	if col.Type == dbi.ColumnString && col.Size > 0 {
		return fmt.Sprintf("(%d)", col.Size)
	}
	return ""
}

func createTableDDL(p Provider, table string, cols []dbi.ColumnInfo) (string, error) {
	if len(cols) == 0 {
		return "", fmt.Errorf("table %s has no columns", table)
	}

	var ddl strings.Builder
	var errs []error

	ddl.WriteString("CREATE TABLE ")
	ddl.WriteString(table)
	ddl.WriteString("(")
	for i, col := range cols {
		if i > 0 {
			ddl.WriteString(", ")
		}
		if err := p.AppendColDef(&ddl, col); err != nil {
			errs = append(errs, err)
		}
	}
	ddl.WriteString(")")

	return ddl.String(), errors.Join(errs...)
}

// addColumnsDDL builds one ALTER TABLE adding every column
func addColumnsDDL(p Provider, table string, cols []dbi.ColumnInfo) ([]string, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("no columns to add to %s", table)
	}

	var ddl strings.Builder
	var errs []error

	ddl.WriteString("ALTER TABLE ")
	ddl.WriteString(table)
	ddl.WriteString(" ")
	for i, col := range cols {
		if i > 0 {
			ddl.WriteString(", ")
		}
		ddl.WriteString("ADD COLUMN ")
		if err := p.AppendColDef(&ddl, col); err != nil {
			errs = append(errs, err)
		}
	}

	return []string{ddl.String()}, errors.Join(errs...)
}

// createIndexDDL is the same for every dialect
func createIndexDDL(index string, table string, cols []dbi.ColumnInfo) (string, error) {
	if len(cols) == 0 {
		return "", fmt.Errorf("index %s on %s has no columns", index, table)
	}

	var names = make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}

	return fmt.Sprintf("CREATE INDEX %s ON %s(%s)", index, table, strings.Join(names, ", ")), nil
}

// filterTables drops names listed in skip
func filterTables(names []string, skip map[string]bool) []string {
	var out = names[:0]
	for _, n := range names {
		if !skip[n] {
			out = append(out, n)
		}
	}
	return out
}
