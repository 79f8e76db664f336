package dbi

import (
	"fmt"
	"strings"
)

// Statement is SQL text that may be extended with one WHERE clause before it is executed
type Statement struct {
	sql      string
	hasWhere bool
	frozen   bool
}

// NewStatement wraps sql
func NewStatement(sql string) *Statement {
	return &Statement{sql: sql}
}

// AddWhereCond appends "WHERE c1 = v1 AND c2 = v2 ..." with every value quoted by q
func (s *Statement) AddWhereCond(q Quoter, conds []ColumnValue) error {
	if s.frozen {
		return fmt.Errorf("dbi: statement already executed: %s", s.sql)
	}
	if s.hasWhere {
		return fmt.Errorf("dbi: statement already has a WHERE clause: %s", s.sql)
	}
	if len(conds) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(s.sql)
	sb.WriteString(" WHERE ")
	for i, cv := range conds {
		var quoted = q.QuoteString(cv.Value)
		if quoted == "" {
			return fmt.Errorf("dbi: cannot quote value for column %s", cv.Column)
		}
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(cv.Column)
		sb.WriteString(" = ")
		sb.WriteString(quoted)
	}

	s.sql = sb.String()
	s.hasWhere = true
	return nil
}

// Freeze marks the statement as submitted; it is called by the connection on execution
func (s *Statement) Freeze() {
	s.frozen = true
}

func (s *Statement) String() string {
	return s.sql
}
