package sql

import (
	"context"
	"strings"
	"time"

	"database/sql"

	"github.com/codesmythe/gnucash/dbi"
	"github.com/codesmythe/gnucash/logger"
)

/*
Statement tracing: every statement a Connection sends goes through wrappedQuerier, which logs the
SQL text with its duration to the query logger and adds the elapsed time to the connection Stats.
*/

func logQuery(l logger.Logger, since time.Time, query string, args []interface{}, err error) {
	if l == nil || l.GetLevel() < logger.LevelDebug {
		return
	}

	if strings.Contains(query, "\n") {
		query = "\n" + query
	}
	if len(args) != 0 {
		query += " -- args: " + dbi.DumpRecursive(args, " ")
	}
	if err != nil {
		l.Debug("%s -- duration: %.3fms, error: %v", query, msSince(since), err)
		return
	}
	l.Debug("%s -- duration: %.3fms", query, msSince(since))
}

func logTxOperation(l logger.Logger, since time.Time, operation string, err error) {
	logQuery(l, since, operation, nil, err)
}

type wrappedQuerier struct {
	q      querier
	logger logger.Logger
	stats  *dbi.Stats
}

func (w wrappedQuerier) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var start = time.Now()
	defer dbi.Since(w.stats.ExecTime, start)
	w.stats.Statements.Inc()

	res, err := w.q.ExecContext(ctx, query, args...)
	logQuery(w.logger, start, query, args, err)
	return res, err
}

func (w wrappedQuerier) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var start = time.Now()
	defer dbi.Since(w.stats.QueryTime, start)
	w.stats.Statements.Inc()

	rows, err := w.q.QueryContext(ctx, query, args...)
	logQuery(w.logger, start, query, args, err)
	return rows, err
}
