package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/codesmythe/gnucash/dbi"
	dbisql "github.com/codesmythe/gnucash/dbi/sql"
	"github.com/codesmythe/gnucash/logger"
)

// app holds what the commands share
type app struct {
	cli *CLI
	out io.Writer
}

// session opens a backend on locator and runs fn against it; the session is ended afterwards
func (a *app) session(cfg dbi.Config, fn func(ctx context.Context, be *dbisql.Backend) error) error {
	var ctx = context.Background()
	var log = a.cli.Logger()

	var drv = dbi.NewDriver(log)
	if drv.Init() == 0 {
		return fmt.Errorf("no SQL drivers are available")
	}
	defer func() {
		if err := drv.Shutdown(); err != nil {
			log.Error("driver shutdown: %v", err)
		}
	}()

	cfg.SystemLogger = log
	if log.GetLevel() >= logger.LevelDebug {
		cfg.QueryLogger = log
	}

	be, err := dbi.Open(ctx, drv, cfg)
	if err != nil {
		return err
	}

	var runErr = fn(ctx, be.(*dbisql.Backend))
	if err = be.SessionEnd(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// infoCommand prints the layout and bookkeeping of a store
type infoCommand struct {
	SessionOpts
	app *app
}

func (c *infoCommand) Execute(args []string) error {
	var cfg = dbi.Config{ConnString: c.Locator, ReadOnly: true}
	return c.app.session(cfg, func(ctx context.Context, be *dbisql.Backend) error {
		var conn = be.Connection()
		var w = c.app.out

		fmt.Fprintf(w, "dialect:   %s\n", be.Dialect())
		fmt.Fprintf(w, "session:   %s\n", be.SessionID())

		tables, err := conn.Tables(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "tables:    %s\n", strings.Join(tables, ", "))

		indexes, err := conn.Indexes(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "indexes:   %s\n", strings.Join(indexes, ", "))

		holders, err := lockHolders(ctx, conn)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "locked by: %s\n", strings.Join(holders, ", "))

		for _, key := range []string{dbi.VersionKeySchema, dbi.VersionKeyResave} {
			v, err := conn.TableVersion(ctx, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "version %s: %d\n", key, v)
		}

		fmt.Fprintf(w, "stats:     %s\n", conn.Stats())
		return nil
	})
}

func lockHolders(ctx context.Context, conn *dbisql.Connection) ([]string, error) {
	exists, err := conn.DoesTableExist(ctx, dbi.LockTable)
	if err != nil || !exists {
		return nil, err
	}

	res, err := conn.ExecuteSelect(ctx, conn.NewStatement("SELECT Hostname, PID FROM "+dbi.LockTable))
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var holders []string
	for row := res.Begin(); !row.IsEnd(); row = res.Next() {
		host, err := row.GetString("Hostname")
		if err != nil {
			host = "?"
		}
		pid, err := row.GetInt64("PID")
		if err != nil {
			holders = append(holders, host)
			continue
		}
		holders = append(holders, fmt.Sprintf("%s (pid %d)", host, pid))
	}
	return holders, res.LastErr()
}

// createCommand creates an empty store carrying the current version rows
type createCommand struct {
	SessionOpts
	Force bool `short:"f" long:"force" description:"overwrite an existing store"`
	app   *app
}

func (c *createCommand) Execute(args []string) error {
	var cfg = dbi.Config{ConnString: c.Locator, Create: true, Force: c.Force}
	return c.app.session(cfg, func(ctx context.Context, be *dbisql.Backend) error {
		if err := be.SafeSync(ctx, &versionsPopulator{}); err != nil {
			return err
		}
		if err := be.Load(ctx, &versionsPopulator{}, dbi.LoadAll); err != nil {
			return err
		}
		fmt.Fprintf(c.app.out, "created %s store %s\n", be.Dialect(), dbi.SanitizeConn(c.Locator))
		return nil
	})
}

// breakLockCommand removes a lock left behind by a session that did not end
type breakLockCommand struct {
	SessionOpts
	app *app
}

func (c *breakLockCommand) Execute(args []string) error {
	var cfg = dbi.Config{ConnString: c.Locator, IgnoreLock: true}
	return c.app.session(cfg, func(ctx context.Context, be *dbisql.Backend) error {
		fmt.Fprintf(c.app.out, "lock on %s released\n", dbi.SanitizeConn(c.Locator))
		return nil
	})
}

// numtestCommand runs the large number round-trip test
type numtestCommand struct {
	SessionOpts
	app *app
}

func (c *numtestCommand) Execute(args []string) error {
	var cfg = dbi.Config{ConnString: c.Locator, ReadOnly: true}
	return c.app.session(cfg, func(ctx context.Context, be *dbisql.Backend) error {
		var res = be.Connection().TestNumerics(ctx)
		fmt.Fprintf(c.app.out, "%s large number test: %s\n", be.Dialect(), res)
		return res.Err()
	})
}
