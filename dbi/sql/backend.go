package sql

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/codesmythe/gnucash/dbi"
	"github.com/codesmythe/gnucash/logger"
)

// Backend is the dbi.Backend shared by the three dialects; the dialect-specific part of
// opening a session is delegated to its sessionOpener
type Backend struct {
	drv    *dbi.Driver
	opener sessionOpener
	conn   *Connection

	id             string
	timespecFormat string
	readOnly       bool
	pristine       bool

	log     logger.Logger
	qlog    logger.Logger
	release func() error
}

func newBackend(d *dbi.Driver, o sessionOpener) *Backend {
	return &Backend{
		drv:    d,
		opener: o,
		log:    logger.NewSessionLogger(d.Logger(), string(o.dialect().name()), ""),
	}
}

// SessionBegin connects to the store named by cfg.ConnString, creating it when requested,
// runs the numeric self-test and takes the lock. A session already open is ended first.
func (b *Backend) SessionBegin(ctx context.Context, cfg dbi.Config) error {
	if b.conn != nil {
		if err := b.SessionEnd(ctx); err != nil {
			b.log.Warn("ending previous session: %v", err)
		}
	}

	var sys = cfg.SystemLogger
	if sys == nil {
		sys = b.drv.Logger()
	}
	b.id = uuid.NewString()
	b.log = logger.NewSessionLogger(sys, string(b.Dialect()), b.id)
	b.qlog = cfg.QueryLogger
	b.readOnly = cfg.ReadOnly

	conn, err := b.opener.beginSession(ctx, b, cfg)
	if err != nil {
		b.log.Error("cannot begin session on %s: %v", dbi.SanitizeConn(cfg.ConnString), err)
		if b.release != nil {
			_ = b.release()
			b.release = nil
		}
		return err
	}

	b.conn = conn
	b.timespecFormat = b.opener.dialect().timespecFormat()
	b.drv.SessionStarted()
	b.log.Info("session begun on %s", dbi.SanitizeConn(cfg.ConnString))
	return nil
}

// prepare runs the steps every dialect shares once connected: the numeric self-test, the
// clobber check and the lock. onTestFail undoes a store created by this session.
func (b *Backend) prepare(ctx context.Context, c *Connection, cfg dbi.Config, onTestFail func(), clobberCheck bool) error {
	if res := c.TestNumerics(ctx); res != TestPass {
		b.log.Error("%s DBI library large number test: %s", b.Dialect(), res)
		if onTestFail != nil {
			onTestFail()
		}
		return res.Err()
	}

	if clobberCheck {
		clobber, err := saveMayClobber(ctx, c)
		if err != nil {
			return err
		}
		if clobber {
			b.log.Warn("Database exists, might clobber, no force")
			return dbi.NewError(dbi.KindStoreExists, "might clobber, no force")
		}
	}

	if cfg.ReadOnly {
		return nil
	}
	return c.Lock(ctx, cfg.IgnoreLock)
}

// SessionEnd releases the lock and the connection
func (b *Backend) SessionEnd(ctx context.Context) error {
	if b.conn == nil {
		return nil
	}

	var errs []error
	if !b.readOnly {
		if err := b.conn.Unlock(ctx); err != nil {
			b.log.Warn("unlock failed: %v", err)
			errs = append(errs, err)
		}
	}
	b.log.Debug("session statistics: %s", b.conn.Stats())
	if err := b.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	b.conn = nil
	b.drv.SessionEnded()

	if b.release != nil {
		if err := b.release(); err != nil {
			errs = append(errs, err)
		}
		b.release = nil
	}

	b.log.Info("session ended")
	return errors.Join(errs...)
}

// Load reads the store through p and checks the recorded schema versions
func (b *Backend) Load(ctx context.Context, p dbi.Populator, loadType dbi.LoadType) error {
	if b.conn == nil {
		return dbi.NewError(dbi.KindServer, "no open session")
	}

	if loadType == dbi.LoadInitial {
		if err := p.CreateTables(ctx, b.conn); err != nil {
			return dbi.WrapError(dbi.KindServer, err, "cannot create tables")
		}
	}
	if err := p.Load(ctx, b.conn); err != nil {
		return dbi.WrapError(dbi.KindServer, err, "load failed")
	}

	version, err := b.conn.TableVersion(ctx, dbi.VersionKeySchema)
	if err != nil {
		return err
	}
	if dbi.ResaveVersion > version {
		return dbi.ErrDBTooOld
	}

	resave, err := b.conn.TableVersion(ctx, dbi.VersionKeyResave)
	if err != nil {
		return err
	}
	if dbi.ResaveVersion < resave {
		return dbi.ErrDBTooNew
	}
	return nil
}

// BeginEdit opens a transaction unless one is already open
func (b *Backend) BeginEdit(ctx context.Context) error {
	if b.conn == nil {
		return dbi.NewError(dbi.KindServer, "no open session")
	}
	if b.conn.InTransaction() {
		return nil
	}
	return b.conn.BeginTransaction(ctx)
}

// CommitEdit runs fn inside the edit transaction and commits it; on error it rolls back
func (b *Backend) CommitEdit(ctx context.Context, fn func(ctx context.Context, c dbi.Conn) error) error {
	if err := b.BeginEdit(ctx); err != nil {
		return err
	}

	if fn != nil {
		if err := fn(ctx, b.conn); err != nil {
			if rerr := b.conn.RollbackTransaction(ctx); rerr != nil {
				return errors.Join(err, rerr)
			}
			return err
		}
	}
	return b.conn.CommitTransaction(ctx)
}

// RollbackEdit abandons the edit transaction, if any
func (b *Backend) RollbackEdit(ctx context.Context) error {
	if b.conn == nil || !b.conn.InTransaction() {
		return nil
	}
	return b.conn.RollbackTransaction(ctx)
}

// SaveMayClobberData reports whether the store already holds tables other than the lock table
func (b *Backend) SaveMayClobberData(ctx context.Context) (bool, error) {
	if b.conn == nil {
		return false, dbi.NewError(dbi.KindServer, "no open session")
	}
	return saveMayClobber(ctx, b.conn)
}

func saveMayClobber(ctx context.Context, c *Connection) (bool, error) {
	tables, err := c.Tables(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t != dbi.LockTable {
			return true, nil
		}
	}
	return false, nil
}

// Conn returns the live connection, nil outside a session
func (b *Backend) Conn() dbi.Conn {
	if b.conn == nil {
		return nil
	}
	return b.conn
}

// Connection returns the concrete connection for maintenance tools
func (b *Backend) Connection() *Connection {
	return b.conn
}

func (b *Backend) Dialect() dbi.DialectName {
	return b.opener.dialect().name()
}

func (b *Backend) SessionID() string {
	return b.id
}

// Pristine reports whether a resync is rewriting freshly created tables
func (b *Backend) Pristine() bool {
	return b.pristine
}

// TimespecFormat is the printf layout of timestamps written by this dialect
func (b *Backend) TimespecFormat() string {
	return b.timespecFormat
}

// FormatTimespec renders t in this dialect's timestamp layout
func (b *Backend) FormatTimespec(t time.Time) string {
	return dbi.FormatTimespec(b.opener.dialect().timespecFormat(), t)
}
