package sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/codesmythe/gnucash/dbi"
)

// TableOp is a bulk operation applied to every table of the store
type TableOp int

const (
	// OpBackup renames t to t_back
	OpBackup TableOp = iota
	// OpRollback drops t if present and renames t_back to t
	OpRollback
	// OpDropBackup drops t_back
	OpDropBackup
	// OpEmpty deletes every row of t
	OpEmpty
	// OpDrop drops t
	OpDrop
)

func (op TableOp) String() string {
	switch op {
	case OpBackup:
		return "backup"
	case OpRollback:
		return "rollback"
	case OpDropBackup:
		return "drop backup"
	case OpEmpty:
		return "empty"
	case OpDrop:
		return "drop"
	default:
		return fmt.Sprintf("TableOp(%d)", int(op))
	}
}

func backupName(table string) string {
	return table + dbi.BackupSuffix
}

// TableOperation applies op to tables, skipping the lock table.
// A failed backup renames the already moved tables back before returning; a rollback continues past
// failures so that as much as possible is restored.
func (c *Connection) TableOperation(ctx context.Context, tables []string, op TableOp) error {
	if len(tables) == 0 {
		return dbi.NewError(dbi.KindServer, "no tables to %s", op)
	}

	var done []string
	var errs []error
	for _, table := range tables {
		if table == dbi.LockTable {
			continue
		}

		var err error
		switch op {
		case OpBackup:
			err = c.exec(ctx, "ALTER TABLE %s RENAME TO %s", table, backupName(table))
		case OpRollback:
			err = c.restoreTable(ctx, table)
		case OpDropBackup:
			err = c.exec(ctx, "DROP TABLE %s", backupName(table))
		case OpEmpty:
			err = c.exec(ctx, "DELETE FROM %s", table)
		case OpDrop:
			err = c.exec(ctx, "DROP TABLE %s", table)
		default:
			err = fmt.Errorf("unknown table operation %d", int(op))
		}

		if err == nil {
			done = append(done, table)
			continue
		}

		c.logger.Error("table %s: %s failed: %v", table, op, err)
		errs = append(errs, err)
		if op == OpBackup {
			if len(done) > 0 {
				if rerr := c.TableOperation(ctx, done, OpRollback); rerr != nil {
					errs = append(errs, rerr)
				}
			}
			break
		}
		if op != OpRollback {
			break
		}
	}

	if len(errs) > 0 {
		return dbi.WrapError(dbi.KindServer, errors.Join(errs...), "table %s failed", op)
	}
	return nil
}

func (c *Connection) restoreTable(ctx context.Context, table string) error {
	exists, err := c.DoesTableExist(ctx, table)
	if err != nil {
		return err
	}
	if exists {
		if err = c.exec(ctx, "DROP TABLE %s", table); err != nil {
			return err
		}
	}
	return c.exec(ctx, "ALTER TABLE %s RENAME TO %s", backupName(table), table)
}

// SafeSync rewrites the whole store through p. Existing tables are moved aside first and
// restored if anything fails, so the store holds either the old or the new content.
// Dropped indexes are not recreated by a restore.
func (b *Backend) SafeSync(ctx context.Context, p dbi.Populator) error {
	var c = b.conn
	if c == nil {
		return dbi.NewError(dbi.KindServer, "no open session")
	}

	tables, err := c.Tables(ctx)
	if err != nil {
		return err
	}

	var present = make(map[string]bool, len(tables))
	for _, t := range tables {
		present[t] = true
	}
	var user []string
	for _, t := range tables {
		if present[backupName(t)] {
			b.log.Error("table %s and its backup both exist, a previous resync did not finish", t)
			return dbi.NewError(dbi.KindServer, "table %s and %s both exist", t, backupName(t))
		}
		if t != dbi.LockTable {
			user = append(user, t)
		}
	}

	if len(user) > 0 {
		if err = c.TableOperation(ctx, user, OpBackup); err != nil {
			return err
		}

		indexes, err := c.Indexes(ctx)
		if err == nil {
			for _, index := range indexes {
				if err = c.DropIndex(ctx, index); err != nil {
					break
				}
			}
		}
		if err != nil {
			b.log.Error("Failed to drop indexes: %v", err)
			return b.rollbackSync(ctx, user, err)
		}
	}

	b.pristine = true
	err = p.SyncAll(ctx, c, true)
	b.pristine = false
	if err != nil {
		if c.InTransaction() {
			_ = c.RollbackTransaction(ctx)
		}
		b.log.Error("Failed to create new database tables: %v", err)
		if len(user) == 0 {
			return dbi.WrapError(dbi.KindServer, err, "sync failed")
		}
		return b.rollbackSync(ctx, user, err)
	}

	if len(user) > 0 {
		if err = c.TableOperation(ctx, user, OpDropBackup); err != nil {
			b.log.Warn("Failed to drop backup tables: %v", err)
		}
	}
	return nil
}

func (b *Backend) rollbackSync(ctx context.Context, tables []string, cause error) error {
	if err := b.conn.TableOperation(ctx, tables, OpRollback); err != nil {
		return dbi.WrapError(dbi.KindServer, errors.Join(cause, err), "sync failed, restore incomplete")
	}
	return dbi.WrapError(dbi.KindServer, cause, "sync failed, previous content restored")
}
