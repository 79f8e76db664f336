package main

import (
	"context"
	"strconv"

	"github.com/codesmythe/gnucash/dbi"
)

// versionsPopulator maintains only the versions table, which is all an empty store holds
type versionsPopulator struct {
	versions map[string]int
}

var versionsColumns = []dbi.ColumnInfo{
	{Name: "table_name", Type: dbi.ColumnString, Size: 50, PrimaryKey: true, NotNull: true},
	{Name: "table_version", Type: dbi.ColumnInt, NotNull: true},
}

func (p *versionsPopulator) CreateTables(ctx context.Context, c dbi.Conn) error {
	exists, err := c.DoesTableExist(ctx, dbi.VersionTable)
	if err != nil || exists {
		return err
	}
	return c.CreateTable(ctx, dbi.VersionTable, versionsColumns)
}

func (p *versionsPopulator) Load(ctx context.Context, c dbi.Conn) error {
	p.versions = make(map[string]int)
	for _, key := range []string{dbi.VersionKeySchema, dbi.VersionKeyResave} {
		v, err := c.TableVersion(ctx, key)
		if err != nil {
			return err
		}
		p.versions[key] = v
	}
	return nil
}

func (p *versionsPopulator) SyncAll(ctx context.Context, c dbi.Conn, pristine bool) error {
	if err := c.CreateTable(ctx, dbi.VersionTable, versionsColumns); err != nil {
		return err
	}

	if err := c.BeginTransaction(ctx); err != nil {
		return err
	}
	for _, key := range []string{dbi.VersionKeySchema, dbi.VersionKeyResave} {
		var stmt = c.NewStatement("INSERT INTO " + dbi.VersionTable + " VALUES (" +
			c.QuoteString(key) + ", " + strconv.Itoa(dbi.ResaveVersion) + ")")
		if _, err := c.ExecuteNonSelect(ctx, stmt); err != nil {
			_ = c.RollbackTransaction(ctx)
			return err
		}
	}
	return c.CommitTransaction(ctx)
}
