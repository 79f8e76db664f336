package dbi

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeDialect DialectName = "dbi-fake"

type fakeSQLDriver struct{}

func (fakeSQLDriver) Open(name string) (driver.Conn, error) {
	return nil, errors.New("not implemented")
}

type fakeBackend struct {
	cfg   Config
	begun int
	fail  error
}

func (b *fakeBackend) SessionBegin(ctx context.Context, cfg Config) error {
	b.cfg = cfg
	b.begun++
	return b.fail
}
func (b *fakeBackend) SessionEnd(ctx context.Context) error { return nil }
func (b *fakeBackend) Load(ctx context.Context, p Populator, t LoadType) error { return nil }
func (b *fakeBackend) SafeSync(ctx context.Context, p Populator) error { return nil }
func (b *fakeBackend) BeginEdit(ctx context.Context) error { return nil }
func (b *fakeBackend) CommitEdit(ctx context.Context, fn func(ctx context.Context, c Conn) error) error {
	return nil
}
func (b *fakeBackend) RollbackEdit(ctx context.Context) error { return nil }
func (b *fakeBackend) SaveMayClobberData(ctx context.Context) (bool, error) { return false, nil }
func (b *fakeBackend) Conn() Conn { return nil }
func (b *fakeBackend) Dialect() DialectName { return fakeDialect }
func (b *fakeBackend) SessionID() string { return "fake" }
func (b *fakeBackend) TimespecFormat() string { return "" }

type fakeConnector struct {
	dialect  DialectName
	backend  *fakeBackend
	initRuns int
	initErr  error
}

func (c *fakeConnector) Dialect() DialectName {
	return c.dialect
}

func (c *fakeConnector) NewBackend(d *Driver) Backend {
	return c.backend
}

func (c *fakeConnector) InitDriver(d *Driver) error {
	c.initRuns++
	return c.initErr
}

var (
	fakeConn    = &fakeConnector{dialect: fakeDialect, backend: &fakeBackend{}}
	missingConn = &fakeConnector{dialect: "dbi-missing", backend: &fakeBackend{}}
)

func init() {
	sql.Register(string(fakeDialect), fakeSQLDriver{})
	if err := Register("fake", fakeConn); err != nil {
		panic(err)
	}
	if err := Register("missing", missingConn); err != nil {
		panic(err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	assert.Error(t, Register("fake", fakeConn))
	assert.Error(t, Register("other", nil))
	assert.Contains(t, Schemes(), "fake")
}

func TestDriverInit(t *testing.T) {
	var d = NewDriver(nil)

	require.Error(t, d.Check(fakeDialect), "uninitialized driver")

	assert.GreaterOrEqual(t, d.Init(), 1)
	assert.Contains(t, d.Available(), fakeDialect)
	assert.NotContains(t, d.Available(), DialectName("dbi-missing"))
	assert.NoError(t, d.Check(fakeDialect))

	var err = d.Check("dbi-missing")
	assert.True(t, errors.Is(err, ErrBadURL))

	var runs = fakeConn.initRuns
	d.Init()
	assert.Equal(t, runs, fakeConn.initRuns, "Init runs once")
	assert.Zero(t, missingConn.initRuns)
}

type closer struct {
	name   string
	closed *[]string
}

func (c closer) Close() error {
	*c.closed = append(*c.closed, c.name)
	return nil
}

func TestDriverAttachAndShutdown(t *testing.T) {
	var d = NewDriver(nil)
	d.Init()

	var closed []string
	var creates int
	var create = func(name string) func() (io.Closer, error) {
		return func() (io.Closer, error) {
			creates++
			return closer{name: name, closed: &closed}, nil
		}
	}

	first, err := d.Attach("a", create("a"))
	require.NoError(t, err)
	again, err := d.Attach("a", create("a2"))
	require.NoError(t, err)
	assert.Equal(t, first, again)
	_, err = d.Attach("b", create("b"))
	require.NoError(t, err)
	assert.Equal(t, 2, creates)

	d.SessionStarted()
	d.SessionStarted()
	d.SessionEnded()
	assert.Equal(t, int64(1), d.LiveSessions())

	require.NoError(t, d.Shutdown())
	assert.Equal(t, []string{"b", "a"}, closed)
	require.NoError(t, d.Shutdown())
	assert.Equal(t, []string{"b", "a"}, closed)

	assert.Error(t, d.Check(fakeDialect))
	_, err = d.Attach("c", create("c"))
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	var ctx = context.Background()
	var d = NewDriver(nil)

	_, err := Open(ctx, nil, Config{ConnString: "fake://host/db"})
	assert.True(t, errors.Is(err, ErrBadURL))

	_, err = Open(ctx, d, Config{ConnString: "fake://host/db"})
	assert.True(t, errors.Is(err, ErrBadURL), "uninitialized driver")

	d.Init()

	_, err = Open(ctx, d, Config{ConnString: "nosuch://host/db"})
	assert.True(t, errors.Is(err, ErrBadURL))

	_, err = Open(ctx, d, Config{ConnString: "missing://host/db"})
	assert.True(t, errors.Is(err, ErrBadURL))

	be, err := Open(ctx, d, Config{ConnString: "fake://host/db", Create: true})
	require.NoError(t, err)
	assert.Equal(t, fakeDialect, be.Dialect())
	assert.True(t, fakeConn.backend.cfg.Create)

	fakeConn.backend.fail = NewError(KindLocked, "held")
	defer func() { fakeConn.backend.fail = nil }()
	_, err = Open(ctx, d, Config{ConnString: "fake://host/db"})
	assert.True(t, errors.Is(err, ErrLocked))
}
