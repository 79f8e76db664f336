package dbi

import (
	"database/sql"
	"errors"
	"io"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/codesmythe/gnucash/logger"
)

// DriverInitializer is implemented by connectors that need process-wide setup once per Driver
type DriverInitializer interface {
	InitDriver(d *Driver) error
}

// Driver is the process-scoped state shared by every session: which dialects have a linked
// database/sql driver, resources such as an embedded server, and the number of live sessions.
//
// Init and Shutdown each take effect once; sessions cannot be opened before Init or after Shutdown.
type Driver struct {
	logger logger.Logger

	initOnce     sync.Once
	shutdownOnce sync.Once

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	available   map[DialectName]bool
	attachments map[string]io.Closer
	attachOrder []string

	sessions *atomic.Int64
}

// NewDriver returns an uninitialized driver
func NewDriver(l logger.Logger) *Driver {
	return &Driver{
		logger:      logger.OrDiscard(l),
		available:   make(map[DialectName]bool),
		attachments: make(map[string]io.Closer),
		sessions:    atomic.NewInt64(0),
	}
}

// Logger returns the driver's system logger
func (d *Driver) Logger() logger.Logger {
	return d.logger
}

// Init scans the linked database/sql drivers and lets every registered connector whose driver
// is present set itself up. It returns the number of usable dialects.
func (d *Driver) Init() int {
	d.initOnce.Do(func() {
		var linked = make(map[string]bool)
		for _, name := range sql.Drivers() {
			linked[name] = true
		}

		connectorsMu.RLock()
		var conns = make([]Connector, 0, len(connectors))
		for _, c := range connectors {
			conns = append(conns, c)
		}
		connectorsMu.RUnlock()

		d.mu.Lock()
		for _, c := range conns {
			if linked[string(c.Dialect())] {
				d.available[c.Dialect()] = true
			}
		}
		d.initialized = true
		d.mu.Unlock()

		var initialized = make(map[DialectName]bool)
		for _, c := range conns {
			if !d.available[c.Dialect()] || initialized[c.Dialect()] {
				continue
			}
			initialized[c.Dialect()] = true
			if in, ok := c.(DriverInitializer); ok {
				if err := in.InitDriver(d); err != nil {
					d.logger.Error("driver %s initialization failed: %v", c.Dialect(), err)
					d.mu.Lock()
					delete(d.available, c.Dialect())
					d.mu.Unlock()
				}
			}
		}

		if len(d.available) == 0 {
			d.logger.Warn("no SQL drivers found")
		} else {
			d.logger.Info("%d SQL drivers found: %v", len(d.available), d.Available())
		}
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.available)
}

// Available returns the usable dialects, sorted
func (d *Driver) Available() []DialectName {
	d.mu.Lock()
	defer d.mu.Unlock()

	var names []DialectName
	for n := range d.available {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Check reports whether a session of the given dialect may be opened
func (d *Driver) Check(dialect DialectName) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case !d.initialized:
		return NewError(KindBadURL, "attempt to connect with an uninitialized driver")
	case d.shutdown:
		return NewError(KindBadURL, "driver has been shut down")
	case !d.available[dialect]:
		return NewError(KindBadURL, "no %s driver is available", dialect)
	}
	return nil
}

// Attach returns the resource registered under key, creating it on first use.
// Attached resources are closed by Shutdown in reverse order of creation.
func (d *Driver) Attach(key string, create func() (io.Closer, error)) (io.Closer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown {
		return nil, NewError(KindServer, "driver has been shut down")
	}
	if r, ok := d.attachments[key]; ok {
		return r, nil
	}

	r, err := create()
	if err != nil {
		return nil, err
	}
	d.attachments[key] = r
	d.attachOrder = append(d.attachOrder, key)
	return r, nil
}

// SessionStarted and SessionEnded track live sessions
func (d *Driver) SessionStarted() {
	d.sessions.Inc()
}

func (d *Driver) SessionEnded() {
	d.sessions.Dec()
}

// LiveSessions returns the number of sessions begun and not yet ended
func (d *Driver) LiveSessions() int64 {
	return d.sessions.Load()
}

// Shutdown releases attached resources; later calls are no-ops
func (d *Driver) Shutdown() error {
	var errs []error
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.shutdown = true
		var order = d.attachOrder
		var attachments = d.attachments
		d.attachments = make(map[string]io.Closer)
		d.attachOrder = nil
		d.mu.Unlock()

		if n := d.sessions.Load(); n > 0 {
			d.logger.Warn("driver shut down with %d live sessions", n)
		}

		for i := len(order) - 1; i >= 0; i-- {
			if err := attachments[order[i]].Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
