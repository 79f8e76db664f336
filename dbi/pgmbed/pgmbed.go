// Package pgmbed runs a local PostgreSQL server for postgres locators that ask for one with
// the embedded-postgres query switch.
package pgmbed

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"

	"github.com/codesmythe/gnucash/logger"
)

// Query switches consumed by ParseOptions
const (
	optEnabled        = "embedded-postgres"
	optPort           = "ep-port"
	optDataDir        = "ep-data-dir"
	optMaxConnections = "ep-max-connections"
)

// Opts is a structure to store all the embedded postgresql options
type Opts struct {
	Enabled        bool
	Port           int
	DataDir        string
	MaxConnections int
}

// ParseOptions extracts the embedded Postgres switches from cs and returns cs without them
func ParseOptions(cs string) (string, *Opts, error) {
	parsedURL, err := url.Parse(cs)
	if err != nil {
		return "", nil, fmt.Errorf("pgmbed: invalid connection string: %v", err)
	}

	queryParams := parsedURL.Query()

	opts := &Opts{
		Enabled:        false,
		Port:           5433,
		DataDir:        "",
		MaxConnections: 64,
	}

	if enabled, exists := queryParams[optEnabled]; exists {
		if opts.Enabled, err = strconv.ParseBool(enabled[0]); err != nil {
			return "", nil, fmt.Errorf("pgmbed: invalid value for %s: %v", optEnabled, err)
		}
		delete(queryParams, optEnabled)
	}

	if port, exists := queryParams[optPort]; exists {
		if opts.Port, err = strconv.Atoi(port[0]); err != nil || opts.Port <= 0 || opts.Port > 65535 {
			return "", nil, fmt.Errorf("pgmbed: invalid value for %s: %q", optPort, port[0])
		}
		delete(queryParams, optPort)
	}

	if dataDir, exists := queryParams[optDataDir]; exists {
		opts.DataDir = dataDir[0]
		delete(queryParams, optDataDir)
	}

	if maxConns, exists := queryParams[optMaxConnections]; exists {
		if opts.MaxConnections, err = strconv.Atoi(maxConns[0]); err != nil {
			return "", nil, fmt.Errorf("pgmbed: invalid value for %s: %v", optMaxConnections, err)
		}
		delete(queryParams, optMaxConnections)
	}

	parsedURL.RawQuery = queryParams.Encode()
	return parsedURL.String(), opts, nil
}

// packConnectionString points cs at the embedded server; the database path is kept
func packConnectionString(cs string, opts *Opts) string {
	if cs == "" || opts == nil {
		return cs
	}

	var u, err = url.Parse(cs)
	if err != nil {
		return cs
	}

	u.Host = fmt.Sprintf("localhost:%d", opts.Port)
	u.User = url.UserPassword("postgres", "postgres")
	if u.Path == "" || u.Path == "/" {
		u.Path = "/postgres"
	}

	return u.String()
}

type embeddedPostgresLogger struct {
	logger logger.Logger
}

func (l embeddedPostgresLogger) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			l.logger.Debug("-- embedded postgres: %s", line)
		}
	}
	return len(p), nil
}

func dataDir(dir string, l logger.Logger) (string, error) {
	if dir == "" {
		dir = ".embedded-postgres-go"
		if userHome, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(userHome, dir)
		}
		dir = filepath.Join(dir, "data")
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		l.Info("creating embedded Postgres data dir: %s", dir)
		if err = os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("pgmbed: failed to create data directory: %v", err)
		}
	}

	l.Info("using embedded Postgres data dir: %s", dir)
	return dir, nil
}

// Launcher owns at most one embedded server, shared by reference count between the sessions
// that use it. Close stops it regardless of outstanding references.
type Launcher struct {
	logger logger.Logger

	mu       sync.Mutex
	refs     int
	port     int
	instance *embeddedpostgres.EmbeddedPostgres
}

// NewLauncher returns a launcher with no server running
func NewLauncher(l logger.Logger) *Launcher {
	return &Launcher{logger: logger.OrDiscard(l)}
}

// Launch starts the server on first use and returns cs rewritten to reach it.
// Every successful Launch must be paired with a Release.
func (l *Launcher) Launch(cs string, opts *Opts) (string, error) {
	if opts == nil || !opts.Enabled {
		return cs, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.instance != nil && l.port != opts.Port {
		return "", fmt.Errorf("pgmbed: embedded Postgres already running on port %d", l.port)
	}

	if l.instance == nil {
		dir, err := dataDir(opts.DataDir, l.logger)
		if err != nil {
			return "", err
		}

		var port = uint32(opts.Port)
		var instance = embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
			Port(port).
			DataPath(dir).
			Logger(embeddedPostgresLogger{logger: l.logger}).
			StartParameters(map[string]string{
				"max_connections": strconv.Itoa(opts.MaxConnections),
				"jit":             "off",
			}))

		if err = instance.Start(); err != nil {
			if err.Error() != fmt.Sprintf("process already listening on port %d", port) {
				return "", fmt.Errorf("pgmbed: embedded Postgres DB start error: %v", err)
			}
			l.logger.Warn("port %d is taken, assuming a running embedded Postgres", port)
		}
		l.instance = instance
		l.port = opts.Port
	}

	l.refs++
	return packConnectionString(cs, opts), nil
}

// Release drops one reference; the last one stops the server
func (l *Launcher) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs == 0 {
		return nil
	}
	l.refs--
	if l.refs == 0 {
		return l.stop()
	}
	return nil
}

// Close stops the server
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refs = 0
	return l.stop()
}

// Running reports whether a server is up, with its reference count
func (l *Launcher) Running() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.instance != nil, l.refs
}

func (l *Launcher) stop() error {
	if l.instance == nil {
		return nil
	}

	var err = l.instance.Stop()
	l.instance = nil

	if err != nil {
		return fmt.Errorf("pgmbed: embedded Postgres DB stop error: %v", err)
	}
	return nil
}
