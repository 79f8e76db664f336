package dbi

// Dialect names, equal to the database/sql driver names
const (
	SQLITE   DialectName = "sqlite3"
	MYSQL    DialectName = "mysql"
	POSTGRES DialectName = "postgres"
)

// Locator schemes
const (
	SchemeFile     = "file"
	SchemeSQLite3  = "sqlite3"
	SchemeMySQL    = "mysql"
	SchemePostgres = "postgres"
)

const (
	// MaxConnAttempts bounds consecutive reconnect attempts
	MaxConnAttempts = 5

	// LockTable holds one row per advisory lock holder
	LockTable = "gnclock"

	// BackupSuffix is appended to table names during a safe resync
	BackupSuffix = "_back"

	// HostNameMax is the width of gnclock.Hostname
	HostNameMax = 255

	// VersionTable is maintained by the populator and read on load
	VersionTable = "versions"

	// ResaveVersion is the oldest schema version this release writes without a resave
	ResaveVersion = 19920

	// MinTime and MaxTime bound timestamps accepted from the drivers, in seconds since the epoch
	MinTime int64 = -17987443200
	MaxTime int64 = 253402214400
)

// Version bookkeeping rows in VersionTable
const (
	VersionKeySchema = "Gnucash"
	VersionKeyResave = "Gnucash-Resave"
)
