package store

import (
	"path/filepath"
	"strings"
	"time"
)

// DefaultSQLiteFile is the database file name inside the state directory.
const DefaultSQLiteFile = "checkinpipe.db"

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
	Now func() time.Time
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithClock overrides the clock used for cache expiry and row timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and key/value DSNs and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// DefaultSQLiteDSN returns the database path inside stateDir.
func DefaultSQLiteDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultSQLiteFile)
}
