// Package store provides the transactional scope handlers run in. It wraps a
// database/sql pool for either PostgreSQL (pgx) or SQLite, owns the engine's
// schema and records handler activity.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	_ "github.com/mattn/go-sqlite3"    // sqlite3 driver for database/sql
)

// Supported drivers.
const (
	DriverNone     = "none"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrEmptyDSN      = errors.New("store dsn is empty")
)

// Config represents store settings.
type Config struct {
	Driver string // none, postgres, sqlite
	DSN    string
	// MaxConns bounds open connections; 0 leaves the driver default.
	// SQLite gets at least 2 so a long handler transaction does not block Ping.
	MaxConns int
}

// Store is a database handle shared by all workers.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured database and verifies the connection.
// It returns (nil, nil) for the "none" driver.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == DriverNone {
		return nil, nil
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w (driver %s)", ErrEmptyDSN, driver)
	}

	var sqlDriver string
	switch driver {
	case DriverPostgres:
		sqlDriver = "pgx"
	case DriverSQLite:
		sqlDriver = "sqlite3"
	default:
		return nil, fmt.Errorf("%w: %q (expected: none, postgres, sqlite)", ErrUnknownDriver, cfg.Driver)
	}

	dsn := cfg.DSN
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		conns := max(cfg.MaxConns, 2)
		// у каждого соединения своя :memory: база
		if strings.Contains(cfg.DSN, ":memory:") {
			conns = 1
		}
		db.SetMaxOpenConns(conns)
		db.SetMaxIdleConns(conns)
	} else if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}

	return &Store{db: db, driver: driver}, nil
}

// sqliteParams задаются через DSN, чтобы действовать на каждом соединении пула
var sqliteParams = [][2]string{
	{"_journal_mode", "WAL"},
	{"_synchronous", "NORMAL"},
	{"_busy_timeout", "5000"},
}

// sqliteDSN adds WAL, synchronous and busy_timeout settings unless the DSN sets them.
func sqliteDSN(dsn string) string {
	base, query, _ := strings.Cut(dsn, "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		return dsn
	}
	for _, p := range sqliteParams {
		if !values.Has(p[0]) {
			values.Set(p[0], p[1])
		}
	}
	return base + "?" + values.Encode()
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Rebind converts ? placeholders into the driver's native form.
func (s *Store) Rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
