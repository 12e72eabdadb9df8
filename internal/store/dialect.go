package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/conductor/internal/model"
)

// Dialect captures what differs between backends.
type Dialect interface {
	// Name is the driver name the dialect was selected by.
	Name() string

	// DriverName is the database/sql driver to open.
	DriverName() string

	// Rebind rewrites ? placeholders into the backend's syntax.
	Rebind(query string) string

	// SkipLocked is appended to acquisition reads. Empty when the backend
	// has no row-level locking.
	SkipLocked() string

	// Classify maps a backend error to an error kind.
	Classify(err error) model.ErrorKind

	Schema() string
	Pragmas() []string
	DefaultMaxConns() int
}

func dialectFor(driver string) (Dialect, error) {
	switch driver {
	case "", DriverSQLite, "sqlite":
		return sqliteDialect{}, nil
	case DriverPostgres, "postgres", "postgresql":
		return postgresDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return DriverSQLite }
func (sqliteDialect) DriverName() string         { return "sqlite3" }
func (sqliteDialect) Rebind(query string) string { return query }
func (sqliteDialect) SkipLocked() string         { return "" }
func (sqliteDialect) Schema() string             { return schemaSQLite }
func (sqliteDialect) DefaultMaxConns() int       { return 1 }

func (sqliteDialect) Pragmas() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
}

// sqliteExtendedCodes takes precedence over sqliteCodes. A stale WAL
// snapshot means another connection committed a write first.
var sqliteExtendedCodes = map[sqlite3.ErrNoExtended]model.ErrorKind{
	sqlite3.ErrBusySnapshot: model.ErrOptimisticLock,
}

var sqliteCodes = map[sqlite3.ErrNo]model.ErrorKind{
	sqlite3.ErrBusy:       model.ErrDeadlock,
	sqlite3.ErrLocked:     model.ErrDeadlock,
	sqlite3.ErrConstraint: model.ErrConstraintViolation,
}

func (sqliteDialect) Classify(err error) model.ErrorKind {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return model.ErrFallback
	}
	if kind, ok := sqliteExtendedCodes[se.ExtendedCode]; ok {
		return kind
	}
	if kind, ok := sqliteCodes[se.Code]; ok {
		return kind
	}
	return model.ErrFallback
}

type postgresDialect struct{}

func (postgresDialect) Name() string         { return DriverPostgres }
func (postgresDialect) DriverName() string   { return "pgx" }
func (postgresDialect) SkipLocked() string   { return " FOR UPDATE SKIP LOCKED" }
func (postgresDialect) Schema() string       { return schemaPostgres }
func (postgresDialect) Pragmas() []string    { return nil }
func (postgresDialect) DefaultMaxConns() int { return 10 }

// Rebind numbers placeholders: "a = ? AND b = ?" becomes "a = $1 AND b = $2".
func (postgresDialect) Rebind(query string) string {
	if !strings.Contains(query, "?") {
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

// postgresCodes maps SQLSTATE codes. Class 23 (integrity constraint
// violation) is matched by prefix.
var postgresCodes = map[string]model.ErrorKind{
	"40P01": model.ErrDeadlock,       // deadlock_detected
	"55P03": model.ErrDeadlock,       // lock_not_available
	"40001": model.ErrOptimisticLock, // serialization_failure
}

func (postgresDialect) Classify(err error) model.ErrorKind {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return model.ErrFallback
	}
	if kind, ok := postgresCodes[pgErr.Code]; ok {
		return kind
	}
	if strings.HasPrefix(pgErr.Code, "23") {
		return model.ErrConstraintViolation
	}
	return model.ErrFallback
}
