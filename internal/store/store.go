package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

// Driver names accepted by OpenWith.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Options configures a store.
type Options struct {
	// Driver is DriverSQLite or DriverPostgres.
	Driver string

	// DSN is a file path for SQLite or a connection string for PostgreSQL.
	DSN string

	// MaxOpenConns limits the connection pool. Zero selects the backend
	// default: 1 for SQLite, 10 for PostgreSQL.
	MaxOpenConns int
}

// Store provides durable storage for engine records.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	return OpenWith(context.Background(), Options{Driver: DriverSQLite, DSN: path})
}

// OpenWith opens a store for the configured backend, verifies the
// connection, and applies the schema and migrations.
func OpenWith(ctx context.Context, opts Options) (*Store, error) {
	dialect, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName(), opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = dialect.DefaultMaxConns()
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	s := &Store{db: db, dialect: dialect}

	if err := s.applyPragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := s.applySchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// applyPragmas sets required SQLite configuration. Other backends have
// nothing to apply.
func (s *Store) applyPragmas(ctx context.Context) error {
	for _, pragma := range s.dialect.Pragmas() {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func (s *Store) applySchema(ctx context.Context) error {
	for _, stmt := range splitStatements(s.dialect.Schema()) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}

	if err := s.runMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// splitStatements splits a schema file into single statements, dropping
// comment lines.
func splitStatements(schema string) []string {
	var lines []string
	for _, line := range strings.Split(schema, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	var stmts []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
