package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/conductor/internal/model"
)

var tables = map[model.Family]string{
	model.FamilyDeployment: "deployments",
	model.FamilyResource:   "resources",
	model.FamilyDefinition: "definitions",
	model.FamilyJob:        "jobs",
	model.FamilyIncident:   "incidents",
}

func tableFor(f model.Family) (string, error) {
	t, ok := tables[f]
	if !ok {
		return "", fmt.Errorf("no table for family %q", f)
	}
	return t, nil
}

// Tx is a database transaction bound to the store's dialect.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.classify("begin", nil, err)
	}
	return &Tx{tx: tx, dialect: s.dialect}, nil
}

// WithTx runs fn in a transaction, committing on success and rolling back
// on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Commit commits the transaction. A failed commit is classified like any
// other write failure.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return t.classify("commit", nil, err)
	}
	return nil
}

// Rollback aborts the transaction. Calling it after Commit is a no-op.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// Dialect returns the backend dialect.
func (t *Tx) Dialect() Dialect {
	return t.dialect
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

func (s *Store) classify(op string, e model.Entity, err error) error {
	return classifyWith(s.dialect, op, e, err)
}

func (t *Tx) classify(op string, e model.Entity, err error) error {
	return classifyWith(t.dialect, op, e, err)
}

func classifyWith(d Dialect, op string, e model.Entity, err error) error {
	me := &model.Error{Kind: d.Classify(err), Op: op, Err: err}
	if e != nil {
		me.Entity = e.Kind()
		me.ID = e.EntityID()
	}
	return me
}
