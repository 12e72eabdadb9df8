// Package uow implements the unit of work: a per-command session that
// caches every record it reads, collects inserts, updates, deletes and bulk
// writes, and flushes them in dependency order inside one transaction.
//
// Updates and deletes are conditioned on the revision each record was read
// at. A conditional write that matches no row fails the flush with an
// OPTIMISTIC_LOCK error naming the record; the Executor then rolls back and
// may re-run the whole command.
package uow

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/persistence"
	"github.com/roach88/conductor/internal/store"
)

// UnitOfWork tracks the records of one command. It is not safe for
// concurrent use.
type UnitOfWork struct {
	tx     *store.Tx
	cache  *persistence.EntityCache
	ops    *persistence.OperationManager
	bulk   []*persistence.BulkOperation
	deps   persistence.DependencyTable
	ids    model.IDGenerator
	clock  clock.Clock
	logger *slog.Logger

	flushed []persistence.Operation
}

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithIDGenerator sets the generator for ids of inserted records.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(u *UnitOfWork) { u.ids = g }
}

// WithClock sets the clock exposed through Now.
func WithClock(c clock.Clock) Option {
	return func(u *UnitOfWork) { u.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *UnitOfWork) { u.logger = l }
}

// WithDependencies replaces the flush dependency table.
func WithDependencies(d persistence.DependencyTable) Option {
	return func(u *UnitOfWork) { u.deps = d }
}

// New creates a unit of work over an open transaction.
func New(tx *store.Tx, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		tx:     tx,
		cache:  persistence.NewEntityCache(),
		ops:    persistence.NewOperationManager(),
		deps:   persistence.DefaultDependencies(),
		ids:    model.UUIDv7Generator{},
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Tx returns the underlying transaction.
func (u *UnitOfWork) Tx() *store.Tx { return u.tx }

// Now returns the current time of the unit's clock.
func (u *UnitOfWork) Now() time.Time { return u.clock.Now() }

// NewID returns a fresh record id.
func (u *UnitOfWork) NewID() string { return u.ids.Generate() }

// Logger returns the unit's logger.
func (u *UnitOfWork) Logger() *slog.Logger { return u.logger }

// Cache exposes the entity cache.
func (u *UnitOfWork) Cache() *persistence.EntityCache { return u.cache }

// Insert schedules a new record. An empty id is filled in.
func (u *UnitOfWork) Insert(e model.Entity) error {
	if e.EntityID() == "" {
		e.SetEntityID(u.NewID())
	}
	if err := u.cache.PutTransient(e); err != nil {
		return err
	}
	u.ops.Insert(e)
	return nil
}

// Delete schedules removal of a record. Deleting a record inserted in the
// same unit cancels both writes.
func (u *UnitOfWork) Delete(e model.Entity) error {
	if err := u.cache.SetDeleted(e); err != nil {
		return err
	}
	u.ops.Delete(e)
	return nil
}

// Merge attaches a detached record. It is written on flush whether or not
// it changed, conditioned on the revision it carries.
func (u *UnitOfWork) Merge(e model.Entity) error {
	return u.cache.PutMerged(e)
}

// BulkUpdate schedules an update of every row of family matching where.
func (u *UnitOfWork) BulkUpdate(family model.Family, set model.Fields, bumpRevision bool, where ...persistence.Cond) {
	u.bulk = append(u.bulk, persistence.NewBulkUpdate(family, set, bumpRevision, where...))
}

// BulkDelete schedules deletion of every row of family matching where.
func (u *UnitOfWork) BulkDelete(family model.Family, where ...persistence.Cond) {
	u.bulk = append(u.bulk, persistence.NewBulkDelete(family, where...))
}

// Plan returns the operations the next Flush would execute, in order.
func (u *UnitOfWork) Plan() ([]persistence.Operation, error) {
	ops, err := u.collect()
	if err != nil {
		return nil, err
	}
	return ops.Plan(u.deps), nil
}

// collect folds the cache state into a copy of the pending operations.
func (u *UnitOfWork) collect() (*persistence.OperationManager, error) {
	ops := persistence.NewOperationManager()
	for _, op := range u.ops.EntityOperations() {
		switch op.OpType {
		case persistence.OpInsert:
			ops.Insert(op.Entity)
		case persistence.OpDelete:
			ops.Delete(op.Entity)
		}
	}

	for _, ce := range u.cache.Entries() {
		switch ce.State {
		case persistence.StatePersistent:
			dirty, err := ce.IsDirty()
			if err != nil {
				return nil, err
			}
			if dirty {
				ops.Update(ce.Entity)
			}
		case persistence.StateMerged:
			ops.Update(ce.Entity)
		}
	}

	for _, b := range u.bulk {
		ops.AddBulk(b)
	}
	return ops, nil
}

// Flush writes every pending change in dependency order. On error the
// transaction must be rolled back; the unit is not reusable.
func (u *UnitOfWork) Flush(ctx context.Context) error {
	ops, err := u.collect()
	if err != nil {
		return err
	}

	for _, op := range ops.Plan(u.deps) {
		if err := u.execute(ctx, op); err != nil {
			u.logger.Debug("flush failed", "op", op.String(), "error", err)
			return err
		}
		u.flushed = append(u.flushed, op)
	}

	for _, ce := range u.cache.Entries() {
		if ce.State.IsDeleted() {
			u.cache.Remove(ce.Entity)
			continue
		}
		if err := u.cache.MarkPersistent(ce.Entity); err != nil {
			return err
		}
	}
	u.cache.Compact()
	u.ops = persistence.NewOperationManager()
	u.bulk = nil
	return nil
}

func (u *UnitOfWork) execute(ctx context.Context, op persistence.Operation) error {
	switch o := op.(type) {
	case *persistence.EntityOperation:
		e := o.Entity
		switch o.OpType {
		case persistence.OpInsert:
			if err := u.tx.Insert(ctx, e); err != nil {
				return err
			}
			e.SetRevision(e.Revision() + 1)
		case persistence.OpUpdate:
			n, err := u.tx.Update(ctx, e)
			if err != nil {
				return err
			}
			if n == 0 {
				return model.NewOptimisticLockError("update", e)
			}
			e.SetRevision(e.Revision() + 1)
		case persistence.OpDelete:
			n, err := u.tx.Delete(ctx, e)
			if err != nil {
				return err
			}
			if n == 0 {
				return model.NewOptimisticLockError("delete", e)
			}
		}
	case *persistence.BulkOperation:
		if _, err := u.tx.ExecBulk(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// Flushed returns every operation executed by this unit so far.
func (u *UnitOfWork) Flushed() []persistence.Operation {
	return append([]persistence.Operation(nil), u.flushed...)
}
