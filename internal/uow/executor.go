package uow

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/conductor/internal/clock"
	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/store"
)

// Command is the body of a unit of work. Returning an error rolls the
// transaction back.
type Command func(ctx context.Context, u *UnitOfWork) error

// Observer is notified about command retries.
type Observer interface {
	CommandRetried(command string, kind model.ErrorKind)
}

// Executor runs commands, each in a fresh transaction and unit of work.
// A command failing with OPTIMISTIC_LOCK or DEADLOCK is re-run from
// scratch with exponential backoff, up to MaxAttempts times in total.
type Executor struct {
	store           *store.Store
	clock           clock.Clock
	ids             model.IDGenerator
	logger          *slog.Logger
	observer        Observer
	maxAttempts     uint
	initialInterval time.Duration
	maxInterval     time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock sets the clock handed to every unit of work.
func WithExecutorClock(c clock.Clock) ExecutorOption {
	return func(x *Executor) { x.clock = c }
}

// WithExecutorIDs sets the id generator handed to every unit of work.
func WithExecutorIDs(g model.IDGenerator) ExecutorOption {
	return func(x *Executor) { x.ids = g }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(x *Executor) { x.logger = l }
}

// WithObserver registers a retry observer.
func WithObserver(o Observer) ExecutorOption {
	return func(x *Executor) { x.observer = o }
}

// WithMaxAttempts bounds the number of runs per command. Values below 1
// are treated as 1.
func WithMaxAttempts(n int) ExecutorOption {
	return func(x *Executor) {
		if n < 1 {
			n = 1
		}
		x.maxAttempts = uint(n)
	}
}

// WithRetryInterval sets the initial and maximum backoff between runs.
func WithRetryInterval(initial, ceiling time.Duration) ExecutorOption {
	return func(x *Executor) {
		x.initialInterval = initial
		x.maxInterval = ceiling
	}
}

// NewExecutor creates an executor over a store.
func NewExecutor(st *store.Store, opts ...ExecutorOption) *Executor {
	x := &Executor{
		store:           st,
		clock:           clock.System{},
		ids:             model.UUIDv7Generator{},
		logger:          slog.Default(),
		maxAttempts:     3,
		initialInterval: 10 * time.Millisecond,
		maxInterval:     500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Clock returns the executor's clock.
func (x *Executor) Clock() clock.Clock { return x.clock }

// Store returns the underlying store.
func (x *Executor) Store() *store.Store { return x.store }

// Execute runs cmd until it commits, fails with a non-retryable error, or
// exhausts its attempts. The last error is returned unchanged.
func (x *Executor) Execute(ctx context.Context, name string, cmd Command) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.initialInterval
	b.MaxInterval = x.maxInterval

	var (
		attempt int
		lastErr error
	)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		lastErr = x.runOnce(ctx, cmd)
		if lastErr == nil {
			return struct{}{}, nil
		}
		if !model.IsRetryable(lastErr) {
			return struct{}{}, backoff.Permanent(lastErr)
		}
		x.logger.Debug("command conflict",
			"command", name,
			"attempt", attempt,
			"kind", model.KindOf(lastErr),
			"error", lastErr)
		if x.observer != nil {
			x.observer.CommandRetried(name, model.KindOf(lastErr))
		}
		return struct{}{}, lastErr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(x.maxAttempts))

	if err == nil {
		return nil
	}
	if lastErr == nil || ctx.Err() != nil {
		return err
	}
	return lastErr
}

func (x *Executor) runOnce(ctx context.Context, cmd Command) error {
	tx, err := x.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	u := New(tx,
		WithClock(x.clock),
		WithIDGenerator(x.ids),
		WithLogger(x.logger))

	if err := cmd(ctx, u); err != nil {
		return err
	}
	if err := u.Flush(ctx); err != nil {
		return err
	}
	return tx.Commit()
}
