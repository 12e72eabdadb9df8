package jobexec

import (
	"context"
	"time"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/uow"
)

// Acquirer claims due jobs for one node.
type Acquirer struct {
	exec         *uow.Executor
	node         string
	maxJobs      int
	lockDuration time.Duration
}

// NewAcquirer creates an acquirer that claims up to maxJobs jobs per call
// and holds each lease for lockDuration.
func NewAcquirer(exec *uow.Executor, node string, maxJobs int, lockDuration time.Duration) *Acquirer {
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Acquirer{exec: exec, node: node, maxJobs: maxJobs, lockDuration: lockDuration}
}

// Node returns the lock owner name of this acquirer.
func (a *Acquirer) Node() string { return a.node }

// MaxJobs returns the batch limit.
func (a *Acquirer) MaxJobs() int { return a.maxJobs }

// Acquire selects eligible jobs and takes the lease on each with a
// compare-and-swap. Jobs another node locked first are left out. The
// returned jobs carry the new lease and revision.
func (a *Acquirer) Acquire(ctx context.Context) (jobs []*model.Job, lost int, err error) {
	err = a.exec.Execute(ctx, "acquire jobs", func(ctx context.Context, u *uow.UnitOfWork) error {
		jobs, lost = nil, 0

		now := u.Now()
		candidates, err := u.Tx().AcquirableJobs(ctx, now, a.maxJobs)
		if err != nil {
			return err
		}
		expiration := now.Add(a.lockDuration)
		for _, j := range candidates {
			ok, err := u.Tx().CompareAndSwapLock(ctx, j.ID, j.Revision(), a.node, expiration, now)
			if err != nil {
				return err
			}
			if !ok {
				lost++
				continue
			}
			j.LockOwner = a.node
			j.LockExpiration = expiration
			j.SetRevision(j.Revision() + 1)
			jobs = append(jobs, j)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return jobs, lost, nil
}
