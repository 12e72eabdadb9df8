package jobexec

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/store"
	"github.com/roach88/conductor/internal/uow"
)

func TestNextWait(t *testing.T) {
	o := Options{WaitTime: time.Second, MaxWait: 8 * time.Second, Multiplier: 2}

	tests := []struct {
		name     string
		previous time.Duration
		n, limit int
		want     time.Duration
	}{
		{"full batch", 4 * time.Second, 3, 3, 0},
		{"partial batch resets", 4 * time.Second, 1, 3, time.Second},
		{"first empty cycle", 0, 0, 3, time.Second},
		{"empty cycle grows", time.Second, 0, 3, 2 * time.Second},
		{"growth is capped", 6 * time.Second, 0, 3, 8 * time.Second},
		{"after full batch", 0, 0, 3, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextWait(o, tt.previous, tt.n, tt.limit))
		})
	}
}

func TestPool_SubmitStates(t *testing.T) {
	e := newEnv(t)
	p := NewPool(e.worker(), 1, 1)
	job := &model.Job{HandlerType: "noop"}

	assert.ErrorIs(t, p.Submit(job), ErrPoolNotStarted)
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Submit(job), ErrPoolClosed)
	assert.NoError(t, p.Close())
}

func TestPool_RejectsWhenFull(t *testing.T) {
	e := newEnv(t)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	e.handlers.Register("block", HandlerFunc(func(context.Context, *uow.UnitOfWork, *model.Job) error {
		started <- struct{}{}
		<-release
		return nil
	}))
	for range 3 {
		e.schedule(t, JobRequest{HandlerType: "block"})
	}
	jobs := e.acquireAll(t)
	require.Len(t, jobs, 3)

	p := NewPool(e.worker(), 1, 1)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(jobs[0]))
	<-started
	require.NoError(t, p.Submit(jobs[1]), "queued")
	assert.ErrorIs(t, p.Submit(jobs[2]), ErrPoolFull)

	close(release)
	require.NoError(t, p.Close())
	assert.Nil(t, e.job(t, jobs[0].ID))
	assert.Nil(t, e.job(t, jobs[1].ID))
	assert.NotNil(t, e.job(t, jobs[2].ID))
}

func TestScheduler_CycleReleasesRejectedJobs(t *testing.T) {
	e := newEnv(t)
	job := e.schedule(t, JobRequest{HandlerType: "noop"})

	// A pool that was never started rejects everything.
	s := NewScheduler(e.acquirer(testNode), NewPool(e.worker(), 1, 0), e.mgmt, DefaultOptions())
	submitted, acquired, err := s.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)
	assert.Equal(t, 1, acquired)

	stored := e.job(t, job.ID)
	assert.Empty(t, stored.LockOwner, "rejected job is unlocked")
	assert.Equal(t, 3, stored.Retries, "rejection does not consume a retry")
	assert.Len(t, e.acquireAll(t), 1)
}

func TestScheduler_RunExecutesAndStops(t *testing.T) {
	e := newEnv(t)
	var done atomic.Int32
	e.handlers.Register("count", HandlerFunc(func(context.Context, *uow.UnitOfWork, *model.Job) error {
		done.Add(1)
		return nil
	}))
	for range 5 {
		e.schedule(t, JobRequest{HandlerType: "count"})
	}

	s := NewScheduler(
		NewAcquirer(e.exec, testNode, 2, lockDuration),
		NewPool(e.worker(), 2, 4),
		e.mgmt,
		Options{WaitTime: 5 * time.Millisecond, MaxWait: 20 * time.Millisecond, Multiplier: 2})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return done.Load() == 5 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	all, err := e.mgmt.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestManagement_UnlockAndActivate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.schedule(t, JobRequest{HandlerType: "noop"})
	require.Len(t, e.acquireAll(t), 1)

	require.NoError(t, e.mgmt.Unlock(ctx, job.ID))
	assert.Empty(t, e.job(t, job.ID).LockOwner)

	err := e.mgmt.Unlock(ctx, "missing")
	assert.Equal(t, model.ErrValidation, model.KindOf(err))
	err = e.mgmt.SetRetries(ctx, job.ID, -1)
	assert.Equal(t, model.ErrValidation, model.KindOf(err))
	err = e.mgmt.ActivateDefinition(ctx, "missing")
	assert.Equal(t, model.ErrValidation, model.KindOf(err))
}

func TestManagement_ActivateDefinitionResumesJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	def := &model.Definition{Key: "invoice", Name: "invoice", Version: 1, ResourceName: "invoice.yaml", Fingerprint: "fp", Suspended: true}
	require.NoError(t, e.exec.Execute(ctx, "seed", func(ctx context.Context, u *uow.UnitOfWork) error {
		dep := &model.Deployment{Name: "billing", DeployedAt: u.Now()}
		if err := u.Insert(dep); err != nil {
			return err
		}
		def.DeploymentID = dep.ID
		return u.Insert(def)
	}))
	job := e.schedule(t, JobRequest{HandlerType: "noop", DefinitionID: def.ID})
	require.NoError(t, e.exec.Execute(ctx, "suspend", func(ctx context.Context, u *uow.UnitOfWork) error {
		u.SuspendJobsOf(def.ID, true)
		return nil
	}))
	assert.Empty(t, e.acquireAll(t))

	require.NoError(t, e.mgmt.ActivateDefinition(ctx, def.ID))
	assert.False(t, e.job(t, job.ID).Suspended)
	assert.Len(t, e.acquireAll(t), 1)
}
