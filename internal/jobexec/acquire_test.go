package jobexec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/store"
	"github.com/roach88/conductor/internal/uow"
)

func TestAcquire_LocksDueJobs(t *testing.T) {
	e := newEnv(t)
	due := e.schedule(t, JobRequest{HandlerType: "noop"})
	e.schedule(t, JobRequest{HandlerType: "noop", DueDate: e.clock.Now().Add(time.Hour)})

	jobs := e.acquireAll(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)
	assert.Equal(t, testNode, jobs[0].LockOwner)
	assert.Equal(t, e.clock.Now().Add(lockDuration), jobs[0].LockExpiration)

	stored := e.job(t, due.ID)
	assert.Equal(t, testNode, stored.LockOwner)
	assert.Equal(t, jobs[0].Revision(), stored.Revision())

	assert.Empty(t, e.acquireAll(t), "locked job is not acquired twice")
}

func TestAcquire_ExpiredLeaseIsReacquired(t *testing.T) {
	e := newEnv(t)
	job := e.schedule(t, JobRequest{HandlerType: "noop"})
	require.Len(t, e.acquireAll(t), 1)

	other := e.acquirer("node-b")
	jobs, _, err := other.Acquire(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	e.clock.Advance(lockDuration + time.Millisecond)
	jobs, _, err = other.Acquire(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "node-b", e.job(t, job.ID).LockOwner)
}

func TestAcquire_SkipsIneligibleJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	failed := e.schedule(t, JobRequest{HandlerType: "noop", RetrySpec: "0"})
	require.Equal(t, 0, failed.Retries)

	suspended := e.schedule(t, JobRequest{HandlerType: "noop"})
	require.NoError(t, e.exec.Execute(ctx, "suspend", func(ctx context.Context, u *uow.UnitOfWork) error {
		j, err := u.FindJob(ctx, suspended.ID)
		if err != nil {
			return err
		}
		j.Suspended = true
		return nil
	}))

	assert.Empty(t, e.acquireAll(t))
}

func TestAcquire_BatchLimit(t *testing.T) {
	e := newEnv(t)
	for range 5 {
		e.schedule(t, JobRequest{HandlerType: "noop"})
	}

	a := NewAcquirer(e.exec, testNode, 2, lockDuration)
	jobs, _, err := a.Acquire(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestAcquire_ConcurrentNodesAreExclusive(t *testing.T) {
	e := newEnv(t)
	job := e.schedule(t, JobRequest{HandlerType: "noop"})

	const nodes = 5
	acquirers := make([]*Acquirer, nodes)
	for i := range acquirers {
		s, err := store.Open(e.path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		exec := uow.NewExecutor(s,
			uow.WithExecutorClock(e.clock),
			uow.WithMaxAttempts(20),
			uow.WithRetryInterval(time.Millisecond, 20*time.Millisecond))
		acquirers[i] = NewAcquirer(exec, string(rune('a'+i))+"-node", 10, lockDuration)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		won   []string
		fails []error
	)
	start := make(chan struct{})
	for _, a := range acquirers {
		wg.Add(1)
		go func(a *Acquirer) {
			defer wg.Done()
			<-start
			jobs, _, err := a.Acquire(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails = append(fails, err)
				return
			}
			for _, j := range jobs {
				if j.ID == job.ID {
					won = append(won, a.Node())
				}
			}
		}(a)
	}
	close(start)
	wg.Wait()

	require.Empty(t, fails)
	require.Len(t, won, 1, "exactly one node holds the lease")
	assert.Equal(t, won[0], e.job(t, job.ID).LockOwner)
}

func TestCreateJob(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name    string
		req     JobRequest
		kind    model.Kind
		retries int
	}{
		{"default", JobRequest{HandlerType: "h"}, model.KindAsyncJob, 3},
		{"timer", JobRequest{Kind: model.KindTimerJob, HandlerType: "h", RetrySpec: "R5/PT5M"}, model.KindTimerJob, 5},
		{"repeat zero", JobRequest{HandlerType: "h", RetrySpec: "R0/PT5M"}, model.KindAsyncJob, 1},
		{"list", JobRequest{Kind: model.KindBatchJob, HandlerType: "h", RetrySpec: "PT10M,PT17M,PT20M"}, model.KindBatchJob, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := e.schedule(t, tt.req)
			stored := e.job(t, job.ID)
			require.NotNil(t, stored)
			assert.Equal(t, tt.kind, stored.Kind())
			assert.Equal(t, tt.retries, stored.Retries)
			assert.Equal(t, e.clock.Now(), stored.DueDate)
			assert.Empty(t, stored.LockOwner)
		})
	}
}

func TestCreateJob_Invalid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, req := range []JobRequest{
		{},
		{HandlerType: "h", Kind: model.KindDefinition},
		{HandlerType: "h", RetrySpec: "R/x"},
	} {
		_, err := e.mgmt.Schedule(ctx, req)
		require.Error(t, err)
		assert.Equal(t, model.ErrValidation, model.KindOf(err))
	}
}

func TestCreateJob_InheritsDefinitionRetrySpec(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	def := &model.Definition{Key: "invoice", Name: "invoice", Version: 1, ResourceName: "invoice.yaml", Fingerprint: "fp", RetrySpec: "R5/PT1M"}
	require.NoError(t, e.exec.Execute(ctx, "seed", func(ctx context.Context, u *uow.UnitOfWork) error {
		dep := &model.Deployment{Name: "billing", DeployedAt: u.Now()}
		if err := u.Insert(dep); err != nil {
			return err
		}
		def.DeploymentID = dep.ID
		return u.Insert(def)
	}))

	inherited := e.schedule(t, JobRequest{HandlerType: "h", DefinitionID: def.ID})
	assert.Equal(t, 5, inherited.Retries)
	assert.Equal(t, "R5/PT1M", e.job(t, inherited.ID).RetrySpec)

	own := e.schedule(t, JobRequest{HandlerType: "h", DefinitionID: def.ID, RetrySpec: "2"})
	assert.Equal(t, 2, own.Retries)

	_, err := e.mgmt.Schedule(ctx, JobRequest{HandlerType: "h", DefinitionID: "missing"})
	assert.Equal(t, model.ErrValidation, model.KindOf(err))
}
