package jobexec

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/retry"
	"github.com/roach88/conductor/internal/store"
	"github.com/roach88/conductor/internal/testutil"
	"github.com/roach88/conductor/internal/uow"
)

const (
	testNode     = "node-a"
	lockDuration = 5 * time.Minute
)

type env struct {
	path     string
	store    *store.Store
	clock    *testutil.ManualClock
	exec     *uow.Executor
	handlers *Handlers
	policy   retry.Policy
	mgmt     *Management
}

func newEnv(t *testing.T) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := testutil.NewManualClock()
	exec := uow.NewExecutor(s,
		uow.WithExecutorClock(clk),
		uow.WithRetryInterval(time.Millisecond, 5*time.Millisecond))
	policy := retry.Policy{DefaultRetries: 3, Interval: 10 * time.Second}
	return &env{
		path:     path,
		store:    s,
		clock:    clk,
		exec:     exec,
		handlers: NewHandlers(),
		policy:   policy,
		mgmt:     NewManagement(exec, policy),
	}
}

func (e *env) schedule(t *testing.T, req JobRequest) *model.Job {
	t.Helper()
	job, err := e.mgmt.Schedule(context.Background(), req)
	require.NoError(t, err)
	return job
}

func (e *env) acquirer(node string) *Acquirer {
	return NewAcquirer(e.exec, node, 10, lockDuration)
}

func (e *env) worker() *Worker {
	return NewWorker(e.exec, e.handlers, e.policy, testNode)
}

// acquireAll locks every due job for testNode.
func (e *env) acquireAll(t *testing.T) []*model.Job {
	t.Helper()
	jobs, _, err := e.acquirer(testNode).Acquire(context.Background())
	require.NoError(t, err)
	return jobs
}

func (e *env) job(t *testing.T, id string) *model.Job {
	t.Helper()
	var job *model.Job
	require.NoError(t, e.store.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		job, err = tx.FindJob(context.Background(), id)
		return err
	}))
	return job
}

func (e *env) incidents(t *testing.T, jobID string) []*model.Incident {
	t.Helper()
	out, err := e.mgmt.Incidents(context.Background(), jobID)
	require.NoError(t, err)
	return out
}
