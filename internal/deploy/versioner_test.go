package deploy

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/store"
	"github.com/roach88/conductor/internal/testutil"
	"github.com/roach88/conductor/internal/uow"
)

const (
	invoiceV1 = "definitions:\n  - key: invoice\n    steps: [review, pay]\n"
	invoiceV2 = "definitions:\n  - key: invoice\n    steps: [review, approve, pay]\n"
)

type fixture struct {
	store *store.Store
	clock *testutil.ManualClock
	exec  *uow.Executor
	v     *Versioner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "deploy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := testutil.NewManualClock()
	exec := uow.NewExecutor(s,
		uow.WithExecutorClock(clk),
		uow.WithRetryInterval(time.Millisecond, 5*time.Millisecond))
	return &fixture{store: s, clock: clk, exec: exec, v: NewVersioner(exec)}
}

func (f *fixture) deploy(t *testing.T, name, content string) string {
	t.Helper()
	f.clock.Advance(time.Second)
	id, err := f.v.Deploy(context.Background(), name, map[string][]byte{"invoice.yaml": []byte(content)})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func (f *fixture) definitions(t *testing.T) []*model.Definition {
	t.Helper()
	var defs []*model.Definition
	require.NoError(t, f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		defs, err = tx.ListDefinitions(context.Background())
		return err
	}))
	return defs
}

func (f *fixture) count(t *testing.T, family model.Family) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		n, err = tx.Count(context.Background(), family)
		return err
	}))
	return n
}

func (f *fixture) resources(t *testing.T, deploymentID string) []*model.Resource {
	t.Helper()
	var rs []*model.Resource
	require.NoError(t, f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		rs, err = tx.ResourcesByDeployment(context.Background(), deploymentID)
		return err
	}))
	return rs
}

// addJob inserts an unlocked job owned by the definition.
func (f *fixture) addJob(t *testing.T, definitionID string) string {
	t.Helper()
	job := &model.Job{HandlerType: "noop", DefinitionID: definitionID, Retries: 3, DueDate: f.clock.Now()}
	require.NoError(t, f.exec.Execute(context.Background(), "add job", func(ctx context.Context, u *uow.UnitOfWork) error {
		return u.Insert(job)
	}))
	return job.ID
}

func (f *fixture) job(t *testing.T, id string) *model.Job {
	t.Helper()
	var job *model.Job
	require.NoError(t, f.store.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		job, err = tx.FindJob(context.Background(), id)
		return err
	}))
	return job
}

func TestDeploy_FirstVersion(t *testing.T) {
	f := newFixture(t)
	depID := f.deploy(t, "billing", invoiceV1)

	defs := f.definitions(t)
	require.Len(t, defs, 1)
	assert.Equal(t, "invoice", defs[0].Key)
	assert.Equal(t, 1, defs[0].Version)
	assert.Equal(t, depID, defs[0].DeploymentID)
	assert.Equal(t, "invoice.yaml", defs[0].ResourceName)
	assert.False(t, defs[0].Suspended)

	rs := f.resources(t, depID)
	require.Len(t, rs, 1)
	assert.Equal(t, defs[0].ID, rs[0].DefinitionID)
	assert.Equal(t, []byte(invoiceV1), rs[0].Content)
}

func TestDeploy_ReuseAcrossBundleNames(t *testing.T) {
	f := newFixture(t)
	first := f.deploy(t, "billing", invoiceV1)
	second := f.deploy(t, "billing-copy", invoiceV1)
	assert.NotEqual(t, first, second)

	defs := f.definitions(t)
	require.Len(t, defs, 1, "same content reuses version 1")
	assert.Equal(t, 1, defs[0].Version)

	for _, id := range []string{first, second} {
		rs := f.resources(t, id)
		require.Len(t, rs, 1)
		assert.Equal(t, defs[0].ID, rs[0].DefinitionID)
	}

	f.deploy(t, "billing-copy", invoiceV2)
	defs = f.definitions(t)
	require.Len(t, defs, 2)
	assert.Equal(t, 2, defs[1].Version)
	for _, d := range defs {
		assert.False(t, d.Suspended, "version %d active", d.Version)
	}
}

func TestDeploy_ChangedContentCreatesNextVersion(t *testing.T) {
	f := newFixture(t)
	first := f.deploy(t, "billing", invoiceV1)
	second := f.deploy(t, "billing", invoiceV2)
	assert.NotEqual(t, first, second)

	defs := f.definitions(t)
	require.Len(t, defs, 2)
	assert.Equal(t, 1, defs[0].Version)
	assert.Equal(t, first, defs[0].DeploymentID)
	assert.Equal(t, 2, defs[1].Version)
	assert.Equal(t, second, defs[1].DeploymentID)
	assert.Equal(t, 2, f.count(t, model.FamilyDeployment))
}

func TestDeploy_UnchangedRedeployIsFiltered(t *testing.T) {
	f := newFixture(t)
	first := f.deploy(t, "billing", invoiceV1)
	again := f.deploy(t, "billing", invoiceV1)

	assert.Equal(t, first, again)
	assert.Equal(t, 1, f.count(t, model.FamilyDeployment))
	assert.Equal(t, 1, f.count(t, model.FamilyResource))
}

func TestDeploy_DuplicateFilterOff(t *testing.T) {
	f := newFixture(t)
	first := f.deploy(t, "billing", invoiceV1)

	f.clock.Advance(time.Second)
	again, err := f.v.Deploy(context.Background(), "billing",
		map[string][]byte{"invoice.yaml": []byte(invoiceV1)}, WithDuplicateFilter(false))
	require.NoError(t, err)

	assert.NotEqual(t, first, again)
	assert.Equal(t, 2, f.count(t, model.FamilyDeployment))
	assert.Len(t, f.definitions(t), 1)
}

func TestDeploy_ExtraResourceDefeatsDuplicateFilter(t *testing.T) {
	f := newFixture(t)
	first := f.deploy(t, "billing", invoiceV1)

	f.clock.Advance(time.Second)
	again, err := f.v.Deploy(context.Background(), "billing", map[string][]byte{
		"invoice.yaml": []byte(invoiceV1),
		"README.txt":   []byte("notes"),
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, again)

	rs := f.resources(t, again)
	require.Len(t, rs, 2)
	assert.Equal(t, "README.txt", rs[0].Name)
	assert.Empty(t, rs[0].DefinitionID)
	assert.NotEmpty(t, rs[1].DefinitionID)
}

func TestDeploy_ConflictingKey(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "billing", invoiceV1)

	_, err := f.v.Deploy(context.Background(), "payments",
		map[string][]byte{"invoice.yaml": []byte(invoiceV2)})
	require.Error(t, err)
	assert.Equal(t, model.ErrConflict, model.KindOf(err))
	assert.Contains(t, err.Error(), "invoice")

	assert.Len(t, f.definitions(t), 1)
	assert.Equal(t, 1, f.count(t, model.FamilyDeployment), "failed deploy leaves nothing behind")
}

func TestDeploy_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		bundle    string
		resources map[string][]byte
	}{
		{"empty name", "", map[string][]byte{"a.yaml": []byte(invoiceV1)}},
		{"no resources", "billing", nil},
		{"duplicate key", "billing", map[string][]byte{
			"a.yaml": []byte(invoiceV1),
			"b.yaml": []byte(invoiceV2),
		}},
		{"malformed resource", "billing", map[string][]byte{"a.yaml": []byte("definitions: [")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.v.Deploy(ctx, tt.bundle, tt.resources)
			require.Error(t, err)
			assert.Equal(t, model.ErrValidation, model.KindOf(err))
		})
	}
	assert.Equal(t, 0, f.count(t, model.FamilyDeployment))
}

func TestDeploy_NonExecutableDefinitionsAreNotVersioned(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "billing", "definitions:\n  - key: template\n    executable: false\n")

	assert.Empty(t, f.definitions(t))
	assert.Equal(t, 1, f.count(t, model.FamilyResource))
}

func TestDeploy_LoaderHandleRebound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := map[string][]byte{"invoice.yaml": []byte(invoiceV1)}

	_, err := f.v.Deploy(ctx, "billing", res, WithLoaderHandle("loader-1"))
	require.NoError(t, err)
	assert.Equal(t, "loader-1", f.definitions(t)[0].LoaderHandle)

	f.clock.Advance(time.Second)
	_, err = f.v.Deploy(ctx, "billing", res, WithLoaderHandle("loader-2"))
	require.NoError(t, err)

	defs := f.definitions(t)
	require.Len(t, defs, 1)
	assert.Equal(t, "loader-2", defs[0].LoaderHandle)
}

func TestUndeploy_SuspendThenRedeployUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	depID := f.deploy(t, "billing", invoiceV1)
	jobID := f.addJob(t, f.definitions(t)[0].ID)

	got, err := f.v.Undeploy(ctx, "billing", false)
	require.NoError(t, err)
	assert.Equal(t, depID, got)

	defs := f.definitions(t)
	require.Len(t, defs, 1)
	assert.True(t, defs[0].Suspended)
	assert.True(t, f.job(t, jobID).Suspended)

	f.deploy(t, "billing", invoiceV1)
	defs = f.definitions(t)
	require.Len(t, defs, 1)
	assert.False(t, defs[0].Suspended, "redeploy reactivates")
	assert.False(t, f.job(t, jobID).Suspended)
}

func TestUndeploy_SuspendThenRedeployChanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deploy(t, "billing", invoiceV1)

	_, err := f.v.Undeploy(ctx, "billing", false)
	require.NoError(t, err)

	f.deploy(t, "billing", invoiceV2)
	defs := f.definitions(t)
	require.Len(t, defs, 2)
	for _, d := range defs {
		assert.False(t, d.Suspended, "version %d active", d.Version)
	}
}

func TestUndeploy_SuspendsSiblingsOfOtherDeployments(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "billing", invoiceV1)
	f.deploy(t, "billing", invoiceV2)

	_, err := f.v.Undeploy(context.Background(), "billing", false)
	require.NoError(t, err)

	defs := f.definitions(t)
	require.Len(t, defs, 2)
	for _, d := range defs {
		assert.True(t, d.Suspended, "version %d suspended", d.Version)
	}
}

func TestUndeploy_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deploy(t, "billing", invoiceV1)
	v2 := f.deploy(t, "billing", invoiceV2)
	defs := f.definitions(t)
	require.Len(t, defs, 2)
	keptJob := f.addJob(t, defs[0].ID)
	droppedJob := f.addJob(t, defs[1].ID)

	got, err := f.v.Undeploy(ctx, "billing", true)
	require.NoError(t, err)
	assert.Equal(t, v2, got)

	defs = f.definitions(t)
	require.Len(t, defs, 1)
	assert.Equal(t, 1, defs[0].Version)
	assert.True(t, defs[0].Suspended, "remaining sibling is suspended")
	assert.Empty(t, f.resources(t, v2))
	assert.Equal(t, 1, f.count(t, model.FamilyDeployment))

	assert.Nil(t, f.job(t, droppedJob))
	require.NotNil(t, f.job(t, keptJob))
	assert.True(t, f.job(t, keptJob).Suspended)
}

func TestUndeploy_DeleteClearsForeignBindings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deploy(t, "billing", invoiceV1)
	copyID := f.deploy(t, "billing-copy", invoiceV1)

	_, err := f.v.Undeploy(ctx, "billing", true)
	require.NoError(t, err)

	assert.Empty(t, f.definitions(t))
	rs := f.resources(t, copyID)
	require.Len(t, rs, 1)
	assert.Empty(t, rs[0].DefinitionID)
}

func TestUndeploy_UnknownNameIsNoop(t *testing.T) {
	f := newFixture(t)
	got, err := f.v.Undeploy(context.Background(), "missing", true)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeploy_ConcurrentNodesSerialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	const nodes = 4

	versioners := make([]*Versioner, nodes)
	for i := range versioners {
		s, err := store.Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		exec := uow.NewExecutor(s,
			uow.WithMaxAttempts(20),
			uow.WithRetryInterval(time.Millisecond, 20*time.Millisecond))
		versioners[i] = NewVersioner(exec)
	}

	contents := []string{
		invoiceV1,
		invoiceV2,
		"definitions:\n  - key: invoice\n    steps: [pay]\n",
		"definitions:\n  - key: invoice\n    steps: [archive]\n",
	}

	var wg sync.WaitGroup
	errs := make([]error, nodes)
	for i := range versioners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = versioners[i].Deploy(context.Background(), "billing",
				map[string][]byte{"invoice.yaml": []byte(contents[i])})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "node %d", i)
	}

	s, err := store.Open(path)
	require.NoError(t, err)
	defer s.Close()
	var defs []*model.Definition
	require.NoError(t, s.WithTx(context.Background(), func(tx *store.Tx) error {
		defs, err = tx.ListDefinitions(context.Background())
		return err
	}))
	require.Len(t, defs, nodes)
	for i, d := range defs {
		assert.Equal(t, i+1, d.Version)
	}
}
