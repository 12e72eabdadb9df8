package persistence

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conductor/internal/model"
)

func loadedJob(id string, rev int64) *model.Job {
	return &model.Job{Record: model.Record{ID: id, Rev: rev}, HandlerType: "noop", Retries: 3}
}

func TestEntityCache_PutPersistentReturnsCachedInstance(t *testing.T) {
	c := NewEntityCache()
	first := loadedJob("job-1", 1)
	got, err := c.PutPersistent(first)
	require.NoError(t, err)
	assert.Same(t, first, got)

	second := loadedJob("job-1", 1)
	got, err = c.PutPersistent(second)
	require.NoError(t, err)
	assert.Same(t, first, got, "a second load must resolve to the cached instance")
	assert.Equal(t, 1, c.Len())
}

func TestEntityCache_FamilyLookupSpansKinds(t *testing.T) {
	c := NewEntityCache()
	timer := &model.Job{Record: model.Record{ID: "job-1"}, JobKind: model.KindTimerJob}
	require.NoError(t, c.PutTransient(timer))

	assert.Same(t, timer, c.Get(model.FamilyJob, "job-1"))

	async := &model.Job{Record: model.Record{ID: "job-1"}, JobKind: model.KindAsyncJob}
	err := c.PutTransient(async)
	require.Error(t, err, "subtypes share one identity space")
}

func TestEntityCache_PutTransientRequiresID(t *testing.T) {
	c := NewEntityCache()
	err := c.PutTransient(&model.Deployment{Name: "x"})
	require.Error(t, err)
}

func TestEntityCache_DirtyCheck(t *testing.T) {
	c := NewEntityCache()
	job := loadedJob("job-1", 4)
	_, err := c.PutPersistent(job)
	require.NoError(t, err)

	ce := c.Lookup(model.FamilyJob, "job-1")
	dirty, err := ce.IsDirty()
	require.NoError(t, err)
	assert.False(t, dirty)

	job.Retries = 2
	dirty, err = ce.IsDirty()
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, c.MarkPersistent(job))
	dirty, err = ce.IsDirty()
	require.NoError(t, err)
	assert.False(t, dirty, "snapshot is retaken after a flush")
}

func TestEntityCache_SetDeletedTransitions(t *testing.T) {
	tests := []struct {
		name string
		put  func(c *EntityCache, e model.Entity) error
		want EntityState
	}{
		{
			name: "transient",
			put:  func(c *EntityCache, e model.Entity) error { return c.PutTransient(e) },
			want: StateDeletedTransient,
		},
		{
			name: "persistent",
			put: func(c *EntityCache, e model.Entity) error {
				_, err := c.PutPersistent(e)
				return err
			},
			want: StateDeletedPersistent,
		},
		{
			name: "merged",
			put:  func(c *EntityCache, e model.Entity) error { return c.PutMerged(e) },
			want: StateDeletedMerged,
		},
		{
			name: "unknown",
			put:  func(c *EntityCache, e model.Entity) error { return nil },
			want: StateDeletedMerged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewEntityCache()
			job := loadedJob("job-1", 1)
			require.NoError(t, tt.put(c, job))
			require.NoError(t, c.SetDeleted(job))
			assert.Equal(t, tt.want, c.Lookup(model.FamilyJob, "job-1").State)
			assert.True(t, c.Lookup(model.FamilyJob, "job-1").State.IsDeleted())
		})
	}
}

func TestEntityCache_PutMerged(t *testing.T) {
	c := NewEntityCache()
	job := loadedJob("job-1", 2)
	_, err := c.PutPersistent(job)
	require.NoError(t, err)

	require.NoError(t, c.PutMerged(job))
	assert.Equal(t, StateMerged, c.Lookup(model.FamilyJob, "job-1").State)

	err = c.PutMerged(loadedJob("job-1", 2))
	require.Error(t, err, "a different instance with the same identity cannot be merged")
}

func TestEntityCache_EntriesOfSkipsDeleted(t *testing.T) {
	c := NewEntityCache()
	a := loadedJob("job-a", 1)
	b := loadedJob("job-b", 1)
	dep := &model.Deployment{Record: model.Record{ID: "dep-1"}}
	for _, e := range []model.Entity{a, b, dep} {
		_, err := c.PutPersistent(e)
		require.NoError(t, err)
	}
	require.NoError(t, c.SetDeleted(a))

	assert.Equal(t, []model.Entity{b}, c.EntriesOf(model.FamilyJob))
	assert.Len(t, c.Entries(), 3)

	c.Remove(a)
	assert.Len(t, c.Entries(), 2)
	assert.Nil(t, c.Get(model.FamilyJob, "job-a"))
	assert.False(t, c.Contains(a))
	assert.True(t, c.Contains(b))
}

func TestEntityCache_RemoveThenReinsertKeepsOrder(t *testing.T) {
	c := NewEntityCache()
	jobs := make([]*model.Job, 5)
	for i := range jobs {
		jobs[i] = loadedJob(fmt.Sprintf("job-%d", i), 1)
		_, err := c.PutPersistent(jobs[i])
		require.NoError(t, err)
	}

	c.Remove(jobs[1])
	c.Remove(jobs[3])
	c.Remove(jobs[3])
	again := loadedJob("job-1", 2)
	_, err := c.PutPersistent(again)
	require.NoError(t, err)

	ids := func() []string {
		var out []string
		for _, ce := range c.Entries() {
			out = append(out, ce.Entity.EntityID())
		}
		return out
	}
	want := []string{"job-0", "job-2", "job-4", "job-1"}
	assert.Equal(t, want, ids())
	assert.Equal(t, 4, c.Len())

	c.Compact()
	assert.Equal(t, want, ids())
	assert.Len(t, c.order, 4)
	assert.Same(t, again, c.Get(model.FamilyJob, "job-1"))
	assert.Equal(t, []model.Entity{jobs[0], jobs[2], jobs[4], again}, c.EntriesOf(model.FamilyJob))
}
