package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/conductor/internal/deploy"
	"github.com/roach88/conductor/internal/jobexec"
	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/retry"
	"github.com/roach88/conductor/internal/store"
	"github.com/roach88/conductor/internal/testutil"
	"github.com/roach88/conductor/internal/uow"
)

// DefaultNode is the lock owner of run steps.
const DefaultNode = "harness"

const (
	runBatch     = 100
	lockDuration = 5 * time.Minute
)

// Built-in handler types.
const (
	// HandlerSucceed completes immediately.
	HandlerSucceed = "succeed"

	// HandlerFail always fails.
	HandlerFail = "fail"

	// HandlerSpawn schedules a job whose handler type is its payload.
	HandlerSpawn = "spawn"
)

// sequence generates zero-padded ids in creation order.
type sequence struct {
	mu sync.Mutex
	n  int
}

func (s *sequence) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%08d", s.n)
}

// Harness runs scenarios against a store with a manual clock and
// sequential ids.
type Harness struct {
	store    *store.Store
	clock    *testutil.ManualClock
	exec     *uow.Executor
	versions *deploy.Versioner
	mgmt     *jobexec.Management
	handlers *jobexec.Handlers
	policy   retry.Policy
	logger   *slog.Logger
}

// Run executes a scenario in a fresh in-memory database and returns the
// result with the final state.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	clk := testutil.NewManualClock()
	exec := uow.NewExecutor(st,
		uow.WithExecutorClock(clk),
		uow.WithExecutorIDs(&sequence{}),
		uow.WithExecutorLogger(logger),
		uow.WithRetryInterval(time.Millisecond, 5*time.Millisecond))

	policy := retry.DefaultPolicy()
	policy.Legacy = scenario.Legacy

	h := &Harness{
		store:    st,
		clock:    clk,
		exec:     exec,
		versions: deploy.NewVersioner(exec, deploy.WithLogger(logger)),
		mgmt:     jobexec.NewManagement(exec, policy),
		handlers: jobexec.NewHandlers(),
		policy:   policy,
		logger:   logger,
	}
	h.registerHandlers()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		sr, err := h.step(ctx, step)
		switch {
		case err == nil:
			sr.Outcome = "ok"
		case model.KindOf(err) != "":
			sr.Outcome = string(model.KindOf(err))
		default:
			return nil, fmt.Errorf("step %d (%s): %w", i, sr.Op, err)
		}
		if want := string(step.ExpectError); want != "" && sr.Outcome != want {
			result.AddError(fmt.Sprintf("step %d (%s): expected %s, got %s", i, sr.Op, want, sr.Outcome))
		}
		if step.ExpectError == "" && err != nil {
			result.AddError(fmt.Sprintf("step %d (%s): %v", i, sr.Op, err))
		}
		result.Steps = append(result.Steps, sr)
	}

	state, err := h.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	result.State = state

	for _, msg := range EvaluateAssertions(state, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) registerHandlers() {
	h.handlers.Register(HandlerSucceed, jobexec.HandlerFunc(func(context.Context, *uow.UnitOfWork, *model.Job) error {
		return nil
	}))
	h.handlers.Register(HandlerFail, jobexec.HandlerFunc(func(context.Context, *uow.UnitOfWork, *model.Job) error {
		return errors.New("failed on purpose")
	}))
	h.handlers.Register(HandlerSpawn, jobexec.HandlerFunc(func(ctx context.Context, u *uow.UnitOfWork, job *model.Job) error {
		_, err := jobexec.CreateJob(ctx, u, h.policy, jobexec.JobRequest{
			HandlerType:  job.Payload,
			DefinitionID: job.DefinitionID,
		})
		return err
	}))
}

// step executes one step. Errors carrying an error kind are step
// outcomes; any other error aborts the scenario.
func (h *Harness) step(ctx context.Context, st Step) (StepResult, error) {
	switch {
	case st.Deploy != nil:
		d := st.Deploy
		resources := make(map[string][]byte, len(d.Resources))
		for name, content := range d.Resources {
			resources[name] = []byte(content)
		}
		opts := []deploy.DeployOption{deploy.WithDuplicateFilter(!d.KeepDuplicates)}
		if d.Loader != "" {
			opts = append(opts, deploy.WithLoaderHandle(d.Loader))
		}
		_, err := h.versions.Deploy(ctx, d.Name, resources, opts...)
		return StepResult{Op: "deploy " + d.Name}, err

	case st.Undeploy != nil:
		_, err := h.versions.Undeploy(ctx, st.Undeploy.Name, st.Undeploy.Delete)
		return StepResult{Op: "undeploy " + st.Undeploy.Name}, err

	case st.Schedule != nil:
		return StepResult{Op: "schedule " + st.Schedule.Handler}, h.schedule(ctx, st.Schedule)

	case st.Run != nil:
		sr := StepResult{Op: "run"}
		node := st.Run.Node
		if node == "" {
			node = DefaultNode
		}
		jobs, _, err := jobexec.NewAcquirer(h.exec, node, runBatch, lockDuration).Acquire(ctx)
		if err != nil {
			return sr, err
		}
		w := jobexec.NewWorker(h.exec, h.handlers, h.policy, node)
		w.SetLogger(h.logger)
		sr.Jobs = []string{}
		for _, job := range jobs {
			sr.Jobs = append(sr.Jobs, string(w.Run(ctx, job)))
		}
		return sr, nil

	case st.Advance != "":
		d, err := time.ParseDuration(st.Advance)
		if err != nil {
			return StepResult{}, err
		}
		h.clock.Advance(d)
		return StepResult{Op: "advance " + st.Advance}, nil

	case st.SetRetries != nil:
		sr := StepResult{Op: "set_retries " + st.SetRetries.Handler}
		job, err := h.jobByHandler(ctx, st.SetRetries.Handler)
		if err != nil {
			return sr, err
		}
		return sr, h.mgmt.SetRetries(ctx, job.ID, st.SetRetries.Retries)

	case st.Activate != "":
		sr := StepResult{Op: "activate " + st.Activate}
		def, err := h.latestDefinition(ctx, st.Activate)
		if err != nil {
			return sr, err
		}
		return sr, h.mgmt.ActivateDefinition(ctx, def.ID)
	}
	return StepResult{}, errors.New("empty step")
}

func (h *Harness) schedule(ctx context.Context, s *ScheduleStep) error {
	req := jobexec.JobRequest{HandlerType: s.Handler, Payload: s.Payload, RetrySpec: s.Retry}
	if s.Definition != "" {
		def, err := h.latestDefinition(ctx, s.Definition)
		if err != nil {
			return err
		}
		req.DefinitionID = def.ID
	}
	_, err := h.mgmt.Schedule(ctx, req)
	return err
}

func (h *Harness) latestDefinition(ctx context.Context, key string) (*model.Definition, error) {
	var def *model.Definition
	err := h.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		def, err = tx.LatestDefinitionByKey(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, model.NewValidationError("scenario", "no definition with key %q", key)
	}
	return def, nil
}

func (h *Harness) jobByHandler(ctx context.Context, handler string) (*model.Job, error) {
	jobs, err := h.mgmt.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.HandlerType == handler {
			return j, nil
		}
	}
	return nil, model.NewValidationError("scenario", "no job with handler %q", handler)
}

// snapshot reads the final state in a stable order.
func (h *Harness) snapshot(ctx context.Context) (*State, error) {
	state := &State{
		Deployments: []DeploymentState{},
		Definitions: []DefinitionState{},
		Jobs:        []JobState{},
	}
	err := h.store.WithTx(ctx, func(tx *store.Tx) error {
		deployments, err := tx.ListDeployments(ctx)
		if err != nil {
			return err
		}
		names := make(map[string]string, len(deployments))
		for _, d := range deployments {
			names[d.ID] = d.Name
			resources, err := tx.ResourcesByDeployment(ctx, d.ID)
			if err != nil {
				return err
			}
			ds := DeploymentState{Name: d.Name, Resources: []string{}}
			for _, r := range resources {
				ds.Resources = append(ds.Resources, r.Name)
			}
			state.Deployments = append(state.Deployments, ds)
		}

		defs, err := tx.ListDefinitions(ctx)
		if err != nil {
			return err
		}
		refs := make(map[string]string, len(defs))
		for _, d := range defs {
			refs[d.ID] = fmt.Sprintf("%s@%d", d.Key, d.Version)
			state.Definitions = append(state.Definitions, DefinitionState{
				Key:        d.Key,
				Version:    d.Version,
				Deployment: names[d.DeploymentID],
				Suspended:  d.Suspended,
				Loader:     d.LoaderHandle,
			})
		}

		jobs, err := tx.ListJobs(ctx, store.JobFilter{})
		if err != nil {
			return err
		}
		now := h.clock.Now()
		for _, j := range jobs {
			incidents, err := tx.IncidentsByJob(ctx, j.ID)
			if err != nil {
				return err
			}
			state.Jobs = append(state.Jobs, JobState{
				Handler:    j.HandlerType,
				Definition: refs[j.DefinitionID],
				Retries:    j.Retries,
				Due:        j.DueDate.Sub(testutil.DefaultEpoch).String(),
				Locked:     j.LockedBy(j.LockOwner, now),
				Suspended:  j.Suspended,
				Failing:    j.ExceptionInfo != "",
				Incidents:  len(incidents),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}
