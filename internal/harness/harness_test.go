package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invoice = "definitions:\n  - key: invoice\n    steps: [review, pay]\n"

func mustParse(t *testing.T, yaml string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	return s
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	return prefix + strings.Join(lines, "\n"+prefix) + "\n"
}

func deployStep(name string) string {
	return "  - deploy:\n      name: " + name + "\n      resources:\n        invoice.yaml: |\n" + indent(invoice, "          ")
}

func TestGolden_Scenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, p := range paths {
		scenario, err := LoadScenario(p)
		require.NoError(t, err)
		t.Run(scenario.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_SpawnChainsJobs(t *testing.T) {
	s := mustParse(t, `
name: spawn
description: "A handler schedules a follow-up job in its own transaction"
steps:
  - schedule: { handler: spawn, payload: succeed }
  - run: {}
  - run: {}
assertions:
  - type: count
    family: job
    count: 0
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Steps, 3)
	assert.Equal(t, []string{"succeeded"}, result.Steps[1].Jobs)
	assert.Equal(t, []string{"succeeded"}, result.Steps[2].Jobs)
}

func TestRun_SetRetriesReopensJob(t *testing.T) {
	s := mustParse(t, `
name: reopen
description: "An operator resets the retries of a job that ran out"
steps:
  - schedule: { handler: fail, retry: "1" }
  - run: {}
  - set_retries: { handler: fail, retries: 1 }
  - run: {}
assertions:
  - type: job
    handler: fail
    retries: 0
    incidents: 2
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{"incident"}, result.Steps[1].Jobs)
	assert.Equal(t, []string{"incident"}, result.Steps[3].Jobs)
}

func TestRun_UndeployDeleteRemovesJobs(t *testing.T) {
	s := mustParse(t, `
name: delete
description: "Deleting a deployment removes its definitions and their jobs"
steps:
`+deployStep("billing")+`
  - schedule: { handler: fail, definition: invoice, retry: "R0/PT1M" }
  - run: {}
  - undeploy: { name: billing, delete: true }
  - schedule: { handler: succeed, definition: invoice }
    expect_error: VALIDATION
assertions:
  - type: count
    family: deployment
    count: 0
  - type: count
    family: definition
    count: 0
  - type: count
    family: incident
    count: 0
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "VALIDATION", result.Steps[4].Outcome)
}

func TestRun_ActivateResumesSuspendedJobs(t *testing.T) {
	s := mustParse(t, `
name: activate
description: "Jobs of a suspended definition wait until it is activated"
steps:
`+deployStep("billing")+`
  - schedule: { handler: succeed, definition: invoice }
  - undeploy: { name: billing }
  - run: {}
  - activate: invoice
  - run: {}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Steps[3].Jobs)
	assert.Equal(t, []string{"succeeded"}, result.Steps[5].Jobs)
	assert.Empty(t, result.State.Jobs)
}

func TestRun_LoaderHandleRecorded(t *testing.T) {
	s := mustParse(t, `
name: loader
description: "Redeploying unchanged content rebinds the loader"
steps:
  - deploy:
      name: billing
      loader: bundle-1
      resources:
        invoice.yaml: |
`+indent(invoice, "          ")+`  - deploy:
      name: billing
      loader: bundle-2
      resources:
        invoice.yaml: |
`+indent(invoice, "          "))
	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.State.Definitions, 1)
	assert.Equal(t, "bundle-2", result.State.Definitions[0].Loader)
	assert.Len(t, result.State.Deployments, 1, "unchanged redeploy is filtered")
}

func TestRun_UnexpectedOutcomesFail(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: "Expectations that do not hold are reported"
steps:
`+deployStep("billing")+`
    expect_error: CONFLICT
  - schedule: { handler: succeed, definition: missing }
assertions:
  - type: definition
    key: invoice
    version: 2
  - type: job
    handler: succeed
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Len(t, result.Errors, 4)
	assert.Equal(t, "ok", result.Steps[0].Outcome)
	assert.Equal(t, "VALIDATION", result.Steps[1].Outcome)
}

func TestEvaluateAssertions_Counts(t *testing.T) {
	state := &State{
		Deployments: []DeploymentState{{Name: "a", Resources: []string{"x.yaml", "y.yaml"}}},
		Jobs:        []JobState{{Handler: "h", Incidents: 2}, {Handler: "g"}},
	}
	n := func(i int) *int { return &i }

	failures := EvaluateAssertions(state, []Assertion{
		{Type: AssertCount, Family: "resource", Count: n(2)},
		{Type: AssertCount, Family: "incident", Count: n(2)},
		{Type: AssertCount, Family: "job", Count: n(2)},
		{Type: AssertCount, Family: "definition", Count: n(1)},
		{Type: AssertCount, Family: "widget", Count: n(0)},
	})
	require.Len(t, failures, 2)
	assert.Contains(t, failures[0], "expected 1 definition records, got 0")
	assert.Contains(t, failures[1], "unknown family")
}
