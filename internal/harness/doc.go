// Package harness runs conformance scenarios against the deployment
// versioner and the job executor.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: retry_to_incident
//	description: "A failing job walks its retry list and opens an incident"
//	steps:
//	  - deploy:
//	      name: billing
//	      resources:
//	        invoice.yaml: |
//	          definitions:
//	            - key: invoice
//	  - schedule: { handler: fail, definition: invoice, retry: "PT10M,PT20M" }
//	  - run: {}
//	  - advance: 10m
//	  - deploy: { name: other, resources: { invoice.yaml: "..." } }
//	    expect_error: CONFLICT
//	assertions:
//	  - type: job
//	    handler: fail
//	    retries: 1
//
// # Steps
//
//   - deploy: deploys resources under a bundle name
//   - undeploy: undeploys the latest deployment of a name, optionally deleting it
//   - schedule: creates a job, optionally bound to the latest version of a key
//   - run: acquires every due job and executes them in acquisition order
//   - advance: moves the clock forward
//   - set_retries: resets the retry budget of the job with a handler type
//   - activate: resumes the latest version of a key and its jobs
//
// The handler types succeed, fail and spawn are always registered.
//
// # Assertion Types
//
//   - count: number of records of a family
//   - definition: a key and version exist, optionally with a suspension flag
//   - job: retries, incidents and suspension of the job with a handler type
//
// # Deterministic Testing
//
// Every scenario runs in a fresh in-memory SQLite database with a manual
// clock and sequential ids, so the final state is reproducible and can be
// compared with a golden file.
package harness
