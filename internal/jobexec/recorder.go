package jobexec

import "time"

// Outcome classifies the end of one job execution.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeIncident  Outcome = "incident"
	OutcomeDeadlock  Outcome = "deadlock"
	OutcomeSkipped   Outcome = "skipped"
)

// Recorder receives scheduler and worker events. metrics.Collector
// implements it.
type Recorder interface {
	JobsAcquired(acquired, lost int)
	JobsRejected(n int)
	JobFinished(handlerType string, outcome Outcome, elapsed time.Duration)
	AcquisitionWait(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) JobsAcquired(int, int)                      {}
func (nopRecorder) JobsRejected(int)                           {}
func (nopRecorder) JobFinished(string, Outcome, time.Duration) {}
func (nopRecorder) AcquisitionWait(time.Duration)              {}
