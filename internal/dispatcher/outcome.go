package dispatcher

import (
	"github.com/tmacedo/galton/internal/model"
)

// Outcome is the result of a submission. It is a closed union: exactly one
// of Completed, Queued or Failed, so consumers can never observe an invalid
// field combination such as a failure carrying results.
type Outcome interface {
	isOutcome()
}

// Completed is returned when a slot was free and the compute call succeeded
// synchronously. Results are the worker's payload verbatim.
type Completed struct {
	AnalysisID       string
	Results          map[string]any
	ProcessingTimeMs int64
}

// Queued is returned when all slots were busy and the job was admitted to
// the queue. Execution happens later when a slot frees up.
type Queued struct {
	AnalysisID           string
	Position             int
	EstimatedWaitSeconds int
}

// Failed is returned when the job reached a terminal failure synchronously:
// queue full at admission, or a classified compute failure on the immediate
// execution path.
type Failed struct {
	AnalysisID string
	Kind       model.FailureKind
	Message    string
}

func (Completed) isOutcome() {}
func (Queued) isOutcome()    {}
func (Failed) isOutcome()    {}
