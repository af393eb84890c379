package queue

import "encoding/json"

// Outcome classifies a flush attempt.
type Outcome string

const (
	// OutcomeSuccess: the batch was acknowledged and dropped.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure: delivery failed and the batch was put back.
	OutcomeFailure Outcome = "failure"
	// OutcomeEmpty: nothing to send; the flusher was not called.
	OutcomeEmpty Outcome = "empty"
	// OutcomeInFlight: another flush of this queue is still running.
	OutcomeInFlight Outcome = "in_flight"
	// OutcomeSkipped: no authenticated user; the batch was put back.
	OutcomeSkipped Outcome = "skipped"
)

// Result describes one call to Empty.
type Result struct {
	Queue    string
	Outcome  Outcome
	Sent     int
	Response json.RawMessage
	Err      error
}

// OK reports whether the queue holds nothing that this flush failed to send.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeEmpty
}
