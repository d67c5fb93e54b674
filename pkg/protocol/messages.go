package protocol

import (
	"encoding/json"
	"time"
)

// PrepareRequest is sent by the coordinator to stage an operation on a participant
type PrepareRequest struct {
	RolloutID string    `json:"rollout_id"`
	Operation Operation `json:"operation"`
}

// PrepareResponse is returned by participants
type PrepareResponse struct {
	Outcome            Outcome         `json:"outcome"` // SUCCESS or FAILED
	Result             json.RawMessage `json:"result,omitempty"`
	FailureDescription string          `json:"failure_description,omitempty"`
	Handle             string          `json:"handle,omitempty"`
}

// CommitRequest is sent by the coordinator to make a prepared change final
type CommitRequest struct {
	RolloutID string `json:"rollout_id"`
	Handle    string `json:"handle"`
}

// RollbackRequest is sent by the coordinator to discard a prepared change
type RollbackRequest struct {
	RolloutID string `json:"rollout_id"`
	Handle    string `json:"handle"`
}

// AckResponse is returned by participants for commit and rollback
type AckResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is returned by health check endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Address string `json:"address"`
	Role    string `json:"role"`
	Pending int    `json:"pending"`
}

// RolloutRequest asks the coordinator to apply an operation to a server group,
// or to several groups when Groups is set
type RolloutRequest struct {
	Group     string    `json:"group,omitempty"`
	Groups    []string  `json:"groups,omitempty"`
	InSeries  bool      `json:"in_series,omitempty"`
	Operation Operation `json:"operation"`
}

// Targets returns the groups the request names, Groups first
func (r *RolloutRequest) Targets() []string {
	if len(r.Groups) > 0 {
		return r.Groups
	}
	if r.Group != "" {
		return []string{r.Group}
	}
	return nil
}

// GroupRolloutResponse carries one report per requested group, in request
// order. A group whose rollout errored has a nil report and is named in Error.
type GroupRolloutResponse struct {
	Reports []*Report `json:"reports"`
	Error   string    `json:"error,omitempty"`
}

// OutcomeRecord is the per-participant entry of a report
type OutcomeRecord struct {
	Identity    Identity `json:"identity"`
	Outcome     Outcome  `json:"outcome"`
	Description string   `json:"description,omitempty"`
	TimedOut    bool     `json:"timed_out,omitempty"`
}

// DeliveryFailure describes a second-phase signal that could not be delivered
type DeliveryFailure struct {
	Identity Identity `json:"identity"`
	Phase    Phase    `json:"phase"`
	Error    string   `json:"error"`
}

// Report is the result of one group rollout
type Report struct {
	RolloutID        string            `json:"rollout_id"`
	Group            string            `json:"group"`
	Operation        Operation         `json:"operation"`
	Verdict          Verdict           `json:"verdict"`
	Participants     []OutcomeRecord   `json:"participants"`
	DeliveryFailures []DeliveryFailure `json:"delivery_failures,omitempty"`
	Skipped          bool              `json:"skipped,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
}

// Failed returns the number of participants whose outcome was FAILED
func (r *Report) Failed() int {
	n := 0
	for _, rec := range r.Participants {
		if rec.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}
