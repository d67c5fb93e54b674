package protocol

// Outcome is the result a participant reports for the prepare phase
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
)

// Verdict is the group-wide decision taken once every participant has reported
type Verdict string

const (
	VerdictCommit   Verdict = "COMMIT"
	VerdictRollback Verdict = "ROLLBACK"
)

// RolloutState represents the state of a single group rollout
type RolloutState string

const (
	StateBuilding    RolloutState = "BUILDING"
	StateDispatching RolloutState = "DISPATCHING"
	StateDecided     RolloutState = "DECIDED"
	StateFinalizing  RolloutState = "FINALIZING"
	StateDone        RolloutState = "DONE"
)

// Phase names the second-phase signal sent to a participant
type Phase string

const (
	PhaseCommit   Phase = "commit"
	PhaseRollback Phase = "rollback"
)
