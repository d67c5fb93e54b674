package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

// ErrAlreadyResolved is returned when a prepared invocation receives a
// second commit or rollback.
var ErrAlreadyResolved = errors.New("prepared invocation already resolved")

// DeliveryError reports a second-phase signal that did not reach the participant.
type DeliveryError struct {
	Identity protocol.Identity
	Phase    protocol.Phase
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery to %s failed: %v", e.Phase, e.Identity, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// PreparedInvocation is the phase-one result for one participant. It must be
// resolved by exactly one Commit or Rollback.
type PreparedInvocation struct {
	Identity           protocol.Identity
	Operation          protocol.Operation
	Outcome            protocol.Outcome
	Result             json.RawMessage
	FailureDescription string

	rolloutID string
	handle    string
	channel   Channel
	synthetic bool
	timedOut  bool
	resolved  atomic.Bool
}

// NewPrepared wraps a reply received from the participant.
func NewPrepared(task Task, rolloutID string, resp *protocol.PrepareResponse) *PreparedInvocation {
	p := &PreparedInvocation{
		Identity:           task.Identity,
		Operation:          task.Operation,
		Outcome:            resp.Outcome,
		Result:             resp.Result,
		FailureDescription: resp.FailureDescription,
		rolloutID:          rolloutID,
		handle:             resp.Handle,
		channel:            task.Channel,
	}
	if p.Outcome != protocol.OutcomeSuccess {
		p.Outcome = protocol.OutcomeFailed
	}
	return p
}

// NewTransportFailure records a prepare that never reached the participant
// or whose reply was lost.
func NewTransportFailure(task Task, rolloutID string, err error) *PreparedInvocation {
	return &PreparedInvocation{
		Identity:           task.Identity,
		Operation:          task.Operation,
		Outcome:            protocol.OutcomeFailed,
		FailureDescription: err.Error(),
		rolloutID:          rolloutID,
		channel:            task.Channel,
	}
}

// NewSynthetic fabricates a FAILED invocation for a participant that never
// answered. No second-phase signal is ever sent for it.
func NewSynthetic(task Task, rolloutID, description string, timedOut bool) *PreparedInvocation {
	return &PreparedInvocation{
		Identity:           task.Identity,
		Operation:          task.Operation,
		Outcome:            protocol.OutcomeFailed,
		FailureDescription: description,
		rolloutID:          rolloutID,
		synthetic:          true,
		timedOut:           timedOut,
	}
}

// Synthetic reports whether the invocation was fabricated locally.
func (p *PreparedInvocation) Synthetic() bool {
	return p.synthetic
}

// TimedOut reports whether the invocation stands in for a prepare that hit its deadline.
func (p *PreparedInvocation) TimedOut() bool {
	return p.timedOut
}

// Handle returns the participant's handle for the staged change, if any.
func (p *PreparedInvocation) Handle() string {
	return p.handle
}

// InFlight reports whether the participant holds a staged change that needs
// a second-phase signal.
func (p *PreparedInvocation) InFlight() bool {
	return !p.synthetic &&
		p.channel != nil &&
		p.handle != "" &&
		p.Outcome == protocol.OutcomeSuccess
}

// Resolved reports whether Commit or Rollback was already called.
func (p *PreparedInvocation) Resolved() bool {
	return p.resolved.Load()
}

// Commit makes the participant's staged change final.
func (p *PreparedInvocation) Commit(ctx context.Context) error {
	return p.resolve(ctx, protocol.PhaseCommit)
}

// Rollback discards the participant's staged change.
func (p *PreparedInvocation) Rollback(ctx context.Context) error {
	return p.resolve(ctx, protocol.PhaseRollback)
}

func (p *PreparedInvocation) resolve(ctx context.Context, phase protocol.Phase) error {
	if !p.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}

	if !p.InFlight() {
		return nil
	}

	var err error
	switch phase {
	case protocol.PhaseCommit:
		err = p.channel.Commit(ctx, p.rolloutID, p.handle)
	default:
		err = p.channel.Rollback(ctx, p.rolloutID, p.handle)
	}

	if err != nil {
		return &DeliveryError{Identity: p.Identity, Phase: phase, Err: err}
	}
	return nil
}
