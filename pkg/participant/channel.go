// Package participant models the two-phase exchange with one managed server.
package participant

import (
	"context"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

// Channel is one long-lived connection to a participant. Prepare errors are
// transport failures; a FAILED reply is a business failure.
type Channel interface {
	Prepare(ctx context.Context, rolloutID string, op protocol.Operation) (*protocol.PrepareResponse, error)
	Commit(ctx context.Context, rolloutID, handle string) error
	Rollback(ctx context.Context, rolloutID, handle string) error
}

// Task pairs an operation with the participant it targets.
type Task struct {
	Identity  protocol.Identity
	Operation protocol.Operation
	Channel   Channel
}
