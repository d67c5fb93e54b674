package participant

import (
	"context"

	"github.com/baxromumarov/rollout-engine/pkg/node"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

// LocalChannel talks to a node living in the same process.
type LocalChannel struct {
	node *node.Node
}

// NewLocalChannel creates an in-process channel to n.
func NewLocalChannel(n *node.Node) *LocalChannel {
	return &LocalChannel{node: n}
}

func (c *LocalChannel) Prepare(ctx context.Context, rolloutID string, op protocol.Operation) (*protocol.PrepareResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.node.Prepare(ctx, rolloutID, op), nil
}

func (c *LocalChannel) Commit(ctx context.Context, rolloutID, handle string) error {
	return c.node.Commit(handle)
}

func (c *LocalChannel) Rollback(ctx context.Context, rolloutID, handle string) error {
	return c.node.Rollback(handle)
}
