package boot

import (
	"context"
	"errors"
	"sync"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
	"github.com/baxromumarov/rollout-engine/pkg/rollout"
)

var ErrPipelineClosed = errors.New("pipeline is closed")

// RolloutPipeline runs submitted operations as rollouts of a fixed group.
type RolloutPipeline struct {
	coordinator *rollout.Coordinator
	plan        rollout.Plan

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRolloutPipeline creates a pipeline that applies operations to the
// members and policy of plan.
func NewRolloutPipeline(c *rollout.Coordinator, plan rollout.Plan) *RolloutPipeline {
	return &RolloutPipeline{coordinator: c, plan: plan}
}

func (p *RolloutPipeline) Submit(ctx context.Context, op protocol.Operation, done func(Result)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}

	plan := p.plan
	plan.Operation = op

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		report, err := p.coordinator.Execute(context.WithoutCancel(ctx), plan)
		done(Result{Report: report, Err: err})
	}()
	return nil
}

// Close stops accepting operations and waits for running ones.
func (p *RolloutPipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
