// Package dispatch fans a rollout's prepare phase out to every participant.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/metrics"
	"github.com/baxromumarov/rollout-engine/pkg/participant"
	"github.com/baxromumarov/rollout-engine/pkg/policy"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
	"github.com/baxromumarov/rollout-engine/pkg/timeout"
	"github.com/baxromumarov/rollout-engine/pkg/workerpool"
)

// Executor drives every task through the timeout guard on a shared worker
// pool and records each result into the rollout's policy.
type Executor struct {
	pool    *workerpool.Pool
	guard   *timeout.Guard
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewExecutor creates an executor. The pool is owned by the caller.
func NewExecutor(pool *workerpool.Pool, guard *timeout.Guard, m *metrics.Collector, logger *zap.Logger) *Executor {
	return &Executor{
		pool:    pool,
		guard:   guard,
		metrics: m,
		logger:  logging.OrNop(logger).Named("dispatch"),
	}
}

// Dispatch runs the prepare phase for all tasks and returns once every task
// has been recorded into pol, in task order. Deadlines are measured from the
// start of the dispatch, so time spent waiting for a worker counts against
// them. If ctx is cancelled, pending prepares are interrupted and recorded as
// failures; Dispatch still returns a result for every task.
func (e *Executor) Dispatch(ctx context.Context, rolloutID string, tasks []participant.Task, pol *policy.Policy) []*participant.PreparedInvocation {
	start := time.Now()
	deadline := e.guard.Deadline(start)
	total := len(tasks)

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]*participant.PreparedInvocation, total)
	var wg sync.WaitGroup
	wg.Add(total)

	for i, t := range tasks {
		idx := i
		task := t

		job := func() {
			defer wg.Done()

			prepared := e.guard.Prepare(dispatchCtx, rolloutID, task, deadline)
			results[idx] = prepared
			e.record(pol, prepared, time.Since(start))

			if pol.Config().EarlyDecision && pol.Disqualified(total) {
				cancel()
			}
		}

		if err := e.pool.Submit(dispatchCtx, job); err != nil {
			prepared := participant.NewSynthetic(task, rolloutID,
				fmt.Sprintf("operation '%s' was not dispatched to %s: %v", task.Operation.Name, task.Identity, err),
				false)
			results[idx] = prepared
			e.record(pol, prepared, time.Since(start))
			wg.Done()
		}
	}

	wg.Wait()

	e.logger.Debug("prepare phase complete",
		zap.String("rollout_id", rolloutID),
		zap.Int("participants", total),
		zap.Duration("took", time.Since(start)))

	return results
}

func (e *Executor) record(pol *policy.Policy, p *participant.PreparedInvocation, took time.Duration) {
	err := pol.Record(protocol.OutcomeRecord{
		Identity:    p.Identity,
		Outcome:     p.Outcome,
		Description: p.FailureDescription,
		TimedOut:    p.TimedOut(),
	})
	if err != nil {
		// two tasks for the same participant
		e.logger.Error("failed to record outcome", zap.Stringer("participant", p.Identity), zap.Error(err))
		return
	}
	e.metrics.OutcomeRecorded(p.Outcome, took)
}
