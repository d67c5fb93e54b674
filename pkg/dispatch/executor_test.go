package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/rollout-engine/pkg/participant"
	"github.com/baxromumarov/rollout-engine/pkg/policy"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
	"github.com/baxromumarov/rollout-engine/pkg/timeout"
	"github.com/baxromumarov/rollout-engine/pkg/workerpool"
)

type fakeChannel struct {
	delay   time.Duration
	outcome protocol.Outcome
	calls   int32
}

func (c *fakeChannel) Prepare(ctx context.Context, rolloutID string, op protocol.Operation) (*protocol.PrepareResponse, error) {
	atomic.AddInt32(&c.calls, 1)
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.outcome == protocol.OutcomeFailed {
		return &protocol.PrepareResponse{Outcome: protocol.OutcomeFailed, FailureDescription: "rejected"}, nil
	}
	return &protocol.PrepareResponse{Outcome: protocol.OutcomeSuccess, Handle: "h-" + rolloutID}, nil
}

func (c *fakeChannel) Commit(ctx context.Context, rolloutID, handle string) error   { return nil }
func (c *fakeChannel) Rollback(ctx context.Context, rolloutID, handle string) error { return nil }

func makeTasks(channels ...*fakeChannel) []participant.Task {
	tasks := make([]participant.Task, len(channels))
	for i, ch := range channels {
		tasks[i] = participant.Task{
			Identity:  protocol.Identity{Group: "main", Host: "host", Server: fmt.Sprintf("server-%d", i)},
			Operation: protocol.Operation{Name: "deploy"},
			Channel:   ch,
		}
	}
	return tasks
}

func newPolicy(t *testing.T, cfg policy.Config) *policy.Policy {
	p, err := policy.New(cfg)
	require.NoError(t, err)
	return p
}

func TestDispatchRecordsEveryTask(t *testing.T) {
	pool := workerpool.New(4)
	defer pool.Close()
	e := NewExecutor(pool, timeout.NewGuard(1000), nil, nil)

	tasks := makeTasks(
		&fakeChannel{delay: 5 * time.Millisecond},
		&fakeChannel{delay: 10 * time.Millisecond, outcome: protocol.OutcomeFailed},
		&fakeChannel{delay: time.Millisecond},
	)
	pol := newPolicy(t, policy.MaxFailures(1))

	results := e.Dispatch(context.Background(), "r-1", tasks, pol)

	require.Len(t, results, 3)
	assert.Equal(t, 3, pol.Recorded())
	for i, r := range results {
		assert.Equal(t, tasks[i].Identity, r.Identity)
	}
	assert.Equal(t, protocol.OutcomeFailed, results[1].Outcome)
}

func TestDispatchRunsInParallel(t *testing.T) {
	pool := workerpool.New(5)
	defer pool.Close()
	e := NewExecutor(pool, timeout.NewGuard(0), nil, nil)

	channels := make([]*fakeChannel, 5)
	for i := range channels {
		channels[i] = &fakeChannel{delay: 50 * time.Millisecond}
	}
	pol := newPolicy(t, policy.RollbackOnAnyFailure())

	start := time.Now()
	e.Dispatch(context.Background(), "r-2", makeTasks(channels...), pol)

	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestDispatchBoundedByDeadlineWithSmallPool(t *testing.T) {
	pool := workerpool.New(1, workerpool.WithQueueSize(4))
	defer pool.Close()
	e := NewExecutor(pool, timeout.NewGuard(60), nil, nil)

	channels := make([]*fakeChannel, 4)
	for i := range channels {
		channels[i] = &fakeChannel{delay: time.Second}
	}
	pol := newPolicy(t, policy.RollbackOnAnyFailure())

	start := time.Now()
	results := e.Dispatch(context.Background(), "r-3", makeTasks(channels...), pol)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	for _, r := range results {
		assert.True(t, r.TimedOut())
	}
}

func TestDispatchCancelledStillRecordsAll(t *testing.T) {
	pool := workerpool.New(3)
	defer pool.Close()
	e := NewExecutor(pool, timeout.NewGuard(0), nil, nil)

	tasks := makeTasks(
		&fakeChannel{delay: time.Millisecond},
		&fakeChannel{delay: time.Minute},
		&fakeChannel{delay: time.Minute},
	)
	pol := newPolicy(t, policy.RollbackOnAnyFailure())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	results := e.Dispatch(ctx, "r-4", tasks, pol)

	assert.Equal(t, 3, pol.Recorded())
	assert.Equal(t, protocol.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, protocol.OutcomeFailed, results[1].Outcome)
	assert.Equal(t, protocol.OutcomeFailed, results[2].Outcome)

	verdict, err := pol.Decide(3)
	require.NoError(t, err)
	assert.Equal(t, protocol.VerdictRollback, verdict)
}

func TestDispatchClosedPoolRecordsFailure(t *testing.T) {
	pool := workerpool.New(1)
	pool.Close()
	e := NewExecutor(pool, timeout.NewGuard(100), nil, nil)

	ch := &fakeChannel{}
	pol := newPolicy(t, policy.RollbackOnAnyFailure())

	results := e.Dispatch(context.Background(), "r-5", makeTasks(ch), pol)

	require.Len(t, results, 1)
	assert.Equal(t, protocol.OutcomeFailed, results[0].Outcome)
	assert.True(t, results[0].Synthetic())
	assert.Equal(t, int32(0), atomic.LoadInt32(&ch.calls))
	assert.Equal(t, 1, pol.Recorded())
}

func TestDispatchEarlyDecisionCancelsPending(t *testing.T) {
	pool := workerpool.New(3)
	defer pool.Close()
	e := NewExecutor(pool, timeout.NewGuard(0), nil, nil)

	cfg := policy.RollbackOnAnyFailure()
	cfg.EarlyDecision = true
	pol := newPolicy(t, cfg)

	tasks := makeTasks(
		&fakeChannel{delay: time.Millisecond, outcome: protocol.OutcomeFailed},
		&fakeChannel{delay: time.Minute},
		&fakeChannel{delay: time.Minute},
	)

	start := time.Now()
	e.Dispatch(context.Background(), "r-6", tasks, pol)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 3, pol.Recorded())
}
