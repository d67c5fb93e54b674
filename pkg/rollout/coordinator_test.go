package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/rollout-engine/pkg/dispatch"
	"github.com/baxromumarov/rollout-engine/pkg/node"
	"github.com/baxromumarov/rollout-engine/pkg/participant"
	"github.com/baxromumarov/rollout-engine/pkg/policy"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
	"github.com/baxromumarov/rollout-engine/pkg/timeout"
	"github.com/baxromumarov/rollout-engine/pkg/workerpool"
)

// recordingChannel is a scripted participant that records every call with
// the time it happened.
type recordingChannel struct {
	delay       time.Duration
	reject      bool
	deliveryErr error
	panicOn     bool

	mu        sync.Mutex
	prepared  []time.Time
	commits   []time.Time
	rollbacks []time.Time
}

func (c *recordingChannel) Prepare(ctx context.Context, rolloutID string, op protocol.Operation) (*protocol.PrepareResponse, error) {
	if c.panicOn {
		panic("participant exploded")
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	c.prepared = append(c.prepared, time.Now())
	c.mu.Unlock()

	if c.reject {
		return &protocol.PrepareResponse{Outcome: protocol.OutcomeFailed, FailureDescription: "validation failed"}, nil
	}
	return &protocol.PrepareResponse{Outcome: protocol.OutcomeSuccess, Handle: "handle-" + rolloutID}, nil
}

func (c *recordingChannel) Commit(ctx context.Context, rolloutID, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, time.Now())
	return c.deliveryErr
}

func (c *recordingChannel) Rollback(ctx context.Context, rolloutID, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks = append(c.rollbacks, time.Now())
	return c.deliveryErr
}

func (c *recordingChannel) counts() (commits, rollbacks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.commits), len(c.rollbacks)
}

func newCoordinator(t *testing.T, timeoutMillis int64, opts ...Option) *Coordinator {
	pool := workerpool.New(8)
	t.Cleanup(pool.Close)
	exec := dispatch.NewExecutor(pool, timeout.NewGuard(timeoutMillis), nil, nil)
	return NewCoordinator(exec, opts...)
}

func makePlan(group string, cfg policy.Config, channels ...participant.Channel) Plan {
	members := make([]Member, len(channels))
	for i, ch := range channels {
		members[i] = Member{
			Identity: protocol.Identity{Host: "master", Server: fmt.Sprintf("server-%d", i+1)},
			Channel:  ch,
		}
	}
	return Plan{
		Group:     group,
		Members:   members,
		Operation: protocol.Operation{Name: "deploy", Params: map[string]any{"name": "app.war"}},
		Policy:    cfg,
	}
}

func TestAllSucceedCommits(t *testing.T) {
	c := newCoordinator(t, 1000)
	chs := []*recordingChannel{{}, {}, {}}

	report, err := c.Execute(context.Background(), makePlan("main", policy.RollbackOnAnyFailure(), chs[0], chs[1], chs[2]))
	require.NoError(t, err)

	assert.Equal(t, protocol.VerdictCommit, report.Verdict)
	assert.Len(t, report.Participants, 3)
	assert.Equal(t, 0, report.Failed())
	for _, ch := range chs {
		commits, rollbacks := ch.counts()
		assert.Equal(t, 1, commits)
		assert.Equal(t, 0, rollbacks)
	}
}

func TestTimedOutParticipantGetsNoSecondPhase(t *testing.T) {
	c := newCoordinator(t, 50)
	fast1 := &recordingChannel{}
	fast2 := &recordingChannel{}
	slow := &recordingChannel{delay: 300 * time.Millisecond}

	report, err := c.Execute(context.Background(), makePlan("main", policy.RollbackOnAnyFailure(), fast1, slow, fast2))
	require.NoError(t, err)

	assert.Equal(t, protocol.VerdictRollback, report.Verdict)
	assert.True(t, report.Participants[1].TimedOut)
	assert.Contains(t, report.Participants[1].Description, "timed out after 50 ms")

	for _, ch := range []*recordingChannel{fast1, fast2} {
		commits, rollbacks := ch.counts()
		assert.Equal(t, 0, commits)
		assert.Equal(t, 1, rollbacks)
	}

	// the late reply must not trigger anything either
	time.Sleep(400 * time.Millisecond)
	commits, rollbacks := slow.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 0, rollbacks)
}

func TestToleratedFailureCommitsSuccessfulOnly(t *testing.T) {
	c := newCoordinator(t, 1000)
	chs := []*recordingChannel{{}, {}, {reject: true}, {}, {}}

	report, err := c.Execute(context.Background(), makePlan("main", policy.MaxFailures(1), chs[0], chs[1], chs[2], chs[3], chs[4]))
	require.NoError(t, err)

	assert.Equal(t, protocol.VerdictCommit, report.Verdict)
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, "validation failed", report.Participants[2].Description)

	total := 0
	for i, ch := range chs {
		commits, rollbacks := ch.counts()
		assert.Equal(t, 0, rollbacks)
		if i == 2 {
			assert.Equal(t, 0, commits)
			continue
		}
		total += commits
	}
	assert.Equal(t, 4, total)
}

func TestNoSecondPhaseBeforeAllPreparesRecorded(t *testing.T) {
	c := newCoordinator(t, 0)
	chs := []*recordingChannel{
		{delay: 5 * time.Millisecond},
		{delay: 40 * time.Millisecond},
		{delay: 80 * time.Millisecond, reject: true},
		{delay: 20 * time.Millisecond},
	}

	_, err := c.Execute(context.Background(), makePlan("main", policy.RollbackOnAnyFailure(), chs[0], chs[1], chs[2], chs[3]))
	require.NoError(t, err)

	var lastPrepare, firstSecond time.Time
	for _, ch := range chs {
		ch.mu.Lock()
		for _, ts := range ch.prepared {
			if ts.After(lastPrepare) {
				lastPrepare = ts
			}
		}
		for _, ts := range append(append([]time.Time{}, ch.commits...), ch.rollbacks...) {
			if firstSecond.IsZero() || ts.Before(firstSecond) {
				firstSecond = ts
			}
		}
		ch.mu.Unlock()
	}

	require.False(t, firstSecond.IsZero())
	assert.False(t, firstSecond.Before(lastPrepare))
}

func TestStateTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []protocol.RolloutState
	c := newCoordinator(t, 100, WithStateListener(func(_ string, s protocol.RolloutState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))

	_, err := c.Execute(context.Background(), makePlan("main", policy.RollbackOnAnyFailure(), &recordingChannel{}))
	require.NoError(t, err)

	assert.Equal(t, []protocol.RolloutState{
		protocol.StateBuilding,
		protocol.StateDispatching,
		protocol.StateDecided,
		protocol.StateFinalizing,
		protocol.StateDone,
	}, states)
}

func TestDeliveryFailuresDoNotChangeVerdict(t *testing.T) {
	broken := errors.New("connection reset")

	tests := []struct {
		name     string
		reported bool
	}{
		{"logged only", false},
		{"included in report", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCoordinator(t, 1000, WithReportDeliveryFailures(tt.reported))
			ok := &recordingChannel{}
			bad := &recordingChannel{deliveryErr: broken}

			report, err := c.Execute(context.Background(), makePlan("main", policy.RollbackOnAnyFailure(), ok, bad))
			require.NoError(t, err)

			assert.Equal(t, protocol.VerdictCommit, report.Verdict)
			if tt.reported {
				require.Len(t, report.DeliveryFailures, 1)
				assert.Equal(t, protocol.PhaseCommit, report.DeliveryFailures[0].Phase)
				assert.Equal(t, "server-2", report.DeliveryFailures[0].Identity.Server)
				assert.Equal(t, "connection reset", report.DeliveryFailures[0].Error)
			} else {
				assert.Empty(t, report.DeliveryFailures)
			}
		})
	}
}

func TestEmptyGroupRejected(t *testing.T) {
	c := newCoordinator(t, 100)

	_, err := c.Execute(context.Background(), Plan{Group: "empty", Policy: policy.RollbackOnAnyFailure()})
	assert.ErrorIs(t, err, ErrNoParticipants)
}

func TestDuplicateMemberRejected(t *testing.T) {
	c := newCoordinator(t, 100)
	ch := &recordingChannel{}
	plan := makePlan("main", policy.RollbackOnAnyFailure(), ch, ch)
	plan.Members[1].Identity = plan.Members[0].Identity

	_, err := c.Execute(context.Background(), plan)
	assert.ErrorIs(t, err, ErrDuplicateParticipant)
	commits, rollbacks := ch.counts()
	assert.Zero(t, commits+rollbacks)
}

func TestInvalidPolicyRejected(t *testing.T) {
	c := newCoordinator(t, 100)
	cfg := policy.Config{RollbackOnAnyFailure: true, MaxFailureCount: 2, MaxFailurePercent: policy.Unbounded}

	_, err := c.Execute(context.Background(), makePlan("main", cfg, &recordingChannel{}))
	assert.ErrorIs(t, err, policy.ErrInvalidConfig)
}

func TestPanicAbandonsRollout(t *testing.T) {
	c := newCoordinator(t, 100, WithStateListener(func(_ string, s protocol.RolloutState) {
		if s == protocol.StateFinalizing {
			panic("listener exploded")
		}
	}))
	ch := &recordingChannel{}

	report, err := c.Execute(context.Background(), makePlan("main", policy.RollbackOnAnyFailure(), ch))

	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrRolloutAbandoned)
	commits, rollbacks := ch.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 1, rollbacks)
}

func TestCancelledRolloutStillReports(t *testing.T) {
	c := newCoordinator(t, 0)
	fast := &recordingChannel{}
	stuck := &recordingChannel{delay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	report, err := c.Execute(ctx, makePlan("main", policy.RollbackOnAnyFailure(), fast, stuck))
	require.NoError(t, err)

	assert.Equal(t, protocol.VerdictRollback, report.Verdict)
	require.Len(t, report.Participants, 2)
	assert.Equal(t, protocol.OutcomeFailed, report.Participants[1].Outcome)
	assert.False(t, report.Participants[1].TimedOut)

	_, rollbacks := fast.counts()
	assert.Equal(t, 1, rollbacks)
}

type memoryStore struct {
	mu      sync.Mutex
	reports []*protocol.Report
}

func (s *memoryStore) Save(ctx context.Context, r *protocol.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, r *protocol.Report) error {
	return errors.New("broker down")
}

func TestReportPersistedAndPublishFailureIgnored(t *testing.T) {
	store := &memoryStore{}
	c := newCoordinator(t, 100, WithReportStore(store), WithPublisher(failingPublisher{}))

	report, err := c.Execute(context.Background(), makePlan("main", policy.RollbackOnAnyFailure(), &recordingChannel{}))
	require.NoError(t, err)

	require.Len(t, store.reports, 1)
	assert.Equal(t, report.RolloutID, store.reports[0].RolloutID)
}

func TestRolloutAgainstLocalNodes(t *testing.T) {
	c := newCoordinator(t, 500)
	nodes := []*node.Node{node.NewNode("a:1"), node.NewNode("b:1"), node.NewNode("c:1")}
	channels := make([]participant.Channel, len(nodes))
	for i, n := range nodes {
		channels[i] = participant.NewLocalChannel(n)
	}

	report, err := c.Execute(context.Background(), makePlan("main", policy.RollbackOnAnyFailure(), channels...))
	require.NoError(t, err)

	assert.Equal(t, protocol.VerdictCommit, report.Verdict)
	for _, n := range nodes {
		assert.Empty(t, n.Pending())
	}
}
