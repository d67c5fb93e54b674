// Package rollout coordinates one management operation across a server group.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baxromumarov/rollout-engine/pkg/dispatch"
	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/metrics"
	"github.com/baxromumarov/rollout-engine/pkg/participant"
	"github.com/baxromumarov/rollout-engine/pkg/policy"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

var (
	ErrNoParticipants       = errors.New("server group has no participants")
	ErrDuplicateParticipant = errors.New("participant listed twice in server group")
	ErrRolloutAbandoned     = errors.New("rollout abandoned")
)

// ReportStore persists finished rollout reports.
type ReportStore interface {
	Save(ctx context.Context, report *protocol.Report) error
}

// Publisher announces finished rollout reports.
type Publisher interface {
	Publish(ctx context.Context, report *protocol.Report) error
}

// Member is one statically known server of a group.
type Member struct {
	Identity protocol.Identity
	Channel  participant.Channel
}

// Plan describes one rollout: the operation, the group it targets and the
// policy that decides its verdict.
type Plan struct {
	Group     string
	Members   []Member
	Operation protocol.Operation
	Policy    policy.Config
}

// StateListener is notified on every state transition of a rollout.
type StateListener func(rolloutID string, state protocol.RolloutState)

// Coordinator manages the two-phase rollout from the controller's perspective
type Coordinator struct {
	executor *dispatch.Executor
	metrics  *metrics.Collector
	logger   *zap.Logger
	store    ReportStore
	pub      Publisher
	listener StateListener

	reportDeliveryFailures bool
	sweepLimit             int
}

// Option configures a Coordinator
type Option func(*Coordinator)

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

func WithReportStore(s ReportStore) Option {
	return func(c *Coordinator) {
		c.store = s
	}
}

func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) {
		c.pub = p
	}
}

func WithStateListener(fn StateListener) Option {
	return func(c *Coordinator) {
		c.listener = fn
	}
}

// WithReportDeliveryFailures makes second-phase delivery failures part of
// the report. They are always logged and counted.
func WithReportDeliveryFailures(enabled bool) Option {
	return func(c *Coordinator) {
		c.reportDeliveryFailures = enabled
	}
}

// WithSweepLimit bounds the number of concurrent commit/rollback calls.
// Zero or less means no limit.
func WithSweepLimit(n int) Option {
	return func(c *Coordinator) {
		c.sweepLimit = n
	}
}

// NewCoordinator creates a new rollout coordinator
func NewCoordinator(executor *dispatch.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{executor: executor}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("coordinator")
	return c
}

// Execute runs one rollout to completion. The returned report always holds a
// verdict and an outcome for every member. An error means the rollout never
// reached a verdict.
func (c *Coordinator) Execute(ctx context.Context, plan Plan) (report *protocol.Report, err error) {
	rolloutID := uuid.NewString()
	started := time.Now()

	var prepared []*participant.PreparedInvocation
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("rollout abandoned",
				zap.String("rollout_id", rolloutID),
				zap.String("group", plan.Group),
				zap.String("operation", plan.Operation.Name),
				zap.Stringer("address", plan.Operation.Address),
				zap.Any("panic", r))
			c.abandon(ctx, prepared)
			report = nil
			err = fmt.Errorf("%w: group %s: %v", ErrRolloutAbandoned, plan.Group, r)
		}
	}()

	// BUILDING
	c.transition(rolloutID, protocol.StateBuilding)
	tasks, order, err := buildTasks(plan)
	if err != nil {
		return nil, err
	}
	pol, err := policy.New(plan.Policy)
	if err != nil {
		return nil, err
	}

	c.logger.Info("starting rollout",
		zap.String("rollout_id", rolloutID),
		zap.String("group", plan.Group),
		zap.String("operation", plan.Operation.Name),
		zap.Int("participants", len(tasks)),
		zap.Stringer("policy", plan.Policy))
	c.metrics.RolloutStarted()

	// DISPATCHING
	c.transition(rolloutID, protocol.StateDispatching)
	prepared = c.executor.Dispatch(ctx, rolloutID, tasks, pol)

	// DECIDED
	verdict, err := pol.Decide(len(tasks))
	if err != nil {
		panic(fmt.Sprintf("no verdict after dispatch: %v", err))
	}
	c.transition(rolloutID, protocol.StateDecided)
	c.logger.Info("verdict reached",
		zap.String("rollout_id", rolloutID),
		zap.String("verdict", string(verdict)),
		zap.Int("recorded", pol.Recorded()))

	// FINALIZING
	c.transition(rolloutID, protocol.StateFinalizing)
	failures := c.finalize(ctx, pol, prepared, verdict)

	report = &protocol.Report{
		RolloutID:    rolloutID,
		Group:        plan.Group,
		Operation:    plan.Operation,
		Verdict:      verdict,
		Participants: pol.Records(order),
		StartedAt:    started,
		FinishedAt:   time.Now(),
	}
	if c.reportDeliveryFailures {
		report.DeliveryFailures = failures
	}
	c.metrics.RolloutFinished(plan.Group, verdict)

	// DONE
	c.transition(rolloutID, protocol.StateDone)
	c.logger.Info("rollout finished",
		zap.String("rollout_id", rolloutID),
		zap.String("verdict", string(verdict)),
		zap.Int("failed", report.Failed()),
		zap.Int("delivery_failures", len(failures)),
		zap.Duration("took", report.FinishedAt.Sub(started)))

	c.persist(ctx, report)
	return report, nil
}

// finalize sends the second phase. Only invocations that really prepared are
// contacted; synthetic and failed ones are skipped by the invocation itself.
func (c *Coordinator) finalize(ctx context.Context, pol *policy.Policy, prepared []*participant.PreparedInvocation, verdict protocol.Verdict) []protocol.DeliveryFailure {
	// a cancelled caller must not stop the sweep for a decided rollout
	sweepCtx := context.WithoutCancel(ctx)

	var (
		mu       sync.Mutex
		failures []protocol.DeliveryFailure
	)

	var g errgroup.Group
	if c.sweepLimit > 0 {
		g.SetLimit(c.sweepLimit)
	}

	for _, p := range prepared {
		inv := p
		if !inv.InFlight() {
			continue
		}
		commit := pol.ShouldCommit(inv.Identity, verdict)

		g.Go(func() error {
			var err error
			if commit {
				err = inv.Commit(sweepCtx)
			} else {
				err = inv.Rollback(sweepCtx)
			}
			if err == nil {
				return nil
			}

			var de *participant.DeliveryError
			if !errors.As(err, &de) {
				c.logger.Warn("second phase skipped", zap.Stringer("participant", inv.Identity), zap.Error(err))
				return nil
			}

			c.logger.Error("failed to deliver second phase",
				zap.Stringer("participant", de.Identity),
				zap.String("phase", string(de.Phase)),
				zap.Error(de.Err))
			c.metrics.DeliveryFailed(de.Phase)

			mu.Lock()
			failures = append(failures, protocol.DeliveryFailure{
				Identity: de.Identity,
				Phase:    de.Phase,
				Error:    de.Err.Error(),
			})
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return failures
}

// abandon rolls back whatever prepared before the rollout broke down.
func (c *Coordinator) abandon(ctx context.Context, prepared []*participant.PreparedInvocation) {
	sweepCtx := context.WithoutCancel(ctx)
	for _, inv := range prepared {
		if inv == nil || !inv.InFlight() || inv.Resolved() {
			continue
		}
		if err := inv.Rollback(sweepCtx); err != nil {
			c.logger.Warn("rollback after abandon failed", zap.Stringer("participant", inv.Identity), zap.Error(err))
		}
	}
}

func (c *Coordinator) persist(ctx context.Context, report *protocol.Report) {
	if c.store != nil {
		if err := c.store.Save(ctx, report); err != nil {
			c.logger.Error("failed to save report", zap.String("rollout_id", report.RolloutID), zap.Error(err))
		}
	}
	if c.pub != nil {
		if err := c.pub.Publish(ctx, report); err != nil {
			c.logger.Error("failed to publish report", zap.String("rollout_id", report.RolloutID), zap.Error(err))
		}
	}
}

func (c *Coordinator) transition(rolloutID string, state protocol.RolloutState) {
	c.logger.Debug("state", zap.String("rollout_id", rolloutID), zap.String("state", string(state)))
	if c.listener != nil {
		c.listener(rolloutID, state)
	}
}

func buildTasks(plan Plan) ([]participant.Task, []protocol.Identity, error) {
	if len(plan.Members) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoParticipants, plan.Group)
	}

	tasks := make([]participant.Task, 0, len(plan.Members))
	order := make([]protocol.Identity, 0, len(plan.Members))
	seen := make(map[protocol.Identity]struct{}, len(plan.Members))

	for _, m := range plan.Members {
		id := m.Identity
		if id.Group == "" {
			id.Group = plan.Group
		}
		if _, ok := seen[id]; ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateParticipant, id)
		}
		seen[id] = struct{}{}

		tasks = append(tasks, participant.Task{
			Identity:  id,
			Operation: plan.Operation,
			Channel:   m.Channel,
		})
		order = append(order, id)
	}
	return tasks, order, nil
}
