// Package timeout bounds the wait for a participant's prepare reply and turns
// a stalled participant into a synthetic failure.
package timeout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/metrics"
	"github.com/baxromumarov/rollout-engine/pkg/participant"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

// Guard wraps the prepare call of a participant with a deadline.
type Guard struct {
	timeout time.Duration
	tracker *Tracker
	metrics *metrics.Collector
	logger  *zap.Logger
}

// Option configures a Guard
type Option func(*Guard)

// WithTracker sets the tracker receiving timeout diagnostics
func WithTracker(t *Tracker) Option {
	return func(g *Guard) {
		g.tracker = t
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithLogger sets the guard logger
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		g.logger = l
	}
}

// NewGuard creates a guard with a per-participant timeout in milliseconds.
// Zero means waiting indefinitely.
func NewGuard(timeoutMillis int64, opts ...Option) *Guard {
	if timeoutMillis < 0 {
		timeoutMillis = 0
	}

	g := &Guard{
		timeout: time.Duration(timeoutMillis) * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.tracker == nil {
		g.tracker = NewTracker()
	}
	g.logger = logging.OrNop(g.logger).Named("timeout")
	return g
}

// Timeout returns the configured per-participant timeout.
func (g *Guard) Timeout() time.Duration {
	return g.timeout
}

// Tracker returns the timeout diagnostics tracker.
func (g *Guard) Tracker() *Tracker {
	return g.tracker
}

// Deadline returns the deadline for a dispatch started at start, or the zero
// time when there is no timeout.
func (g *Guard) Deadline(start time.Time) time.Time {
	if g.timeout == 0 {
		return time.Time{}
	}
	return start.Add(g.timeout)
}

type reply struct {
	resp *protocol.PrepareResponse
	err  error
	at   time.Time
}

// Prepare sends the prepare request of task and waits until deadline. A zero
// deadline waits until the reply arrives or ctx is done.
func (g *Guard) Prepare(ctx context.Context, rolloutID string, task participant.Task, deadline time.Time) *participant.PreparedInvocation {
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return g.timedOut(rolloutID, task)
	}

	prepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				replies <- reply{err: fmt.Errorf("prepare panicked: %v", p), at: time.Now()}
			}
		}()
		resp, err := task.Channel.Prepare(prepCtx, rolloutID, task.Operation)
		replies <- reply{resp: resp, err: err, at: time.Now()}
	}()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-replies:
		if !deadline.IsZero() && r.at.After(deadline) {
			g.discardLate(rolloutID, task, r)
			return g.timedOut(rolloutID, task)
		}
		if r.err != nil {
			g.logger.Info("prepare failed in transport",
				zap.Stringer("participant", task.Identity),
				zap.Error(r.err))
			return participant.NewTransportFailure(task, rolloutID, r.err)
		}
		if r.resp == nil {
			return participant.NewTransportFailure(task, rolloutID, fmt.Errorf("empty prepare reply"))
		}
		return participant.NewPrepared(task, rolloutID, r.resp)

	case <-expired:
		go g.awaitLate(rolloutID, task, replies)
		return g.timedOut(rolloutID, task)

	case <-ctx.Done():
		go g.awaitLate(rolloutID, task, replies)
		return participant.NewSynthetic(task, rolloutID,
			fmt.Sprintf("execution of operation '%s' on remote process at address '%s' was interrupted: %v",
				task.Operation.Name, task.Identity.PathAddress(), ctx.Err()),
			false)
	}
}

func (g *Guard) timedOut(rolloutID string, task participant.Task) *participant.PreparedInvocation {
	g.tracker.record(task.Identity)
	g.metrics.PrepareTimedOut(task.Identity.Group)

	millis := g.timeout.Milliseconds()
	g.logger.Warn("prepare timed out",
		zap.String("rollout_id", rolloutID),
		zap.Stringer("participant", task.Identity),
		zap.Int64("timeout_ms", millis))

	return participant.NewSynthetic(task, rolloutID,
		fmt.Sprintf("execution of operation '%s' on remote process at address '%s' timed out after %d ms while awaiting initial response",
			task.Operation.Name, task.Identity.PathAddress(), millis),
		true)
}

// awaitLate drains the reply of an abandoned prepare so its goroutine can exit.
func (g *Guard) awaitLate(rolloutID string, task participant.Task, replies <-chan reply) {
	g.discardLate(rolloutID, task, <-replies)
}

// discardLate logs a reply that arrived after the rollout stopped waiting.
// The participant is not contacted again; its prepare context was cancelled
// and it discards the staged change on its own.
func (g *Guard) discardLate(rolloutID string, task participant.Task, r reply) {
	fields := []zap.Field{
		zap.String("rollout_id", rolloutID),
		zap.Stringer("participant", task.Identity),
	}
	if r.err != nil {
		fields = append(fields, zap.Error(r.err))
	} else if r.resp != nil {
		fields = append(fields, zap.String("outcome", string(r.resp.Outcome)))
	}
	g.logger.Debug("discarding late prepare reply", fields...)
}
