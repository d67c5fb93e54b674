package rollout

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

// ExecuteGroups applies plans to several server groups. In series, groups run
// one after another and everything after the first group that rolls back (or
// is abandoned) is reported as skipped. Concurrently, every group runs to its
// own verdict and one group's failure never affects another.
//
// Reports are returned in plan order. A group whose rollout errored has a nil
// report; the errors are joined.
func (c *Coordinator) ExecuteGroups(ctx context.Context, plans []Plan, inSeries bool) ([]*protocol.Report, error) {
	reports := make([]*protocol.Report, len(plans))
	errs := make([]error, len(plans))

	if inSeries {
		stopped := false
		for i, plan := range plans {
			if stopped {
				reports[i] = skipped(plan)
				continue
			}
			reports[i], errs[i] = c.Execute(ctx, plan)
			if errs[i] != nil || reports[i].Verdict == protocol.VerdictRollback {
				c.logger.Warn("stopping in-series rollout",
					zap.String("group", plan.Group),
					zap.Int("skipped", len(plans)-i-1))
				stopped = true
			}
		}
		return reports, joinGroupErrors(plans, errs)
	}

	var g errgroup.Group
	for i := range plans {
		idx := i
		g.Go(func() error {
			reports[idx], errs[idx] = c.Execute(ctx, plans[idx])
			return nil
		})
	}
	_ = g.Wait()

	return reports, joinGroupErrors(plans, errs)
}

func skipped(plan Plan) *protocol.Report {
	return &protocol.Report{
		Group:     plan.Group,
		Operation: plan.Operation,
		Skipped:   true,
	}
}

func joinGroupErrors(plans []Plan, errs []error) error {
	var joined []error
	for i, err := range errs {
		if err != nil {
			joined = append(joined, fmt.Errorf("group %s: %w", plans[i].Group, err))
		}
	}
	return errors.Join(joined...)
}
