// Package policy aggregates participant outcomes and decides the verdict of a rollout.
package policy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

var (
	ErrDuplicateRecord = errors.New("outcome already recorded for participant")
	ErrIncomplete      = errors.New("not every participant has reported")
)

// Policy collects per-participant outcomes for one rollout. Record is safe for
// concurrent use; the verdict is a function of the record set only, never of
// the order in which records arrived.
type Policy struct {
	cfg Config

	mu      sync.Mutex
	records map[protocol.Identity]protocol.OutcomeRecord
	failed  int
}

// New creates a policy for one rollout.
func New(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{
		cfg:     cfg,
		records: make(map[protocol.Identity]protocol.OutcomeRecord),
	}, nil
}

// Config returns the policy configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Record stores the outcome of one participant. Each participant reports
// exactly once; a second record is rejected and the first one kept.
func (p *Policy) Record(rec protocol.OutcomeRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.records[rec.Identity]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.Identity)
	}

	if rec.Outcome != protocol.OutcomeSuccess {
		rec.Outcome = protocol.OutcomeFailed
		p.failed++
	}
	p.records[rec.Identity] = rec
	return nil
}

// Recorded returns the number of participants that reported.
func (p *Policy) Recorded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Disqualified reports whether the failures recorded so far already force a
// ROLLBACK for a group of total participants, whatever the others report.
func (p *Policy) Disqualified(total int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exceeds(p.failed, total)
}

// Decide computes the verdict for a group of total participants. Unless early
// decision is enabled and the group is already disqualified, every participant
// must have been recorded.
func (p *Policy) Decide(total int) (protocol.Verdict, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.records) < total {
		if p.cfg.EarlyDecision && p.exceeds(p.failed, total) {
			return protocol.VerdictRollback, nil
		}
		return "", fmt.Errorf("%w: %d of %d recorded", ErrIncomplete, len(p.records), total)
	}

	if p.exceeds(p.failed, total) {
		return protocol.VerdictRollback, nil
	}
	return protocol.VerdictCommit, nil
}

// ShouldCommit reports whether the participant takes part in a commit: the
// group verdict is COMMIT and the participant itself succeeded.
func (p *Policy) ShouldCommit(id protocol.Identity, verdict protocol.Verdict) bool {
	if verdict != protocol.VerdictCommit {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	return ok && rec.Outcome == protocol.OutcomeSuccess
}

// Records returns the outcome records in the given order. Identities that
// never reported are omitted.
func (p *Policy) Records(order []protocol.Identity) []protocol.OutcomeRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]protocol.OutcomeRecord, 0, len(order))
	for _, id := range order {
		if rec, ok := p.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// exceeds requires p.mu
func (p *Policy) exceeds(failed, total int) bool {
	switch {
	case p.cfg.RollbackOnAnyFailure:
		return failed > 0
	case p.cfg.MaxFailureCount != Unbounded:
		return failed > p.cfg.MaxFailureCount
	case p.cfg.MaxFailurePercent != Unbounded:
		if total == 0 {
			return false
		}
		return float64(failed)*100/float64(total) > p.cfg.MaxFailurePercent
	default:
		return false
	}
}
