package node

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

var ErrUnknownHandle = errors.New("prepared change not found")

// Applier validates an operation against the local server before it is staged.
// A returned error is a business rejection and becomes a FAILED prepare outcome.
type Applier interface {
	Apply(ctx context.Context, op protocol.Operation) (json.RawMessage, error)
}

// ApplierFunc adapts a function to the Applier interface
type ApplierFunc func(ctx context.Context, op protocol.Operation) (json.RawMessage, error)

func (f ApplierFunc) Apply(ctx context.Context, op protocol.Operation) (json.RawMessage, error) {
	return f(ctx, op)
}

// Node is the participant-side resource manager. It stages prepared
// operations until the coordinator commits or rolls them back.
type Node struct {
	Addr string // address of the node (e.g., "localhost:8081")

	pending   map[string]*stagedChange // handle -> staged change
	byRollout map[string]string        // rollout id -> handle
	mu        sync.RWMutex

	// Database connection (optional, journals staged operations)
	db      *sql.DB
	applier Applier
	logger  *zap.Logger
	now     func() time.Time
}

type stagedChange struct {
	RolloutID  string
	Operation  protocol.Operation
	PreparedAt time.Time
	tx         *sql.Tx
}

// Option configures a Node
type Option func(*Node)

// WithDB journals every staged operation inside a database transaction
func WithDB(db *sql.DB) Option {
	return func(n *Node) {
		n.db = db
	}
}

// WithApplier installs the business validation hook
func WithApplier(a Applier) Option {
	return func(n *Node) {
		n.applier = a
	}
}

// WithLogger sets the node logger
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) {
		n.logger = l
	}
}

// NewNode creates a new node instance
func NewNode(addr string, opts ...Option) *Node {
	n := &Node{
		Addr:      addr,
		pending:   make(map[string]*stagedChange),
		byRollout: make(map[string]string),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = logging.OrNop(n.logger).Named("node").With(zap.String("addr", addr))
	return n
}

// HasDB reports whether staged operations are journaled
func (n *Node) HasDB() bool {
	return n.db != nil
}

// Prepare stages an operation and returns the prepare reply. Rejections are
// reported as FAILED outcomes, never as errors.
func (n *Node) Prepare(ctx context.Context, rolloutID string, op protocol.Operation) *protocol.PrepareResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.byRollout[rolloutID]; exists {
		return failed(fmt.Sprintf("rollout %s already in progress", rolloutID))
	}

	var result json.RawMessage
	if n.applier != nil {
		res, err := n.applier.Apply(ctx, op)
		if err != nil {
			n.logger.Info("operation rejected",
				zap.String("rollout_id", rolloutID),
				zap.String("operation", op.Name),
				zap.Error(err))
			return failed(err.Error())
		}
		result = res
	}

	change := &stagedChange{
		RolloutID:  rolloutID,
		Operation:  op,
		PreparedAt: n.now(),
	}

	if n.db != nil {
		// The tx outlives the prepare request; commit or rollback ends it.
		tx, err := n.db.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			n.logger.Error("failed to begin transaction", zap.Error(err))
			return failed(err.Error())
		}

		if err := journal(ctx, tx, rolloutID, op); err != nil {
			_ = tx.Rollback()
			n.logger.Error("failed to journal operation", zap.Error(err))
			return failed(err.Error())
		}
		change.tx = tx
	}

	handle := uuid.NewString()
	n.pending[handle] = change
	n.byRollout[rolloutID] = handle

	n.logger.Debug("prepared operation",
		zap.String("rollout_id", rolloutID),
		zap.String("handle", handle),
		zap.String("operation", op.Name))

	return &protocol.PrepareResponse{
		Outcome: protocol.OutcomeSuccess,
		Result:  result,
		Handle:  handle,
	}
}

// Commit makes a prepared change final
func (n *Node) Commit(handle string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	change, exists := n.pending[handle]
	if !exists {
		return fmt.Errorf("commit %s: %w", handle, ErrUnknownHandle)
	}

	if change.tx != nil {
		if err := change.tx.Commit(); err != nil {
			n.logger.Error("failed to commit", zap.String("handle", handle), zap.Error(err))
			// a finished tx cannot be retried
			n.forgetLocked(handle, change)
			return err
		}
	}

	n.forgetLocked(handle, change)
	n.logger.Debug("committed operation", zap.String("handle", handle))
	return nil
}

// Rollback discards a prepared change. Unknown handles are accepted: the
// change may never have been staged.
func (n *Node) Rollback(handle string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	change, exists := n.pending[handle]
	if !exists {
		n.logger.Debug("rollback for unknown handle", zap.String("handle", handle))
		return nil
	}

	if err := n.rollbackLocked(handle, change); err != nil {
		return err
	}

	n.logger.Debug("rolled back operation", zap.String("handle", handle))
	return nil
}

// ReapExpired rolls back changes that stayed prepared longer than ttl and
// returns how many were discarded.
func (n *Node) ReapExpired(ttl time.Duration) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := n.now().Add(-ttl)
	reaped := 0
	for handle, change := range n.pending {
		if change.PreparedAt.After(cutoff) {
			continue
		}

		if err := n.rollbackLocked(handle, change); err != nil {
			continue
		}

		n.logger.Warn("discarded expired prepared change",
			zap.String("handle", handle),
			zap.String("rollout_id", change.RolloutID))
		reaped++
	}
	return reaped
}

// HasPending checks if a handle is still prepared
func (n *Node) HasPending(handle string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, exists := n.pending[handle]
	return exists
}

// Pending returns all prepared handles
func (n *Node) Pending() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	handles := make([]string, 0, len(n.pending))
	for h := range n.pending {
		handles = append(handles, h)
	}
	return handles
}

// rollbackLocked requires n.mu
func (n *Node) rollbackLocked(handle string, change *stagedChange) error {
	if change.tx != nil {
		if err := change.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			n.logger.Error("failed to rollback", zap.String("handle", handle), zap.Error(err))
			return err
		}
	}

	n.forgetLocked(handle, change)
	return nil
}

func (n *Node) forgetLocked(handle string, change *stagedChange) {
	delete(n.pending, handle)
	delete(n.byRollout, change.RolloutID)
}

func failed(description string) *protocol.PrepareResponse {
	return &protocol.PrepareResponse{
		Outcome:            protocol.OutcomeFailed,
		FailureDescription: description,
	}
}
