package boot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

var ErrNoDeployment = errors.New("boot scan found no deployment")

// Result is what the pipeline produced for the boot deployment.
type Result struct {
	Report *protocol.Report
	Err    error
}

// Pipeline accepts an operation for asynchronous processing and calls done
// exactly once when it finishes. A returned error means done will not be called.
type Pipeline interface {
	Submit(ctx context.Context, op protocol.Operation, done func(Result)) error
}

// Future resolves once the boot deployment has finished, or once it is
// known that nothing will be deployed.
type Future struct {
	done *Latch

	mu     sync.Mutex
	result Result
}

func (f *Future) resolve(r Result) {
	f.mu.Lock()
	if f.done.Released() {
		f.mu.Unlock()
		return
	}
	f.result = r
	f.mu.Unlock()
	f.done.Release()
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done.Done()
}

// Wait blocks until the deployment finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	if err := f.done.Wait(ctx); err != nil {
		return Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, nil
}

// BootDeployment is the handshake between the boot scanner and the operation
// pipeline. Accepted is released once the scan has handed over its operation
// (or finished without one); the future resolves once the pipeline's
// completion callback has run. The two are independent so a scan that finds
// nothing can never leave boot waiting.
type BootDeployment struct {
	pipeline Pipeline
	logger   *zap.Logger

	accepted *Latch
	future   *Future

	mu sync.Mutex
	op *protocol.Operation
}

func NewBootDeployment(pipeline Pipeline, logger *zap.Logger) *BootDeployment {
	return &BootDeployment{
		pipeline: pipeline,
		logger:   logging.OrNop(logger).Named("boot"),
		accepted: NewLatch(),
		future:   &Future{done: NewLatch()},
	}
}

// Deploy is called by the scanner with the operation to run at boot. Only
// the first operation is kept.
func (b *BootDeployment) Deploy(op protocol.Operation) *Future {
	b.mu.Lock()
	if b.op != nil {
		b.mu.Unlock()
		b.logger.Warn("ignoring extra boot deployment", zap.String("operation", op.Name))
		return b.future
	}
	b.op = &op
	b.mu.Unlock()

	b.accepted.Release()
	return b.future
}

// Accepted is closed once the operation has been handed over or the scan
// ended without one.
func (b *BootDeployment) Accepted() <-chan struct{} {
	return b.accepted.Done()
}

func (b *BootDeployment) Future() *Future {
	return b.future
}

// Run performs the scan and hands whatever it deployed to the pipeline. It
// returns once the operation is accepted; use Future to wait for the result.
func (b *BootDeployment) Run(ctx context.Context, scan func(ctx context.Context, d *BootDeployment) error) error {
	scanErr := func() error {
		defer b.accepted.Release()
		return scan(ctx, b)
	}()

	if err := b.accepted.Wait(ctx); err != nil {
		b.future.resolve(Result{Err: err})
		return err
	}

	b.mu.Lock()
	op := b.op
	b.mu.Unlock()

	if op == nil {
		err := ErrNoDeployment
		if scanErr != nil {
			err = fmt.Errorf("%w: %w", ErrNoDeployment, scanErr)
		}
		b.logger.Info("boot scan finished without deployment")
		b.future.resolve(Result{Err: err})
		return scanErr
	}

	b.logger.Info("handing boot deployment to pipeline", zap.String("operation", op.Name))
	err := b.pipeline.Submit(ctx, *op, func(r Result) {
		if r.Err != nil {
			b.logger.Error("boot deployment failed", zap.String("operation", op.Name), zap.Error(r.Err))
		} else if r.Report != nil {
			b.logger.Info("boot deployment finished",
				zap.String("operation", op.Name),
				zap.String("verdict", string(r.Report.Verdict)))
		}
		b.future.resolve(r)
	})
	if err != nil {
		b.logger.Error("boot deployment not accepted", zap.String("operation", op.Name), zap.Error(err))
		b.future.resolve(Result{Err: err})
		return err
	}
	return scanErr
}
