// Package boot runs the single deployment a server performs while it starts.
package boot

import (
	"context"
	"sync"
)

// Latch is a single-shot signal. Release may be called any number of times;
// only the first call has an effect.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

func (l *Latch) Release() {
	l.once.Do(func() { close(l.ch) })
}

// Done is closed once the latch is released.
func (l *Latch) Done() <-chan struct{} {
	return l.ch
}

func (l *Latch) Released() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the latch is released or ctx is done.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
