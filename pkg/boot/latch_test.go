package boot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatchReleasesOnce(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Released())

	l.Release()
	l.Release()

	assert.True(t, l.Released())
	assert.NoError(t, l.Wait(context.Background()))
}

func TestLatchWaitHonorsContext(t *testing.T) {
	l := NewLatch()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}
