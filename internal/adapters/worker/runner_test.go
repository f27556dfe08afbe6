package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumefeed/plume/internal/core"
)

// stubJobs only needs WaitForNotification; the embedded interface covers
// the rest of the surface for methods the runner never calls.
type stubJobs struct {
	core.PublishJobRepository
}

func (s *stubJobs) WaitForNotification(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type funcWorker struct {
	fn func(ctx context.Context) (bool, error)
}

func (w *funcWorker) ProcessOne(ctx context.Context) (bool, error) {
	return w.fn(ctx)
}

func TestRunner_Run_ProcessesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	w := &funcWorker{fn: func(context.Context) (bool, error) {
		if calls.Add(1) >= 3 {
			cancel()
			return false, nil
		}
		return true, nil
	}}

	r, err := NewRunner(RunnerOptions{
		Worker:       w,
		Jobs:         &stubJobs{},
		Publisher:    nil, // injected worker, no publisher needed
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx))
	assert.GreaterOrEqual(t, calls.Load(), int64(3))
}

func TestRunner_Run_FirstErrorCancelsPool(t *testing.T) {
	w := &funcWorker{fn: func(context.Context) (bool, error) {
		return false, errors.New("connection refused")
	}}

	r, err := NewRunner(RunnerOptions{
		Worker:       w,
		Jobs:         &stubJobs{},
		Concurrency:  4,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process job")
}

func TestRunner_Run_PollFallbackWakesIdleWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	w := &funcWorker{fn: func(context.Context) (bool, error) {
		if calls.Add(1) >= 2 {
			cancel()
		}
		return false, nil
	}}

	r, err := NewRunner(RunnerOptions{
		Worker:       w,
		Jobs:         &stubJobs{},
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx))
	// First call finds nothing, the poll timer drives the second.
	assert.GreaterOrEqual(t, calls.Load(), int64(2))
}

func TestNewRunner_RequiresWiring(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
}
