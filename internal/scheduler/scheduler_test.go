package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hmcts/bulk-scan-processor/internal/scheduler"
)

// manualClock fires After immediately, letting Run loop as fast as the test
// can observe ticks, without relying on wall-clock sleeps.
type manualClock struct{}

func (manualClock) Now() time.Time { return time.Time{} }
func (manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type countingDriver struct {
	count atomic.Int64
	done  chan struct{}
	target int64
}

func (d *countingDriver) Name() string { return "counting-driver" }
func (d *countingDriver) Tick(ctx context.Context) error {
	if n := d.count.Add(1); n == d.target {
		close(d.done)
	}
	return nil
}

func TestRunTicksUntilCancelled(t *testing.T) {
	driver := &countingDriver{done: make(chan struct{}), target: 5}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Run(ctx, manualClock{}, driver, time.Millisecond)

	select {
	case <-driver.done:
	case <-time.After(time.Second):
		t.Fatal("driver did not reach target tick count")
	}
}

type erroringDriver struct {
	calls atomic.Int64
}

func (d *erroringDriver) Name() string { return "erroring-driver" }
func (d *erroringDriver) Tick(ctx context.Context) error {
	d.calls.Add(1)
	return context.DeadlineExceeded
}

func TestRunSurvivesTickError(t *testing.T) {
	driver := &erroringDriver{}
	ctx, cancel := context.WithCancel(context.Background())

	scheduler.Run(ctx, manualClock{}, driver, time.Millisecond)

	require.Eventually(t, func() bool {
		return driver.calls.Load() >= 3
	}, time.Second, time.Millisecond)
	cancel()
}
