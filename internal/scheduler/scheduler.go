// Package scheduler drives the Ingestion Coordinator, Document Uploader,
// and Completion Sweeper, each on its own fixed-delay poll loop, adapted
// from the teacher's cleanup-task poll loop and mockable clock.
package scheduler

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("scheduler")

// Clock abstracts time so drivers are testable without real sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the production Clock, backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Driver runs one tick of scheduled work. Implementations MUST translate
// any per-item failure into a classified outcome internally; a Driver
// returning an error aborts only the current tick, never the process.
type Driver interface {
	Name() string
	Tick(ctx context.Context) error
}

// Run starts a goroutine that calls d.Tick every delay, starting
// immediately, until ctx is cancelled. Ticks do not overlap: Run waits for
// a tick to finish and then waits the full delay before starting the next.
func Run(ctx context.Context, clock Clock, d Driver, delay time.Duration) {
	go func() {
		for {
			if err := d.Tick(ctx); err != nil {
				log.Errorw("driver tick failed", "driver", d.Name(), "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-clock.After(delay):
			}
		}
	}()
}
